package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECEIVE PAYMENT
// =============================================================================

type ReceivePaymentInput struct {
	ClientID ClientID
	Amount   decimal.Decimal
	Method   PaymentMethod
	// InvoiceID targets one invoice; nil spreads the payment FIFO.
	InvoiceID *InvoiceID
	Reference string
	Notes     string
	Actor     string
}

// PaymentResult is what the cashier sees after a payment is taken.
type PaymentResult struct {
	Payment        *Payment
	ReceiptNumber  string
	Allocations    []Allocation
	TotalAllocated decimal.Decimal
	CreditAdded    decimal.Decimal
}

func (in *ReceivePaymentInput) normalize() error {
	if in.ClientID == "" {
		return badInput("client", "required")
	}
	in.Amount = Money(in.Amount)
	if !in.Amount.IsPositive() {
		return badInput("amount", "must be greater than zero")
	}
	if in.Method == "" {
		in.Method = MethodCash
	}
	in.Method = PaymentMethod(strings.ToUpper(string(in.Method)))
	if !in.Method.Valid() {
		return badInput("method", "must be one of CASH, BANK, CHEQUE, ONLINE")
	}
	return nil
}

// ReceivePayment applies a payment to the client's open invoices and turns
// any excess into client credit. Every change commits together or not at
// all. Calls are not idempotent: each one issues a new receipt.
func (e *Engine) ReceivePayment(ctx context.Context, in ReceivePaymentInput) (*PaymentResult, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	var result *PaymentResult
	err := e.withTx(ctx, "receive payment", func(tx Tx) error {
		client, err := tx.GetClient(ctx, in.ClientID)
		if err != nil {
			return err
		}
		b, err := loadBook(ctx, tx, client.ID)
		if err != nil {
			return err
		}

		var targets []*Invoice
		if in.InvoiceID != nil {
			target, ok := b.invoices[*in.InvoiceID]
			if !ok {
				return notFound("invoice", string(*in.InvoiceID))
			}
			switch target.Status {
			case StatusCancelled:
				return badState("Invoice is cancelled")
			case StatusPaid:
				return badState("Invoice already fully paid")
			}
			targets = b.carriedInto(target)
		} else {
			targets = b.openInvoices()
		}

		now := e.now()
		payment := &Payment{
			ID:        PaymentID(newID()),
			ClientID:  client.ID,
			InvoiceID: in.InvoiceID,
			Amount:    in.Amount,
			Method:    in.Method,
			Reference: strings.TrimSpace(in.Reference),
			Notes:     in.Notes,
			CreatedAt: now,
		}

		remaining := newAllocator(b, payment).allocate(targets, in.Amount)
		if remaining.IsPositive() {
			if e.strictOverpayment {
				return badState(fmt.Sprintf("Payment exceeds the outstanding balance by %s", remaining.StringFixed(MoneyPlaces)))
			}
			payment.CreditAdded = remaining
			client.CreditBalance = Money(client.CreditBalance.Add(remaining))
			client.UpdatedAt = now
			if err := tx.UpdateClient(ctx, client); err != nil {
				return fmt.Errorf("update client credit: %w", err)
			}
		}

		payment.ReceiptNumber, err = e.nextNumber(ctx, tx, SeqReceipt)
		if err != nil {
			return err
		}
		if err := b.flush(ctx, tx); err != nil {
			return fmt.Errorf("update invoices: %w", err)
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if err := e.appendEntry(ctx, tx, client.ID, payment.Amount.Neg(), CausePaymentReceived, string(payment.ID)); err != nil {
			return err
		}

		allocated := totalApplied(payment.Allocations)
		if err := e.audit(ctx, tx, AuditEvent{
			EntityType: "payment",
			EntityID:   string(payment.ID),
			Action:     AuditPaymentReceived,
			Actor:      in.Actor,
			Details: map[string]any{
				"receipt_number":  payment.ReceiptNumber,
				"amount":          payment.Amount.StringFixed(MoneyPlaces),
				"method":          string(payment.Method),
				"allocated":       allocated.StringFixed(MoneyPlaces),
				"credit_added":    payment.CreditAdded.StringFixed(MoneyPlaces),
				"invoices_paid":   len(payment.Allocations),
				"carry_trims":     len(payment.CarryTrims),
				"flagged_parents": len(payment.FlaggedInvoices),
			},
		}); err != nil {
			return err
		}

		result = &PaymentResult{
			Payment:        payment,
			ReceiptNumber:  payment.ReceiptNumber,
			Allocations:    payment.Allocations,
			TotalAllocated: allocated,
			CreditAdded:    payment.CreditAdded,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("client_id", string(in.ClientID)).
		Str("receipt", result.ReceiptNumber).
		Str("amount", in.Amount.StringFixed(MoneyPlaces)).
		Str("allocated", result.TotalAllocated.StringFixed(MoneyPlaces)).
		Str("credit_added", result.CreditAdded.StringFixed(MoneyPlaces)).
		Msg("payment received")
	return result, nil
}

// =============================================================================
// READ / UPDATE
// =============================================================================

func (e *Engine) GetPayment(ctx context.Context, id PaymentID) (*Payment, error) {
	return e.store.GetPayment(ctx, id)
}

func (e *Engine) ListPayments(ctx context.Context, clientID ClientID) ([]Payment, error) {
	if _, err := e.store.GetClient(ctx, clientID); err != nil {
		return nil, err
	}
	return e.store.ListPayments(ctx, clientID)
}

// PaymentDetails holds the non-financial fields of a payment. Nil fields are
// left unchanged. The amount is immutable once recorded.
type PaymentDetails struct {
	Method    *PaymentMethod
	Reference *string
	Notes     *string
	Actor     string
}

func (e *Engine) UpdatePaymentDetails(ctx context.Context, id PaymentID, d PaymentDetails) (*Payment, error) {
	if d.Method != nil {
		m := PaymentMethod(strings.ToUpper(string(*d.Method)))
		if !m.Valid() {
			return nil, badInput("method", "must be one of CASH, BANK, CHEQUE, ONLINE")
		}
		d.Method = &m
	}

	var updated *Payment
	err := e.withTx(ctx, "update payment", func(tx Tx) error {
		p, err := tx.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		changes := map[string]any{}
		if d.Method != nil && *d.Method != p.Method {
			changes["method"] = string(*d.Method)
			p.Method = *d.Method
		}
		if d.Reference != nil && strings.TrimSpace(*d.Reference) != p.Reference {
			p.Reference = strings.TrimSpace(*d.Reference)
			changes["reference"] = p.Reference
		}
		if d.Notes != nil && *d.Notes != p.Notes {
			p.Notes = *d.Notes
			changes["notes"] = p.Notes
		}
		updated = p
		if len(changes) == 0 {
			return nil
		}
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		return e.audit(ctx, tx, AuditEvent{
			EntityType: "payment",
			EntityID:   string(p.ID),
			Action:     AuditPaymentUpdated,
			Actor:      d.Actor,
			Details:    changes,
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
