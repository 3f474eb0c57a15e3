/*
carryforward.go - Invoice creation and balance carry-forward

PURPOSE:
  A new invoice absorbs whatever the client still owes. Its PreviousBalance
  is the sum, over every UNPAID/PARTIAL invoice, of the part of that
  invoice's balance due not already folded into another live invoice.
  CANCELLED invoices never contribute.

  PreviousInvoiceID points at the newest contributing invoice, giving the
  singly-linked chain clients see on printed invoices. One CarryLink per
  contributor records exactly what was folded in, so later payments at the
  origin can be taken back out of the descendant (see allocation.go).

EXAMPLE:
  A: subtotal 500, UNPAID, due 500
  create B with items totalling 300:
    B.PreviousBalance   = 500
    B.PreviousInvoiceID = A
    B.TotalAmount       = 800
    link A->B outstanding 500
  create C with items totalling 100:
    A is fully carried into B, so only B contributes:
    C.PreviousBalance   = 800
*/
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// LineItemInput is one requested line on a new invoice.
type LineItemInput struct {
	Name     string
	Width    decimal.Decimal
	Height   decimal.Decimal
	Quantity int
	Rate     decimal.Decimal
}

type CreateInvoiceInput struct {
	ClientID ClientID
	Items    []LineItemInput
	Notes    string
	// Discount overrides the client's membership discount when set.
	Discount *decimal.Decimal
	Actor    string
}

func (in CreateInvoiceInput) validate() error {
	if in.ClientID == "" {
		return badInput("client", "required")
	}
	if len(in.Items) == 0 {
		return badInput("items", "at least one line item is required")
	}
	for i, it := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		switch {
		case strings.TrimSpace(it.Name) == "":
			return badInput(field+".name", "required")
		case !it.Width.IsPositive():
			return badInput(field+".width", "must be greater than zero")
		case !it.Height.IsPositive():
			return badInput(field+".height", "must be greater than zero")
		case !it.Rate.IsPositive():
			return badInput(field+".rate", "must be greater than zero")
		case it.Quantity <= 0:
			return badInput(field+".quantity", "must be greater than zero")
		}
	}
	if in.Discount != nil && in.Discount.IsNegative() {
		return badInput("discount", "must not be negative")
	}
	return nil
}

// carryContribution is one open invoice feeding a new invoice's
// PreviousBalance.
type carryContribution struct {
	from   *Invoice
	amount decimal.Decimal
}

// carryForward computes what a new invoice for this book absorbs.
func (b *book) carryForward() (decimal.Decimal, []carryContribution, *InvoiceID) {
	total := decimal.Zero
	var parts []carryContribution
	for _, inv := range b.openInvoices() {
		u := b.uncarried(inv)
		if !u.IsPositive() {
			continue
		}
		parts = append(parts, carryContribution{from: inv, amount: u})
		total = total.Add(u)
	}
	if len(parts) == 0 {
		return decimal.Zero, nil, nil
	}
	prev := parts[len(parts)-1].from.ID
	return Money(total), parts, &prev
}

// CreateInvoice bills a client for new line items, carrying forward the
// client's outstanding balance.
func (e *Engine) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*Invoice, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var created *Invoice
	err := e.withTx(ctx, "create invoice", func(tx Tx) error {
		client, err := tx.GetClient(ctx, in.ClientID)
		if err != nil {
			return err
		}
		if !client.IsActive {
			return notFound("client", string(in.ClientID))
		}

		b, err := loadBook(ctx, tx, client.ID)
		if err != nil {
			return err
		}

		now := e.now()
		inv := &Invoice{
			ID:        InvoiceID(newID()),
			ClientID:  client.ID,
			Status:    StatusUnpaid,
			Notes:     in.Notes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		for _, it := range in.Items {
			li := LineItem{
				Name:     strings.TrimSpace(it.Name),
				Width:    it.Width,
				Height:   it.Height,
				Quantity: it.Quantity,
				Rate:     it.Rate,
			}
			li.Amount = li.ComputeAmount()
			inv.Items = append(inv.Items, li)
			inv.Subtotal = inv.Subtotal.Add(li.Amount)
		}
		inv.Subtotal = Money(inv.Subtotal)

		switch {
		case in.Discount != nil:
			if Money(*in.Discount).GreaterThan(inv.Subtotal) {
				return badInput("discount", "must not exceed the subtotal")
			}
			inv.Discount = Money(*in.Discount)
		case client.Membership.ActiveAt(now):
			inv.Discount = client.Membership.DiscountOn(inv.Subtotal)
		}

		prevBalance, parts, prevID := b.carryForward()
		inv.PreviousBalance = prevBalance
		inv.PreviousInvoiceID = prevID
		inv.Recompute()

		inv.InvoiceNumber, err = e.nextNumber(ctx, tx, SeqInvoice)
		if err != nil {
			return err
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		for _, p := range parts {
			link := &CarryLink{
				ID:            LinkID(newID()),
				FromInvoiceID: p.from.ID,
				ToInvoiceID:   inv.ID,
				Amount:        p.amount,
				Outstanding:   p.amount,
				CreatedAt:     now,
			}
			if err := tx.InsertCarryLink(ctx, link); err != nil {
				return fmt.Errorf("insert carry link: %w", err)
			}
		}

		charges := inv.Subtotal.Sub(inv.Discount)
		if err := e.appendEntry(ctx, tx, client.ID, charges, CauseInvoiceCreated, string(inv.ID)); err != nil {
			return err
		}
		details := map[string]any{
			"invoice_number":   inv.InvoiceNumber,
			"subtotal":         inv.Subtotal.StringFixed(MoneyPlaces),
			"previous_balance": inv.PreviousBalance.StringFixed(MoneyPlaces),
			"discount":         inv.Discount.StringFixed(MoneyPlaces),
			"total_amount":     inv.TotalAmount.StringFixed(MoneyPlaces),
		}
		if prevID != nil {
			details["previous_invoice_id"] = string(*prevID)
		}
		if err := e.audit(ctx, tx, AuditEvent{
			EntityType: "invoice",
			EntityID:   string(inv.ID),
			Action:     AuditInvoiceCreated,
			Actor:      in.Actor,
			Details:    details,
		}); err != nil {
			return err
		}
		created = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("client_id", string(created.ClientID)).
		Str("invoice", created.InvoiceNumber).
		Str("total", created.TotalAmount.StringFixed(MoneyPlaces)).
		Str("previous_balance", created.PreviousBalance.StringFixed(MoneyPlaces)).
		Msg("invoice created")
	return created, nil
}
