/*
reversal.go - Deleting a payment

PURPOSE:
  Undo everything a payment did, in one transaction:
    - each allocation:  paid = max(0, paid - applied), recompute due/status
    - each carry trim:  restore the link and the descendant's PreviousBalance
    - ancestor flags no longer backed by a PAID descendant are cleared
    - the credit it added is taken back from the client

  For a payment applied to a single invoice with no carried balance this is
  exactly: newPaid = max(0, paid - amount), newDue = total - newPaid,
  status PAID / PARTIAL / UNPAID.

  If the client no longer holds the credit the payment created, the
  reversal is refused rather than driving credit negative.
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// DeletePayment reverses a payment and removes it.
func (e *Engine) DeletePayment(ctx context.Context, id PaymentID, actor string) error {
	var reversed *Payment
	err := e.withTx(ctx, "delete payment", func(tx Tx) error {
		p, err := tx.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		client, err := tx.GetClient(ctx, p.ClientID)
		if err != nil {
			return err
		}
		b, err := loadBook(ctx, tx, p.ClientID)
		if err != nil {
			return err
		}

		wasPaid := map[InvoiceID]bool{}
		for _, inv := range b.ordered {
			wasPaid[inv.ID] = inv.Status == StatusPaid
		}

		touched := map[InvoiceID]bool{}
		for i := len(p.CarryTrims) - 1; i >= 0; i-- {
			trim := p.CarryTrims[i]
			link, ok := b.links[trim.LinkID]
			if !ok {
				continue
			}
			link.Outstanding = Money(link.Outstanding.Add(trim.Amount))
			b.touchLink(link)
			if dst, ok := b.invoices[link.ToInvoiceID]; ok {
				dst.PreviousBalance = Money(dst.PreviousBalance.Add(trim.Amount))
				touched[dst.ID] = true
			}
		}
		for i := len(p.Allocations) - 1; i >= 0; i-- {
			al := p.Allocations[i]
			inv, ok := b.invoices[al.InvoiceID]
			if !ok {
				continue
			}
			inv.PaidAmount = Money(maxDec(decimal.Zero, inv.PaidAmount.Sub(al.AmountApplied)))
			touched[inv.ID] = true
		}
		now := e.now()
		for _, inv := range b.ordered {
			if touched[inv.ID] {
				inv.Recompute()
				inv.UpdatedAt = now
				b.touch(inv)
			}
		}

		// A flag survives only while some PAID descendant still explains it,
		// whichever payment happened to set it.
		unflag := map[InvoiceID]bool{}
		for _, invID := range p.FlaggedInvoices {
			unflag[invID] = true
		}
		for _, inv := range b.ordered {
			if wasPaid[inv.ID] && inv.Status != StatusPaid {
				for _, anc := range b.ancestors(inv) {
					unflag[anc.ID] = true
				}
			}
		}
		settled := b.settledByDescendant()
		for _, inv := range b.ordered {
			if unflag[inv.ID] && inv.BalancePaidFromFutureInvoice && !settled[inv.ID] {
				inv.BalancePaidFromFutureInvoice = false
				inv.UpdatedAt = now
				b.touch(inv)
			}
		}

		if p.CreditAdded.IsPositive() {
			if client.CreditBalance.LessThan(p.CreditAdded) {
				return &StateError{
					Reason: "Payment cannot be deleted: the credit it created has already been used",
					cause:  ErrCreditUnavailable,
				}
			}
			client.CreditBalance = Money(client.CreditBalance.Sub(p.CreditAdded))
			client.UpdatedAt = now
			if err := tx.UpdateClient(ctx, client); err != nil {
				return fmt.Errorf("update client credit: %w", err)
			}
		}

		if err := b.flush(ctx, tx); err != nil {
			return fmt.Errorf("update invoices: %w", err)
		}
		if err := tx.DeletePayment(ctx, p.ID); err != nil {
			return fmt.Errorf("delete payment: %w", err)
		}
		if err := e.appendEntry(ctx, tx, p.ClientID, p.Amount, CausePaymentReversed, string(p.ID)); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, AuditEvent{
			EntityType: "payment",
			EntityID:   string(p.ID),
			Action:     AuditPaymentDeleted,
			Actor:      actor,
			Details: map[string]any{
				"receipt_number":  p.ReceiptNumber,
				"amount":          p.Amount.StringFixed(MoneyPlaces),
				"credit_reversed": p.CreditAdded.StringFixed(MoneyPlaces),
				"allocations":     len(p.Allocations),
			},
		}); err != nil {
			return err
		}
		reversed = p
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info().
		Str("client_id", string(reversed.ClientID)).
		Str("receipt", reversed.ReceiptNumber).
		Str("amount", reversed.Amount.StringFixed(MoneyPlaces)).
		Msg("payment reversed")
	return nil
}
