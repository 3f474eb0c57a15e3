package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// READ
// =============================================================================

func (e *Engine) GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error) {
	return e.store.GetInvoice(ctx, id)
}

// ListInvoices returns a client's invoices oldest first.
func (e *Engine) ListInvoices(ctx context.Context, clientID ClientID) ([]Invoice, error) {
	if _, err := e.store.GetClient(ctx, clientID); err != nil {
		return nil, err
	}
	return e.store.ListInvoices(ctx, clientID)
}

// =============================================================================
// CANCEL / DELETE
// =============================================================================

// checkRemovable refuses invoices that money has touched: any payment
// allocated to it or targeted at it, or a balance still carried into a
// newer live invoice.
func checkRemovable(ctx context.Context, tx Tx, b *book, inv *Invoice) error {
	if inv.PaidAmount.IsPositive() {
		return badState("Invoice has payments and cannot be removed")
	}
	payments, err := tx.ListPayments(ctx, inv.ClientID)
	if err != nil {
		return fmt.Errorf("list payments: %w", err)
	}
	for _, p := range payments {
		if p.InvoiceID != nil && *p.InvoiceID == inv.ID {
			return badState("Invoice has payments and cannot be removed")
		}
		for _, al := range p.Allocations {
			if al.InvoiceID == inv.ID {
				return badState("Invoice has payments and cannot be removed")
			}
		}
	}
	if b.carriedOut(inv).IsPositive() {
		return badState("Invoice balance is carried into a newer invoice")
	}
	return nil
}

// CancelInvoice moves an unpaid invoice to CANCELLED. Balances it had
// absorbed from older invoices become owed on those invoices again.
func (e *Engine) CancelInvoice(ctx context.Context, id InvoiceID, actor string) (*Invoice, error) {
	var cancelled *Invoice
	err := e.withTx(ctx, "cancel invoice", func(tx Tx) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == StatusCancelled {
			return badState("Invoice is cancelled")
		}
		b, err := loadBook(ctx, tx, inv.ClientID)
		if err != nil {
			return err
		}
		inv = b.invoices[id]
		if err := checkRemovable(ctx, tx, b, inv); err != nil {
			return err
		}

		inv.Status = StatusCancelled
		inv.UpdatedAt = e.now()
		b.touch(inv)
		if err := b.flush(ctx, tx); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		charges := inv.Subtotal.Sub(inv.Discount)
		if err := e.appendEntry(ctx, tx, inv.ClientID, charges.Neg(), CauseInvoiceCancelled, string(inv.ID)); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, AuditEvent{
			EntityType: "invoice",
			EntityID:   string(inv.ID),
			Action:     AuditInvoiceCancelled,
			Actor:      actor,
			Details:    map[string]any{"invoice_number": inv.InvoiceNumber},
		}); err != nil {
			return err
		}
		cancelled = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("client_id", string(cancelled.ClientID)).Str("invoice", cancelled.InvoiceNumber).Msg("invoice cancelled")
	return cancelled, nil
}

// DeleteInvoice removes an invoice that has no payments, together with its
// carry links.
func (e *Engine) DeleteInvoice(ctx context.Context, id InvoiceID, actor string) error {
	var deleted *Invoice
	err := e.withTx(ctx, "delete invoice", func(tx Tx) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		b, err := loadBook(ctx, tx, inv.ClientID)
		if err != nil {
			return err
		}
		inv = b.invoices[id]
		if err := checkRemovable(ctx, tx, b, inv); err != nil {
			return err
		}

		now := e.now()
		for _, other := range b.ordered {
			if other.PreviousInvoiceID != nil && *other.PreviousInvoiceID == id {
				other.PreviousInvoiceID = nil
				other.UpdatedAt = now
				b.touch(other)
			}
		}
		if err := b.flush(ctx, tx); err != nil {
			return fmt.Errorf("update invoices: %w", err)
		}
		if err := tx.DeleteInvoice(ctx, id); err != nil {
			return fmt.Errorf("delete invoice: %w", err)
		}
		if inv.Status != StatusCancelled {
			charges := inv.Subtotal.Sub(inv.Discount)
			if err := e.appendEntry(ctx, tx, inv.ClientID, charges.Neg(), CauseInvoiceDeleted, string(inv.ID)); err != nil {
				return err
			}
		}
		if err := e.audit(ctx, tx, AuditEvent{
			EntityType: "invoice",
			EntityID:   string(inv.ID),
			Action:     AuditInvoiceDeleted,
			Actor:      actor,
			Details: map[string]any{
				"invoice_number": inv.InvoiceNumber,
				"status":         string(inv.Status),
			},
		}); err != nil {
			return err
		}
		deleted = inv
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Info().Str("client_id", string(deleted.ClientID)).Str("invoice", deleted.InvoiceNumber).Msg("invoice deleted")
	return nil
}
