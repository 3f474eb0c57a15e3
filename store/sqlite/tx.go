package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/warp/printshop-ledger/ledger"
)

var _ ledger.Tx = (*txStore)(nil)

// txStore is the ledger.Tx handed to WithTx callbacks. Reads see the
// transaction's own writes.
type txStore struct {
	queries
	tx *sqlx.Tx
}

// exec runs a write and maps driver errors.
func (ts *txStore) exec(ctx context.Context, op, query string, args ...any) error {
	_, err := ts.tx.ExecContext(ctx, query, args...)
	return mapError(err, op)
}

// execOne is exec for statements that must touch exactly one row.
func (ts *txStore) execOne(ctx context.Context, kind, id, op, query string, args ...any) error {
	res, err := ts.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// =============================================================================
// CLIENTS
// =============================================================================

func (ts *txStore) InsertClient(ctx context.Context, c *ledger.Client) error {
	_, err := ts.tx.NamedExecContext(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES (:id, :client_number, :name, :phone, :email, :address, :cnic, :is_active,
			:credit_balance, :membership_type, :membership_value, :membership_valid_from,
			:membership_valid_to, :created_at, :updated_at)`, newClientRow(c))
	return mapError(err, "insert client")
}

func (ts *txStore) UpdateClient(ctx context.Context, c *ledger.Client) error {
	r := newClientRow(c)
	return ts.execOne(ctx, "client", r.ID, "update client", `
		UPDATE clients SET name = ?, phone = ?, email = ?, address = ?, cnic = ?,
			is_active = ?, credit_balance = ?, membership_type = ?, membership_value = ?,
			membership_valid_from = ?, membership_valid_to = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, r.Phone, r.Email, r.Address, r.CNIC,
		r.IsActive, r.CreditBalance.String(), r.MembershipType, r.MembershipValue,
		r.MembershipValidFrom, r.MembershipValidTo, r.UpdatedAt,
		r.ID)
}

// =============================================================================
// INVOICES
// =============================================================================

func (ts *txStore) InsertInvoice(ctx context.Context, inv *ledger.Invoice) error {
	err := ts.exec(ctx, "insert invoice", `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(inv.ID), inv.InvoiceNumber, string(inv.ClientID),
		inv.Subtotal.String(), inv.PreviousBalance.String(), inv.Discount.String(),
		inv.TotalAmount.String(), inv.PaidAmount.String(), inv.BalanceDue.String(),
		string(inv.Status), previousInvoiceID(inv), inv.BalancePaidFromFutureInvoice,
		inv.Notes, formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt))
	if err != nil {
		return err
	}
	for i, it := range inv.Items {
		err := ts.exec(ctx, "insert invoice item", `
			INSERT INTO invoice_items (invoice_id, position, name, width, height, quantity, rate, amount)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(inv.ID), i, it.Name, it.Width.String(), it.Height.String(),
			it.Quantity, it.Rate.String(), it.Amount.String())
		if err != nil {
			return err
		}
	}
	return nil
}

func previousInvoiceID(inv *ledger.Invoice) any {
	if inv.PreviousInvoiceID == nil {
		return nil
	}
	return string(*inv.PreviousInvoiceID)
}

func (ts *txStore) UpdateInvoice(ctx context.Context, inv *ledger.Invoice) error {
	return ts.execOne(ctx, "invoice", string(inv.ID), "update invoice", `
		UPDATE invoices SET subtotal = ?, previous_balance = ?, discount = ?,
			total_amount = ?, paid_amount = ?, balance_due = ?, status = ?,
			previous_invoice_id = ?, balance_paid_from_future_invoice = ?,
			notes = ?, updated_at = ?
		WHERE id = ?`,
		inv.Subtotal.String(), inv.PreviousBalance.String(), inv.Discount.String(),
		inv.TotalAmount.String(), inv.PaidAmount.String(), inv.BalanceDue.String(),
		string(inv.Status), previousInvoiceID(inv), inv.BalancePaidFromFutureInvoice,
		inv.Notes, formatTime(inv.UpdatedAt),
		string(inv.ID))
}

// DeleteInvoice relies on ON DELETE CASCADE for items and carry links.
func (ts *txStore) DeleteInvoice(ctx context.Context, id ledger.InvoiceID) error {
	return ts.execOne(ctx, "invoice", string(id), "delete invoice",
		`DELETE FROM invoices WHERE id = ?`, string(id))
}

func (ts *txStore) InsertCarryLink(ctx context.Context, l *ledger.CarryLink) error {
	return ts.exec(ctx, "insert carry link", `
		INSERT INTO carry_links (id, from_invoice_id, to_invoice_id, amount, outstanding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(l.ID), string(l.FromInvoiceID), string(l.ToInvoiceID),
		l.Amount.String(), l.Outstanding.String(), formatTime(l.CreatedAt))
}

func (ts *txStore) UpdateCarryLink(ctx context.Context, l *ledger.CarryLink) error {
	return ts.execOne(ctx, "carry link", string(l.ID), "update carry link",
		`UPDATE carry_links SET outstanding = ? WHERE id = ?`,
		l.Outstanding.String(), string(l.ID))
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (ts *txStore) InsertPayment(ctx context.Context, p *ledger.Payment) error {
	var invoiceID any
	if p.InvoiceID != nil {
		invoiceID = string(*p.InvoiceID)
	}
	err := ts.exec(ctx, "insert payment", `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID), p.ReceiptNumber, string(p.ClientID), invoiceID,
		p.Amount.String(), string(p.Method), p.Reference, p.Notes,
		p.CreditAdded.String(), formatTime(p.CreatedAt))
	if err != nil {
		return err
	}
	for i, a := range p.Allocations {
		err := ts.exec(ctx, "insert allocation", `
			INSERT INTO payment_allocations (payment_id, position, invoice_id, invoice_number,
				amount_applied, previous_balance, new_balance, new_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(p.ID), i, string(a.InvoiceID), a.InvoiceNumber,
			a.AmountApplied.String(), a.PreviousBalance.String(), a.NewBalance.String(), string(a.NewStatus))
		if err != nil {
			return err
		}
	}
	for i, t := range p.CarryTrims {
		err := ts.exec(ctx, "insert carry trim",
			`INSERT INTO payment_carry_trims (payment_id, position, link_id, amount) VALUES (?, ?, ?, ?)`,
			string(p.ID), i, string(t.LinkID), t.Amount.String())
		if err != nil {
			return err
		}
	}
	for i, id := range p.FlaggedInvoices {
		err := ts.exec(ctx, "insert payment flag",
			`INSERT INTO payment_flags (payment_id, position, invoice_id) VALUES (?, ?, ?)`,
			string(p.ID), i, string(id))
		if err != nil {
			return err
		}
	}
	return nil
}

func (ts *txStore) UpdatePayment(ctx context.Context, p *ledger.Payment) error {
	return ts.execOne(ctx, "payment", string(p.ID), "update payment",
		`UPDATE payments SET method = ?, reference = ?, notes = ? WHERE id = ?`,
		string(p.Method), p.Reference, p.Notes, string(p.ID))
}

// DeletePayment relies on ON DELETE CASCADE for the effect tables.
func (ts *txStore) DeletePayment(ctx context.Context, id ledger.PaymentID) error {
	return ts.execOne(ctx, "payment", string(id), "delete payment",
		`DELETE FROM payments WHERE id = ?`, string(id))
}

// =============================================================================
// JOURNAL / AUDIT / SEQUENCES
// =============================================================================

func (ts *txStore) AppendEntry(ctx context.Context, e *ledger.Entry) error {
	return ts.exec(ctx, "append journal entry", `
		INSERT INTO journal_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.ClientID), e.Delta.String(), e.RunningBalance.String(),
		string(e.Cause), e.CauseID, formatTime(e.CreatedAt))
}

func (ts *txStore) RecordAudit(ctx context.Context, ev ledger.AuditEvent) error {
	var details any
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = string(b)
	}
	return ts.exec(ctx, "record audit", `
		INSERT INTO audit_log (entity_type, entity_id, action, actor, details_json, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EntityType, ev.EntityID, string(ev.Action), ev.Actor, details, formatTime(ev.At))
}

// NextSequence increments and returns the counter in a single statement.
func (ts *txStore) NextSequence(ctx context.Context, kind ledger.SequenceKind) (int64, error) {
	var n int64
	err := ts.tx.QueryRowxContext(ctx, `
		INSERT INTO sequences (kind, value) VALUES (?, 1)
		ON CONFLICT(kind) DO UPDATE SET value = value + 1
		RETURNING value`, string(kind)).Scan(&n)
	if err != nil {
		return 0, mapError(err, "next sequence")
	}
	return n, nil
}
