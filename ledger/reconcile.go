/*
reconcile.go - Consistency checks over a client's books

PURPOSE:
  Recomputes everything that should hold for a client and reports each
  mismatch instead of failing on the first one. Used by the scheduled
  auditor and the reconciliation endpoint.

CHECKS:
  per invoice   total = subtotal + previousBalance - discount
                balanceDue = max(0, total - paid)
                status matches balanceDue/paid (unless CANCELLED)
                paid = sum of allocations recorded by payments
                previousBalance = sum of outstanding incoming carry links
                carried out <= balanceDue
  per payment   sum(applied) + creditAdded = amount
  per client    credit >= 0
                credit = sum of creditAdded over payments
                journal net position = pending - credit
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Discrepancy is one failed check.
type Discrepancy struct {
	Subject  string // invoice number, receipt number or "client"
	Check    string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s: %s expected %s, got %s", d.Subject, d.Check,
		d.Expected.StringFixed(MoneyPlaces), d.Actual.StringFixed(MoneyPlaces))
}

type ReconciliationReport struct {
	ClientID       ClientID
	PendingBalance decimal.Decimal
	CreditBalance  decimal.Decimal
	JournalBalance decimal.Decimal
	Discrepancies  []Discrepancy
	CheckedAt      time.Time
}

// Balanced reports whether every check passed.
func (r *ReconciliationReport) Balanced() bool { return len(r.Discrepancies) == 0 }

func (r *ReconciliationReport) expect(subject, check string, expected, actual decimal.Decimal) {
	if !Money(expected).Equal(Money(actual)) {
		r.Discrepancies = append(r.Discrepancies, Discrepancy{
			Subject:  subject,
			Check:    check,
			Expected: Money(expected),
			Actual:   Money(actual),
		})
	}
}

// Reconcile checks one client's invoices, payments, credit and journal.
// All reads happen in one transaction so a payment committing halfway
// through cannot show up as a false discrepancy.
func (e *Engine) Reconcile(ctx context.Context, clientID ClientID) (*ReconciliationReport, error) {
	var (
		client   *Client
		b        *book
		payments []Payment
		entries  []Entry
	)
	err := e.snapshot(ctx, "reconcile", func(r Reader) error {
		var err error
		if client, err = r.GetClient(ctx, clientID); err != nil {
			return err
		}
		if b, err = loadBook(ctx, r, clientID); err != nil {
			return err
		}
		if payments, err = r.ListPayments(ctx, clientID); err != nil {
			return err
		}
		entries, err = r.Entries(ctx, clientID)
		return err
	})
	if err != nil {
		return nil, err
	}

	r := &ReconciliationReport{
		ClientID:       clientID,
		PendingBalance: b.pendingBalance(),
		CreditBalance:  client.CreditBalance,
		JournalBalance: NetPosition(entries),
		CheckedAt:      e.now(),
	}

	applied := map[InvoiceID]decimal.Decimal{}
	creditAdded := decimal.Zero
	for _, p := range payments {
		sum := totalApplied(p.Allocations)
		for _, al := range p.Allocations {
			applied[al.InvoiceID] = applied[al.InvoiceID].Add(al.AmountApplied)
		}
		r.expect(p.ReceiptNumber, "allocated + credit", p.Amount, sum.Add(p.CreditAdded))
		creditAdded = creditAdded.Add(p.CreditAdded)
	}

	for _, inv := range b.ordered {
		subject := inv.InvoiceNumber
		total := inv.Subtotal.Add(inv.PreviousBalance).Sub(inv.Discount)
		due := maxDec(decimal.Zero, total.Sub(inv.PaidAmount))
		r.expect(subject, "total amount", total, inv.TotalAmount)
		r.expect(subject, "balance due", due, inv.BalanceDue)
		r.expect(subject, "paid amount", applied[inv.ID], inv.PaidAmount)
		if inv.Status == StatusCancelled {
			continue
		}
		if want := deriveStatus(due, inv.PaidAmount); want != inv.Status {
			r.Discrepancies = append(r.Discrepancies, Discrepancy{
				Subject: subject,
				Check:   fmt.Sprintf("status %s, want %s", inv.Status, want),
			})
		}
		incoming := decimal.Zero
		for _, l := range b.incoming[inv.ID] {
			incoming = incoming.Add(l.Outstanding)
		}
		r.expect(subject, "previous balance", incoming, inv.PreviousBalance)
		if out := b.carriedOut(inv); out.GreaterThan(inv.BalanceDue) {
			r.expect(subject, "carried out", inv.BalanceDue, out)
		}
	}

	if client.CreditBalance.IsNegative() {
		r.expect("client", "credit balance", decimal.Zero, client.CreditBalance)
	}
	r.expect("client", "credit balance", creditAdded, client.CreditBalance)
	r.expect("client", "journal balance", r.PendingBalance.Sub(r.CreditBalance), r.JournalBalance)

	if !r.Balanced() {
		for _, d := range r.Discrepancies {
			e.log.Warn().Str("client_id", string(clientID)).Str("discrepancy", d.String()).Msg("reconciliation mismatch")
		}
	}
	return r, nil
}

// ReconcileAll checks every client, active or not.
func (e *Engine) ReconcileAll(ctx context.Context) ([]*ReconciliationReport, error) {
	clients, err := e.store.ListClients(ctx, false)
	if err != nil {
		return nil, err
	}
	reports := make([]*ReconciliationReport, 0, len(clients))
	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		r, err := e.Reconcile(ctx, c.ID)
		if err != nil {
			return reports, fmt.Errorf("reconcile %s: %w", c.ClientNumber, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}
