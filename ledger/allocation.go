/*
allocation.go - Applying a received payment to open invoices

ALGORITHM:
  1. Pick targets: every open invoice oldest-first (FIFO), or, when the
     caller names an invoice, that invoice plus the older open invoices
     whose balance is still carried inside it.
  2. For each target while money remains:
       applied = min(remaining, balanceDue)
       paidAmount += applied, recompute, record an Allocation
  3. Whatever remains becomes client credit.

CASCADE:
  When an invoice's balance due drops, its outgoing carry links are trimmed
  so they never exceed what is still owed at the origin. Each trim lowers
  the descendant's PreviousBalance (and so its total and balance due), which
  may in turn trim that descendant's own links. On full payoff this removes
  min(descendant.PreviousBalance, balanceDueBeforePayment) from the
  descendant, so a carried balance paid at its origin is not counted twice.

  When an invoice becomes PAID every ancestor on its PreviousInvoiceID chain
  is flagged BalancePaidFromFutureInvoice. The flag is informational.

EXAMPLE:
  A: due 100            (oldest)
  B: prev 100 + 200     carries A, due 300
  Pay 150 FIFO:
    A gets 100 -> PAID, link A->B trimmed to 0, B prev 0, due 200
    B gets 50  -> PARTIAL, due 150
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// allocator applies money to a book and records every side effect on the
// payment so it can be reversed.
type allocator struct {
	b       *book
	payment *Payment
}

func newAllocator(b *book, p *Payment) *allocator {
	return &allocator{b: b, payment: p}
}

// allocate spreads amount over targets in order and returns what is left.
func (a *allocator) allocate(targets []*Invoice, amount decimal.Decimal) decimal.Decimal {
	remaining := amount
	for _, inv := range targets {
		if !remaining.IsPositive() {
			break
		}
		// An earlier step in the cascade may have settled this one.
		if !inv.Status.IsOpen() || !inv.BalanceDue.IsPositive() {
			continue
		}
		applied := minDec(remaining, inv.BalanceDue)
		a.apply(inv, applied)
		remaining = remaining.Sub(applied)
	}
	return remaining
}

func (a *allocator) apply(inv *Invoice, amount decimal.Decimal) {
	prevDue, prevStatus := inv.BalanceDue, inv.Status

	inv.PaidAmount = Money(inv.PaidAmount.Add(amount))
	inv.Recompute()
	a.b.touch(inv)

	a.payment.Allocations = append(a.payment.Allocations, Allocation{
		InvoiceID:       inv.ID,
		InvoiceNumber:   inv.InvoiceNumber,
		AmountApplied:   amount,
		PreviousBalance: prevDue,
		NewBalance:      inv.BalanceDue,
		NewStatus:       inv.Status,
	})

	a.settle(inv, prevDue, prevStatus)
}

// settle propagates a change of inv's balance due.
func (a *allocator) settle(inv *Invoice, prevDue decimal.Decimal, prevStatus InvoiceStatus) {
	if inv.BalanceDue.LessThan(prevDue) {
		a.trim(inv)
	}
	if inv.Status == StatusPaid && prevStatus != StatusPaid {
		a.flagAncestors(inv)
	}
}

// trim lowers src's outgoing links until they fit within src's balance due,
// oldest link first, and pushes each reduction into the descendant.
func (a *allocator) trim(src *Invoice) {
	if src.Status == StatusCancelled {
		return
	}
	excess := a.b.carriedOut(src).Sub(src.BalanceDue)
	for _, l := range a.b.outgoing[src.ID] {
		if !excess.IsPositive() {
			return
		}
		if !l.Outstanding.IsPositive() || !a.b.live(l.ToInvoiceID) {
			continue
		}
		cut := minDec(l.Outstanding, excess)
		l.Outstanding = l.Outstanding.Sub(cut)
		excess = excess.Sub(cut)
		a.b.touchLink(l)
		a.payment.CarryTrims = append(a.payment.CarryTrims, CarryTrim{LinkID: l.ID, Amount: cut})

		dst := a.b.invoices[l.ToInvoiceID]
		dstDue, dstStatus := dst.BalanceDue, dst.Status
		dst.PreviousBalance = maxDec(decimal.Zero, dst.PreviousBalance.Sub(cut))
		dst.Recompute()
		a.b.touch(dst)
		a.settle(dst, dstDue, dstStatus)
	}
}

func (a *allocator) flagAncestors(inv *Invoice) {
	for _, anc := range a.b.ancestors(inv) {
		if anc.Status != StatusCancelled && !anc.BalancePaidFromFutureInvoice {
			anc.BalancePaidFromFutureInvoice = true
			a.b.touch(anc)
			a.payment.FlaggedInvoices = append(a.payment.FlaggedInvoices, anc.ID)
		}
	}
}

// totalApplied sums the allocations recorded so far.
func totalApplied(allocs []Allocation) decimal.Decimal {
	sum := decimal.Zero
	for _, al := range allocs {
		sum = sum.Add(al.AmountApplied)
	}
	return sum
}
