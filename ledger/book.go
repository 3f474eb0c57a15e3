package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// book is the in-memory working set of one client's invoices and carry
// links. Engine operations load a book inside a transaction, mutate it, and
// flush only what changed.
type book struct {
	clientID ClientID
	invoices map[InvoiceID]*Invoice
	ordered  []*Invoice
	position map[InvoiceID]int
	links    map[LinkID]*CarryLink
	outgoing map[InvoiceID][]*CarryLink
	incoming map[InvoiceID][]*CarryLink

	dirtyInvoices map[InvoiceID]bool
	dirtyLinks    map[LinkID]bool
}

func loadBook(ctx context.Context, r Reader, clientID ClientID) (*book, error) {
	invoices, err := r.ListInvoices(ctx, clientID)
	if err != nil {
		return nil, err
	}
	links, err := r.ListCarryLinks(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return newBook(clientID, invoices, links), nil
}

func newBook(clientID ClientID, invoices []Invoice, links []CarryLink) *book {
	b := &book{
		clientID:      clientID,
		invoices:      make(map[InvoiceID]*Invoice, len(invoices)),
		position:      make(map[InvoiceID]int, len(invoices)),
		links:         make(map[LinkID]*CarryLink, len(links)),
		outgoing:      make(map[InvoiceID][]*CarryLink),
		incoming:      make(map[InvoiceID][]*CarryLink),
		dirtyInvoices: make(map[InvoiceID]bool),
		dirtyLinks:    make(map[LinkID]bool),
	}
	for i := range invoices {
		b.add(&invoices[i])
	}
	sorted := make([]CarryLink, len(links))
	copy(sorted, links)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	for i := range sorted {
		b.addLink(&sorted[i])
	}
	return b
}

func (b *book) add(inv *Invoice) {
	b.invoices[inv.ID] = inv
	b.position[inv.ID] = len(b.ordered)
	b.ordered = append(b.ordered, inv)
}

func (b *book) addLink(l *CarryLink) {
	b.links[l.ID] = l
	b.outgoing[l.FromInvoiceID] = append(b.outgoing[l.FromInvoiceID], l)
	b.incoming[l.ToInvoiceID] = append(b.incoming[l.ToInvoiceID], l)
}

func (b *book) touch(inv *Invoice) { b.dirtyInvoices[inv.ID] = true }
func (b *book) touchLink(l *CarryLink) { b.dirtyLinks[l.ID] = true }

// live reports whether an invoice can still hold a carried balance.
func (b *book) live(id InvoiceID) bool {
	inv, ok := b.invoices[id]
	return ok && inv.Status != StatusCancelled
}

// carriedOut sums what of inv's balance is still folded into live invoices.
func (b *book) carriedOut(inv *Invoice) decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.outgoing[inv.ID] {
		if b.live(l.ToInvoiceID) {
			total = total.Add(l.Outstanding)
		}
	}
	return total
}

// uncarried is the part of inv's balance due that no newer invoice has
// absorbed. Summing it over open invoices counts every debt exactly once.
func (b *book) uncarried(inv *Invoice) decimal.Decimal {
	if !inv.Status.IsOpen() {
		return decimal.Zero
	}
	return maxDec(decimal.Zero, inv.BalanceDue.Sub(b.carriedOut(inv)))
}

// openInvoices returns UNPAID/PARTIAL invoices oldest first.
func (b *book) openInvoices() []*Invoice {
	var open []*Invoice
	for _, inv := range b.ordered {
		if inv.Status.IsOpen() {
			open = append(open, inv)
		}
	}
	return open
}

// pendingBalance is what the client currently owes across all invoices.
func (b *book) pendingBalance() decimal.Decimal {
	total := decimal.Zero
	for _, inv := range b.ordered {
		total = total.Add(b.uncarried(inv))
	}
	return total
}

// ancestors walks inv's PreviousInvoiceID chain, nearest first.
func (b *book) ancestors(inv *Invoice) []*Invoice {
	var out []*Invoice
	seen := map[InvoiceID]bool{inv.ID: true}
	for id := inv.PreviousInvoiceID; id != nil; {
		anc, ok := b.invoices[*id]
		if !ok || seen[anc.ID] {
			break
		}
		seen[anc.ID] = true
		out = append(out, anc)
		id = anc.PreviousInvoiceID
	}
	return out
}

// settledByDescendant returns the invoices that sit on the chain of at
// least one PAID invoice.
func (b *book) settledByDescendant() map[InvoiceID]bool {
	out := map[InvoiceID]bool{}
	for _, inv := range b.ordered {
		if inv.Status != StatusPaid {
			continue
		}
		for _, anc := range b.ancestors(inv) {
			out[anc.ID] = true
		}
	}
	return out
}

// carriedInto returns the open invoices whose balance is still folded into
// target, transitively, plus target itself, oldest first.
func (b *book) carriedInto(target *Invoice) []*Invoice {
	seen := map[InvoiceID]bool{target.ID: true}
	result := []*Invoice{target}
	queue := []*Invoice{target}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, l := range b.incoming[cur.ID] {
			src, ok := b.invoices[l.FromInvoiceID]
			if !ok || seen[src.ID] || !l.Outstanding.IsPositive() || !src.Status.IsOpen() {
				continue
			}
			seen[src.ID] = true
			result = append(result, src)
			queue = append(queue, src)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return b.position[result[i].ID] < b.position[result[j].ID]
	})
	return result
}

// flush writes every touched invoice and link through tx.
func (b *book) flush(ctx context.Context, tx Tx) error {
	for _, inv := range b.ordered {
		if !b.dirtyInvoices[inv.ID] {
			continue
		}
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
	}
	for id := range b.dirtyLinks {
		if err := tx.UpdateCarryLink(ctx, b.links[id]); err != nil {
			return err
		}
	}
	clear(b.dirtyInvoices)
	clear(b.dirtyLinks)
	return nil
}
