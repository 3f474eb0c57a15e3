// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/warp/printshop-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a map-backed ledger.Store. WithTx holds the write lock for the
// whole transaction, which serialises writers the same way the SQLite store
// does. Values are copied in and out so callers never alias stored state.
type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	clients      map[ledger.ClientID]ledger.Client
	clientOrder  []ledger.ClientID
	invoices     map[ledger.InvoiceID]ledger.Invoice
	invoiceOrder []ledger.InvoiceID
	links        map[ledger.LinkID]ledger.CarryLink
	linkOrder    []ledger.LinkID
	payments     map[ledger.PaymentID]ledger.Payment
	paymentOrder []ledger.PaymentID
	entries      map[ledger.ClientID][]ledger.Entry
	audit        []ledger.AuditEvent
	sequences    map[ledger.SequenceKind]int64
}

func NewMemory() *Memory {
	return &Memory{state: state{
		clients:   make(map[ledger.ClientID]ledger.Client),
		invoices:  make(map[ledger.InvoiceID]ledger.Invoice),
		links:     make(map[ledger.LinkID]ledger.CarryLink),
		payments:  make(map[ledger.PaymentID]ledger.Payment),
		entries:   make(map[ledger.ClientID][]ledger.Entry),
		sequences: make(map[ledger.SequenceKind]int64),
	}}
}

var _ ledger.Store = (*Memory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// AuditEvents returns every recorded audit event, oldest first.
func (m *Memory) AuditEvents() []ledger.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.AuditEvent, len(m.audit))
	for i, ev := range m.audit {
		out[i] = cloneAudit(ev)
	}
	return out
}

// Seed inserts invoices directly, bypassing the engine. Tests use it to
// build books the engine would not produce on its own.
func (m *Memory) Seed(invoices ...ledger.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range invoices {
		_ = m.state.insertInvoice(&inv)
	}
}

// =============================================================================
// READS (outside a transaction)
// =============================================================================

func (m *Memory) GetClient(_ context.Context, id ledger.ClientID) (*ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getClient(id)
}

func (m *Memory) GetClientByPhone(_ context.Context, phone string) (*ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getClientByPhone(phone)
}

func (m *Memory) ListClients(_ context.Context, activeOnly bool) ([]ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listClients(activeOnly), nil
}

func (m *Memory) GetInvoice(_ context.Context, id ledger.InvoiceID) (*ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getInvoice(id)
}

func (m *Memory) ListInvoices(_ context.Context, clientID ledger.ClientID) ([]ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listInvoices(clientID), nil
}

func (m *Memory) ListCarryLinks(_ context.Context, clientID ledger.ClientID) ([]ledger.CarryLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listCarryLinks(clientID), nil
}

func (m *Memory) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getPayment(id)
}

func (m *Memory) ListPayments(_ context.Context, clientID ledger.ClientID) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listPayments(clientID), nil
}

func (m *Memory) Entries(_ context.Context, clientID ledger.ClientID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.entries[clientID]), nil
}

func (m *Memory) LastEntry(_ context.Context, clientID ledger.ClientID) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.lastEntry(clientID), nil
}

func (m *Memory) AuditTrail(_ context.Context, entityType, entityID string) ([]ledger.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.auditTrail(entityType, entityID), nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txView operates on the state directly; the lock is held by WithTx.
type txView struct {
	s *state
}

func (tv *txView) GetClient(_ context.Context, id ledger.ClientID) (*ledger.Client, error) {
	return tv.s.getClient(id)
}

func (tv *txView) GetClientByPhone(_ context.Context, phone string) (*ledger.Client, error) {
	return tv.s.getClientByPhone(phone)
}

func (tv *txView) ListClients(_ context.Context, activeOnly bool) ([]ledger.Client, error) {
	return tv.s.listClients(activeOnly), nil
}

func (tv *txView) GetInvoice(_ context.Context, id ledger.InvoiceID) (*ledger.Invoice, error) {
	return tv.s.getInvoice(id)
}

func (tv *txView) ListInvoices(_ context.Context, clientID ledger.ClientID) ([]ledger.Invoice, error) {
	return tv.s.listInvoices(clientID), nil
}

func (tv *txView) ListCarryLinks(_ context.Context, clientID ledger.ClientID) ([]ledger.CarryLink, error) {
	return tv.s.listCarryLinks(clientID), nil
}

func (tv *txView) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	return tv.s.getPayment(id)
}

func (tv *txView) ListPayments(_ context.Context, clientID ledger.ClientID) ([]ledger.Payment, error) {
	return tv.s.listPayments(clientID), nil
}

func (tv *txView) Entries(_ context.Context, clientID ledger.ClientID) ([]ledger.Entry, error) {
	return slices.Clone(tv.s.entries[clientID]), nil
}

func (tv *txView) LastEntry(_ context.Context, clientID ledger.ClientID) (*ledger.Entry, error) {
	return tv.s.lastEntry(clientID), nil
}

func (tv *txView) AuditTrail(_ context.Context, entityType, entityID string) ([]ledger.AuditEvent, error) {
	return tv.s.auditTrail(entityType, entityID), nil
}

func (tv *txView) InsertClient(_ context.Context, c *ledger.Client) error {
	if _, ok := tv.s.clients[c.ID]; ok {
		return ledger.ErrConflict
	}
	for _, existing := range tv.s.clients {
		if existing.Phone == c.Phone || (c.ClientNumber != "" && existing.ClientNumber == c.ClientNumber) {
			return ledger.ErrConflict
		}
	}
	tv.s.clients[c.ID] = cloneClient(*c)
	tv.s.clientOrder = append(tv.s.clientOrder, c.ID)
	return nil
}

func (tv *txView) UpdateClient(_ context.Context, c *ledger.Client) error {
	if _, ok := tv.s.clients[c.ID]; !ok {
		return &ledger.NotFoundError{Kind: "client", ID: string(c.ID)}
	}
	for _, existing := range tv.s.clients {
		if existing.ID != c.ID && existing.Phone == c.Phone {
			return ledger.ErrConflict
		}
	}
	tv.s.clients[c.ID] = cloneClient(*c)
	return nil
}

func (tv *txView) InsertInvoice(_ context.Context, inv *ledger.Invoice) error {
	return tv.s.insertInvoice(inv)
}

func (tv *txView) UpdateInvoice(_ context.Context, inv *ledger.Invoice) error {
	if _, ok := tv.s.invoices[inv.ID]; !ok {
		return &ledger.NotFoundError{Kind: "invoice", ID: string(inv.ID)}
	}
	tv.s.invoices[inv.ID] = cloneInvoice(*inv)
	return nil
}

func (tv *txView) DeleteInvoice(_ context.Context, id ledger.InvoiceID) error {
	if _, ok := tv.s.invoices[id]; !ok {
		return &ledger.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	delete(tv.s.invoices, id)
	tv.s.invoiceOrder = slices.DeleteFunc(tv.s.invoiceOrder, func(x ledger.InvoiceID) bool { return x == id })
	tv.s.linkOrder = slices.DeleteFunc(tv.s.linkOrder, func(lid ledger.LinkID) bool {
		l := tv.s.links[lid]
		if l.FromInvoiceID == id || l.ToInvoiceID == id {
			delete(tv.s.links, lid)
			return true
		}
		return false
	})
	return nil
}

func (tv *txView) InsertCarryLink(_ context.Context, l *ledger.CarryLink) error {
	if _, ok := tv.s.links[l.ID]; ok {
		return ledger.ErrConflict
	}
	tv.s.links[l.ID] = *l
	tv.s.linkOrder = append(tv.s.linkOrder, l.ID)
	return nil
}

func (tv *txView) UpdateCarryLink(_ context.Context, l *ledger.CarryLink) error {
	if _, ok := tv.s.links[l.ID]; !ok {
		return &ledger.NotFoundError{Kind: "carry link", ID: string(l.ID)}
	}
	tv.s.links[l.ID] = *l
	return nil
}

func (tv *txView) InsertPayment(_ context.Context, p *ledger.Payment) error {
	if _, ok := tv.s.payments[p.ID]; ok {
		return ledger.ErrConflict
	}
	for _, existing := range tv.s.payments {
		if existing.ReceiptNumber == p.ReceiptNumber {
			return ledger.ErrConflict
		}
	}
	tv.s.payments[p.ID] = clonePayment(*p)
	tv.s.paymentOrder = append(tv.s.paymentOrder, p.ID)
	return nil
}

func (tv *txView) UpdatePayment(_ context.Context, p *ledger.Payment) error {
	existing, ok := tv.s.payments[p.ID]
	if !ok {
		return &ledger.NotFoundError{Kind: "payment", ID: string(p.ID)}
	}
	existing.Method = p.Method
	existing.Reference = p.Reference
	existing.Notes = p.Notes
	tv.s.payments[p.ID] = existing
	return nil
}

func (tv *txView) DeletePayment(_ context.Context, id ledger.PaymentID) error {
	if _, ok := tv.s.payments[id]; !ok {
		return &ledger.NotFoundError{Kind: "payment", ID: string(id)}
	}
	delete(tv.s.payments, id)
	tv.s.paymentOrder = slices.DeleteFunc(tv.s.paymentOrder, func(x ledger.PaymentID) bool { return x == id })
	return nil
}

func (tv *txView) AppendEntry(_ context.Context, e *ledger.Entry) error {
	tv.s.entries[e.ClientID] = append(tv.s.entries[e.ClientID], *e)
	return nil
}

func (tv *txView) NextSequence(_ context.Context, kind ledger.SequenceKind) (int64, error) {
	tv.s.sequences[kind]++
	return tv.s.sequences[kind], nil
}

func (tv *txView) RecordAudit(_ context.Context, ev ledger.AuditEvent) error {
	tv.s.audit = append(tv.s.audit, cloneAudit(ev))
	return nil
}

// =============================================================================
// STATE HELPERS (caller holds the lock)
// =============================================================================

func (s *state) getClient(id ledger.ClientID) (*ledger.Client, error) {
	c, ok := s.clients[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "client", ID: string(id)}
	}
	c = cloneClient(c)
	return &c, nil
}

func (s *state) getClientByPhone(phone string) (*ledger.Client, error) {
	for _, id := range s.clientOrder {
		if c := s.clients[id]; c.Phone == phone {
			c = cloneClient(c)
			return &c, nil
		}
	}
	return nil, &ledger.NotFoundError{Kind: "client", ID: phone}
}

func (s *state) listClients(activeOnly bool) []ledger.Client {
	var out []ledger.Client
	for _, id := range s.clientOrder {
		c := s.clients[id]
		if activeOnly && !c.IsActive {
			continue
		}
		out = append(out, cloneClient(c))
	}
	return out
}

func (s *state) getInvoice(id ledger.InvoiceID) (*ledger.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	inv = cloneInvoice(inv)
	return &inv, nil
}

func (s *state) insertInvoice(inv *ledger.Invoice) error {
	if _, ok := s.invoices[inv.ID]; ok {
		return ledger.ErrConflict
	}
	for _, existing := range s.invoices {
		if inv.InvoiceNumber != "" && existing.InvoiceNumber == inv.InvoiceNumber {
			return ledger.ErrConflict
		}
	}
	s.invoices[inv.ID] = cloneInvoice(*inv)
	s.invoiceOrder = append(s.invoiceOrder, inv.ID)
	return nil
}

// listInvoices orders by CreatedAt; the stable sort keeps insertion order
// for equal timestamps.
func (s *state) listInvoices(clientID ledger.ClientID) []ledger.Invoice {
	var out []ledger.Invoice
	for _, id := range s.invoiceOrder {
		if inv := s.invoices[id]; inv.ClientID == clientID {
			out = append(out, cloneInvoice(inv))
		}
	}
	slices.SortStableFunc(out, func(a, b ledger.Invoice) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (s *state) listCarryLinks(clientID ledger.ClientID) []ledger.CarryLink {
	var out []ledger.CarryLink
	for _, id := range s.linkOrder {
		l := s.links[id]
		if to, ok := s.invoices[l.ToInvoiceID]; ok && to.ClientID == clientID {
			out = append(out, l)
		}
	}
	return out
}

func (s *state) getPayment(id ledger.PaymentID) (*ledger.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "payment", ID: string(id)}
	}
	p = clonePayment(p)
	return &p, nil
}

func (s *state) listPayments(clientID ledger.ClientID) []ledger.Payment {
	var out []ledger.Payment
	for _, id := range s.paymentOrder {
		if p := s.payments[id]; p.ClientID == clientID {
			out = append(out, clonePayment(p))
		}
	}
	return out
}

func (s *state) lastEntry(clientID ledger.ClientID) *ledger.Entry {
	entries := s.entries[clientID]
	if len(entries) == 0 {
		return nil
	}
	e := entries[len(entries)-1]
	return &e
}

func (s *state) auditTrail(entityType, entityID string) []ledger.AuditEvent {
	var out []ledger.AuditEvent
	for _, ev := range s.audit {
		if ev.EntityType == entityType && ev.EntityID == entityID {
			out = append(out, cloneAudit(ev))
		}
	}
	return out
}

func (s *state) clone() state {
	c := state{
		clients:      maps.Clone(s.clients),
		clientOrder:  slices.Clone(s.clientOrder),
		invoices:     maps.Clone(s.invoices),
		invoiceOrder: slices.Clone(s.invoiceOrder),
		links:        maps.Clone(s.links),
		linkOrder:    slices.Clone(s.linkOrder),
		payments:     maps.Clone(s.payments),
		paymentOrder: slices.Clone(s.paymentOrder),
		entries:      make(map[ledger.ClientID][]ledger.Entry, len(s.entries)),
		audit:        slices.Clone(s.audit),
		sequences:    maps.Clone(s.sequences),
	}
	for k, v := range s.entries {
		c.entries[k] = slices.Clone(v)
	}
	return c
}

// =============================================================================
// COPIES
// =============================================================================
// Stored values are replaced wholesale on update, never mutated in place, so
// a shallow map clone is a valid snapshot. The clone* helpers below stop
// callers from reaching stored slices and pointers.

func cloneClient(c ledger.Client) ledger.Client {
	if c.Membership != nil {
		m := *c.Membership
		if m.ValidTo != nil {
			to := *m.ValidTo
			m.ValidTo = &to
		}
		c.Membership = &m
	}
	return c
}

func cloneInvoice(inv ledger.Invoice) ledger.Invoice {
	inv.Items = slices.Clone(inv.Items)
	if inv.PreviousInvoiceID != nil {
		id := *inv.PreviousInvoiceID
		inv.PreviousInvoiceID = &id
	}
	return inv
}

func clonePayment(p ledger.Payment) ledger.Payment {
	if p.InvoiceID != nil {
		id := *p.InvoiceID
		p.InvoiceID = &id
	}
	p.Allocations = slices.Clone(p.Allocations)
	p.CarryTrims = slices.Clone(p.CarryTrims)
	p.FlaggedInvoices = slices.Clone(p.FlaggedInvoices)
	return p
}

func cloneAudit(ev ledger.AuditEvent) ledger.AuditEvent {
	ev.Details = maps.Clone(ev.Details)
	return ev
}
