/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the boundary between ledger logic and the database. Every
  multi-row mutation (invoice updates + payment insert + credit update +
  journal + audit) runs inside one WithTx call so a failure at any step
  leaves no partial state behind.

KEY INTERFACES:
  Reader:            Read-only queries
  Tx:                Reader + writes, sequences, audit and journal
  Store:             Reader + WithTx
  SequenceGenerator: Optional external counter (e.g. Redis)
  AuditRecorder:     "append an immutable record of what happened"

ISOLATION:
  Implementations must serialise conflicting writers. Two concurrent
  payments for one client would otherwise both read the same open
  invoices and lose an update. store/sqlite uses BEGIN IMMEDIATE on a
  single connection; store.Memory holds a mutex for the whole WithTx.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via sqlx
  - ledger/store/memory.go: In-memory for tests
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
)

// =============================================================================
// STORE
// =============================================================================

// Reader is the read side of a Store. Get* methods return a *NotFoundError
// when the record does not exist.
type Reader interface {
	GetClient(ctx context.Context, id ClientID) (*Client, error)
	GetClientByPhone(ctx context.Context, phone string) (*Client, error)
	ListClients(ctx context.Context, activeOnly bool) ([]Client, error)

	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	// ListInvoices returns every invoice for the client ordered by
	// CreatedAt ascending (insertion order breaks ties).
	ListInvoices(ctx context.Context, clientID ClientID) ([]Invoice, error)
	// ListCarryLinks returns every carry link touching the client's invoices.
	ListCarryLinks(ctx context.Context, clientID ClientID) ([]CarryLink, error)

	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	ListPayments(ctx context.Context, clientID ClientID) ([]Payment, error)

	// Entries returns the client's journal in append order.
	Entries(ctx context.Context, clientID ClientID) ([]Entry, error)
	// LastEntry returns the newest journal entry, or nil if there is none.
	LastEntry(ctx context.Context, clientID ClientID) (*Entry, error)

	// AuditTrail returns the audit events for one entity, oldest first.
	AuditTrail(ctx context.Context, entityType, entityID string) ([]AuditEvent, error)
}

// Tx is a Reader bound to an open transaction, plus the write operations.
type Tx interface {
	Reader
	AuditRecorder

	InsertClient(ctx context.Context, c *Client) error
	UpdateClient(ctx context.Context, c *Client) error

	InsertInvoice(ctx context.Context, inv *Invoice) error
	// UpdateInvoice persists the mutable financial fields, status and flag.
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	// DeleteInvoice removes the invoice, its line items and every carry
	// link touching it.
	DeleteInvoice(ctx context.Context, id InvoiceID) error

	InsertCarryLink(ctx context.Context, link *CarryLink) error
	UpdateCarryLink(ctx context.Context, link *CarryLink) error

	// InsertPayment persists the payment together with its effects.
	InsertPayment(ctx context.Context, p *Payment) error
	// UpdatePayment persists method, reference and notes only.
	UpdatePayment(ctx context.Context, p *Payment) error
	DeletePayment(ctx context.Context, id PaymentID) error

	AppendEntry(ctx context.Context, e *Entry) error

	// NextSequence atomically increments and returns the counter for kind.
	NextSequence(ctx context.Context, kind SequenceKind) (int64, error)
}

// Store is the top-level persistence handle.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// SEQUENCES
// =============================================================================

type SequenceKind string

const (
	SeqClient  SequenceKind = "CLIENT"
	SeqInvoice SequenceKind = "INVOICE"
	SeqReceipt SequenceKind = "RECEIPT"
	SeqVoucher SequenceKind = "VOUCHER"
)

var sequencePrefixes = map[SequenceKind]string{
	SeqClient:  "CL",
	SeqInvoice: "INV",
	SeqReceipt: "RCP",
	SeqVoucher: "VCH",
}

// ParseSequenceKind accepts a kind name in any case.
func ParseSequenceKind(s string) (SequenceKind, error) {
	kind := SequenceKind(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := sequencePrefixes[kind]; !ok {
		return "", badInput("sequence kind", fmt.Sprintf("%q is not one of CLIENT, INVOICE, RECEIPT, VOUCHER", s))
	}
	return kind, nil
}

// FormatSequence renders counter n of kind as a human-readable number,
// e.g. INV-000042.
func FormatSequence(kind SequenceKind, n int64) string {
	prefix, ok := sequencePrefixes[kind]
	if !ok {
		prefix = string(kind)
	}
	return fmt.Sprintf("%s-%06d", prefix, n)
}

// SequenceGenerator issues unique, increasing identifiers outside the
// database transaction.
type SequenceGenerator interface {
	Next(ctx context.Context, kind SequenceKind) (string, error)
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditRecorder appends an immutable audit record.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, event AuditEvent) error
}
