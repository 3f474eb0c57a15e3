package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

type AuditPolicy string

const (
	// AuditStrict rolls the whole operation back when the audit write fails.
	AuditStrict AuditPolicy = "strict"
	// AuditBestEffort logs the failure and commits the financial change.
	AuditBestEffort AuditPolicy = "best-effort"
)

const DefaultMaxRetries = 3

// Options configure an Engine. The zero value is usable.
type Options struct {
	// Sequences overrides the store's transactional counters.
	Sequences SequenceGenerator
	Logger    *zerolog.Logger
	Now       func() time.Time

	AuditPolicy AuditPolicy
	// StrictOverpayment rejects payments larger than the outstanding balance
	// of their targets instead of converting the excess to credit.
	StrictOverpayment bool
	// MaxRetries bounds how often a conflicting transaction is retried.
	MaxRetries int
}

// Engine owns carry-forward, allocation and reversal for all clients.
type Engine struct {
	store Store
	seq   SequenceGenerator
	log   zerolog.Logger
	now   func() time.Time

	auditPolicy       AuditPolicy
	strictOverpayment bool
	maxRetries        int
}

func NewEngine(store Store, opts Options) *Engine {
	e := &Engine{
		store:             store,
		seq:               opts.Sequences,
		log:               zerolog.Nop(),
		now:               opts.Now,
		auditPolicy:       opts.AuditPolicy,
		strictOverpayment: opts.StrictOverpayment,
		maxRetries:        opts.MaxRetries,
	}
	if opts.Logger != nil {
		e.log = opts.Logger.With().Str("component", "ledger").Logger()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.auditPolicy == "" {
		e.auditPolicy = AuditStrict
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	return e
}

// Store exposes the underlying store for read-only callers.
func (e *Engine) Store() Store { return e.store }

// Sequences returns the external number generator, or nil when numbers come
// from the store.
func (e *Engine) Sequences() SequenceGenerator { return e.seq }

// withTx runs fn in a transaction, retrying on conflicts with a small
// incremental backoff.
func (e *Engine) withTx(ctx context.Context, op string, fn func(Tx) error) error {
	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		err = e.store.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == e.maxRetries {
			break
		}
		e.log.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("conflict, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(50*(attempt+1)) * time.Millisecond):
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", op, e.maxRetries+1, err)
}

// snapshot runs a group of reads inside one transaction so they all see
// the same committed state. fn must not write.
func (e *Engine) snapshot(ctx context.Context, op string, fn func(Reader) error) error {
	return e.withTx(ctx, op, func(tx Tx) error { return fn(tx) })
}

func (e *Engine) nextNumber(ctx context.Context, tx Tx, kind SequenceKind) (string, error) {
	if e.seq != nil {
		return e.seq.Next(ctx, kind)
	}
	n, err := tx.NextSequence(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("next %s number: %w", kind, err)
	}
	return FormatSequence(kind, n), nil
}

func (e *Engine) audit(ctx context.Context, tx Tx, ev AuditEvent) error {
	ev.At = e.now()
	if ev.Actor == "" {
		ev.Actor = "system"
	}
	if err := tx.RecordAudit(ctx, ev); err != nil {
		if e.auditPolicy == AuditBestEffort {
			e.log.Warn().Err(err).
				Str("entity_type", ev.EntityType).
				Str("entity_id", ev.EntityID).
				Str("action", string(ev.Action)).
				Msg("audit record dropped")
			return nil
		}
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func newID() string { return uuid.NewString() }

// =============================================================================
// BALANCE
// =============================================================================

// ClientBalance is the read-only projection of what a client owes.
type ClientBalance struct {
	ClientID       ClientID
	PendingBalance decimal.Decimal
	CreditBalance  decimal.Decimal
	OpenInvoices   int
}

// GetClientBalance returns the client's pending balance and credit.
func (e *Engine) GetClientBalance(ctx context.Context, clientID ClientID) (*ClientBalance, error) {
	var (
		client *Client
		b      *book
	)
	err := e.snapshot(ctx, "client balance", func(r Reader) error {
		var err error
		if client, err = r.GetClient(ctx, clientID); err != nil {
			return err
		}
		b, err = loadBook(ctx, r, clientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ClientBalance{
		ClientID:       clientID,
		PendingBalance: b.pendingBalance(),
		CreditBalance:  client.CreditBalance,
		OpenInvoices:   len(b.openInvoices()),
	}, nil
}
