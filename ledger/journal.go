/*
journal.go - Append-only client journal

PURPOSE:
  Invoices carry derived balances that change as payments cascade through
  the carry-forward chain. The journal is the flat, immutable counterpart:
  one Entry per financial event with the client's running net position
  (amount owed minus credit held). It answers "how did this client get
  here?" without replaying chain walks, and Reconcile uses it to check the
  invoice figures.

INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. RunningBalance(n) = RunningBalance(n-1) + Delta(n)
  3. Last RunningBalance = pending balance - credit balance

DELTAS:
  invoice created    +(subtotal - discount)   new charges only
  invoice cancelled  -(subtotal - discount)
  invoice deleted    -(subtotal - discount)   unless already cancelled
  payment received   -amount
  payment reversed   +amount

Carried balances are not new charges, so PreviousBalance never appears in
a delta.
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// appendEntry writes the next journal row for clientID.
func (e *Engine) appendEntry(ctx context.Context, tx Tx, clientID ClientID, delta decimal.Decimal, cause EntryCause, causeID string) error {
	running := decimal.Zero
	last, err := tx.LastEntry(ctx, clientID)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	if last != nil {
		running = last.RunningBalance
	}
	entry := &Entry{
		ID:             newID(),
		ClientID:       clientID,
		Delta:          Money(delta),
		RunningBalance: Money(running.Add(delta)),
		Cause:          cause,
		CauseID:        causeID,
		CreatedAt:      e.now(),
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// Statement returns a client's journal, oldest first.
func (e *Engine) Statement(ctx context.Context, clientID ClientID) ([]Entry, error) {
	if _, err := e.store.GetClient(ctx, clientID); err != nil {
		return nil, err
	}
	return e.store.Entries(ctx, clientID)
}

// NetPosition is the running balance after the last entry.
func NetPosition(entries []Entry) decimal.Decimal {
	if len(entries) == 0 {
		return decimal.Zero
	}
	return entries[len(entries)-1].RunningBalance
}

// AuditTrail returns who changed an entity and when.
func (e *Engine) AuditTrail(ctx context.Context, entityType, entityID string) ([]AuditEvent, error) {
	switch entityType {
	case "client", "invoice", "payment":
	default:
		return nil, badInput("entity_type", "must be client, invoice or payment")
	}
	return e.store.AuditTrail(ctx, entityType, entityID)
}
