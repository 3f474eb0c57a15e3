/*
sqlite_test.go - Tests for the SQLite store

Tests for:
- Engine operations round-tripping through SQL (invoices, payment effects)
- Atomic sequences under concurrent callers
- Cascading deletes and append-only triggers
- Driver error mapping (via sqlmock)
*/
package sqlite

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/printshop-ledger/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func item(amount string) ledger.LineItemInput {
	return ledger.LineItemInput{
		Name:     "Vinyl print",
		Width:    decimal.RequireFromString("2"),
		Height:   decimal.RequireFromString("0.5"),
		Quantity: 1,
		Rate:     decimal.RequireFromString(amount),
	}
}

func TestStore_SchemaVersion(t *testing.T) {
	s := newTestStore(t)

	version, dirty, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestStore_EngineRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	engine := ledger.NewEngine(s, ledger.Options{})

	// GIVEN: A member client with a chain of two invoices
	validTo := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	client, err := engine.RegisterClient(ctx, ledger.ClientInput{
		Name:  "Sukkur Signs",
		Phone: "0300-7654321",
		CNIC:  "45102-1234567-1",
		Membership: &ledger.Membership{
			Type:      ledger.MembershipFixed,
			Value:     decimal.RequireFromString("5"),
			ValidFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			ValidTo:   &validTo,
		},
	})
	require.NoError(t, err)

	a, err := engine.CreateInvoice(ctx, ledger.CreateInvoiceInput{ClientID: client.ID, Items: []ledger.LineItemInput{item("100")}})
	require.NoError(t, err)
	b, err := engine.CreateInvoice(ctx, ledger.CreateInvoiceInput{ClientID: client.ID, Items: []ledger.LineItemInput{item("200"), item("40.5")}, Notes: "rush"})
	require.NoError(t, err)

	// THEN: Invoices read back exactly as created
	got, err := s.GetInvoice(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.InvoiceNumber, got.InvoiceNumber)
	require.Len(t, got.Items, 2)
	assert.True(t, got.Items[1].Amount.Equal(decimal.RequireFromString("40.5")))
	assert.True(t, got.PreviousBalance.Equal(a.BalanceDue), "carried %s", got.PreviousBalance)
	assert.True(t, got.TotalAmount.Equal(b.TotalAmount))
	assert.True(t, got.Discount.Equal(decimal.RequireFromString("5")))
	require.NotNil(t, got.PreviousInvoiceID)
	assert.Equal(t, a.ID, *got.PreviousInvoiceID)
	assert.True(t, got.CreatedAt.Equal(b.CreatedAt))
	assert.Equal(t, "rush", got.Notes)

	gotClient, err := s.GetClient(ctx, client.ID)
	require.NoError(t, err)
	require.NotNil(t, gotClient.Membership)
	assert.Equal(t, ledger.MembershipFixed, gotClient.Membership.Type)
	require.NotNil(t, gotClient.Membership.ValidTo)
	assert.True(t, gotClient.Membership.ValidTo.Equal(validTo))

	// WHEN: An overpayment settles the whole chain
	res, err := engine.ReceivePayment(ctx, ledger.ReceivePaymentInput{
		ClientID: client.ID,
		Amount:   b.BalanceDue.Add(decimal.NewFromInt(25)),
		Method:   ledger.MethodOnline,
	})
	require.NoError(t, err)
	assert.True(t, res.CreditAdded.Equal(decimal.NewFromInt(25)))

	// THEN: The payment's effects are stored for reversal
	p, err := s.GetPayment(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Len(t, p.Allocations, 2)
	assert.Len(t, p.CarryTrims, 1)
	assert.Equal(t, []ledger.InvoiceID{a.ID}, p.FlaggedInvoices)
	assert.True(t, p.CreditAdded.Equal(res.CreditAdded))

	report, err := engine.Reconcile(ctx, client.ID)
	require.NoError(t, err)
	assert.True(t, report.Balanced(), "%v", report.Discrepancies)

	// WHEN: The payment is reversed
	require.NoError(t, engine.DeletePayment(ctx, res.Payment.ID, "cashier"))

	// THEN: Everything is as before it
	after, err := s.GetInvoice(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, after.BalanceDue.Equal(b.BalanceDue))
	assert.Equal(t, ledger.StatusUnpaid, after.Status)
	report, err = engine.Reconcile(ctx, client.ID)
	require.NoError(t, err)
	assert.True(t, report.Balanced(), "%v", report.Discrepancies)

	entries, err := s.Entries(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, ledger.CausePaymentReversed, entries[3].Cause)

	trail, err := s.AuditTrail(ctx, "payment", string(res.Payment.ID))
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, ledger.AuditPaymentDeleted, trail[1].Action)
	assert.Equal(t, "cashier", trail[1].Actor)
	assert.Equal(t, p.ReceiptNumber, trail[1].Details["receipt_number"])
}

func TestStore_ConcurrentSequencesAreDistinct(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 20
	values := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx ledger.Tx) error {
				v, err := tx.NextSequence(ctx, ledger.SeqReceipt)
				values[i] = v
				return err
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		assert.Equal(t, int64(i+1), v)
	}
}

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	engine := ledger.NewEngine(s, ledger.Options{})
	client, err := engine.RegisterClient(ctx, ledger.ClientInput{Name: "Swat Screens", Phone: "0300-1"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		c, err := tx.GetClient(ctx, client.ID)
		if err != nil {
			return err
		}
		c.CreditBalance = decimal.NewFromInt(99)
		if err := tx.UpdateClient(ctx, c); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err := s.GetClient(ctx, client.ID)
	require.NoError(t, err)
	assert.True(t, c.CreditBalance.IsZero())
}

func TestStore_DeleteInvoiceCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	engine := ledger.NewEngine(s, ledger.Options{})
	client, err := engine.RegisterClient(ctx, ledger.ClientInput{Name: "Toba Tek Prints", Phone: "0300-2"})
	require.NoError(t, err)
	a, err := engine.CreateInvoice(ctx, ledger.CreateInvoiceInput{ClientID: client.ID, Items: []ledger.LineItemInput{item("10")}})
	require.NoError(t, err)
	b, err := engine.CreateInvoice(ctx, ledger.CreateInvoiceInput{ClientID: client.ID, Items: []ledger.LineItemInput{item("20")}})
	require.NoError(t, err)

	require.NoError(t, engine.DeleteInvoice(ctx, b.ID, ""))

	links, err := s.ListCarryLinks(ctx, client.ID)
	require.NoError(t, err)
	assert.Empty(t, links)

	var items int
	require.NoError(t, s.db.Get(&items, `SELECT COUNT(*) FROM invoice_items WHERE invoice_id = ?`, string(b.ID)))
	assert.Zero(t, items)

	_, err = s.GetInvoice(ctx, a.ID)
	assert.NoError(t, err)
}

func TestStore_JournalAndAuditAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	engine := ledger.NewEngine(s, ledger.Options{})
	client, err := engine.RegisterClient(ctx, ledger.ClientInput{Name: "Vehari Vinyl", Phone: "0300-3"})
	require.NoError(t, err)
	_, err = engine.CreateInvoice(ctx, ledger.CreateInvoiceInput{ClientID: client.ID, Items: []ledger.LineItemInput{item("10")}})
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE journal_entries SET delta = '0'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.Exec(`DELETE FROM journal_entries`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.Exec(`DELETE FROM audit_log`)
	assert.ErrorContains(t, err, "append-only")
}

func TestStore_UniqueViolationIsConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	insert := func(id, phone string) error {
		return s.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.InsertClient(ctx, &ledger.Client{
				ID: ledger.ClientID(id), ClientNumber: "CL-" + id, Name: id, Phone: phone,
				IsActive: true, CreatedAt: now, UpdatedAt: now,
			})
		})
	}
	require.NoError(t, insert("a", "555"))
	err := insert("b", "555")
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.True(t, ledger.IsRetryable(err))
}

func TestStore_GetMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetClient(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.GetInvoice(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.GetPayment(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	last, err := s.LastEntry(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, last)
}

// =============================================================================
// DRIVER ERROR MAPPING
// =============================================================================

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlite3")), mock
}

func TestWithTx_UniqueErrorRollsBackAsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments").
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.UpdatePayment(context.Background(), &ledger.Payment{ID: "p1", Method: ledger.MethodCash})
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_BusyIsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments").WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.UpdatePayment(context.Background(), &ledger.Payment{ID: "p1"})
	})
	assert.True(t, ledger.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_NoRowsIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM payments").WithArgs("p1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.DeletePayment(context.Background(), "p1")
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_Commits(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE carry_links SET outstanding").
		WithArgs("12.5", "l1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.UpdateCarryLink(context.Background(), &ledger.CarryLink{ID: "l1", Outstanding: decimal.RequireFromString("12.50")})
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
