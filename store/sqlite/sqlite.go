/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists clients, invoices, carry links, payments (with the effects needed
  to reverse them), the client journal, the audit log and the number
  sequences. Queries go through sqlx; decimals are stored as TEXT so no
  precision is lost.

KEY TABLES:
  clients, invoices, invoice_items:    Master data and bills
  carry_links:                         Balance folded between invoices
  payments, payment_allocations,
  payment_carry_trims, payment_flags:  Receipts and their effects
  journal_entries, audit_log:          Append-only (enforced by triggers)
  sequences:                           CL/INV/RCP/VCH counters

CONCURRENCY:
  One open connection, _txlock=immediate and a mutex around WithTx: every
  transaction takes the write lock up front, so two payments for the same
  client can never read the same open invoices. Reads outside a transaction
  take the read side of the mutex.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

MIGRATION:
  Schema lives in migrations/*.sql, embedded and applied with
  golang-migrate on New().

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, ledger.Options{})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/printshop-ledger/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
	q  queries
}

var _ ledger.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and applies pending
// migrations. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would see an empty database, and
	// a single writer is all SQLite offers anyway.
	db.SetMaxOpenConns(1)

	store := NewWithDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an open handle without touching the schema.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db, q: queries{db: db}}
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies every pending up migration.
func (s *Store) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	// m.Close would close the shared *sql.DB as well.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (uint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row struct {
		Version uint `db:"version"`
		Dirty   bool `db:"dirty"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT version, dirty FROM schema_migrations LIMIT 1`)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return row.Version, row.Dirty, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
// If fn returns error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{db: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err, "commit")
	}
	return nil
}

// =============================================================================
// READS (outside a transaction)
// =============================================================================

func (s *Store) GetClient(ctx context.Context, id ledger.ClientID) (*ledger.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetClient(ctx, id)
}

func (s *Store) GetClientByPhone(ctx context.Context, phone string) (*ledger.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetClientByPhone(ctx, phone)
}

func (s *Store) ListClients(ctx context.Context, activeOnly bool) ([]ledger.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListClients(ctx, activeOnly)
}

func (s *Store) GetInvoice(ctx context.Context, id ledger.InvoiceID) (*ledger.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetInvoice(ctx, id)
}

func (s *Store) ListInvoices(ctx context.Context, clientID ledger.ClientID) ([]ledger.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListInvoices(ctx, clientID)
}

func (s *Store) ListCarryLinks(ctx context.Context, clientID ledger.ClientID) ([]ledger.CarryLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListCarryLinks(ctx, clientID)
}

func (s *Store) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetPayment(ctx, id)
}

func (s *Store) ListPayments(ctx context.Context, clientID ledger.ClientID) ([]ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListPayments(ctx, clientID)
}

func (s *Store) Entries(ctx context.Context, clientID ledger.ClientID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.Entries(ctx, clientID)
}

func (s *Store) LastEntry(ctx context.Context, clientID ledger.ClientID) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.LastEntry(ctx, clientID)
}

func (s *Store) AuditTrail(ctx context.Context, entityType, entityID string) ([]ledger.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.AuditTrail(ctx, entityType, entityID)
}

// =============================================================================
// UTILITIES
// =============================================================================

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
}

// mapError turns driver errors the engine can act on into ledger errors.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) || isBusyError(err) {
		return fmt.Errorf("failed to %s: %w", op, errors.Join(ledger.ErrConflict, err))
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
