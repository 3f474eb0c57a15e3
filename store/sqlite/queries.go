package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/printshop-ledger/ledger"
)

// timeLayout is fixed-width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// queries holds the read side; it runs against the pool or an open tx.
type queries struct {
	db sqlx.ExtContext
}

// =============================================================================
// ROWS
// =============================================================================

type clientRow struct {
	ID                  string              `db:"id"`
	ClientNumber        string              `db:"client_number"`
	Name                string              `db:"name"`
	Phone               string              `db:"phone"`
	Email               string              `db:"email"`
	Address             string              `db:"address"`
	CNIC                string              `db:"cnic"`
	IsActive            bool                `db:"is_active"`
	CreditBalance       decimal.Decimal     `db:"credit_balance"`
	MembershipType      sql.NullString      `db:"membership_type"`
	MembershipValue     decimal.NullDecimal `db:"membership_value"`
	MembershipValidFrom sql.NullString      `db:"membership_valid_from"`
	MembershipValidTo   sql.NullString      `db:"membership_valid_to"`
	CreatedAt           string              `db:"created_at"`
	UpdatedAt           string              `db:"updated_at"`
}

func (r clientRow) toClient() ledger.Client {
	c := ledger.Client{
		ID:            ledger.ClientID(r.ID),
		ClientNumber:  r.ClientNumber,
		Name:          r.Name,
		Phone:         r.Phone,
		Email:         r.Email,
		Address:       r.Address,
		CNIC:          r.CNIC,
		IsActive:      r.IsActive,
		CreditBalance: r.CreditBalance,
		CreatedAt:     parseTime(r.CreatedAt),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
	if r.MembershipType.Valid {
		m := &ledger.Membership{
			Type:  ledger.MembershipType(r.MembershipType.String),
			Value: r.MembershipValue.Decimal,
		}
		if r.MembershipValidFrom.Valid {
			m.ValidFrom = parseTime(r.MembershipValidFrom.String)
		}
		if r.MembershipValidTo.Valid {
			to := parseTime(r.MembershipValidTo.String)
			m.ValidTo = &to
		}
		c.Membership = m
	}
	return c
}

func newClientRow(c *ledger.Client) clientRow {
	r := clientRow{
		ID:            string(c.ID),
		ClientNumber:  c.ClientNumber,
		Name:          c.Name,
		Phone:         c.Phone,
		Email:         c.Email,
		Address:       c.Address,
		CNIC:          c.CNIC,
		IsActive:      c.IsActive,
		CreditBalance: c.CreditBalance,
		CreatedAt:     formatTime(c.CreatedAt),
		UpdatedAt:     formatTime(c.UpdatedAt),
	}
	if m := c.Membership; m != nil {
		r.MembershipType = nullString(string(m.Type))
		r.MembershipValue = decimal.NewNullDecimal(m.Value)
		if !m.ValidFrom.IsZero() {
			r.MembershipValidFrom = nullString(formatTime(m.ValidFrom))
		}
		if m.ValidTo != nil {
			r.MembershipValidTo = nullString(formatTime(*m.ValidTo))
		}
	}
	return r
}

type invoiceRow struct {
	ID                           string          `db:"id"`
	InvoiceNumber                string          `db:"invoice_number"`
	ClientID                     string          `db:"client_id"`
	Subtotal                     decimal.Decimal `db:"subtotal"`
	PreviousBalance              decimal.Decimal `db:"previous_balance"`
	Discount                     decimal.Decimal `db:"discount"`
	TotalAmount                  decimal.Decimal `db:"total_amount"`
	PaidAmount                   decimal.Decimal `db:"paid_amount"`
	BalanceDue                   decimal.Decimal `db:"balance_due"`
	Status                       string          `db:"status"`
	PreviousInvoiceID            sql.NullString  `db:"previous_invoice_id"`
	BalancePaidFromFutureInvoice bool            `db:"balance_paid_from_future_invoice"`
	Notes                        string          `db:"notes"`
	CreatedAt                    string          `db:"created_at"`
	UpdatedAt                    string          `db:"updated_at"`
}

func (r invoiceRow) toInvoice() ledger.Invoice {
	inv := ledger.Invoice{
		ID:                           ledger.InvoiceID(r.ID),
		InvoiceNumber:                r.InvoiceNumber,
		ClientID:                     ledger.ClientID(r.ClientID),
		Subtotal:                     r.Subtotal,
		PreviousBalance:              r.PreviousBalance,
		Discount:                     r.Discount,
		TotalAmount:                  r.TotalAmount,
		PaidAmount:                   r.PaidAmount,
		BalanceDue:                   r.BalanceDue,
		Status:                       ledger.InvoiceStatus(r.Status),
		BalancePaidFromFutureInvoice: r.BalancePaidFromFutureInvoice,
		Notes:                        r.Notes,
		CreatedAt:                    parseTime(r.CreatedAt),
		UpdatedAt:                    parseTime(r.UpdatedAt),
	}
	if r.PreviousInvoiceID.Valid {
		id := ledger.InvoiceID(r.PreviousInvoiceID.String)
		inv.PreviousInvoiceID = &id
	}
	return inv
}

type itemRow struct {
	InvoiceID string          `db:"invoice_id"`
	Position  int             `db:"position"`
	Name      string          `db:"name"`
	Width     decimal.Decimal `db:"width"`
	Height    decimal.Decimal `db:"height"`
	Quantity  int             `db:"quantity"`
	Rate      decimal.Decimal `db:"rate"`
	Amount    decimal.Decimal `db:"amount"`
}

type linkRow struct {
	ID            string          `db:"id"`
	FromInvoiceID string          `db:"from_invoice_id"`
	ToInvoiceID   string          `db:"to_invoice_id"`
	Amount        decimal.Decimal `db:"amount"`
	Outstanding   decimal.Decimal `db:"outstanding"`
	CreatedAt     string          `db:"created_at"`
}

type paymentRow struct {
	ID            string          `db:"id"`
	ReceiptNumber string          `db:"receipt_number"`
	ClientID      string          `db:"client_id"`
	InvoiceID     sql.NullString  `db:"invoice_id"`
	Amount        decimal.Decimal `db:"amount"`
	Method        string          `db:"method"`
	Reference     string          `db:"reference"`
	Notes         string          `db:"notes"`
	CreditAdded   decimal.Decimal `db:"credit_added"`
	CreatedAt     string          `db:"created_at"`
}

type allocationRow struct {
	PaymentID       string          `db:"payment_id"`
	Position        int             `db:"position"`
	InvoiceID       string          `db:"invoice_id"`
	InvoiceNumber   string          `db:"invoice_number"`
	AmountApplied   decimal.Decimal `db:"amount_applied"`
	PreviousBalance decimal.Decimal `db:"previous_balance"`
	NewBalance      decimal.Decimal `db:"new_balance"`
	NewStatus       string          `db:"new_status"`
}

type trimRow struct {
	PaymentID string          `db:"payment_id"`
	Position  int             `db:"position"`
	LinkID    string          `db:"link_id"`
	Amount    decimal.Decimal `db:"amount"`
}

type flagRow struct {
	PaymentID string `db:"payment_id"`
	Position  int    `db:"position"`
	InvoiceID string `db:"invoice_id"`
}

type entryRow struct {
	ID             string          `db:"id"`
	ClientID       string          `db:"client_id"`
	Delta          decimal.Decimal `db:"delta"`
	RunningBalance decimal.Decimal `db:"running_balance"`
	Cause          string          `db:"cause"`
	CauseID        string          `db:"cause_id"`
	CreatedAt      string          `db:"created_at"`
}

func (r entryRow) toEntry() ledger.Entry {
	return ledger.Entry{
		ID:             r.ID,
		ClientID:       ledger.ClientID(r.ClientID),
		Delta:          r.Delta,
		RunningBalance: r.RunningBalance,
		Cause:          ledger.EntryCause(r.Cause),
		CauseID:        r.CauseID,
		CreatedAt:      parseTime(r.CreatedAt),
	}
}

type auditRow struct {
	EntityType  string         `db:"entity_type"`
	EntityID    string         `db:"entity_id"`
	Action      string         `db:"action"`
	Actor       string         `db:"actor"`
	DetailsJSON sql.NullString `db:"details_json"`
	At          string         `db:"at"`
}

// =============================================================================
// CLIENTS
// =============================================================================

const clientColumns = `id, client_number, name, phone, email, address, cnic, is_active,
	credit_balance, membership_type, membership_value, membership_valid_from,
	membership_valid_to, created_at, updated_at`

func (q queries) getClientWhere(ctx context.Context, where string, arg any, missing string) (*ledger.Client, error) {
	var r clientRow
	err := sqlx.GetContext(ctx, q.db, &r, `SELECT `+clientColumns+` FROM clients WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "client", ID: missing}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	c := r.toClient()
	return &c, nil
}

func (q queries) GetClient(ctx context.Context, id ledger.ClientID) (*ledger.Client, error) {
	return q.getClientWhere(ctx, "id = ?", string(id), string(id))
}

func (q queries) GetClientByPhone(ctx context.Context, phone string) (*ledger.Client, error) {
	return q.getClientWhere(ctx, "phone = ?", phone, phone)
}

func (q queries) ListClients(ctx context.Context, activeOnly bool) ([]ledger.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	var rows []clientRow
	if err := sqlx.SelectContext(ctx, q.db, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	clients := make([]ledger.Client, len(rows))
	for i, r := range rows {
		clients[i] = r.toClient()
	}
	return clients, nil
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, invoice_number, client_id, subtotal, previous_balance, discount,
	total_amount, paid_amount, balance_due, status, previous_invoice_id,
	balance_paid_from_future_invoice, notes, created_at, updated_at`

func (q queries) GetInvoice(ctx context.Context, id ledger.InvoiceID) (*ledger.Invoice, error) {
	var r invoiceRow
	err := sqlx.GetContext(ctx, q.db, &r, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	inv := r.toInvoice()

	var items []itemRow
	err = sqlx.SelectContext(ctx, q.db, &items,
		`SELECT * FROM invoice_items WHERE invoice_id = ? ORDER BY position`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice items: %w", err)
	}
	for _, it := range items {
		inv.Items = append(inv.Items, it.toLineItem())
	}
	return &inv, nil
}

func (it itemRow) toLineItem() ledger.LineItem {
	return ledger.LineItem{
		Name:     it.Name,
		Width:    it.Width,
		Height:   it.Height,
		Quantity: it.Quantity,
		Rate:     it.Rate,
		Amount:   it.Amount,
	}
}

func (q queries) ListInvoices(ctx context.Context, clientID ledger.ClientID) ([]ledger.Invoice, error) {
	var rows []invoiceRow
	err := sqlx.SelectContext(ctx, q.db, &rows,
		`SELECT `+invoiceColumns+` FROM invoices WHERE client_id = ? ORDER BY created_at ASC, rowid ASC`,
		string(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}

	var items []itemRow
	err = sqlx.SelectContext(ctx, q.db, &items, `
		SELECT ii.* FROM invoice_items ii
		JOIN invoices i ON i.id = ii.invoice_id
		WHERE i.client_id = ?
		ORDER BY ii.invoice_id, ii.position`, string(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice items: %w", err)
	}
	byInvoice := make(map[string][]ledger.LineItem)
	for _, it := range items {
		byInvoice[it.InvoiceID] = append(byInvoice[it.InvoiceID], it.toLineItem())
	}

	invoices := make([]ledger.Invoice, len(rows))
	for i, r := range rows {
		invoices[i] = r.toInvoice()
		invoices[i].Items = byInvoice[r.ID]
	}
	return invoices, nil
}

func (q queries) ListCarryLinks(ctx context.Context, clientID ledger.ClientID) ([]ledger.CarryLink, error) {
	var rows []linkRow
	err := sqlx.SelectContext(ctx, q.db, &rows, `
		SELECT l.id, l.from_invoice_id, l.to_invoice_id, l.amount, l.outstanding, l.created_at
		FROM carry_links l
		JOIN invoices i ON i.id = l.to_invoice_id
		WHERE i.client_id = ?
		ORDER BY l.created_at ASC, l.rowid ASC`, string(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to list carry links: %w", err)
	}
	links := make([]ledger.CarryLink, len(rows))
	for i, r := range rows {
		links[i] = ledger.CarryLink{
			ID:            ledger.LinkID(r.ID),
			FromInvoiceID: ledger.InvoiceID(r.FromInvoiceID),
			ToInvoiceID:   ledger.InvoiceID(r.ToInvoiceID),
			Amount:        r.Amount,
			Outstanding:   r.Outstanding,
			CreatedAt:     parseTime(r.CreatedAt),
		}
	}
	return links, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, receipt_number, client_id, invoice_id, amount, method,
	reference, notes, credit_added, created_at`

func (q queries) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	var r paymentRow
	err := sqlx.GetContext(ctx, q.db, &r, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "payment", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	payments, err := q.withEffects(ctx, []paymentRow{r}, `payment_id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	return &payments[0], nil
}

func (q queries) ListPayments(ctx context.Context, clientID ledger.ClientID) ([]ledger.Payment, error) {
	var rows []paymentRow
	err := sqlx.SelectContext(ctx, q.db, &rows,
		`SELECT `+paymentColumns+` FROM payments WHERE client_id = ? ORDER BY created_at ASC, rowid ASC`,
		string(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return q.withEffects(ctx, rows,
		`payment_id IN (SELECT id FROM payments WHERE client_id = ?)`, string(clientID))
}

// withEffects loads allocations, trims and flags for rows. where selects
// the effect rows by payment_id.
func (q queries) withEffects(ctx context.Context, rows []paymentRow, where string, arg any) ([]ledger.Payment, error) {
	var allocs []allocationRow
	if err := sqlx.SelectContext(ctx, q.db, &allocs,
		`SELECT * FROM payment_allocations WHERE `+where+` ORDER BY payment_id, position`, arg); err != nil {
		return nil, fmt.Errorf("failed to load allocations: %w", err)
	}
	var trims []trimRow
	if err := sqlx.SelectContext(ctx, q.db, &trims,
		`SELECT * FROM payment_carry_trims WHERE `+where+` ORDER BY payment_id, position`, arg); err != nil {
		return nil, fmt.Errorf("failed to load carry trims: %w", err)
	}
	var flags []flagRow
	if err := sqlx.SelectContext(ctx, q.db, &flags,
		`SELECT * FROM payment_flags WHERE `+where+` ORDER BY payment_id, position`, arg); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	payments := make([]ledger.Payment, len(rows))
	index := make(map[string]*ledger.Payment, len(rows))
	for i, r := range rows {
		payments[i] = ledger.Payment{
			ID:            ledger.PaymentID(r.ID),
			ReceiptNumber: r.ReceiptNumber,
			ClientID:      ledger.ClientID(r.ClientID),
			Amount:        r.Amount,
			Method:        ledger.PaymentMethod(r.Method),
			Reference:     r.Reference,
			Notes:         r.Notes,
			CreditAdded:   r.CreditAdded,
			CreatedAt:     parseTime(r.CreatedAt),
		}
		if r.InvoiceID.Valid {
			id := ledger.InvoiceID(r.InvoiceID.String)
			payments[i].InvoiceID = &id
		}
		index[r.ID] = &payments[i]
	}
	for _, a := range allocs {
		if p, ok := index[a.PaymentID]; ok {
			p.Allocations = append(p.Allocations, ledger.Allocation{
				InvoiceID:       ledger.InvoiceID(a.InvoiceID),
				InvoiceNumber:   a.InvoiceNumber,
				AmountApplied:   a.AmountApplied,
				PreviousBalance: a.PreviousBalance,
				NewBalance:      a.NewBalance,
				NewStatus:       ledger.InvoiceStatus(a.NewStatus),
			})
		}
	}
	for _, t := range trims {
		if p, ok := index[t.PaymentID]; ok {
			p.CarryTrims = append(p.CarryTrims, ledger.CarryTrim{LinkID: ledger.LinkID(t.LinkID), Amount: t.Amount})
		}
	}
	for _, f := range flags {
		if p, ok := index[f.PaymentID]; ok {
			p.FlaggedInvoices = append(p.FlaggedInvoices, ledger.InvoiceID(f.InvoiceID))
		}
	}
	return payments, nil
}

// =============================================================================
// JOURNAL / AUDIT
// =============================================================================

const entryColumns = `id, client_id, delta, running_balance, cause, cause_id, created_at`

func (q queries) Entries(ctx context.Context, clientID ledger.ClientID) ([]ledger.Entry, error) {
	var rows []entryRow
	err := sqlx.SelectContext(ctx, q.db, &rows,
		`SELECT `+entryColumns+` FROM journal_entries WHERE client_id = ? ORDER BY seq ASC`, string(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}
	entries := make([]ledger.Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries, nil
}

func (q queries) LastEntry(ctx context.Context, clientID ledger.ClientID) (*ledger.Entry, error) {
	var r entryRow
	err := sqlx.GetContext(ctx, q.db, &r,
		`SELECT `+entryColumns+` FROM journal_entries WHERE client_id = ? ORDER BY seq DESC LIMIT 1`, string(clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}
	e := r.toEntry()
	return &e, nil
}

func (q queries) AuditTrail(ctx context.Context, entityType, entityID string) ([]ledger.AuditEvent, error) {
	var rows []auditRow
	err := sqlx.SelectContext(ctx, q.db, &rows, `
		SELECT entity_type, entity_id, action, actor, details_json, at
		FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY seq ASC`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit trail: %w", err)
	}
	events := make([]ledger.AuditEvent, len(rows))
	for i, r := range rows {
		events[i] = ledger.AuditEvent{
			EntityType: r.EntityType,
			EntityID:   r.EntityID,
			Action:     ledger.AuditAction(r.Action),
			Actor:      r.Actor,
			At:         parseTime(r.At),
		}
		if r.DetailsJSON.Valid && r.DetailsJSON.String != "" {
			if err := json.Unmarshal([]byte(r.DetailsJSON.String), &events[i].Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
	}
	return events, nil
}
