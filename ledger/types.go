/*
Package ledger provides the client balance engine for the print shop.

PURPOSE:
  Tracks what every client owes. Invoices carry a client's unpaid balance
  forward, payments are allocated oldest-first across open invoices, and any
  overpayment becomes client credit. All derived figures (total, balance due,
  status) are recomputed on every mutation, never stored independently.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money:      decimal.Decimal rounded to 2 places at the boundary
  - Client:     who owes (and who holds credit)
  - Invoice:    one bill; links to the invoice whose balance it absorbed
  - CarryLink:  how much of an older invoice is folded into a newer one
  - Payment:    one receipt, plus the effects needed to reverse it exactly
  - Entry:      append-only journal row for a client

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64
  2. Derived fields: TotalAmount/BalanceDue/Status come from recompute()
  3. Reversibility: a payment records every side effect it caused
  4. Auditability: every mutation writes an AuditEvent and a journal Entry

SEE ALSO:
  - carryforward.go: Invoice creation and previous-balance computation
  - allocation.go:   FIFO/targeted payment allocation with cascading trims
  - reversal.go:     Payment deletion
  - store.go:        Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places currency is rounded to.
const MoneyPlaces = 2

// Money rounds a value to currency precision.
func Money(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyPlaces) }

// MustParseMoney parses a decimal string, returning zero on malformed input.
func MustParseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return Money(d)
}

func minDec(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func maxDec(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type InvoiceID string
type PaymentID string
type LinkID string

// =============================================================================
// CLIENT
// =============================================================================

type MembershipType string

const (
	MembershipFixed      MembershipType = "FIXED"
	MembershipPercentage MembershipType = "PERCENTAGE"
)

// Membership is a client's standing discount profile.
type Membership struct {
	Type      MembershipType
	Value     decimal.Decimal
	ValidFrom time.Time
	ValidTo   *time.Time
}

// ActiveAt reports whether the membership applies at t.
func (m *Membership) ActiveAt(t time.Time) bool {
	if m == nil || !m.Value.IsPositive() {
		return false
	}
	if !m.ValidFrom.IsZero() && t.Before(m.ValidFrom) {
		return false
	}
	if m.ValidTo != nil && t.After(*m.ValidTo) {
		return false
	}
	return true
}

// DiscountOn returns the discount this membership grants on subtotal,
// capped at the subtotal.
func (m *Membership) DiscountOn(subtotal decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch m.Type {
	case MembershipPercentage:
		d = subtotal.Mul(m.Value).Div(decimal.NewFromInt(100))
	default:
		d = m.Value
	}
	return Money(minDec(d, subtotal))
}

type Client struct {
	ID            ClientID
	ClientNumber  string
	Name          string
	Phone         string
	Email         string
	Address       string
	CNIC          string
	IsActive      bool
	CreditBalance decimal.Decimal
	Membership    *Membership
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	StatusUnpaid    InvoiceStatus = "UNPAID"
	StatusPartial   InvoiceStatus = "PARTIAL"
	StatusPaid      InvoiceStatus = "PAID"
	StatusCancelled InvoiceStatus = "CANCELLED"
)

// IsOpen reports whether invoices in this status take part in carry-forward
// and allocation.
func (s InvoiceStatus) IsOpen() bool { return s == StatusUnpaid || s == StatusPartial }

// LineItem is one printed job, priced by area.
type LineItem struct {
	Name     string
	Width    decimal.Decimal
	Height   decimal.Decimal
	Quantity int
	Rate     decimal.Decimal
	Amount   decimal.Decimal
}

// ComputeAmount returns width * height * quantity * rate.
func (li LineItem) ComputeAmount() decimal.Decimal {
	return Money(li.Width.Mul(li.Height).Mul(decimal.NewFromInt(int64(li.Quantity))).Mul(li.Rate))
}

type Invoice struct {
	ID            InvoiceID
	InvoiceNumber string
	ClientID      ClientID
	Items         []LineItem

	Subtotal        decimal.Decimal
	PreviousBalance decimal.Decimal
	Discount        decimal.Decimal
	TotalAmount     decimal.Decimal // derived
	PaidAmount      decimal.Decimal
	BalanceDue      decimal.Decimal // derived
	Status          InvoiceStatus   // derived unless CANCELLED

	PreviousInvoiceID            *InvoiceID
	BalancePaidFromFutureInvoice bool

	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recompute derives TotalAmount, BalanceDue and Status from the stored
// components. Cancelled invoices keep their status.
func (inv *Invoice) Recompute() {
	inv.TotalAmount = Money(inv.Subtotal.Add(inv.PreviousBalance).Sub(inv.Discount))
	inv.BalanceDue = Money(maxDec(decimal.Zero, inv.TotalAmount.Sub(inv.PaidAmount)))
	if inv.Status == StatusCancelled {
		return
	}
	inv.Status = deriveStatus(inv.BalanceDue, inv.PaidAmount)
}

func deriveStatus(balanceDue, paid decimal.Decimal) InvoiceStatus {
	switch {
	case !balanceDue.IsPositive():
		return StatusPaid
	case paid.IsPositive():
		return StatusPartial
	default:
		return StatusUnpaid
	}
}

// CarryLink records that part of From's balance was folded into To's
// PreviousBalance. Outstanding shrinks as From is paid down.
type CarryLink struct {
	ID            LinkID
	FromInvoiceID InvoiceID
	ToInvoiceID   InvoiceID
	Amount        decimal.Decimal
	Outstanding   decimal.Decimal
	CreatedAt     time.Time
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentMethod string

const (
	MethodCash   PaymentMethod = "CASH"
	MethodBank   PaymentMethod = "BANK"
	MethodCheque PaymentMethod = "CHEQUE"
	MethodOnline PaymentMethod = "ONLINE"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodBank, MethodCheque, MethodOnline:
		return true
	}
	return false
}

// Allocation is the part of a payment applied to one invoice.
type Allocation struct {
	InvoiceID       InvoiceID
	InvoiceNumber   string
	AmountApplied   decimal.Decimal
	PreviousBalance decimal.Decimal // invoice balanceDue before the payment
	NewBalance      decimal.Decimal
	NewStatus       InvoiceStatus
}

// CarryTrim records how much a payment reduced a carry link.
type CarryTrim struct {
	LinkID LinkID
	Amount decimal.Decimal
}

type Payment struct {
	ID            PaymentID
	ReceiptNumber string
	ClientID      ClientID
	InvoiceID     *InvoiceID // primary invoice when the caller targeted one
	Amount        decimal.Decimal
	Method        PaymentMethod
	Reference     string
	Notes         string

	// Effects, kept so the payment can be reversed exactly.
	CreditAdded     decimal.Decimal
	Allocations     []Allocation
	CarryTrims      []CarryTrim
	FlaggedInvoices []InvoiceID

	CreatedAt time.Time
}

// =============================================================================
// JOURNAL
// =============================================================================

type EntryCause string

const (
	CauseInvoiceCreated   EntryCause = "invoice_created"
	CauseInvoiceCancelled EntryCause = "invoice_cancelled"
	CauseInvoiceDeleted   EntryCause = "invoice_deleted"
	CausePaymentReceived  EntryCause = "payment_received"
	CausePaymentReversed  EntryCause = "payment_reversed"
)

// Entry is one append-only row of a client's journal. RunningBalance is the
// client's net position (owed minus credit) after Delta.
type Entry struct {
	ID             string
	ClientID       ClientID
	Delta          decimal.Decimal
	RunningBalance decimal.Decimal
	Cause          EntryCause
	CauseID        string
	CreatedAt      time.Time
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditClientRegistered  AuditAction = "client_registered"
	AuditClientUpdated     AuditAction = "client_updated"
	AuditClientDeactivated AuditAction = "client_deactivated"
	AuditInvoiceCreated    AuditAction = "invoice_created"
	AuditInvoiceCancelled  AuditAction = "invoice_cancelled"
	AuditInvoiceDeleted    AuditAction = "invoice_deleted"
	AuditPaymentReceived   AuditAction = "payment_received"
	AuditPaymentUpdated    AuditAction = "payment_updated"
	AuditPaymentDeleted    AuditAction = "payment_deleted"
)

// AuditEvent is an immutable record of who did what.
type AuditEvent struct {
	EntityType string
	EntityID   string
	Action     AuditAction
	Actor      string
	Details    map[string]any
	At         time.Time
}
