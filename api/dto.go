package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/printshop-ledger/ledger"
)

// Amounts leave the API as fixed two-place strings; requests accept JSON
// numbers or strings.

// =============================================================================
// CLIENTS
// =============================================================================

type MembershipDTO struct {
	Type      string     `json:"type"`
	Value     string     `json:"value"`
	ValidFrom *time.Time `json:"valid_from,omitempty"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

type ClientDTO struct {
	ID            string         `json:"id"`
	ClientNumber  string         `json:"client_number"`
	Name          string         `json:"name"`
	Phone         string         `json:"phone"`
	Email         string         `json:"email,omitempty"`
	Address       string         `json:"address,omitempty"`
	CNIC          string         `json:"cnic,omitempty"`
	IsActive      bool           `json:"is_active"`
	CreditBalance string         `json:"credit_balance"`
	Membership    *MembershipDTO `json:"membership,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type MembershipRequest struct {
	Type      string          `json:"type"`
	Value     decimal.Decimal `json:"value"`
	ValidFrom *time.Time      `json:"valid_from"`
	ValidTo   *time.Time      `json:"valid_to"`
}

type ClientRequest struct {
	Name       string             `json:"name"`
	Phone      string             `json:"phone"`
	Email      string             `json:"email"`
	Address    string             `json:"address"`
	CNIC       string             `json:"cnic"`
	Membership *MembershipRequest `json:"membership"`
}

type BalanceDTO struct {
	ClientID       string `json:"client_id"`
	PendingBalance string `json:"pending_balance"`
	CreditBalance  string `json:"credit_balance"`
	OpenInvoices   int    `json:"open_invoices"`
}

// =============================================================================
// INVOICES
// =============================================================================

type LineItemDTO struct {
	Name     string `json:"name"`
	Width    string `json:"width"`
	Height   string `json:"height"`
	Quantity int    `json:"quantity"`
	Rate     string `json:"rate"`
	Amount   string `json:"amount"`
}

type InvoiceDTO struct {
	ID                           string        `json:"id"`
	InvoiceNumber                string        `json:"invoice_number"`
	ClientID                     string        `json:"client_id"`
	Items                        []LineItemDTO `json:"items"`
	Subtotal                     string        `json:"subtotal"`
	PreviousBalance              string        `json:"previous_balance"`
	Discount                     string        `json:"discount"`
	TotalAmount                  string        `json:"total_amount"`
	PaidAmount                   string        `json:"paid_amount"`
	BalanceDue                   string        `json:"balance_due"`
	Status                       string        `json:"status"`
	PreviousInvoiceID            *string       `json:"previous_invoice_id"`
	BalancePaidFromFutureInvoice bool          `json:"balance_paid_from_future_invoice"`
	Notes                        string        `json:"notes,omitempty"`
	CreatedAt                    time.Time     `json:"created_at"`
	UpdatedAt                    time.Time     `json:"updated_at"`
}

type LineItemRequest struct {
	Name     string          `json:"name"`
	Width    decimal.Decimal `json:"width"`
	Height   decimal.Decimal `json:"height"`
	Quantity int             `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
}

type CreateInvoiceRequest struct {
	Items    []LineItemRequest `json:"items"`
	Notes    string            `json:"notes"`
	Discount *decimal.Decimal  `json:"discount"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type AllocationDTO struct {
	InvoiceID       string `json:"invoice_id"`
	InvoiceNumber   string `json:"invoice_number"`
	AmountApplied   string `json:"amount_applied"`
	PreviousBalance string `json:"previous_balance"`
	NewBalance      string `json:"new_balance"`
	NewStatus       string `json:"new_status"`
}

type PaymentDTO struct {
	ID            string          `json:"id"`
	ReceiptNumber string          `json:"receipt_number"`
	ClientID      string          `json:"client_id"`
	InvoiceID     *string         `json:"invoice_id"`
	Amount        string          `json:"amount"`
	Method        string          `json:"method"`
	Reference     string          `json:"reference,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreditAdded   string          `json:"credit_added"`
	Allocations   []AllocationDTO `json:"allocations"`
	CreatedAt     time.Time       `json:"created_at"`
}

type ReceivePaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	InvoiceID *string         `json:"invoice_id"`
	Reference string          `json:"reference"`
	Notes     string          `json:"notes"`
}

type PaymentResultDTO struct {
	Payment        PaymentDTO      `json:"payment"`
	ReceiptNumber  string          `json:"receipt_number"`
	Allocations    []AllocationDTO `json:"allocations"`
	TotalAllocated string          `json:"total_allocated"`
	CreditAdded    string          `json:"credit_added"`
}

type UpdatePaymentRequest struct {
	Method    *string `json:"method"`
	Reference *string `json:"reference"`
	Notes     *string `json:"notes"`
}

// =============================================================================
// JOURNAL / AUDIT / RECONCILIATION
// =============================================================================

type EntryDTO struct {
	Delta          string    `json:"delta"`
	RunningBalance string    `json:"running_balance"`
	Cause          string    `json:"cause"`
	CauseID        string    `json:"cause_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type AuditEventDTO struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

type DiscrepancyDTO struct {
	Subject  string `json:"subject"`
	Check    string `json:"check"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

type ReconciliationDTO struct {
	ClientID       string           `json:"client_id"`
	Balanced       bool             `json:"balanced"`
	PendingBalance string           `json:"pending_balance"`
	CreditBalance  string           `json:"credit_balance"`
	JournalBalance string           `json:"journal_balance"`
	Discrepancies  []DiscrepancyDTO `json:"discrepancies"`
	CheckedAt      time.Time        `json:"checked_at"`
}

type ReconciliationRunDTO struct {
	Clients       int                 `json:"clients"`
	Unbalanced    int                 `json:"unbalanced"`
	Discrepancies int                 `json:"discrepancies"`
	Reports       []ReconciliationDTO `json:"reports"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(ledger.MoneyPlaces) }

func toClientDTO(c *ledger.Client) ClientDTO {
	dto := ClientDTO{
		ID:            string(c.ID),
		ClientNumber:  c.ClientNumber,
		Name:          c.Name,
		Phone:         c.Phone,
		Email:         c.Email,
		Address:       c.Address,
		CNIC:          c.CNIC,
		IsActive:      c.IsActive,
		CreditBalance: money(c.CreditBalance),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if m := c.Membership; m != nil {
		dto.Membership = &MembershipDTO{
			Type:    string(m.Type),
			Value:   m.Value.String(),
			ValidTo: m.ValidTo,
		}
		if !m.ValidFrom.IsZero() {
			from := m.ValidFrom
			dto.Membership.ValidFrom = &from
		}
	}
	return dto
}

func (r ClientRequest) toInput(actor string) ledger.ClientInput {
	in := ledger.ClientInput{
		Name:    r.Name,
		Phone:   r.Phone,
		Email:   r.Email,
		Address: r.Address,
		CNIC:    r.CNIC,
		Actor:   actor,
	}
	if m := r.Membership; m != nil {
		in.Membership = &ledger.Membership{
			Type:    ledger.MembershipType(m.Type),
			Value:   m.Value,
			ValidTo: m.ValidTo,
		}
		if m.ValidFrom != nil {
			in.Membership.ValidFrom = *m.ValidFrom
		}
	}
	return in
}

func toInvoiceDTO(inv *ledger.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:                           string(inv.ID),
		InvoiceNumber:                inv.InvoiceNumber,
		ClientID:                     string(inv.ClientID),
		Items:                        make([]LineItemDTO, len(inv.Items)),
		Subtotal:                     money(inv.Subtotal),
		PreviousBalance:              money(inv.PreviousBalance),
		Discount:                     money(inv.Discount),
		TotalAmount:                  money(inv.TotalAmount),
		PaidAmount:                   money(inv.PaidAmount),
		BalanceDue:                   money(inv.BalanceDue),
		Status:                       string(inv.Status),
		BalancePaidFromFutureInvoice: inv.BalancePaidFromFutureInvoice,
		Notes:                        inv.Notes,
		CreatedAt:                    inv.CreatedAt,
		UpdatedAt:                    inv.UpdatedAt,
	}
	for i, it := range inv.Items {
		dto.Items[i] = LineItemDTO{
			Name:     it.Name,
			Width:    it.Width.String(),
			Height:   it.Height.String(),
			Quantity: it.Quantity,
			Rate:     it.Rate.String(),
			Amount:   money(it.Amount),
		}
	}
	if inv.PreviousInvoiceID != nil {
		id := string(*inv.PreviousInvoiceID)
		dto.PreviousInvoiceID = &id
	}
	return dto
}

func toAllocationDTOs(allocs []ledger.Allocation) []AllocationDTO {
	out := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		out[i] = AllocationDTO{
			InvoiceID:       string(a.InvoiceID),
			InvoiceNumber:   a.InvoiceNumber,
			AmountApplied:   money(a.AmountApplied),
			PreviousBalance: money(a.PreviousBalance),
			NewBalance:      money(a.NewBalance),
			NewStatus:       string(a.NewStatus),
		}
	}
	return out
}

func toPaymentDTO(p *ledger.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:            string(p.ID),
		ReceiptNumber: p.ReceiptNumber,
		ClientID:      string(p.ClientID),
		Amount:        money(p.Amount),
		Method:        string(p.Method),
		Reference:     p.Reference,
		Notes:         p.Notes,
		CreditAdded:   money(p.CreditAdded),
		Allocations:   toAllocationDTOs(p.Allocations),
		CreatedAt:     p.CreatedAt,
	}
	if p.InvoiceID != nil {
		id := string(*p.InvoiceID)
		dto.InvoiceID = &id
	}
	return dto
}

func toReconciliationDTO(r *ledger.ReconciliationReport) ReconciliationDTO {
	dto := ReconciliationDTO{
		ClientID:       string(r.ClientID),
		Balanced:       r.Balanced(),
		PendingBalance: money(r.PendingBalance),
		CreditBalance:  money(r.CreditBalance),
		JournalBalance: money(r.JournalBalance),
		Discrepancies:  make([]DiscrepancyDTO, len(r.Discrepancies)),
		CheckedAt:      r.CheckedAt,
	}
	for i, d := range r.Discrepancies {
		dto.Discrepancies[i] = DiscrepancyDTO{
			Subject:  d.Subject,
			Check:    d.Check,
			Expected: money(d.Expected),
			Actual:   money(d.Actual),
		}
	}
	return dto
}
