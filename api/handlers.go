/*
handlers.go - HTTP API handlers for the print-shop ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every decision to ledger.Engine.

ENDPOINTS:
  Clients:
    GET    /api/clients                      List clients (?active=true)
    POST   /api/clients                      Register client
    GET    /api/clients/lookup?phone=        Find by phone
    GET    /api/clients/{id}                 Get client
    PUT    /api/clients/{id}                 Update client
    DELETE /api/clients/{id}                 Deactivate client
    GET    /api/clients/{id}/balance         Pending balance and credit
    GET    /api/clients/{id}/statement       Journal
    GET    /api/clients/{id}/reconciliation  Consistency report

  Invoices:
    GET    /api/clients/{id}/invoices        List
    POST   /api/clients/{id}/invoices        Create (carries balance forward)
    GET    /api/invoices/{id}                Get
    POST   /api/invoices/{id}/cancel         Cancel
    DELETE /api/invoices/{id}                Delete

  Payments:
    GET    /api/clients/{id}/payments        List
    POST   /api/clients/{id}/payments        Receive (FIFO or targeted)
    GET    /api/payments/{id}                Get
    PATCH  /api/payments/{id}                Update method/reference/notes
    DELETE /api/payments/{id}                Reverse and delete

  Admin:
    GET    /api/audit/{type}/{id}            Audit trail
    POST   /api/reconciliation/run           Reconcile every client

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Client, invoice or payment not found
  - 409: Operation not allowed in the current state
  - 503: Conflict that survived retries; safe to retry
  - 500: Internal errors (details are logged, not returned)

ACTOR:
  The X-Actor header names who is acting; it is written to the audit log.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/printshop-ledger/ledger"
	"github.com/warp/printshop-ledger/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	log    zerolog.Logger
}

// NewHandler creates a new handler for engine.
func NewHandler(engine *ledger.Engine, log zerolog.Logger) *Handler {
	return &Handler{Engine: engine, log: log}
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "system"
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// =============================================================================
// CLIENT ENDPOINTS
// =============================================================================

func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be true or false", nil)
			return
		}
		activeOnly = b
	}
	clients, err := h.Engine.ListClients(r.Context(), activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ClientDTO, len(clients))
	for i := range clients {
		out[i] = toClientDTO(&clients[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	c, err := h.Engine.RegisterClient(r.Context(), req.toInput(actor(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientDTO(c))
}

func (h *Handler) LookupClient(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.FindClientByPhone(r.Context(), r.URL.Query().Get("phone"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(c))
}

func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.GetClient(r.Context(), clientID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(c))
}

func (h *Handler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	c, err := h.Engine.UpdateClient(r.Context(), clientID(r), req.toInput(actor(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(c))
}

func (h *Handler) DeactivateClient(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeactivateClient(r.Context(), clientID(r), actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.GetClientBalance(r.Context(), clientID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		ClientID:       string(b.ClientID),
		PendingBalance: money(b.PendingBalance),
		CreditBalance:  money(b.CreditBalance),
		OpenInvoices:   b.OpenInvoices,
	})
}

func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Statement(r.Context(), clientID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = EntryDTO{
			Delta:          money(e.Delta),
			RunningBalance: money(e.RunningBalance),
			Cause:          string(e.Cause),
			CauseID:        e.CauseID,
			CreatedAt:      e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Reconcile(r.Context(), clientID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// =============================================================================
// INVOICE ENDPOINTS
// =============================================================================

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.Engine.ListInvoices(r.Context(), clientID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]InvoiceDTO, len(invoices))
	for i := range invoices {
		out[i] = toInvoiceDTO(&invoices[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in := ledger.CreateInvoiceInput{
		ClientID: clientID(r),
		Notes:    req.Notes,
		Discount: req.Discount,
		Actor:    actor(r),
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, ledger.LineItemInput{
			Name:     it.Name,
			Width:    it.Width,
			Height:   it.Height,
			Quantity: it.Quantity,
			Rate:     it.Rate,
		})
	}
	inv, err := h.Engine.CreateInvoice(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	metrics.InvoiceCreated()
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.GetInvoice(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.CancelInvoice(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteInvoice(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")), actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Engine.ListPayments(r.Context(), clientID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]PaymentDTO, len(payments))
	for i := range payments {
		out[i] = toPaymentDTO(&payments[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ReceivePayment(w http.ResponseWriter, r *http.Request) {
	var req ReceivePaymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in := ledger.ReceivePaymentInput{
		ClientID:  clientID(r),
		Amount:    req.Amount,
		Method:    ledger.PaymentMethod(req.Method),
		Reference: req.Reference,
		Notes:     req.Notes,
		Actor:     actor(r),
	}
	if req.InvoiceID != nil && *req.InvoiceID != "" {
		id := ledger.InvoiceID(*req.InvoiceID)
		in.InvoiceID = &id
	}
	res, err := h.Engine.ReceivePayment(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	metrics.PaymentReceived(string(res.Payment.Method), res.TotalAllocated, res.CreditAdded)
	writeJSON(w, http.StatusCreated, PaymentResultDTO{
		Payment:        toPaymentDTO(res.Payment),
		ReceiptNumber:  res.ReceiptNumber,
		Allocations:    toAllocationDTOs(res.Allocations),
		TotalAllocated: money(res.TotalAllocated),
		CreditAdded:    money(res.CreditAdded),
	})
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetPayment(r.Context(), ledger.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	var req UpdatePaymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	d := ledger.PaymentDetails{Reference: req.Reference, Notes: req.Notes, Actor: actor(r)}
	if req.Method != nil {
		m := ledger.PaymentMethod(*req.Method)
		d.Method = &m
	}
	p, err := h.Engine.UpdatePaymentDetails(r.Context(), ledger.PaymentID(chi.URLParam(r, "id")), d)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeletePayment(r.Context(), ledger.PaymentID(chi.URLParam(r, "id")), actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	metrics.PaymentReversed()
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	events, err := h.Engine.AuditTrail(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]AuditEventDTO, len(events))
	for i, ev := range events {
		out[i] = AuditEventDTO{
			EntityType: ev.EntityType,
			EntityID:   ev.EntityID,
			Action:     string(ev.Action),
			Actor:      ev.Actor,
			Details:    ev.Details,
			At:         ev.At,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Engine.ReconcileAll(r.Context())
	run := summarize(reports)
	metrics.ReconciliationFinished(run.Discrepancies, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func summarize(reports []*ledger.ReconciliationReport) ReconciliationRunDTO {
	run := ReconciliationRunDTO{Clients: len(reports), Reports: []ReconciliationDTO{}}
	for _, rep := range reports {
		if rep.Balanced() {
			continue
		}
		run.Unbalanced++
		run.Discrepancies += len(rep.Discrepancies)
		run.Reports = append(run.Reports, toReconciliationDTO(rep))
	}
	return run
}

// =============================================================================
// HELPERS
// =============================================================================

func clientID(r *http.Request) ledger.ClientID {
	return ledger.ClientID(chi.URLParam(r, "id"))
}

// fail maps a ledger error to a status code. Internal errors are logged
// and replaced with a generic message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		nf *ledger.NotFoundError
		in *ledger.InputError
		st *ledger.StateError
	)
	switch {
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, nf.Error(), nil)
	case errors.As(err, &in):
		writeError(w, http.StatusBadRequest, in.Error(), nil)
	case errors.As(err, &st):
		resp := ErrorResponse{Error: st.Reason}
		if errors.Is(err, ledger.ErrCreditUnavailable) {
			resp.Code = "credit_unavailable"
		}
		writeJSON(w, http.StatusConflict, resp)
	case ledger.IsRetryable(err):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "The ledger is busy, please retry", Code: "conflict"})
	default:
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
