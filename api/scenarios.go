/*
scenarios.go - Demo scenario loaders for training and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	counter activity. Each scenario registers a fresh demo client and drives
	the engine through the operations it demonstrates, so every invariant
	the engine enforces holds for the demo data too.

AVAILABLE SCENARIOS:

	carry-chain:        Three unpaid invoices folding into each other
	fifo-overpayment:   Lump-sum payment settling a chain with change left as credit
	targeted-payment:   Payment against one invoice that pays its carried sources first
	payment-reversal:   Payment taken and then reversed
	member-discount:    Percentage membership discount on a new job

HOW SCENARIOS WORK:
 1. Register a demo client with a unique phone number
 2. Create invoices through the engine (carry-forward applies)
 3. Optionally receive, target or reverse payments

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "carry-chain"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios never reset anything; they only add demo clients. The routes
	are mounted only when DEMO_SCENARIOS is enabled.

SEE ALSO:
  - handlers.go: Ledger endpoints the demo data can be inspected with
  - server.go: Route mounting
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/printshop-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioResponse struct {
	Status   string    `json:"status"`
	Scenario string    `json:"scenario"`
	Client   ClientDTO `json:"client"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "carry-chain",
		Name:        "Carry-Forward Chain",
		Description: "Three unpaid jobs; each invoice carries the previous balance",
	},
	{
		ID:          "fifo-overpayment",
		Name:        "FIFO Overpayment",
		Description: "Lump-sum cash payment settles two invoices and leaves credit",
	},
	{
		ID:          "targeted-payment",
		Name:        "Targeted Payment",
		Description: "Payment against the newest invoice settles carried sources first",
	},
	{
		ID:          "payment-reversal",
		Name:        "Payment Reversal",
		Description: "Partial payment cascades through the chain and is then reversed",
	},
	{
		ID:          "member-discount",
		Name:        "Member Discount",
		Description: "10% membership discount applied to a banner job",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario for a new demo client.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context, ledger.ClientID) error
	var membership *ledger.Membership
	switch req.ScenarioID {
	case "carry-chain":
		load = h.loadCarryChainScenario
	case "fifo-overpayment":
		load = h.loadFIFOOverpaymentScenario
	case "targeted-payment":
		load = h.loadTargetedPaymentScenario
	case "payment-reversal":
		load = h.loadPaymentReversalScenario
	case "member-discount":
		load = h.loadMemberDiscountScenario
		membership = &ledger.Membership{
			Type:      ledger.MembershipPercentage,
			Value:     decimal.NewFromInt(10),
			ValidFrom: time.Now().AddDate(0, -1, 0),
		}
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	client, err := h.Engine.RegisterClient(ctx, ledger.ClientInput{
		Name:       "Demo: " + req.ScenarioID,
		Phone:      "demo-" + uuid.NewString()[:8],
		Membership: membership,
		Actor:      actor(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := load(ctx, client.ID); err != nil {
		h.fail(w, r, fmt.Errorf("failed to load scenario %s: %w", req.ScenarioID, err))
		return
	}

	// Re-read so the response shows any credit the scenario produced.
	if c, err := h.Engine.GetClient(ctx, client.ID); err == nil {
		client = c
	}
	h.log.Info().Str("scenario", req.ScenarioID).Str("client_id", string(client.ID)).Msg("demo scenario loaded")
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Status: "loaded", Scenario: req.ScenarioID, Client: toClientDTO(client)})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

const demoActor = "demo"

// job is a width x height banner at rate per square unit.
func job(name, width, height, rate string, qty int) ledger.LineItemInput {
	return ledger.LineItemInput{
		Name:     name,
		Width:    ledger.MustParseMoney(width),
		Height:   ledger.MustParseMoney(height),
		Quantity: qty,
		Rate:     ledger.MustParseMoney(rate),
	}
}

func (h *Handler) invoices(ctx context.Context, clientID ledger.ClientID, jobs ...ledger.LineItemInput) ([]*ledger.Invoice, error) {
	out := make([]*ledger.Invoice, 0, len(jobs))
	for _, j := range jobs {
		inv, err := h.Engine.CreateInvoice(ctx, ledger.CreateInvoiceInput{
			ClientID: clientID,
			Items:    []ledger.LineItemInput{j},
			Actor:    demoActor,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func (h *Handler) loadCarryChainScenario(ctx context.Context, clientID ledger.ClientID) error {
	// 500 -> 800 -> 900 total with no payments
	_, err := h.invoices(ctx, clientID,
		job("Shop front flex", "10", "5", "10", 1),
		job("Vehicle wrap", "6", "5", "10", 1),
		job("Visiting cards", "1", "1", "100", 1),
	)
	return err
}

func (h *Handler) loadFIFOOverpaymentScenario(ctx context.Context, clientID ledger.ClientID) error {
	invs, err := h.invoices(ctx, clientID,
		job("Standee", "2", "6", "25", 1),
		job("Stickers", "1", "1", "2", 100),
	)
	if err != nil {
		return err
	}
	last := invs[len(invs)-1]
	_, err = h.Engine.ReceivePayment(ctx, ledger.ReceivePaymentInput{
		ClientID: clientID,
		Amount:   last.BalanceDue.Add(decimal.NewFromInt(50)),
		Method:   ledger.MethodCash,
		Notes:    "Rounded up, change kept as credit",
		Actor:    demoActor,
	})
	return err
}

func (h *Handler) loadTargetedPaymentScenario(ctx context.Context, clientID ledger.ClientID) error {
	invs, err := h.invoices(ctx, clientID,
		job("Panaflex", "4", "3", "25", 1),
		job("Backlit", "3", "2", "50", 1),
		job("Brochures", "1", "1", "5", 40),
	)
	if err != nil {
		return err
	}
	target := invs[2].ID
	_, err = h.Engine.ReceivePayment(ctx, ledger.ReceivePaymentInput{
		ClientID:  clientID,
		InvoiceID: &target,
		Amount:    invs[0].BalanceDue.Add(decimal.NewFromInt(100)),
		Method:    ledger.MethodOnline,
		Reference: "IBFT-DEMO",
		Actor:     demoActor,
	})
	return err
}

func (h *Handler) loadPaymentReversalScenario(ctx context.Context, clientID ledger.ClientID) error {
	if _, err := h.invoices(ctx, clientID,
		job("Roll-up banner", "2", "5", "20", 1),
		job("Mug print", "1", "1", "15", 10),
	); err != nil {
		return err
	}
	res, err := h.Engine.ReceivePayment(ctx, ledger.ReceivePaymentInput{
		ClientID: clientID,
		Amount:   decimal.NewFromInt(150),
		Method:   ledger.MethodBank,
		Actor:    demoActor,
	})
	if err != nil {
		return err
	}
	return h.Engine.DeletePayment(ctx, res.Payment.ID, demoActor)
}

func (h *Handler) loadMemberDiscountScenario(ctx context.Context, clientID ledger.ClientID) error {
	_, err := h.invoices(ctx, clientID, job("Wedding banner", "8", "4", "15", 1))
	return err
}
