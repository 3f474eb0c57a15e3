/*
ledger_test.go - Behaviour tests for carry-forward and payment allocation

ORGANIZATION:
  1. Test infrastructure (fixture, clock, money helpers)
  2. Carry-forward on invoice creation
  3. FIFO and targeted allocation
  4. Cascade through the carry chain
  5. Invariants checked after mixed operation sequences

Each test has GIVEN/WHEN/THEN comments describing the scenario.
*/
package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/printshop-ledger/ledger"
	"github.com/warp/printshop-ledger/ledger/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

// clock ticks one second per call so creation order is unambiguous.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Memory
	engine *ledger.Engine
	clock  *clock
}

func newFixture(t *testing.T, opts ...func(*ledger.Options)) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store.NewMemory(),
		clock: &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	o := ledger.Options{Now: f.clock.Now}
	for _, fn := range opts {
		fn(&o)
	}
	f.engine = ledger.NewEngine(f.store, o)
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "%s: want %s, got %s", msg, want, got.StringFixed(2))
}

var phoneSeq int

func (f *fixture) client(name string) *ledger.Client {
	f.t.Helper()
	phoneSeq++
	c, err := f.engine.RegisterClient(f.ctx, ledger.ClientInput{
		Name:  name,
		Phone: fmt.Sprintf("0300-%07d", phoneSeq),
	})
	require.NoError(f.t, err)
	return c
}

// invoice bills one 1x1 item per amount, so the subtotal is their sum.
func (f *fixture) invoice(clientID ledger.ClientID, amounts ...string) *ledger.Invoice {
	f.t.Helper()
	in := ledger.CreateInvoiceInput{ClientID: clientID}
	for i, a := range amounts {
		in.Items = append(in.Items, ledger.LineItemInput{
			Name:     fmt.Sprintf("Flex banner %d", i+1),
			Width:    dec("1"),
			Height:   dec("1"),
			Quantity: 1,
			Rate:     dec(a),
		})
	}
	inv, err := f.engine.CreateInvoice(f.ctx, in)
	require.NoError(f.t, err)
	return inv
}

// seed stores an invoice with no carry links, as if billed independently.
func (f *fixture) seed(clientID ledger.ClientID, id, amount string) ledger.InvoiceID {
	f.t.Helper()
	inv := ledger.Invoice{
		ID:            ledger.InvoiceID(id),
		InvoiceNumber: "INV-" + id,
		ClientID:      clientID,
		Subtotal:      dec(amount),
		Status:        ledger.StatusUnpaid,
		CreatedAt:     f.clock.Now(),
	}
	inv.UpdatedAt = inv.CreatedAt
	inv.Recompute()
	f.store.Seed(inv)
	return inv.ID
}

func (f *fixture) pay(clientID ledger.ClientID, amount string) *ledger.PaymentResult {
	f.t.Helper()
	res, err := f.engine.ReceivePayment(f.ctx, ledger.ReceivePaymentInput{
		ClientID: clientID,
		Amount:   dec(amount),
		Method:   ledger.MethodCash,
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) payInvoice(clientID ledger.ClientID, id ledger.InvoiceID, amount string) *ledger.PaymentResult {
	f.t.Helper()
	res, err := f.engine.ReceivePayment(f.ctx, ledger.ReceivePaymentInput{
		ClientID:  clientID,
		Amount:    dec(amount),
		Method:    ledger.MethodBank,
		InvoiceID: &id,
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) get(id ledger.InvoiceID) *ledger.Invoice {
	f.t.Helper()
	inv, err := f.engine.GetInvoice(f.ctx, id)
	require.NoError(f.t, err)
	return inv
}

func (f *fixture) balance(clientID ledger.ClientID) *ledger.ClientBalance {
	f.t.Helper()
	b, err := f.engine.GetClientBalance(f.ctx, clientID)
	require.NoError(f.t, err)
	return b
}

// assertInvoiceArithmetic checks the derived fields of every invoice.
func (f *fixture) assertInvoiceArithmetic(clientID ledger.ClientID) {
	f.t.Helper()
	invoices, err := f.engine.ListInvoices(f.ctx, clientID)
	require.NoError(f.t, err)
	for _, inv := range invoices {
		total := inv.Subtotal.Add(inv.PreviousBalance).Sub(inv.Discount)
		due := decimal.Max(decimal.Zero, total.Sub(inv.PaidAmount))
		assert.True(f.t, inv.TotalAmount.Equal(total), "%s total", inv.InvoiceNumber)
		assert.True(f.t, inv.BalanceDue.Equal(due), "%s balance due", inv.InvoiceNumber)
		if inv.Status == ledger.StatusCancelled {
			continue
		}
		assert.Equal(f.t, inv.Status == ledger.StatusPaid, !inv.BalanceDue.IsPositive(), "%s PAID iff nothing due", inv.InvoiceNumber)
	}
}

func (f *fixture) assertReconciled(clientID ledger.ClientID) {
	f.t.Helper()
	report, err := f.engine.Reconcile(f.ctx, clientID)
	require.NoError(f.t, err)
	assert.True(f.t, report.Balanced(), "discrepancies: %v", report.Discrepancies)
}

// =============================================================================
// CARRY-FORWARD
// =============================================================================

func TestCreateInvoice_FreshClientStartsWithoutPreviousBalance(t *testing.T) {
	f := newFixture(t)
	c := f.client("Ali Printers")

	// GIVEN: A client whose only invoice is fully paid
	first := f.invoice(c.ID, "500")
	f.pay(c.ID, "500")
	require.Equal(t, ledger.StatusPaid, f.get(first.ID).Status)

	// WHEN: A new invoice for 500 is created
	inv := f.invoice(c.ID, "200", "300")

	// THEN: Nothing is carried forward
	assertMoney(t, "500", inv.Subtotal, "subtotal")
	assertMoney(t, "0", inv.PreviousBalance, "previous balance")
	assertMoney(t, "500", inv.TotalAmount, "total")
	assertMoney(t, "500", inv.BalanceDue, "balance due")
	assert.Nil(t, inv.PreviousInvoiceID)
	assert.Equal(t, ledger.StatusUnpaid, inv.Status)
	assert.Equal(t, "INV-000002", inv.InvoiceNumber)
}

func TestCreateInvoice_CarriesOpenBalanceForward(t *testing.T) {
	f := newFixture(t)
	c := f.client("Bilal Traders")

	// GIVEN: An open invoice with 500 due
	a := f.invoice(c.ID, "500")

	// WHEN: A new invoice with items totalling 300 is created
	b := f.invoice(c.ID, "300")

	// THEN: The 500 is folded into it and the chain points at A
	assertMoney(t, "500", b.PreviousBalance, "previous balance")
	assertMoney(t, "800", b.TotalAmount, "total")
	require.NotNil(t, b.PreviousInvoiceID)
	assert.Equal(t, a.ID, *b.PreviousInvoiceID)

	// AND: A third invoice carries B only, since A already lives inside B
	c3 := f.invoice(c.ID, "100")
	assertMoney(t, "800", c3.PreviousBalance, "third invoice previous balance")
	assertMoney(t, "900", c3.TotalAmount, "third invoice total")
	assert.Equal(t, b.ID, *c3.PreviousInvoiceID)

	// AND: The client owes 900 once, not 500 + 800 + 900
	bal := f.balance(c.ID)
	assertMoney(t, "900", bal.PendingBalance, "pending")
	assert.Equal(t, 3, bal.OpenInvoices)
	f.assertReconciled(c.ID)
}

// Two open invoices where A already lives inside B: C carries 800, not the
// 1300 that summing every open balanceDue would give. This is the intended
// outcome; A's balance is owed once, through B.
func TestCreateInvoice_MultipleOpenInvoicesCountCarriedBalanceOnce(t *testing.T) {
	f := newFixture(t)
	c := f.client("Chiniot Chromo")

	// GIVEN: A (500) carried into B (300 + 500 = 800), both still open
	a := f.invoice(c.ID, "500")
	b := f.invoice(c.ID, "300")
	require.Equal(t, ledger.StatusUnpaid, f.get(a.ID).Status)
	require.Equal(t, ledger.StatusUnpaid, f.get(b.ID).Status)

	// WHEN: C is created
	c3 := f.invoice(c.ID, "50")

	// THEN: C absorbs only B, whose balance already includes A
	assertMoney(t, "800", c3.PreviousBalance, "previous balance")
	assertMoney(t, "850", c3.TotalAmount, "total")
	assert.Equal(t, b.ID, *c3.PreviousInvoiceID)

	// AND: A has a single outgoing link (to B) and C a single incoming one (from B)
	links, err := f.store.ListCarryLinks(f.ctx, c.ID)
	require.NoError(t, err)
	into := map[ledger.InvoiceID][]ledger.CarryLink{}
	for _, l := range links {
		into[l.ToInvoiceID] = append(into[l.ToInvoiceID], l)
	}
	require.Len(t, into[b.ID], 1)
	assert.Equal(t, a.ID, into[b.ID][0].FromInvoiceID)
	require.Len(t, into[c3.ID], 1)
	assert.Equal(t, b.ID, into[c3.ID][0].FromInvoiceID)
	assertMoney(t, "800", into[c3.ID][0].Outstanding, "outstanding into C")

	// AND: A payment targeted at C settles A first, at its origin
	res := f.payInvoice(c.ID, c3.ID, "500")
	require.NotEmpty(t, res.Allocations)
	assert.Equal(t, a.ID, res.Allocations[0].InvoiceID)
	assert.Equal(t, ledger.StatusPaid, f.get(a.ID).Status)
	assertMoney(t, "350", f.balance(c.ID).PendingBalance, "pending")
	f.assertReconciled(c.ID)
}

func TestCreateInvoice_CarriesOnlyUncarriedPartOfPartialInvoice(t *testing.T) {
	f := newFixture(t)
	c := f.client("Chughtai Labs")

	// GIVEN: Two independent open invoices, one partly paid
	f.seed(c.ID, "a", "100")
	f.seed(c.ID, "b", "250")
	f.payInvoice(c.ID, "a", "40")

	// WHEN: A new invoice is created
	inv := f.invoice(c.ID, "10")

	// THEN: It absorbs what is due on both, pointing at the newest
	assertMoney(t, "310", inv.PreviousBalance, "previous balance")
	assertMoney(t, "320", inv.TotalAmount, "total")
	assert.Equal(t, ledger.InvoiceID("b"), *inv.PreviousInvoiceID)
	assertMoney(t, "320", f.balance(c.ID).PendingBalance, "pending")
}

func TestCreateInvoice_AreaPricing(t *testing.T) {
	f := newFixture(t)
	c := f.client("Dawood Signs")

	// WHEN: Items are priced by width x height x quantity x rate
	inv, err := f.engine.CreateInvoice(f.ctx, ledger.CreateInvoiceInput{
		ClientID: c.ID,
		Items: []ledger.LineItemInput{
			{Name: "Panaflex", Width: dec("10"), Height: dec("4.5"), Quantity: 2, Rate: dec("35")},
			{Name: "Sticker", Width: dec("0.5"), Height: dec("0.5"), Quantity: 100, Rate: dec("12.40")},
		},
	})
	require.NoError(t, err)

	// THEN: 10*4.5*2*35 = 3150 and 0.25*100*12.40 = 310
	require.Len(t, inv.Items, 2)
	assertMoney(t, "3150", inv.Items[0].Amount, "first item")
	assertMoney(t, "310", inv.Items[1].Amount, "second item")
	assertMoney(t, "3460", inv.Subtotal, "subtotal")
}

func TestCreateInvoice_Discounts(t *testing.T) {
	t.Run("active percentage membership", func(t *testing.T) {
		f := newFixture(t)
		c, err := f.engine.RegisterClient(f.ctx, ledger.ClientInput{
			Name:       "Ehsan Media",
			Phone:      "0311-1111111",
			Membership: &ledger.Membership{Type: ledger.MembershipPercentage, Value: dec("10")},
		})
		require.NoError(t, err)

		inv := f.invoice(c.ID, "1000")
		assertMoney(t, "100", inv.Discount, "discount")
		assertMoney(t, "900", inv.TotalAmount, "total")
	})

	t.Run("expired membership gives nothing", func(t *testing.T) {
		f := newFixture(t)
		expired := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
		c, err := f.engine.RegisterClient(f.ctx, ledger.ClientInput{
			Name:  "Faisal Prints",
			Phone: "0311-2222222",
			Membership: &ledger.Membership{
				Type:      ledger.MembershipFixed,
				Value:     dec("50"),
				ValidFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				ValidTo:   &expired,
			},
		})
		require.NoError(t, err)

		inv := f.invoice(c.ID, "1000")
		assertMoney(t, "0", inv.Discount, "discount")
	})

	t.Run("explicit discount overrides membership", func(t *testing.T) {
		f := newFixture(t)
		c := f.client("Ghani Graphics")
		d := dec("75")
		inv, err := f.engine.CreateInvoice(f.ctx, ledger.CreateInvoiceInput{
			ClientID: c.ID,
			Items:    []ledger.LineItemInput{{Name: "Visiting cards", Width: dec("1"), Height: dec("1"), Quantity: 1, Rate: dec("500")}},
			Discount: &d,
		})
		require.NoError(t, err)
		assertMoney(t, "425", inv.TotalAmount, "total")
	})

	t.Run("discount larger than subtotal is rejected", func(t *testing.T) {
		f := newFixture(t)
		c := f.client("Hamza Ads")
		d := dec("501")
		_, err := f.engine.CreateInvoice(f.ctx, ledger.CreateInvoiceInput{
			ClientID: c.ID,
			Items:    []ledger.LineItemInput{{Name: "Brochure", Width: dec("1"), Height: dec("1"), Quantity: 1, Rate: dec("500")}},
			Discount: &d,
		})
		assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	})
}

func TestCreateInvoice_Validation(t *testing.T) {
	f := newFixture(t)
	c := f.client("Imran Studio")
	gone := f.client("Javed Closed")
	require.NoError(t, f.engine.DeactivateClient(f.ctx, gone.ID, "manager"))
	item := ledger.LineItemInput{Name: "Poster", Width: dec("2"), Height: dec("3"), Quantity: 1, Rate: dec("20")}

	tests := []struct {
		name  string
		input ledger.CreateInvoiceInput
		field string
	}{
		{"no items", ledger.CreateInvoiceInput{ClientID: c.ID}, "items"},
		{"zero width", ledger.CreateInvoiceInput{ClientID: c.ID, Items: []ledger.LineItemInput{{Name: "x", Width: dec("0"), Height: dec("1"), Quantity: 1, Rate: dec("1")}}}, "items[0].width"},
		{"negative height", ledger.CreateInvoiceInput{ClientID: c.ID, Items: []ledger.LineItemInput{item, {Name: "x", Width: dec("1"), Height: dec("-1"), Quantity: 1, Rate: dec("1")}}}, "items[1].height"},
		{"zero rate", ledger.CreateInvoiceInput{ClientID: c.ID, Items: []ledger.LineItemInput{{Name: "x", Width: dec("1"), Height: dec("1"), Quantity: 1, Rate: dec("0")}}}, "items[0].rate"},
		{"zero quantity", ledger.CreateInvoiceInput{ClientID: c.ID, Items: []ledger.LineItemInput{{Name: "x", Width: dec("1"), Height: dec("1"), Quantity: 0, Rate: dec("1")}}}, "items[0].quantity"},
		{"blank name", ledger.CreateInvoiceInput{ClientID: c.ID, Items: []ledger.LineItemInput{{Name: "  ", Width: dec("1"), Height: dec("1"), Quantity: 1, Rate: dec("1")}}}, "items[0].name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateInvoice(f.ctx, tt.input)
			var ie *ledger.InputError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.field, ie.Field)
			assert.ErrorIs(t, err, ledger.ErrInvalidInput)
		})
	}

	t.Run("unknown client", func(t *testing.T) {
		_, err := f.engine.CreateInvoice(f.ctx, ledger.CreateInvoiceInput{ClientID: "nobody", Items: []ledger.LineItemInput{item}})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("inactive client", func(t *testing.T) {
		_, err := f.engine.CreateInvoice(f.ctx, ledger.CreateInvoiceInput{ClientID: gone.ID, Items: []ledger.LineItemInput{item}})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

// =============================================================================
// ALLOCATION
// =============================================================================

func TestReceivePayment_FIFOAcrossOpenInvoices(t *testing.T) {
	f := newFixture(t)
	c := f.client("Kamran Print House")

	// GIVEN: A (100 due, oldest) and B (200 due), billed independently
	a := f.seed(c.ID, "a", "100")
	b := f.seed(c.ID, "b", "200")

	// WHEN: 150 is received without a target
	res := f.pay(c.ID, "150")

	// THEN: A is settled first, the rest goes to B
	require.Len(t, res.Allocations, 2)
	assert.Equal(t, a, res.Allocations[0].InvoiceID)
	assertMoney(t, "100", res.Allocations[0].AmountApplied, "applied to A")
	assertMoney(t, "100", res.Allocations[0].PreviousBalance, "A before")
	assertMoney(t, "0", res.Allocations[0].NewBalance, "A after")
	assert.Equal(t, ledger.StatusPaid, res.Allocations[0].NewStatus)

	assert.Equal(t, b, res.Allocations[1].InvoiceID)
	assertMoney(t, "50", res.Allocations[1].AmountApplied, "applied to B")
	assertMoney(t, "150", res.Allocations[1].NewBalance, "B after")
	assert.Equal(t, ledger.StatusPartial, res.Allocations[1].NewStatus)

	assertMoney(t, "150", res.TotalAllocated, "total allocated")
	assertMoney(t, "0", res.CreditAdded, "credit")
	assert.Equal(t, "RCP-000001", res.ReceiptNumber)

	assert.Equal(t, ledger.StatusPaid, f.get(a).Status)
	assertMoney(t, "150", f.get(b).BalanceDue, "B due")
}

func TestReceivePayment_OverpaymentBecomesCredit(t *testing.T) {
	f := newFixture(t)
	c := f.client("Lahore Flex")

	// GIVEN: One open invoice with 100 due
	inv := f.invoice(c.ID, "100")

	// WHEN: 130 is received
	res := f.pay(c.ID, "130")

	// THEN: The invoice is paid and 30 becomes credit
	got := f.get(inv.ID)
	assert.Equal(t, ledger.StatusPaid, got.Status)
	assertMoney(t, "0", got.BalanceDue, "balance due")
	assertMoney(t, "30", res.CreditAdded, "credit added")

	bal := f.balance(c.ID)
	assertMoney(t, "30", bal.CreditBalance, "client credit")
	assertMoney(t, "0", bal.PendingBalance, "pending")
	f.assertReconciled(c.ID)
}

func TestReceivePayment_NoOpenInvoicesIsAllCredit(t *testing.T) {
	f := newFixture(t)
	c := f.client("Multan Digital")

	res := f.pay(c.ID, "250")

	assert.Empty(t, res.Allocations)
	assertMoney(t, "250", res.CreditAdded, "credit")
	assertMoney(t, "250", f.balance(c.ID).CreditBalance, "client credit")
	f.assertReconciled(c.ID)
}

func TestReceivePayment_ConservesEveryRupee(t *testing.T) {
	f := newFixture(t)
	c := f.client("Nadeem Offset")

	// GIVEN: A chain of invoices with awkward amounts
	f.invoice(c.ID, "120.35")
	f.invoice(c.ID, "99.99", "0.01")
	f.invoice(c.ID, "310.10")

	// WHEN/THEN: Each payment is split into allocations plus credit that add
	// back up to exactly the amount received
	for _, amount := range []string{"10.01", "200", "0.33", "175.25", "500"} {
		res := f.pay(c.ID, amount)
		assertMoney(t, amount, res.TotalAllocated.Add(res.CreditAdded), "payment "+amount)
		f.assertInvoiceArithmetic(c.ID)
	}
	f.assertReconciled(c.ID)
}

func TestReceivePayment_TargetedInvoiceOnly(t *testing.T) {
	f := newFixture(t)
	c := f.client("Okara Banners")

	// GIVEN: Two independent open invoices
	a := f.seed(c.ID, "a", "100")
	b := f.seed(c.ID, "b", "200")

	// WHEN: 250 is paid against B
	res := f.payInvoice(c.ID, b, "250")

	// THEN: A is untouched, B is paid, and the excess is credit
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, b, res.Allocations[0].InvoiceID)
	assertMoney(t, "100", f.get(a).BalanceDue, "A due")
	assert.Equal(t, ledger.StatusPaid, f.get(b).Status)
	assertMoney(t, "50", res.CreditAdded, "credit")
	require.NotNil(t, res.Payment.InvoiceID)
	assert.Equal(t, b, *res.Payment.InvoiceID)
}

func TestReceivePayment_TargetedPaysCarriedSourcesFirst(t *testing.T) {
	f := newFixture(t)
	c := f.client("Peshawar Press")

	// GIVEN: A (100) carried into B (200 + 100)
	a := f.invoice(c.ID, "100")
	b := f.invoice(c.ID, "200")
	assertMoney(t, "300", b.BalanceDue, "B due")

	// WHEN: 300 is paid against B
	res := f.payInvoice(c.ID, b.ID, "300")

	// THEN: The carried 100 is settled at its origin, then B's own charges
	require.Len(t, res.Allocations, 2)
	assert.Equal(t, a.ID, res.Allocations[0].InvoiceID)
	assertMoney(t, "100", res.Allocations[0].AmountApplied, "applied to A")
	assert.Equal(t, b.ID, res.Allocations[1].InvoiceID)
	assertMoney(t, "200", res.Allocations[1].AmountApplied, "applied to B")
	assertMoney(t, "0", res.CreditAdded, "credit")

	gotA, gotB := f.get(a.ID), f.get(b.ID)
	assert.Equal(t, ledger.StatusPaid, gotA.Status)
	assert.Equal(t, ledger.StatusPaid, gotB.Status)
	assertMoney(t, "0", gotB.PreviousBalance, "B previous balance")
	assertMoney(t, "200", gotB.TotalAmount, "B total")
	assert.True(t, gotA.BalancePaidFromFutureInvoice, "A flagged as settled via B")
	f.assertReconciled(c.ID)
}

func TestReceivePayment_Errors(t *testing.T) {
	f := newFixture(t)
	c := f.client("Quetta Prints")
	open := f.invoice(c.ID, "100")

	paid := f.seed(c.ID, "paid", "10")
	f.payInvoice(c.ID, paid, "10")

	cancelled := f.seed(c.ID, "cancelled", "10")
	_, err := f.engine.CancelInvoice(f.ctx, cancelled, "")
	require.NoError(t, err)

	missing := ledger.InvoiceID("missing")

	tests := []struct {
		name  string
		input ledger.ReceivePaymentInput
		want  error
		msg   string
	}{
		{"zero amount", ledger.ReceivePaymentInput{ClientID: c.ID, Amount: dec("0")}, ledger.ErrInvalidInput, ""},
		{"negative amount", ledger.ReceivePaymentInput{ClientID: c.ID, Amount: dec("-5")}, ledger.ErrInvalidInput, ""},
		{"unknown method", ledger.ReceivePaymentInput{ClientID: c.ID, Amount: dec("5"), Method: "BITCOIN"}, ledger.ErrInvalidInput, ""},
		{"unknown client", ledger.ReceivePaymentInput{ClientID: "nobody", Amount: dec("5")}, ledger.ErrNotFound, ""},
		{"unknown invoice", ledger.ReceivePaymentInput{ClientID: c.ID, Amount: dec("5"), InvoiceID: &missing}, ledger.ErrNotFound, ""},
		{"paid invoice", ledger.ReceivePaymentInput{ClientID: c.ID, Amount: dec("5"), InvoiceID: &paid}, ledger.ErrInvalidState, "Invoice already fully paid"},
		{"cancelled invoice", ledger.ReceivePaymentInput{ClientID: c.ID, Amount: dec("5"), InvoiceID: &cancelled}, ledger.ErrInvalidState, "Invoice is cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.ReceivePayment(f.ctx, tt.input)
			require.ErrorIs(t, err, tt.want)
			if tt.msg != "" {
				assert.EqualError(t, err, tt.msg)
			}
		})
	}

	// No failed call left a trace
	assertMoney(t, "100", f.get(open.ID).BalanceDue, "open invoice due")
	payments, err := f.engine.ListPayments(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestReceivePayment_MethodIsNormalised(t *testing.T) {
	f := newFixture(t)
	c := f.client("Rawalpindi Offset")

	res, err := f.engine.ReceivePayment(f.ctx, ledger.ReceivePaymentInput{
		ClientID:  c.ID,
		Amount:    dec("10"),
		Method:    "cheque",
		Reference: "  CHQ-4411 ",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.MethodCheque, res.Payment.Method)
	assert.Equal(t, "CHQ-4411", res.Payment.Reference)

	res, err = f.engine.ReceivePayment(f.ctx, ledger.ReceivePaymentInput{ClientID: c.ID, Amount: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, ledger.MethodCash, res.Payment.Method)
}

// =============================================================================
// CASCADE
// =============================================================================

func TestReceivePayment_CascadeTrimsDescendantOnChain(t *testing.T) {
	f := newFixture(t)
	c := f.client("Sialkot Sports Prints")

	// GIVEN: A (100) carried into B (200 own charges, 300 total)
	a := f.invoice(c.ID, "100")
	b := f.invoice(c.ID, "200")

	// WHEN: 150 is received FIFO
	res := f.pay(c.ID, "150")

	// THEN: A is paid at its origin and the carried 100 leaves B
	require.Len(t, res.Allocations, 2)
	assertMoney(t, "100", res.Allocations[0].AmountApplied, "A")
	assertMoney(t, "50", res.Allocations[1].AmountApplied, "B")
	require.Len(t, res.Payment.CarryTrims, 1)
	assertMoney(t, "100", res.Payment.CarryTrims[0].Amount, "trim")

	gotB := f.get(b.ID)
	assertMoney(t, "0", gotB.PreviousBalance, "B previous balance")
	assertMoney(t, "200", gotB.TotalAmount, "B total")
	assertMoney(t, "150", gotB.BalanceDue, "B due")
	assert.Equal(t, ledger.StatusPartial, gotB.Status)
	assert.False(t, f.get(a.ID).BalancePaidFromFutureInvoice, "A was paid directly")

	// AND: The client owes 150, counted once
	assertMoney(t, "150", f.balance(c.ID).PendingBalance, "pending")

	// WHEN: The rest of B is paid
	res = f.pay(c.ID, "150")

	// THEN: B is PAID and its ancestor is flagged
	assert.Equal(t, ledger.StatusPaid, f.get(b.ID).Status)
	assert.True(t, f.get(a.ID).BalancePaidFromFutureInvoice)
	assert.Equal(t, []ledger.InvoiceID{a.ID}, res.Payment.FlaggedInvoices)
	f.assertReconciled(c.ID)
}

func TestReceivePayment_PartialPaymentAtOriginTrimsDescendant(t *testing.T) {
	f := newFixture(t)
	c := f.client("Taxila Tiles")

	// GIVEN: A (100) carried into B, B carried into C
	a := f.invoice(c.ID, "100")
	b := f.invoice(c.ID, "50")
	cc := f.invoice(c.ID, "25")
	assertMoney(t, "175", cc.BalanceDue, "C due")

	// WHEN: 40 is paid against A through FIFO
	f.pay(c.ID, "40")

	// THEN: The 40 leaves every invoice that carried it
	assertMoney(t, "60", f.get(a.ID).BalanceDue, "A due")
	assertMoney(t, "60", f.get(b.ID).PreviousBalance, "B previous balance")
	assertMoney(t, "110", f.get(b.ID).BalanceDue, "B due")
	assertMoney(t, "110", f.get(cc.ID).PreviousBalance, "C previous balance")
	assertMoney(t, "135", f.get(cc.ID).BalanceDue, "C due")
	assertMoney(t, "135", f.balance(c.ID).PendingBalance, "pending")
	f.assertReconciled(c.ID)
}

func TestReceivePayment_PayingTailSettlesWholeChain(t *testing.T) {
	f := newFixture(t)
	c := f.client("Umar Stationers")

	// GIVEN: A chain A -> B -> C
	a := f.invoice(c.ID, "100")
	b := f.invoice(c.ID, "50")
	cc := f.invoice(c.ID, "25")

	// WHEN: The full amount shown on C is paid against C
	res := f.payInvoice(c.ID, cc.ID, "175")

	// THEN: Every invoice is PAID, nothing is double-counted, no credit
	for _, id := range []ledger.InvoiceID{a.ID, b.ID, cc.ID} {
		assert.Equal(t, ledger.StatusPaid, f.get(id).Status, "invoice %s", id)
	}
	assertMoney(t, "175", res.TotalAllocated, "allocated")
	assertMoney(t, "0", res.CreditAdded, "credit")
	assertMoney(t, "0", f.balance(c.ID).PendingBalance, "pending")
	f.assertReconciled(c.ID)
}

// =============================================================================
// INVARIANTS
// =============================================================================

func TestInvariants_HoldAcrossMixedOperations(t *testing.T) {
	f := newFixture(t)
	c := f.client("Vehari Visuals")

	steps := []func(){
		func() { f.invoice(c.ID, "1200") },
		func() { f.pay(c.ID, "300") },
		func() { f.invoice(c.ID, "450.50") },
		func() { f.invoice(c.ID, "80", "20") },
		func() { f.pay(c.ID, "1000") },
		func() { f.invoice(c.ID, "999.99") },
		func() { f.pay(c.ID, "2000") },
		func() { f.invoice(c.ID, "10") },
	}
	for i, step := range steps {
		step()
		f.assertInvoiceArithmetic(c.ID)

		report, err := f.engine.Reconcile(f.ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, report.Balanced(), "step %d: %v", i, report.Discrepancies)
		assert.False(t, report.CreditBalance.IsNegative(), "step %d: credit never negative", i)
	}
}

func TestStatement_TracksNetPosition(t *testing.T) {
	f := newFixture(t)
	c := f.client("Wazirabad Wraps")

	// GIVEN: Invoice 500, payment 200, invoice 300
	f.invoice(c.ID, "500")
	f.pay(c.ID, "200")
	f.invoice(c.ID, "300")

	// WHEN: The statement is read
	entries, err := f.engine.Statement(f.ctx, c.ID)
	require.NoError(t, err)

	// THEN: Carried balances are not counted as new charges
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.CauseInvoiceCreated, entries[0].Cause)
	assertMoney(t, "500", entries[0].RunningBalance, "after first invoice")
	assert.Equal(t, ledger.CausePaymentReceived, entries[1].Cause)
	assertMoney(t, "-200", entries[1].Delta, "payment delta")
	assertMoney(t, "300", entries[1].RunningBalance, "after payment")
	assertMoney(t, "600", entries[2].RunningBalance, "after second invoice")

	bal := f.balance(c.ID)
	assert.True(t, ledger.NetPosition(entries).Equal(bal.PendingBalance.Sub(bal.CreditBalance)))
}
