package oms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrader/internal/audit"
	"papertrader/internal/broker"
	"papertrader/internal/db"
	"papertrader/internal/gate"
	"papertrader/internal/instrument"
	"papertrader/internal/ledger"
	"papertrader/internal/order"
)

const testToken = "correct-horse"

func livePolicy() gate.Policy {
	return gate.Policy{
		LiveEnabled: true,
		OrderToken:  testToken,
		AllowedInstruments: []instrument.Instrument{
			{Kind: instrument.KindStock, Symbol: "AAPL"},
		},
		MaxIntentsPerTick: 2,
		MaxOrderQty:       decimal.NewFromInt(100),
	}
}

func placeIntent(symbol, orderType string, qty int64, source string) order.Intent {
	in := order.Intent{
		Kind: order.KindPlace,
		Instrument: instrument.Instrument{
			Kind:   instrument.KindStock,
			Symbol: symbol,
		},
		Side:     order.SideBuy,
		Quantity: decimal.NewFromInt(qty),
		Type:     orderType,
		Source:   source,
	}
	if orderType == order.TypeLimit {
		in.LimitPrice = decimal.NewFromInt(100)
	}
	return in
}

// countingBroker counts broker verb calls and can inject failures: the next
// place can fail once, and status lookups and the open-orders listing can be
// made to fail or come back empty to exercise the reconcile error paths.
type countingBroker struct {
	broker.Broker

	mu           sync.Mutex
	placeCalls   int
	bracketCalls int
	cancelCalls  int
	failPlace    bool
	failStatus   bool
	hideOpen     bool
}

func (c *countingBroker) PlaceOrder(ctx context.Context, in order.Intent) (string, error) {
	c.mu.Lock()
	c.placeCalls++
	fail := c.failPlace
	c.failPlace = false
	c.mu.Unlock()
	if fail {
		return "", errors.New("gateway unavailable")
	}
	return c.Broker.PlaceOrder(ctx, in)
}

func (c *countingBroker) PlaceBracketOrder(ctx context.Context, br order.Bracket) (broker.BracketIDs, error) {
	c.mu.Lock()
	c.bracketCalls++
	c.mu.Unlock()
	return c.Broker.PlaceBracketOrder(ctx, br)
}

func (c *countingBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	c.mu.Lock()
	c.cancelCalls++
	c.mu.Unlock()
	return c.Broker.CancelOrder(ctx, brokerOrderID)
}

func (c *countingBroker) OrderStatus(ctx context.Context, brokerOrderID string) (broker.Status, error) {
	c.mu.Lock()
	fail := c.failStatus
	c.mu.Unlock()
	if fail {
		return broker.Status{}, errors.New("gateway timeout")
	}
	return c.Broker.OrderStatus(ctx, brokerOrderID)
}

func (c *countingBroker) OpenOrders(ctx context.Context) ([]broker.Status, error) {
	c.mu.Lock()
	hide := c.hideOpen
	c.mu.Unlock()
	if hide {
		return nil, nil
	}
	return c.Broker.OpenOrders(ctx)
}

func (c *countingBroker) places() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.placeCalls
}

func (c *countingBroker) brackets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bracketCalls
}

func newManager(t *testing.T, policy gate.Policy) (*Manager, *countingBroker, *db.MemoryStorage) {
	t.Helper()
	ctx := context.Background()

	sim := broker.NewSimBroker()
	require.NoError(t, sim.Connect(ctx))
	cb := &countingBroker{Broker: sim}

	mem := db.NewMemory()
	runID, err := mem.StartRun(ctx, map[string]any{"broker": "sim"})
	require.NoError(t, err)

	mgr, err := New(ctx, cb, gate.New(policy), mem, nil, runID, testToken)
	require.NoError(t, err)
	return mgr, cb, mem
}

func sim(cb *countingBroker) *broker.SimBroker { return cb.Broker.(*broker.SimBroker) }

// validated normalizes an intent the way Submit would before it reaches the
// broker, so hand-placed sim orders carry comparable instruments.
func validated(t *testing.T, in order.Intent) order.Intent {
	t.Helper()
	out, err := in.Validate()
	require.NoError(t, err)
	return out
}

func TestSubmitRejectedBeforeBrokerCall(t *testing.T) {
	policy := livePolicy()
	policy.LiveEnabled = false
	mgr, cb, mem := newManager(t, policy)
	ctx := context.Background()

	_, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeMarket, 10, order.SourceManual))

	var rej *gate.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, gate.LiveDisabled, rej.Reason)
	assert.Zero(t, cb.places(), "rejected intent must never reach the broker")
	assert.Empty(t, mgr.Ledger().All())

	decisions, err := mem.Decisions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, audit.VerdictReject, decisions[0].Verdict)
	assert.Equal(t, string(gate.LiveDisabled), decisions[0].Reason)
	assert.Empty(t, decisions[0].OrderRef)
}

func TestSubmitDryRunStages(t *testing.T) {
	policy := livePolicy()
	policy.DryRun = true
	mgr, cb, mem := newManager(t, policy)
	ctx := context.Background()

	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeMarket, 10, order.SourceManual))
	require.NoError(t, err)
	assert.Equal(t, order.StateStaged, rec.State)
	assert.True(t, rec.Terminal())
	assert.Empty(t, rec.BrokerOrderID)
	assert.Zero(t, cb.places())

	decisions, err := mem.Decisions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, audit.VerdictAccept, decisions[0].Verdict)
	assert.Equal(t, "dry-run", decisions[0].Reason)
	assert.Equal(t, rec.LocalID, decisions[0].OrderRef)

	orders, err := mem.Orders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, rec.LocalID, orders[0].LocalID)
}

func TestSubmitTokenMismatch(t *testing.T) {
	mgr, cb, _ := newManager(t, livePolicy())
	mgr.confirmToken = "wrong"
	ctx := context.Background()

	_, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeMarket, 10, order.SourceManual))
	var rej *gate.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, gate.TokenMismatch, rej.Reason)
	assert.Zero(t, cb.places())
}

func TestSubmitEmptyConfiguredTokenRejects(t *testing.T) {
	policy := livePolicy()
	policy.OrderToken = ""
	mgr, cb, _ := newManager(t, policy)
	ctx := context.Background()

	_, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeMarket, 10, order.SourceManual))
	var rej *gate.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, gate.TokenMismatch, rej.Reason)
	assert.Zero(t, cb.places())
}

func TestSubmitAcceptedAndFilled(t *testing.T) {
	mgr, cb, mem := newManager(t, livePolicy())
	ctx := context.Background()

	sim(cb).SetQuote(broker.Quote{
		Instrument: instrument.Instrument{Kind: instrument.KindStock, Symbol: "AAPL", Exchange: "SMART", Currency: "USD"},
		Last:       187.5,
	})

	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeMarket, 10, order.SourceManual))
	require.NoError(t, err)
	assert.Equal(t, order.StateSubmitted, rec.State)
	assert.Contains(t, rec.BrokerOrderID, "sim-")
	assert.Equal(t, 1, cb.places())

	// Market orders fill immediately at the sim; a status refresh lands it.
	rec, err = mgr.Status(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateFilled, rec.State)

	events, err := mem.StatusEvents(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, order.StateSubmitted, events[0].State)
	assert.Equal(t, order.StateFilled, events[1].State)
}

func testBracket(source string) order.Bracket {
	return order.Bracket{
		Instrument:      instrument.Instrument{Kind: instrument.KindStock, Symbol: "AAPL"},
		Side:            order.SideBuy,
		Quantity:        decimal.NewFromInt(10),
		EntryLimit:      decimal.NewFromInt(100),
		TakeProfitLimit: decimal.NewFromInt(110),
		StopLossStop:    decimal.NewFromInt(95),
		Source:          source,
	}
}

func TestSubmitBracket(t *testing.T) {
	mgr, cb, mem := newManager(t, livePolicy())
	ctx := context.Background()

	recs, err := mgr.SubmitBracket(ctx, testBracket(order.SourceManual))
	require.NoError(t, err)
	assert.Equal(t, 1, cb.brackets())

	for _, rec := range []ledger.Record{recs.Entry, recs.TakeProfit, recs.StopLoss} {
		assert.Equal(t, order.StateSubmitted, rec.State)
		assert.NotEmpty(t, rec.BrokerOrderID)
	}
	assert.NotEqual(t, recs.Entry.BrokerOrderID, recs.TakeProfit.BrokerOrderID)
	assert.Equal(t, order.SideBuy, recs.Entry.Intent.Side)
	assert.Equal(t, order.SideSell, recs.TakeProfit.Intent.Side)
	assert.Equal(t, order.SideSell, recs.StopLoss.Intent.Side)
	assert.Equal(t, order.TypeStop, recs.StopLoss.Intent.Type)

	decisions, err := mem.Decisions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1, "one gated action for the whole bracket")
	assert.Equal(t, audit.VerdictAccept, decisions[0].Verdict)
	assert.Equal(t, recs.Entry.LocalID, decisions[0].OrderRef)

	orders, err := mem.Orders(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, orders, 3)

	// The exits are ordinary orders afterwards: cancel one.
	rec, err := mgr.Cancel(ctx, recs.StopLoss.LocalID, order.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, order.StatePendingCancel, rec.State)
}

func TestSubmitBracketDryRunStages(t *testing.T) {
	policy := livePolicy()
	policy.DryRun = true
	mgr, cb, mem := newManager(t, policy)
	ctx := context.Background()

	recs, err := mgr.SubmitBracket(ctx, testBracket(order.SourceManual))
	require.NoError(t, err)
	assert.Zero(t, cb.brackets())
	for _, rec := range []ledger.Record{recs.Entry, recs.TakeProfit, recs.StopLoss} {
		assert.Equal(t, order.StateStaged, rec.State)
		assert.Empty(t, rec.BrokerOrderID)
	}

	decisions, err := mem.Decisions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "dry-run", decisions[0].Reason)

	orders, err := mem.Orders(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, orders, 3)
}

func TestSubmitBracketGateRejected(t *testing.T) {
	mgr, cb, _ := newManager(t, livePolicy())
	ctx := context.Background()

	br := testBracket(order.SourceLLM)
	br.Instrument.Symbol = "TSLA"
	_, err := mgr.SubmitBracket(ctx, br)

	var rej *gate.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, gate.NotAllowlisted, rej.Reason)
	assert.Zero(t, cb.brackets())
	assert.Empty(t, mgr.Ledger().All())
}

func TestAutomatedSourceCaps(t *testing.T) {
	policy := livePolicy()
	policy.MaxIntentsPerTick = 1
	mgr, cb, _ := newManager(t, policy)
	ctx := context.Background()

	// Instrument outside the allowlist.
	_, err := mgr.Submit(ctx, placeIntent("TSLA", order.TypeLimit, 10, order.SourceLLM))
	var rej *gate.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, gate.NotAllowlisted, rej.Reason)

	// Quantity above the cap.
	_, err = mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 500, order.SourceLLM))
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, gate.QtyCapExceeded, rej.Reason)

	// First conforming intent passes, the second hits the tick cap.
	_, err = mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceLLM))
	require.NoError(t, err)
	_, err = mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceLLM))
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, gate.TickCapExceeded, rej.Reason)

	// A new tick resets the counter.
	mgr.ResetTick()
	_, err = mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceLLM))
	require.NoError(t, err)

	// Manual intents never count against the cap.
	_, err = mgr.Submit(ctx, placeIntent("AAPL", order.TypeMarket, 10, order.SourceManual))
	require.NoError(t, err)
	assert.Equal(t, 3, cb.places())
}

func TestCancelFlow(t *testing.T) {
	mgr, cb, _ := newManager(t, livePolicy())
	ctx := context.Background()

	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual))
	require.NoError(t, err)
	assert.Equal(t, order.StateSubmitted, rec.State)

	rec, err = mgr.Cancel(ctx, rec.LocalID, order.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, order.StatePendingCancel, rec.State)
	assert.Equal(t, 1, cb.cancelCalls)

	rec, err = mgr.Status(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateCancelled, rec.State)

	// Terminal orders refuse further cancels.
	_, err = mgr.Cancel(ctx, rec.LocalID, order.SourceManual)
	assert.Error(t, err)
}

func TestModifyFlow(t *testing.T) {
	mgr, _, _ := newManager(t, livePolicy())
	ctx := context.Background()

	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual))
	require.NoError(t, err)

	in := placeIntent("AAPL", order.TypeLimit, 20, order.SourceManual)
	rec, err = mgr.Modify(ctx, rec.LocalID, in)
	require.NoError(t, err)
	assert.Equal(t, order.StateSubmitted, rec.State)

	st, err := mgr.broker.OrderStatus(ctx, rec.BrokerOrderID)
	require.NoError(t, err)
	assert.True(t, st.Quantity.Equal(decimal.NewFromInt(20)))
}

func TestStatusPartialFill(t *testing.T) {
	mgr, cb, _ := newManager(t, livePolicy())
	ctx := context.Background()

	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual))
	require.NoError(t, err)

	st, err := sim(cb).OrderStatus(ctx, rec.BrokerOrderID)
	require.NoError(t, err)
	st.Filled = decimal.NewFromInt(4)
	st.Remaining = decimal.NewFromInt(6)
	sim(cb).InjectStatus(st)

	rec, err = mgr.Status(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StatePartiallyFilled, rec.State)
}

func TestPartialThenFullFillHistory(t *testing.T) {
	mgr, cb, _ := newManager(t, livePolicy())
	ctx := context.Background()

	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual))
	require.NoError(t, err)

	st, err := sim(cb).OrderStatus(ctx, rec.BrokerOrderID)
	require.NoError(t, err)
	st.Filled = decimal.NewFromInt(5)
	st.Remaining = decimal.NewFromInt(5)
	sim(cb).InjectStatus(st)

	rec, err = mgr.Status(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StatePartiallyFilled, rec.State)

	st.Status = broker.StatusFilled
	st.Filled = st.Quantity
	st.Remaining = decimal.Zero
	sim(cb).InjectStatus(st)

	rec, err = mgr.Status(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateFilled, rec.State)

	require.Len(t, rec.History, 3)
	assert.Equal(t, order.StateSubmitted, rec.History[0].To)
	assert.Equal(t, order.StatePartiallyFilled, rec.History[1].To)
	assert.Equal(t, order.StateFilled, rec.History[2].To)
}

func TestStatusUnmappedBrokerStatusKeepsState(t *testing.T) {
	mgr, cb, mem := newManager(t, livePolicy())
	ctx := context.Background()

	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual))
	require.NoError(t, err)

	st, err := sim(cb).OrderStatus(ctx, rec.BrokerOrderID)
	require.NoError(t, err)
	st.Status = "ApiPending"
	sim(cb).InjectStatus(st)

	rec, err = mgr.Status(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateSubmitted, rec.State, "an unmapped status must not change the lifecycle state")
	assert.False(t, rec.Terminal())
	assert.Equal(t, "ApiPending", rec.LastBrokerStatus)

	errs, err := mem.Errors(ctx, 1)
	require.NoError(t, err)
	var found bool
	for _, e := range errs {
		if e.Context == "broker.status.unmapped" {
			found = true
		}
	}
	assert.True(t, found)

	// A later mapped report still lands.
	st.Status = broker.StatusFilled
	st.Filled = st.Quantity
	st.Remaining = decimal.Zero
	sim(cb).InjectStatus(st)
	rec, err = mgr.Status(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateFilled, rec.State)
}

func TestReconcileAdoptsUnknownBrokerOrders(t *testing.T) {
	mgr, cb, _ := newManager(t, livePolicy())
	ctx := context.Background()

	// An order placed outside the manager, e.g. by hand in TWS.
	_, err := sim(cb).PlaceOrder(ctx, validated(t, placeIntent("AAPL", order.TypeLimit, 7, order.SourceManual)))
	require.NoError(t, err)

	rep, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Adopted, 1)

	adopted, err := mgr.Ledger().Get(rep.Adopted[0])
	require.NoError(t, err)
	assert.Equal(t, order.StateSubmitted, adopted.State)
	assert.NotEmpty(t, adopted.BrokerOrderID)

	// A second pass changes nothing.
	rep, err = mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Adopted)
	assert.Empty(t, rep.Updated)
	assert.Empty(t, rep.Unknown)
}

func TestReconcileBindsOrphanedLocal(t *testing.T) {
	mgr, cb, _ := newManager(t, livePolicy())
	ctx := context.Background()

	// The send fails after the ledger entry is created.
	cb.mu.Lock()
	cb.failPlace = true
	cb.mu.Unlock()
	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual))
	require.Error(t, err)
	assert.Equal(t, order.StatePendingSubmit, rec.State)
	assert.Empty(t, rec.BrokerOrderID)

	// The broker did work the order; reconciliation matches it back up.
	_, err = sim(cb).PlaceOrder(ctx, validated(t, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual)))
	require.NoError(t, err)

	rep, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	require.Contains(t, rep.Bound, rec.LocalID)

	rec, err = mgr.Ledger().Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateSubmitted, rec.State)
	assert.NotEmpty(t, rec.BrokerOrderID)
}

func TestReconcileMarksUnmatchedLocalUnknown(t *testing.T) {
	mgr, cb, mem := newManager(t, livePolicy())
	ctx := context.Background()

	cb.mu.Lock()
	cb.failPlace = true
	cb.mu.Unlock()
	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual))
	require.Error(t, err)

	rep, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	require.Contains(t, rep.Unknown, rec.LocalID)

	rec, err = mgr.Ledger().Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateUnknown, rec.State)

	errs, err := mem.Errors(ctx, 1)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	var found bool
	for _, e := range errs {
		if e.Context == NoBrokerRecord {
			found = true
		}
	}
	assert.True(t, found)
}

func TestReconcileAmbiguousMatch(t *testing.T) {
	mgr, cb, mem := newManager(t, livePolicy())
	ctx := context.Background()

	cb.mu.Lock()
	cb.failPlace = true
	cb.mu.Unlock()
	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual))
	require.Error(t, err)

	// Two identical broker orders: neither can be claimed safely.
	_, err = sim(cb).PlaceOrder(ctx, validated(t, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual)))
	require.NoError(t, err)
	_, err = sim(cb).PlaceOrder(ctx, validated(t, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual)))
	require.NoError(t, err)

	rep, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	require.Contains(t, rep.Unknown, rec.LocalID)

	errs, err := mem.Errors(ctx, 1)
	require.NoError(t, err)
	var found bool
	for _, e := range errs {
		if e.Context == MultipleCandidates {
			found = true
		}
	}
	assert.True(t, found)
}

func TestReconcileLandsBrokerCancelledLocal(t *testing.T) {
	mgr, cb, _ := newManager(t, livePolicy())
	ctx := context.Background()

	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual))
	require.NoError(t, err)

	// Cancelled out-of-band, so it vanishes from the broker's open set.
	require.NoError(t, sim(cb).CancelOrder(ctx, rec.BrokerOrderID))

	rep, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	require.Contains(t, rep.Updated, rec.LocalID)
	assert.Empty(t, rep.Unknown)

	rec, err = mgr.Ledger().Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateCancelled, rec.State)
}

func TestReconcileTransientStatusFailureKeepsState(t *testing.T) {
	mgr, cb, mem := newManager(t, livePolicy())
	ctx := context.Background()

	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual))
	require.NoError(t, err)

	cb.mu.Lock()
	cb.failStatus = true
	cb.hideOpen = true
	cb.mu.Unlock()

	rep, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Unknown, "a failed status lookup is not an ambiguity")

	rec, err = mgr.Ledger().Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateSubmitted, rec.State, "the order keeps its last-known state")

	errs, err := mem.Errors(ctx, 1)
	require.NoError(t, err)
	var found bool
	for _, e := range errs {
		if e.Context == "reconcile.status" {
			found = true
		}
	}
	assert.True(t, found)

	// Once the broker answers again the next pass settles it normally.
	cb.mu.Lock()
	cb.failStatus = false
	cb.hideOpen = false
	cb.mu.Unlock()
	rep, err = mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Unknown)
}

func TestReconcileUnknownBrokerIDMarksUnknown(t *testing.T) {
	mgr, _, mem := newManager(t, livePolicy())
	ctx := context.Background()

	// A bound order whose broker id the broker has no record of at all.
	rec, err := mgr.Ledger().Adopt(validated(t, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual)), "sim-ghost", order.StateSubmitted)
	require.NoError(t, err)

	rep, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	require.Contains(t, rep.Unknown, rec.LocalID)

	rec, err = mgr.Ledger().Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateUnknown, rec.State)

	errs, err := mem.Errors(ctx, 1)
	require.NoError(t, err)
	var found bool
	for _, e := range errs {
		if e.Context == NoBrokerRecord {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTrackEmitsTransitions(t *testing.T) {
	mgr, cb, _ := newManager(t, livePolicy())
	ctx := context.Background()

	rec, err := mgr.Submit(ctx, placeIntent("AAPL", order.TypeLimit, 10, order.SourceManual))
	require.NoError(t, err)

	events := mgr.Track(ctx, 10*time.Millisecond, 5*time.Second)

	st, err := sim(cb).OrderStatus(ctx, rec.BrokerOrderID)
	require.NoError(t, err)
	st.Status = broker.StatusFilled
	st.Filled = st.Quantity
	st.Remaining = decimal.Zero
	sim(cb).InjectStatus(st)

	var final order.State
	for ev := range events {
		final = ev.State
	}
	assert.Equal(t, order.StateFilled, final)

	rec, err = mgr.Ledger().Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateFilled, rec.State)
}
