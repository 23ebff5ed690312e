package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrader/internal/instrument"
	"papertrader/internal/order"
)

func buyIntent() order.Intent {
	return order.Intent{
		Kind: order.KindPlace,
		Instrument: instrument.Instrument{
			Kind:     instrument.KindStock,
			Symbol:   "MSFT",
			Exchange: "SMART",
			Currency: "USD",
		},
		Side:     order.SideBuy,
		Quantity: decimal.NewFromInt(5),
		Type:     order.TypeMarket,
		TIF:      "DAY",
		Source:   order.SourceManual,
	}
}

func TestCreateAndLookup(t *testing.T) {
	l := New()

	rec := l.Create(buyIntent())
	assert.NotEmpty(t, rec.LocalID)
	assert.Equal(t, order.StatePendingSubmit, rec.State)
	assert.Empty(t, rec.BrokerOrderID)
	assert.Empty(t, rec.History)

	got, err := l.Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, rec.LocalID, got.LocalID)

	_, err = l.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	staged := l.CreateStaged(buyIntent())
	assert.Equal(t, order.StateStaged, staged.State)
	assert.True(t, staged.Terminal())
}

func TestBindBrokerID(t *testing.T) {
	l := New()
	rec := l.Create(buyIntent())

	require.NoError(t, l.BindBrokerID(rec.LocalID, "sim-1"))

	got, err := l.ByBrokerID("sim-1")
	require.NoError(t, err)
	assert.Equal(t, rec.LocalID, got.LocalID)

	// rebinding the same id is a no-op
	require.NoError(t, l.BindBrokerID(rec.LocalID, "sim-1"))

	// binding a different id is refused
	err = l.BindBrokerID(rec.LocalID, "sim-2")
	assert.ErrorIs(t, err, ErrBrokerIDRebound)

	// two locals cannot share one broker id
	other := l.Create(buyIntent())
	assert.Error(t, l.BindBrokerID(other.LocalID, "sim-1"))
}

func TestApplyRecordsHistory(t *testing.T) {
	l := New()
	rec := l.Create(buyIntent())

	got, changed, err := l.Apply(rec.LocalID, order.StateSubmitted, "Submitted")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, order.StateSubmitted, got.State)
	require.Len(t, got.History, 1)
	assert.Equal(t, order.StatePendingSubmit, got.History[0].From)
	assert.Equal(t, order.StateSubmitted, got.History[0].To)
	assert.Equal(t, "Submitted", got.LastBrokerStatus)

	got, changed, err = l.Apply(rec.LocalID, order.StatePartiallyFilled, "Submitted")
	require.NoError(t, err)
	assert.True(t, changed)

	got, changed, err = l.Apply(rec.LocalID, order.StateFilled, "Filled")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, got.Terminal())
	assert.Len(t, got.History, 3)
}

func TestApplySameStateIsNoOp(t *testing.T) {
	l := New()
	rec := l.Create(buyIntent())

	_, _, err := l.Apply(rec.LocalID, order.StateSubmitted, "Submitted")
	require.NoError(t, err)

	got, changed, err := l.Apply(rec.LocalID, order.StateSubmitted, "Submitted")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, got.History, 1)
}

func TestApplyIllegalTransition(t *testing.T) {
	l := New()
	rec := l.Create(buyIntent())

	_, _, err := l.Apply(rec.LocalID, order.StateSubmitted, "")
	require.NoError(t, err)
	_, _, err = l.Apply(rec.LocalID, order.StateFilled, "Filled")
	require.NoError(t, err)

	// terminal states admit nothing
	got, changed, err := l.Apply(rec.LocalID, order.StateCancelled, "Cancelled")
	var cerr *ConsistencyError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, order.StateFilled, cerr.From)
	assert.Equal(t, order.StateCancelled, cerr.To)
	assert.False(t, changed)
	assert.Equal(t, order.StateFilled, got.State)
	assert.Len(t, got.History, 2)
}

func TestAdopt(t *testing.T) {
	l := New()

	rec, err := l.Adopt(buyIntent(), "brk-7", order.StateSubmitted)
	require.NoError(t, err)
	assert.Equal(t, "brk-7", rec.BrokerOrderID)
	assert.Equal(t, order.StateSubmitted, rec.State)

	got, err := l.ByBrokerID("brk-7")
	require.NoError(t, err)
	assert.Equal(t, rec.LocalID, got.LocalID)

	_, err = l.Adopt(buyIntent(), "brk-7", order.StateSubmitted)
	assert.Error(t, err)
}

func TestOpenAndAll(t *testing.T) {
	l := New()

	a := l.Create(buyIntent())
	b := l.Create(buyIntent())
	l.CreateStaged(buyIntent())

	_, _, err := l.Apply(a.LocalID, order.StateSubmitted, "")
	require.NoError(t, err)
	_, _, err = l.Apply(a.LocalID, order.StateFilled, "Filled")
	require.NoError(t, err)

	open := l.Open()
	require.Len(t, open, 1)
	assert.Equal(t, b.LocalID, open[0].LocalID)

	assert.Len(t, l.All(), 3)
}

func TestCopiesDoNotAlias(t *testing.T) {
	l := New()
	rec := l.Create(buyIntent())

	_, _, err := l.Apply(rec.LocalID, order.StateSubmitted, "")
	require.NoError(t, err)

	got, err := l.Get(rec.LocalID)
	require.NoError(t, err)
	got.History[0].BrokerStatus = "mutated"
	got.State = order.StateCancelled

	fresh, err := l.Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, order.StateSubmitted, fresh.State)
	assert.Empty(t, fresh.History[0].BrokerStatus)
}
