package order

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrader/internal/instrument"
)

func marketBuy(symbol string, qty int64) Intent {
	return Intent{
		Kind:       KindPlace,
		Instrument: instrument.Instrument{Kind: instrument.KindStock, Symbol: symbol},
		Side:       SideBuy,
		Quantity:   decimal.NewFromInt(qty),
		Type:       TypeMarket,
	}
}

func TestIntentValidate(t *testing.T) {
	t.Run("market buy normalizes", func(t *testing.T) {
		in, err := Intent{
			Instrument: instrument.Instrument{Kind: "stk", Symbol: "aapl"},
			Side:       "buy",
			Quantity:   decimal.NewFromInt(1),
			Type:       "mkt",
		}.Validate()
		require.NoError(t, err)
		assert.Equal(t, KindPlace, in.Kind)
		assert.Equal(t, SideBuy, in.Side)
		assert.Equal(t, TypeMarket, in.Type)
		assert.Equal(t, "DAY", in.TIF)
		assert.Equal(t, SourceManual, in.Source)
		assert.Equal(t, "AAPL", in.Instrument.Symbol)
	})

	t.Run("zero quantity rejected", func(t *testing.T) {
		in := marketBuy("AAPL", 1)
		in.Quantity = decimal.Zero
		_, err := in.Validate()
		require.Error(t, err)
	})

	t.Run("negative quantity rejected", func(t *testing.T) {
		in := marketBuy("AAPL", 1)
		in.Quantity = decimal.NewFromInt(-5)
		_, err := in.Validate()
		require.Error(t, err)
	})

	t.Run("limit requires positive limit price", func(t *testing.T) {
		in := marketBuy("AAPL", 1)
		in.Type = TypeLimit
		_, err := in.Validate()
		require.Error(t, err)

		in.LimitPrice = decimal.NewFromFloat(187.5)
		_, err = in.Validate()
		require.NoError(t, err)
	})

	t.Run("stop-limit requires both prices", func(t *testing.T) {
		in := marketBuy("AAPL", 1)
		in.Type = TypeStopLimit
		in.StopPrice = decimal.NewFromFloat(180)
		_, err := in.Validate()
		require.Error(t, err)

		in.LimitPrice = decimal.NewFromFloat(179)
		_, err = in.Validate()
		require.NoError(t, err)
	})

	t.Run("gtd requires good_till_date", func(t *testing.T) {
		in := marketBuy("AAPL", 1)
		in.TIF = "GTD"
		_, err := in.Validate()
		require.Error(t, err)

		in.GoodTillDate = "20261231 23:59:59"
		_, err = in.Validate()
		require.NoError(t, err)
	})

	t.Run("modify requires broker order id", func(t *testing.T) {
		in := marketBuy("AAPL", 1)
		in.Kind = KindModify
		_, err := in.Validate()
		require.Error(t, err)

		in.BrokerOrderID = "42"
		_, err = in.Validate()
		require.NoError(t, err)
	})

	t.Run("cancel carries only the target", func(t *testing.T) {
		in, err := Intent{Kind: KindCancel, BrokerOrderID: "42"}.Validate()
		require.NoError(t, err)
		assert.Equal(t, "42", in.BrokerOrderID)
	})

	t.Run("bad side rejected", func(t *testing.T) {
		in := marketBuy("AAPL", 1)
		in.Side = "HOLD"
		_, err := in.Validate()
		require.Error(t, err)
	})

	t.Run("bad type rejected", func(t *testing.T) {
		in := marketBuy("AAPL", 1)
		in.Type = "OCO"
		_, err := in.Validate()
		require.Error(t, err)
	})
}
