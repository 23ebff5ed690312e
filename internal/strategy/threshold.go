package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"papertrader/internal/broker"
	"papertrader/internal/instrument"
	"papertrader/internal/order"
)

// Threshold buys when the last trade prints at or below BuyBelow and sells
// when it prints at or above SellAbove. It exists to exercise the run loop
// end to end, not to make money.
type Threshold struct {
	Instrument instrument.Instrument
	BuyBelow   decimal.Decimal
	SellAbove  decimal.Decimal
	Qty        decimal.Decimal
}

func NewThreshold(inst instrument.Instrument, buyBelow, sellAbove, qty decimal.Decimal) *Threshold {
	return &Threshold{Instrument: inst.Normalize(), BuyBelow: buyBelow, SellAbove: sellAbove, Qty: qty}
}

func (s *Threshold) Name() string { return "threshold" }

func (s *Threshold) Instruments() []instrument.Instrument {
	return []instrument.Instrument{s.Instrument}
}

func (s *Threshold) Intents(_ context.Context, quotes map[instrument.Instrument]broker.Quote) ([]order.Intent, error) {
	q, ok := quotes[s.Instrument]
	if !ok || q.Last <= 0 {
		return nil, nil
	}
	last := decimal.NewFromFloat(q.Last)

	var side string
	switch {
	case s.BuyBelow.IsPositive() && last.LessThanOrEqual(s.BuyBelow):
		side = order.SideBuy
	case s.SellAbove.IsPositive() && last.GreaterThanOrEqual(s.SellAbove):
		side = order.SideSell
	default:
		return nil, nil
	}

	in := order.Intent{
		Kind:       order.KindPlace,
		Instrument: s.Instrument,
		Side:       side,
		Quantity:   s.Qty,
		Type:       order.TypeMarket,
		Source:     order.SourceStrategy,
	}
	return []order.Intent{in}, nil
}

var _ Strategy = (*Threshold)(nil)
