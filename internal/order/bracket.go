package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"papertrader/internal/instrument"
)

// Bracket is a limit entry with two attached exits: a take-profit limit and
// a stop-loss stop on the opposite side. The broker works the three orders
// as one group; filling one exit cancels the other.
type Bracket struct {
	Instrument      instrument.Instrument `json:"instrument"`
	Side            string                `json:"side"` // entry side
	Quantity        decimal.Decimal       `json:"qty"`
	EntryLimit      decimal.Decimal       `json:"entry_limit"`
	TakeProfitLimit decimal.Decimal       `json:"take_profit_limit"`
	StopLossStop    decimal.Decimal       `json:"stop_loss_stop"`
	TIF             string                `json:"tif"`
	Source          string                `json:"source"`
}

// Validate normalizes the bracket and checks all three legs. It returns the
// normalized copy; the input is not modified.
func (b Bracket) Validate() (Bracket, error) {
	entry, err := b.Entry().Validate()
	if err != nil {
		return Bracket{}, fmt.Errorf("bracket entry: %w", err)
	}
	out := b
	out.Instrument = entry.Instrument
	out.Side = entry.Side
	out.TIF = entry.TIF
	out.Source = entry.Source

	if _, err := out.TakeProfit().Validate(); err != nil {
		return Bracket{}, fmt.Errorf("bracket take-profit: %w", err)
	}
	if _, err := out.StopLoss().Validate(); err != nil {
		return Bracket{}, fmt.Errorf("bracket stop-loss: %w", err)
	}
	return out, nil
}

// Entry is the bracket's opening limit order.
func (b Bracket) Entry() Intent {
	return Intent{
		Kind:       KindPlace,
		Instrument: b.Instrument,
		Side:       b.Side,
		Quantity:   b.Quantity,
		Type:       TypeLimit,
		LimitPrice: b.EntryLimit,
		TIF:        b.TIF,
		Source:     b.Source,
	}
}

// TakeProfit is the profit-taking exit on the opposite side of the entry.
func (b Bracket) TakeProfit() Intent {
	in := b.Entry()
	in.Side = opposite(in.Side)
	in.LimitPrice = b.TakeProfitLimit
	return in
}

// StopLoss is the protective stop on the opposite side of the entry.
func (b Bracket) StopLoss() Intent {
	in := b.Entry()
	in.Side = opposite(in.Side)
	in.Type = TypeStop
	in.LimitPrice = decimal.Decimal{}
	in.StopPrice = b.StopLossStop
	return in
}

func (b Bracket) String() string {
	return fmt.Sprintf("BRACKET %s %s %s entry=%s tp=%s sl=%s",
		b.Side, b.Quantity, b.Instrument, b.EntryLimit, b.TakeProfitLimit, b.StopLossStop)
}

func opposite(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}
