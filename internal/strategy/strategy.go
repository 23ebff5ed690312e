// Package strategy defines the automated intent producer interface. A
// strategy only proposes; every proposed intent still passes the gates, so
// a buggy strategy cannot bypass the safety rails.
package strategy

import (
	"context"

	"papertrader/internal/broker"
	"papertrader/internal/instrument"
	"papertrader/internal/order"
)

// Strategy produces order intents from a market snapshot, once per tick.
type Strategy interface {
	Name() string
	Instruments() []instrument.Instrument
	Intents(ctx context.Context, quotes map[instrument.Instrument]broker.Quote) ([]order.Intent, error)
}
