// Package broker defines the adapter contract the order manager submits
// through, plus its two implementations: a deterministic in-memory simulator
// and a thin client for the live order gateway. The gateway daemon owns the
// physical TWS/Gateway socket protocol; this package never speaks it.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/instrument"
	"papertrader/internal/order"
)

// ErrUnknownOrder is returned by order lookups when the broker has no record
// of the given order id. Reconciliation distinguishes it from transport
// failures: only a definitive "no such order" may move a local order to
// Unknown.
var ErrUnknownOrder = errors.New("unknown order id")

// Broker-side status vocabulary, as reported by the gateway. Distinct from
// the local lifecycle states in the order package.
const (
	StatusPendingSubmit = "PendingSubmit"
	StatusPreSubmitted  = "PreSubmitted"
	StatusSubmitted     = "Submitted"
	StatusPendingCancel = "PendingCancel"
	StatusFilled        = "Filled"
	StatusCancelled     = "Cancelled"
	StatusInactive      = "Inactive" // gateway-side rejection
	StatusExpired       = "Expired"
)

// Status is the broker's view of one order.
type Status struct {
	BrokerOrderID string                `json:"order_id"`
	Status        string                `json:"status"`
	Instrument    instrument.Instrument `json:"instrument"`
	Side          string                `json:"side"`
	Quantity      decimal.Decimal       `json:"qty"`
	Filled        decimal.Decimal       `json:"filled"`
	Remaining     decimal.Decimal       `json:"remaining"`
	AvgFillPrice  decimal.Decimal       `json:"avg_fill_price"`
}

// Open reports whether the broker still considers the order workable.
func (s Status) Open() bool {
	switch s.Status {
	case StatusFilled, StatusCancelled, StatusInactive, StatusExpired:
		return false
	}
	return true
}

// Quote is a market data snapshot for one instrument.
type Quote struct {
	Instrument instrument.Instrument `json:"instrument"`
	Bid        float64               `json:"bid"`
	Ask        float64               `json:"ask"`
	Last       float64               `json:"last"`
	Close      float64               `json:"close"`
	Volume     float64               `json:"volume"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Bar is one historical bar.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// BarRange selects a span of historical bars.
type BarRange struct {
	End      time.Time // zero means now
	Duration string    // e.g. "1 D", "2 W"
	BarSize  string    // e.g. "1 min", "1 day"
	UseRTH   bool
}

// Position is a broker-reported holding.
type Position struct {
	Account    string                `json:"account"`
	Instrument instrument.Instrument `json:"instrument"`
	Quantity   decimal.Decimal       `json:"qty"`
	AvgCost    float64               `json:"avg_cost"`
}

// Account is a point-in-time snapshot of the broker account values. Common
// tags include NetLiquidation, AvailableFunds, MaintMarginReq, and
// UnrealizedPnL.
type Account struct {
	Account   string                     `json:"account"`
	Values    map[string]decimal.Decimal `json:"values"`
	Timestamp time.Time                  `json:"timestamp"`
}

// BracketIDs identifies the three broker orders of a placed bracket: the
// entry, its take-profit exit, and its stop-loss exit.
type BracketIDs struct {
	Parent     string `json:"parent"`
	TakeProfit string `json:"take_profit"`
	StopLoss   string `json:"stop_loss"`
}

// Broker is the adapter contract consumed by the order manager.
type Broker interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error

	// IsPaperSession reports whether the active session is a paper account.
	// The safety gates refuse everything when it is false.
	IsPaperSession(ctx context.Context) (bool, error)

	PlaceOrder(ctx context.Context, in order.Intent) (string, error)
	PlaceBracketOrder(ctx context.Context, br order.Bracket) (BracketIDs, error)
	ModifyOrder(ctx context.Context, brokerOrderID string, in order.Intent) error
	CancelOrder(ctx context.Context, brokerOrderID string) error
	OrderStatus(ctx context.Context, brokerOrderID string) (Status, error)
	OpenOrders(ctx context.Context) ([]Status, error)
	Positions(ctx context.Context) ([]Position, error)
	AccountSnapshot(ctx context.Context) (Account, error)
	Snapshot(ctx context.Context, inst instrument.Instrument) (Quote, error)
	HistoricalBars(ctx context.Context, inst instrument.Instrument, r BarRange) ([]Bar, error)
}
