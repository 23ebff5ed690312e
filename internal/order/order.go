// Package order
package order

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"papertrader/internal/instrument"
)

// Intent kinds.
const (
	KindPlace  = "PLACE"
	KindModify = "MODIFY"
	KindCancel = "CANCEL"
)

// Sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types.
const (
	TypeMarket    = "MKT"
	TypeLimit     = "LMT"
	TypeStop      = "STP"
	TypeStopLimit = "STPLMT"
)

// Intent sources. Proposer-specific caps apply to every source except
// manual CLI input.
const (
	SourceManual   = "manual"
	SourceStrategy = "strategy"
	SourceLLM      = "llm"
)

// Intent is a proposed order action. It is validated once via Validate and
// treated as immutable afterwards.
type Intent struct {
	Kind          string                `json:"kind"`
	Instrument    instrument.Instrument `json:"instrument"`
	Side          string                `json:"side"`
	Quantity      decimal.Decimal       `json:"qty"`
	Type          string                `json:"type"`
	LimitPrice    decimal.Decimal       `json:"limit_price"`
	StopPrice     decimal.Decimal       `json:"stop_price"`
	TIF           string                `json:"tif"`
	GoodTillDate  string                `json:"good_till_date,omitempty"` // gateway GTD format
	BrokerOrderID string                `json:"broker_order_id,omitempty"`
	Source        string                `json:"source"`
}

// Validate normalizes the intent and checks it against the order rules.
// It returns the normalized copy; the input is not modified.
func (in Intent) Validate() (Intent, error) {
	out := in
	out.Kind = strings.ToUpper(strings.TrimSpace(in.Kind))
	out.Side = strings.ToUpper(strings.TrimSpace(in.Side))
	out.Type = strings.ToUpper(strings.TrimSpace(in.Type))
	out.TIF = strings.ToUpper(strings.TrimSpace(in.TIF))
	out.GoodTillDate = strings.TrimSpace(in.GoodTillDate)
	out.BrokerOrderID = strings.TrimSpace(in.BrokerOrderID)
	out.Source = strings.ToLower(strings.TrimSpace(in.Source))

	if out.Kind == "" {
		out.Kind = KindPlace
	}
	if out.TIF == "" {
		out.TIF = "DAY"
	}
	if out.Source == "" {
		out.Source = SourceManual
	}

	switch out.Kind {
	case KindPlace:
	case KindModify, KindCancel:
		if out.BrokerOrderID == "" {
			return Intent{}, fmt.Errorf("%s intent requires broker_order_id", out.Kind)
		}
	default:
		return Intent{}, fmt.Errorf("intent kind must be PLACE, MODIFY, or CANCEL, got %q", in.Kind)
	}

	if out.Kind == KindCancel {
		// A cancel carries only the target order reference.
		return out, nil
	}

	inst, err := instrument.Validate(out.Instrument)
	if err != nil {
		return Intent{}, err
	}
	out.Instrument = inst

	if out.Side != SideBuy && out.Side != SideSell {
		return Intent{}, fmt.Errorf("side must be BUY or SELL, got %q", in.Side)
	}
	if !out.Quantity.IsPositive() {
		return Intent{}, fmt.Errorf("quantity must be positive, got %s", in.Quantity)
	}

	switch out.Type {
	case TypeMarket:
	case TypeLimit:
		if !out.LimitPrice.IsPositive() {
			return Intent{}, fmt.Errorf("limit_price is required and must be positive for %s orders", TypeLimit)
		}
	case TypeStop:
		if !out.StopPrice.IsPositive() {
			return Intent{}, fmt.Errorf("stop_price is required and must be positive for %s orders", TypeStop)
		}
	case TypeStopLimit:
		if !out.StopPrice.IsPositive() || !out.LimitPrice.IsPositive() {
			return Intent{}, fmt.Errorf("stop_price and limit_price are required and must be positive for %s orders", TypeStopLimit)
		}
	default:
		return Intent{}, fmt.Errorf("order type must be MKT, LMT, STP, or STPLMT, got %q", in.Type)
	}

	switch out.TIF {
	case "DAY", "GTC", "IOC":
	case "GTD":
		if out.GoodTillDate == "" {
			return Intent{}, fmt.Errorf("good_till_date is required for GTD tif")
		}
	default:
		return Intent{}, fmt.Errorf("unsupported tif: %q", in.TIF)
	}

	return out, nil
}

func (in Intent) String() string {
	if in.Kind == KindCancel {
		return fmt.Sprintf("CANCEL %s", in.BrokerOrderID)
	}
	return fmt.Sprintf("%s %s %s %s %s", in.Kind, in.Side, in.Quantity, in.Instrument, in.Type)
}
