// Package instrument
package instrument

import (
	"fmt"
	"strings"
)

// Supported asset kinds. The descriptor vocabulary follows the gateway's
// contract naming: STK for equities, FUT for futures, FX for forex pairs.
const (
	KindStock  = "STK"
	KindFuture = "FUT"
	KindForex  = "FX"
)

// Instrument identifies a tradable. Two instruments describe the same
// tradable exactly when the structs are equal, which is what allowlists and
// per-instrument caps key on.
type Instrument struct {
	Kind     string `yaml:"kind" json:"kind"`
	Symbol   string `yaml:"symbol" json:"symbol"`
	Exchange string `yaml:"exchange,omitempty" json:"exchange,omitempty"`
	Currency string `yaml:"currency,omitempty" json:"currency,omitempty"`
	Expiry   string `yaml:"expiry,omitempty" json:"expiry,omitempty"` // YYYYMM or YYYYMMDD, futures only
}

// Normalize returns a copy with trimmed, upper-cased identifying fields and
// kind-appropriate defaults filled in.
func (i Instrument) Normalize() Instrument {
	out := Instrument{
		Kind:     strings.ToUpper(strings.TrimSpace(i.Kind)),
		Symbol:   strings.ToUpper(strings.TrimSpace(i.Symbol)),
		Exchange: strings.TrimSpace(i.Exchange),
		Currency: strings.ToUpper(strings.TrimSpace(i.Currency)),
		Expiry:   strings.TrimSpace(i.Expiry),
	}
	if out.Exchange == "" {
		switch out.Kind {
		case KindStock:
			out.Exchange = "SMART"
		case KindForex:
			out.Exchange = "IDEALPRO"
		}
	}
	if out.Currency == "" {
		out.Currency = "USD"
	}
	return out
}

// Validate normalizes the instrument and checks the identifying fields.
func Validate(i Instrument) (Instrument, error) {
	out := i.Normalize()
	if out.Symbol == "" {
		return Instrument{}, fmt.Errorf("instrument symbol is required")
	}
	switch out.Kind {
	case KindStock, KindForex:
		if out.Expiry != "" {
			return Instrument{}, fmt.Errorf("expiry is only valid for %s instruments, got %s", KindFuture, out.Kind)
		}
	case KindFuture:
		if len(out.Expiry) != 6 && len(out.Expiry) != 8 {
			return Instrument{}, fmt.Errorf("futures require an expiry of YYYYMM or YYYYMMDD, got %q", out.Expiry)
		}
		for _, r := range out.Expiry {
			if r < '0' || r > '9' {
				return Instrument{}, fmt.Errorf("futures expiry must be numeric, got %q", out.Expiry)
			}
		}
	default:
		return Instrument{}, fmt.Errorf("unsupported instrument kind: %q", i.Kind)
	}
	if out.Kind == KindForex && !strings.Contains(out.Symbol, ".") {
		return Instrument{}, fmt.Errorf("forex symbol must be BASE.QUOTE, got %q", out.Symbol)
	}
	return out, nil
}

func (i Instrument) String() string {
	if i.Expiry != "" {
		return fmt.Sprintf("%s %s %s", i.Kind, i.Symbol, i.Expiry)
	}
	return fmt.Sprintf("%s %s", i.Kind, i.Symbol)
}
