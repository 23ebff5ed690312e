package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"papertrader/internal/instrument"
	"papertrader/internal/order"
)

// number accepts both JSON numbers and quoted numeric strings.
type number string

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) >= 2 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = number(s)
		return nil
	}
	if string(data) == "null" {
		*n = ""
		return nil
	}
	*n = number(data)
	return nil
}

// orderPayload is the wire shape of an order inside tool-call args.
type orderPayload struct {
	Instrument   instrument.Instrument `json:"instrument"`
	Side         string                `json:"side"`
	Qty          number                `json:"qty"`
	Type         string                `json:"type"`
	LimitPrice   number                `json:"limit_price"`
	StopPrice    number                `json:"stop_price"`
	TIF          string                `json:"tif"`
	GoodTillDate string                `json:"good_till_date"`
}

// ParseIntent builds a validated PLACE intent from tool-call args. The
// source is always llm so proposer caps apply downstream regardless of what
// the payload claims.
func ParseIntent(raw json.RawMessage) (order.Intent, error) {
	var payload struct {
		Order *orderPayload `json:"order"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return order.Intent{}, fmt.Errorf("malformed tool args: %w", err)
	}
	if payload.Order == nil {
		return order.Intent{}, fmt.Errorf("tool args are missing the order object")
	}
	return intentFromPayload(*payload.Order)
}

func intentFromPayload(p orderPayload) (order.Intent, error) {
	in := order.Intent{
		Kind:         order.KindPlace,
		Instrument:   p.Instrument,
		Side:         p.Side,
		Type:         p.Type,
		TIF:          p.TIF,
		GoodTillDate: p.GoodTillDate,
		Source:       order.SourceLLM,
	}
	if in.Type == "" {
		in.Type = order.TypeMarket
	}

	var err error
	if in.Quantity, err = parseNumber(p.Qty, "qty"); err != nil {
		return order.Intent{}, err
	}
	if p.LimitPrice != "" {
		if in.LimitPrice, err = parseNumber(p.LimitPrice, "limit_price"); err != nil {
			return order.Intent{}, err
		}
	}
	if p.StopPrice != "" {
		if in.StopPrice, err = parseNumber(p.StopPrice, "stop_price"); err != nil {
			return order.Intent{}, err
		}
	}

	return in.Validate()
}

func parseNumber(n number, field string) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, string(n), err)
	}
	return d, nil
}
