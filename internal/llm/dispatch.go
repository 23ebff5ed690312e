package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"papertrader/internal/broker"
	"papertrader/internal/instrument"
	"papertrader/internal/oms"
	"papertrader/internal/order"
)

// ToolError marks a malformed or unknown tool call, as opposed to a failure
// of the underlying operation.
type ToolError struct {
	msg string
}

func (e *ToolError) Error() string { return e.msg }

func toolErrorf(format string, args ...any) error {
	return &ToolError{msg: fmt.Sprintf(format, args...)}
}

// ListTools describes the available tools for the model prompt. Display
// only; dispatch validates the real payloads.
func ListTools() []map[string]any {
	return []map[string]any{
		{"name": "get_snapshot", "args": map[string]any{"kind": "STK|FUT|FX", "symbol": "str", "exchange": "str?", "currency": "str?", "expiry": "str?"}},
		{"name": "get_positions", "args": map[string]any{}},
		{"name": "get_account", "args": map[string]any{}},
		{"name": "list_open_orders", "args": map[string]any{}},
		{"name": "get_history", "args": map[string]any{"kind": "STK|FUT|FX", "symbol": "str", "duration": "str?", "bar_size": "str?"}},
		{"name": "place_order", "args": map[string]any{"order": map[string]any{"instrument": map[string]any{"kind": "STK|FUT|FX", "symbol": "str"}, "side": "BUY|SELL", "qty": "number", "type": "MKT|LMT|STP|STPLMT"}}},
		{"name": "modify_order", "args": map[string]any{"order_id": "str", "order": map[string]any{"...": "same as place_order"}}},
		{"name": "cancel_order", "args": map[string]any{"order_id": "str"}},
		{"name": "oms_reconcile", "args": map[string]any{}},
		{"name": "oms_track", "args": map[string]any{"poll_seconds": "number?", "timeout_seconds": "number?"}},
	}
}

// Dispatch routes one tool call onto the order manager or broker. Order
// mutations always run through the manager, never the broker directly, so
// the gates apply to every LLM-originated action.
func Dispatch(ctx context.Context, call ToolCall, b broker.Broker, mgr *oms.Manager) (any, error) {
	switch call.Name {
	case "get_snapshot":
		inst, err := parseInstrumentArgs(call.Args)
		if err != nil {
			return nil, err
		}
		return b.Snapshot(ctx, inst)

	case "get_positions":
		return b.Positions(ctx)

	case "get_account":
		return b.AccountSnapshot(ctx)

	case "list_open_orders":
		return b.OpenOrders(ctx)

	case "get_history":
		inst, err := parseInstrumentArgs(call.Args)
		if err != nil {
			return nil, err
		}
		var args struct {
			Duration string `json:"duration"`
			BarSize  string `json:"bar_size"`
		}
		if len(call.Args) > 0 {
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, toolErrorf("malformed tool args: %v", err)
			}
		}
		if args.Duration == "" {
			args.Duration = "1 D"
		}
		if args.BarSize == "" {
			args.BarSize = "5 mins"
		}
		return b.HistoricalBars(ctx, inst, broker.BarRange{Duration: args.Duration, BarSize: args.BarSize, UseRTH: true})

	case "place_order":
		in, err := ParseIntent(call.Args)
		if err != nil {
			return nil, err
		}
		rec, err := mgr.Submit(ctx, in)
		if err != nil {
			return nil, err
		}
		return map[string]any{"order_id": rec.LocalID, "broker_id": rec.BrokerOrderID, "state": string(rec.State)}, nil

	case "modify_order":
		orderID, err := parseOrderID(call.Name, call.Args)
		if err != nil {
			return nil, err
		}
		in, err := ParseIntent(call.Args)
		if err != nil {
			return nil, err
		}
		rec, err := mgr.Modify(ctx, orderID, in)
		if err != nil {
			return nil, err
		}
		return map[string]any{"order_id": rec.LocalID, "broker_id": rec.BrokerOrderID, "state": string(rec.State)}, nil

	case "cancel_order":
		orderID, err := parseOrderID(call.Name, call.Args)
		if err != nil {
			return nil, err
		}
		rec, err := mgr.Cancel(ctx, orderID, order.SourceLLM)
		if err != nil {
			return nil, err
		}
		return map[string]any{"order_id": rec.LocalID, "state": string(rec.State)}, nil

	case "oms_reconcile":
		return mgr.Reconcile(ctx)

	case "oms_track":
		var args struct {
			PollSeconds    float64 `json:"poll_seconds"`
			TimeoutSeconds float64 `json:"timeout_seconds"`
		}
		if len(call.Args) > 0 {
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, toolErrorf("malformed tool args: %v", err)
			}
		}
		poll := time.Duration(args.PollSeconds * float64(time.Second))
		timeout := time.Duration(args.TimeoutSeconds * float64(time.Second))
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		var transitions []map[string]any
		for rec := range mgr.Track(ctx, poll, timeout) {
			transitions = append(transitions, map[string]any{"order_id": rec.LocalID, "state": string(rec.State)})
		}
		return map[string]any{"transitions": transitions}, nil

	default:
		return nil, toolErrorf("unknown tool: %s", call.Name)
	}
}

func parseInstrumentArgs(raw json.RawMessage) (instrument.Instrument, error) {
	var inst instrument.Instrument
	if len(raw) == 0 {
		return inst, toolErrorf("instrument args are required")
	}
	if err := json.Unmarshal(raw, &inst); err != nil {
		return inst, toolErrorf("malformed tool args: %v", err)
	}
	inst, err := instrument.Validate(inst)
	if err != nil {
		return instrument.Instrument{}, err
	}
	return inst, nil
}

func parseOrderID(tool string, raw json.RawMessage) (string, error) {
	var args struct {
		OrderID string `json:"order_id"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", toolErrorf("malformed tool args: %v", err)
		}
	}
	if args.OrderID == "" {
		return "", toolErrorf("%s requires order_id", tool)
	}
	return args.OrderID, nil
}
