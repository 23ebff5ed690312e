package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/instrument"
	"papertrader/internal/order"
	"papertrader/internal/utils"
)

// Compile-time interface check.
var _ Broker = (*GatewayBroker)(nil)

// GatewayBroker talks HTTP to the local order-gateway daemon that owns the
// TWS/IB Gateway socket session. It maps order verbs and status reports; it
// never retries a failed call on its own.
type GatewayBroker struct {
	baseURL string
	client  *http.Client
}

func NewGatewayBroker(baseURL string) *GatewayBroker {
	return &GatewayBroker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GatewayBroker) Name() string { return "gateway" }

func (g *GatewayBroker) Connect(ctx context.Context) error {
	var out struct {
		Connected bool `json:"connected"`
	}
	if err := g.doJSON(ctx, http.MethodGet, "/v1/health", nil, nil, &out); err != nil {
		return fmt.Errorf("gateway health check failed: %w", err)
	}
	if !out.Connected {
		return fmt.Errorf("gateway is up but not connected to TWS")
	}
	return nil
}

func (g *GatewayBroker) Close() error {
	// The daemon owns the socket session; nothing to tear down here.
	return nil
}

// IsPaperSession verifies every managed account is a paper account. Paper
// accounts are prefixed "DU"; anything else fails the check.
func (g *GatewayBroker) IsPaperSession(ctx context.Context) (bool, error) {
	var out struct {
		Accounts []string `json:"accounts"`
	}
	if err := g.doJSON(ctx, http.MethodGet, "/v1/accounts", nil, nil, &out); err != nil {
		return false, fmt.Errorf("fetching managed accounts: %w", err)
	}
	if len(out.Accounts) == 0 {
		return false, fmt.Errorf("gateway reported no managed accounts; cannot verify paper trading")
	}
	for _, acct := range out.Accounts {
		if !strings.HasPrefix(acct, "DU") {
			utils.GetLogger().Printf("GatewayBroker | non-paper account detected: %s", acct)
			return false, nil
		}
	}
	return true, nil
}

// gatewayOrder is the daemon's order representation on the wire.
type gatewayOrder struct {
	OrderID      string `json:"orderId"`
	Status       string `json:"status"`
	Kind         string `json:"kind"`
	Symbol       string `json:"symbol"`
	Exchange     string `json:"exchange"`
	Currency     string `json:"currency"`
	Expiry       string `json:"expiry"`
	Side         string `json:"side"`
	Qty          string `json:"qty"`
	Filled       string `json:"filled"`
	Remaining    string `json:"remaining"`
	AvgFillPrice string `json:"avgFillPrice"`
}

func (o gatewayOrder) toStatus() Status {
	num := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return Status{
		BrokerOrderID: o.OrderID,
		Status:        o.Status,
		Instrument: instrument.Instrument{
			Kind:     o.Kind,
			Symbol:   o.Symbol,
			Exchange: o.Exchange,
			Currency: o.Currency,
			Expiry:   o.Expiry,
		}.Normalize(),
		Side:         o.Side,
		Quantity:     num(o.Qty),
		Filled:       num(o.Filled),
		Remaining:    num(o.Remaining),
		AvgFillPrice: num(o.AvgFillPrice),
	}
}

type gatewayOrderRequest struct {
	Kind         string `json:"kind"`
	Symbol       string `json:"symbol"`
	Exchange     string `json:"exchange,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Expiry       string `json:"expiry,omitempty"`
	Side         string `json:"side"`
	Qty          string `json:"qty"`
	OrderType    string `json:"orderType"`
	LimitPrice   string `json:"limitPrice,omitempty"`
	StopPrice    string `json:"stopPrice,omitempty"`
	TIF          string `json:"tif"`
	GoodTillDate string `json:"goodTillDate,omitempty"`
}

func toGatewayRequest(in order.Intent) gatewayOrderRequest {
	req := gatewayOrderRequest{
		Kind:         in.Instrument.Kind,
		Symbol:       in.Instrument.Symbol,
		Exchange:     in.Instrument.Exchange,
		Currency:     in.Instrument.Currency,
		Expiry:       in.Instrument.Expiry,
		Side:         in.Side,
		Qty:          in.Quantity.String(),
		OrderType:    in.Type,
		TIF:          in.TIF,
		GoodTillDate: in.GoodTillDate,
	}
	if in.LimitPrice.IsPositive() {
		req.LimitPrice = in.LimitPrice.String()
	}
	if in.StopPrice.IsPositive() {
		req.StopPrice = in.StopPrice.String()
	}
	return req
}

func (g *GatewayBroker) PlaceOrder(ctx context.Context, in order.Intent) (string, error) {
	var out gatewayOrder
	if err := g.doJSON(ctx, http.MethodPost, "/v1/orders", nil, toGatewayRequest(in), &out); err != nil {
		return "", fmt.Errorf("placing order: %w", err)
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("gateway accepted the order but returned no order id")
	}
	utils.GetLogger().Printf("GatewayBroker | order placed: %s status=%s", out.OrderID, out.Status)
	return out.OrderID, nil
}

func (g *GatewayBroker) PlaceBracketOrder(ctx context.Context, br order.Bracket) (BracketIDs, error) {
	req := struct {
		gatewayOrderRequest
		TakeProfitLimit string `json:"takeProfitLimit"`
		StopLossStop    string `json:"stopLossStop"`
	}{
		gatewayOrderRequest: toGatewayRequest(br.Entry()),
		TakeProfitLimit:     br.TakeProfitLimit.String(),
		StopLossStop:        br.StopLossStop.String(),
	}
	var out struct {
		ParentID     string `json:"parentId"`
		TakeProfitID string `json:"takeProfitId"`
		StopLossID   string `json:"stopLossId"`
	}
	if err := g.doJSON(ctx, http.MethodPost, "/v1/brackets", nil, req, &out); err != nil {
		return BracketIDs{}, fmt.Errorf("placing bracket: %w", err)
	}
	if out.ParentID == "" || out.TakeProfitID == "" || out.StopLossID == "" {
		return BracketIDs{}, fmt.Errorf("gateway returned an incomplete bracket: parent=%q tp=%q sl=%q", out.ParentID, out.TakeProfitID, out.StopLossID)
	}
	utils.GetLogger().Printf("GatewayBroker | bracket placed: parent=%s tp=%s sl=%s", out.ParentID, out.TakeProfitID, out.StopLossID)
	return BracketIDs{Parent: out.ParentID, TakeProfit: out.TakeProfitID, StopLoss: out.StopLossID}, nil
}

func (g *GatewayBroker) ModifyOrder(ctx context.Context, brokerOrderID string, in order.Intent) error {
	if err := g.doJSON(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, toGatewayRequest(in), nil); err != nil {
		return fmt.Errorf("modifying order %s: %w", brokerOrderID, err)
	}
	return nil
}

func (g *GatewayBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := g.doJSON(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, nil, nil); err != nil {
		return fmt.Errorf("cancelling order %s: %w", brokerOrderID, err)
	}
	return nil
}

func (g *GatewayBroker) OrderStatus(ctx context.Context, brokerOrderID string) (Status, error) {
	var out gatewayOrder
	if err := g.doJSON(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, nil, &out); err != nil {
		var ge *gatewayError
		if errors.As(err, &ge) && ge.code == http.StatusNotFound {
			return Status{}, fmt.Errorf("order %s: %w", brokerOrderID, ErrUnknownOrder)
		}
		return Status{}, fmt.Errorf("fetching order status for %s: %w", brokerOrderID, err)
	}
	return out.toStatus(), nil
}

func (g *GatewayBroker) OpenOrders(ctx context.Context) ([]Status, error) {
	var out struct {
		Orders []gatewayOrder `json:"orders"`
	}
	if err := g.doJSON(ctx, http.MethodGet, "/v1/orders", url.Values{"open": {"true"}}, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}
	statuses := make([]Status, 0, len(out.Orders))
	for _, o := range out.Orders {
		statuses = append(statuses, o.toStatus())
	}
	return statuses, nil
}

func (g *GatewayBroker) Positions(ctx context.Context) ([]Position, error) {
	var out struct {
		Positions []struct {
			Account  string `json:"account"`
			Kind     string `json:"kind"`
			Symbol   string `json:"symbol"`
			Exchange string `json:"exchange"`
			Currency string `json:"currency"`
			Expiry   string `json:"expiry"`
			Qty      string `json:"qty"`
			AvgCost  string `json:"avgCost"`
		} `json:"positions"`
	}
	if err := g.doJSON(ctx, http.MethodGet, "/v1/positions", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	positions := make([]Position, 0, len(out.Positions))
	for _, p := range out.Positions {
		qty, _ := decimal.NewFromString(p.Qty)
		avgCost, _ := strconv.ParseFloat(p.AvgCost, 64)
		positions = append(positions, Position{
			Account: p.Account,
			Instrument: instrument.Instrument{
				Kind: p.Kind, Symbol: p.Symbol, Exchange: p.Exchange,
				Currency: p.Currency, Expiry: p.Expiry,
			}.Normalize(),
			Quantity: qty,
			AvgCost:  avgCost,
		})
	}
	return positions, nil
}

func (g *GatewayBroker) AccountSnapshot(ctx context.Context) (Account, error) {
	var out struct {
		Account   string            `json:"account"`
		Values    map[string]string `json:"values"`
		Timestamp int64             `json:"timestamp"`
	}
	if err := g.doJSON(ctx, http.MethodGet, "/v1/account", nil, nil, &out); err != nil {
		return Account{}, fmt.Errorf("fetching account snapshot: %w", err)
	}
	values := make(map[string]decimal.Decimal, len(out.Values))
	for tag, raw := range out.Values {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		values[tag] = v
	}
	return Account{
		Account:   out.Account,
		Values:    values,
		Timestamp: time.Unix(out.Timestamp, 0).UTC(),
	}, nil
}

func (g *GatewayBroker) Snapshot(ctx context.Context, inst instrument.Instrument) (Quote, error) {
	q := instrumentQuery(inst)
	var out struct {
		Bid       float64 `json:"bid"`
		Ask       float64 `json:"ask"`
		Last      float64 `json:"last"`
		Close     float64 `json:"close"`
		Volume    float64 `json:"volume"`
		Timestamp int64   `json:"timestamp"`
	}
	if err := g.doJSON(ctx, http.MethodGet, "/v1/snapshot", q, nil, &out); err != nil {
		return Quote{}, fmt.Errorf("fetching snapshot for %s: %w", inst, err)
	}
	return Quote{
		Instrument: inst,
		Bid:        out.Bid,
		Ask:        out.Ask,
		Last:       out.Last,
		Close:      out.Close,
		Volume:     out.Volume,
		Timestamp:  time.Unix(out.Timestamp, 0).UTC(),
	}, nil
}

func (g *GatewayBroker) HistoricalBars(ctx context.Context, inst instrument.Instrument, r BarRange) ([]Bar, error) {
	q := instrumentQuery(inst)
	q.Set("duration", r.Duration)
	q.Set("barSize", r.BarSize)
	q.Set("useRTH", strconv.FormatBool(r.UseRTH))
	if !r.End.IsZero() {
		q.Set("end", strconv.FormatInt(r.End.Unix(), 10))
	}
	var out struct {
		Bars []struct {
			Timestamp int64   `json:"timestamp"`
			Open      float64 `json:"open"`
			High      float64 `json:"high"`
			Low       float64 `json:"low"`
			Close     float64 `json:"close"`
			Volume    float64 `json:"volume"`
		} `json:"bars"`
	}
	if err := g.doJSON(ctx, http.MethodGet, "/v1/history", q, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching history for %s: %w", inst, err)
	}
	bars := make([]Bar, 0, len(out.Bars))
	for _, b := range out.Bars {
		bars = append(bars, Bar{
			Timestamp: time.Unix(b.Timestamp, 0).UTC(),
			Open:      b.Open, High: b.High, Low: b.Low, Close: b.Close,
			Volume: b.Volume,
		})
	}
	return bars, nil
}

// gatewayError carries the HTTP status so callers can tell a definitive
// not-found apart from transport trouble.
type gatewayError struct {
	code    int
	message string
}

func (e *gatewayError) Error() string { return e.message }

func instrumentQuery(inst instrument.Instrument) url.Values {
	q := url.Values{}
	q.Set("kind", inst.Kind)
	q.Set("symbol", inst.Symbol)
	if inst.Exchange != "" {
		q.Set("exchange", inst.Exchange)
	}
	if inst.Currency != "" {
		q.Set("currency", inst.Currency)
	}
	if inst.Expiry != "" {
		q.Set("expiry", inst.Expiry)
	}
	return q
}

func (g *GatewayBroker) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &gatewayError{code: resp.StatusCode, message: fmt.Sprintf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding gateway response: %w", err)
	}
	return nil
}
