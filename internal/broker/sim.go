package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrader/internal/instrument"
	"papertrader/internal/order"
	"papertrader/internal/utils"
)

// Compile-time interface check.
var _ Broker = (*SimBroker)(nil)

// SimBroker is a deterministic, in-memory broker for tests and local
// development. No network: market orders fill immediately, limit and stop
// orders rest until a status is injected. The session is always paper.
type SimBroker struct {
	mu            sync.RWMutex
	connected     bool
	statuses      map[string]Status
	intents       map[string]order.Intent
	quotes        map[instrument.Instrument]Quote
	bars          map[instrument.Instrument][]Bar
	positions     []Position
	account       string
	accountValues map[string]decimal.Decimal
}

func NewSimBroker() *SimBroker {
	return &SimBroker{
		statuses:      make(map[string]Status),
		intents:       make(map[string]order.Intent),
		quotes:        make(map[instrument.Instrument]Quote),
		bars:          make(map[instrument.Instrument][]Bar),
		account:       "DU0000000",
		accountValues: make(map[string]decimal.Decimal),
	}
}

func (b *SimBroker) Name() string { return "sim" }

func (b *SimBroker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *SimBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *SimBroker) IsPaperSession(_ context.Context) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return false, fmt.Errorf("sim broker is not connected")
	}
	return true, nil
}

// SetQuote seeds market data for an instrument.
func (b *SimBroker) SetQuote(q Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}
	b.quotes[q.Instrument] = q
}

// SetBars seeds historical bars for an instrument.
func (b *SimBroker) SetBars(inst instrument.Instrument, bars []Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bars[inst] = append([]Bar(nil), bars...)
}

// SetPositions seeds broker-reported positions.
func (b *SimBroker) SetPositions(positions []Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = append([]Position(nil), positions...)
}

// SetAccountValues seeds the account snapshot tags.
func (b *SimBroker) SetAccountValues(values map[string]decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accountValues = make(map[string]decimal.Decimal, len(values))
	for tag, v := range values {
		b.accountValues[tag] = v
	}
}

// InjectStatus overwrites the broker-side status of an order. Test hook for
// driving partial fills, rejections, and expiries.
func (b *SimBroker) InjectStatus(st Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[st.BrokerOrderID] = st
}

func (b *SimBroker) PlaceOrder(_ context.Context, in order.Intent) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return "", fmt.Errorf("sim broker is not connected")
	}

	id := "sim-" + uuid.NewString()
	st := Status{
		BrokerOrderID: id,
		Status:        StatusSubmitted,
		Instrument:    in.Instrument,
		Side:          in.Side,
		Quantity:      in.Quantity,
		Remaining:     in.Quantity,
	}
	if in.Type == order.TypeMarket {
		st.Status = StatusFilled
		st.Filled = in.Quantity
		st.Remaining = decimal.Zero
		if q, ok := b.quotes[in.Instrument]; ok {
			st.AvgFillPrice = decimal.NewFromFloat(q.Last)
		}
	}
	b.statuses[id] = st
	b.intents[id] = in
	utils.GetLogger().Printf("SimBroker | order %s: %s %s", id, in, st.Status)
	return id, nil
}

// PlaceBracketOrder registers the entry and both exits as resting orders.
// All three legs sit Submitted; exits do not fill or cancel each other here,
// statuses are driven by InjectStatus.
func (b *SimBroker) PlaceBracketOrder(_ context.Context, br order.Bracket) (BracketIDs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return BracketIDs{}, fmt.Errorf("sim broker is not connected")
	}

	register := func(in order.Intent) string {
		id := "sim-" + uuid.NewString()
		b.statuses[id] = Status{
			BrokerOrderID: id,
			Status:        StatusSubmitted,
			Instrument:    in.Instrument,
			Side:          in.Side,
			Quantity:      in.Quantity,
			Remaining:     in.Quantity,
		}
		b.intents[id] = in
		return id
	}
	ids := BracketIDs{
		Parent:     register(br.Entry()),
		TakeProfit: register(br.TakeProfit()),
		StopLoss:   register(br.StopLoss()),
	}
	utils.GetLogger().Printf("SimBroker | bracket %s: parent=%s tp=%s sl=%s", br, ids.Parent, ids.TakeProfit, ids.StopLoss)
	return ids, nil
}

func (b *SimBroker) ModifyOrder(_ context.Context, brokerOrderID string, in order.Intent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return fmt.Errorf("sim broker is not connected")
	}
	st, ok := b.statuses[brokerOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, brokerOrderID)
	}
	if !st.Open() {
		return fmt.Errorf("order %s is %s and cannot be modified", brokerOrderID, st.Status)
	}
	st.Quantity = in.Quantity
	st.Remaining = in.Quantity.Sub(st.Filled)
	st.Status = StatusSubmitted
	b.statuses[brokerOrderID] = st
	b.intents[brokerOrderID] = in
	return nil
}

func (b *SimBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return fmt.Errorf("sim broker is not connected")
	}
	st, ok := b.statuses[brokerOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, brokerOrderID)
	}
	if !st.Open() {
		// Cancelling a done order is a no-op, matching gateway behaviour.
		return nil
	}
	st.Status = StatusCancelled
	b.statuses[brokerOrderID] = st
	return nil
}

func (b *SimBroker) OrderStatus(_ context.Context, brokerOrderID string) (Status, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return Status{}, fmt.Errorf("sim broker is not connected")
	}
	st, ok := b.statuses[brokerOrderID]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownOrder, brokerOrderID)
	}
	return st, nil
}

func (b *SimBroker) OpenOrders(_ context.Context) ([]Status, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, fmt.Errorf("sim broker is not connected")
	}
	var open []Status
	for _, st := range b.statuses {
		if st.Open() {
			open = append(open, st)
		}
	}
	return open, nil
}

func (b *SimBroker) Positions(_ context.Context) ([]Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, fmt.Errorf("sim broker is not connected")
	}
	return append([]Position(nil), b.positions...), nil
}

func (b *SimBroker) AccountSnapshot(_ context.Context) (Account, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return Account{}, fmt.Errorf("sim broker is not connected")
	}
	values := make(map[string]decimal.Decimal, len(b.accountValues))
	for tag, v := range b.accountValues {
		values[tag] = v
	}
	return Account{Account: b.account, Values: values, Timestamp: time.Now().UTC()}, nil
}

func (b *SimBroker) Snapshot(_ context.Context, inst instrument.Instrument) (Quote, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return Quote{}, fmt.Errorf("sim broker is not connected")
	}
	q, ok := b.quotes[inst]
	if !ok {
		return Quote{}, fmt.Errorf("no market data set for %s", inst)
	}
	return q, nil
}

func (b *SimBroker) HistoricalBars(_ context.Context, inst instrument.Instrument, _ BarRange) ([]Bar, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, fmt.Errorf("sim broker is not connected")
	}
	return append([]Bar(nil), b.bars[inst]...), nil
}
