// Package ledger tracks every order the manager has created or adopted,
// together with its full lifecycle history. The ledger is the local source
// of truth; broker state is folded in through Apply and never overwrites
// history.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"papertrader/internal/order"
)

var (
	ErrNotFound        = fmt.Errorf("order not found in ledger")
	ErrBrokerIDRebound = fmt.Errorf("broker order id already bound")
)

// ConsistencyError reports an illegal lifecycle transition. The record is
// left unchanged; callers decide whether to surface or audit it.
type ConsistencyError struct {
	LocalID string
	From    order.State
	To      order.State
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("illegal transition for order %s: %s -> %s", e.LocalID, e.From, e.To)
}

// Transition is one applied state change.
type Transition struct {
	From         order.State
	To           order.State
	BrokerStatus string
	At           time.Time
}

// Record is one tracked order.
type Record struct {
	LocalID          string
	BrokerOrderID    string
	Intent           order.Intent
	State            order.State
	History          []Transition
	LastBrokerStatus string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (r Record) Terminal() bool { return r.State.IsTerminal() }

// Ledger is an in-memory, concurrency-safe order book keyed by local id,
// with a secondary index by broker order id.
type Ledger struct {
	mu       sync.RWMutex
	orders   map[string]*Record
	byBroker map[string]string // broker order id -> local id
}

func New() *Ledger {
	return &Ledger{
		orders:   make(map[string]*Record),
		byBroker: make(map[string]string),
	}
}

// Create registers a new order in PendingSubmit and returns its local id.
func (l *Ledger) Create(in order.Intent) Record {
	return l.create(in, order.StatePendingSubmit)
}

// CreateStaged registers an order that passed the gates under dry-run and
// was never sent. Staged is terminal.
func (l *Ledger) CreateStaged(in order.Intent) Record {
	return l.create(in, order.StateStaged)
}

func (l *Ledger) create(in order.Intent, initial order.State) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	rec := &Record{
		LocalID:   uuid.NewString(),
		Intent:    in,
		State:     initial,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.orders[rec.LocalID] = rec
	return *rec
}

// Adopt registers an order discovered at the broker that the ledger has no
// record of. It enters in the given state with the broker id already bound.
func (l *Ledger) Adopt(in order.Intent, brokerOrderID string, state order.State) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if localID, ok := l.byBroker[brokerOrderID]; ok {
		return Record{}, fmt.Errorf("broker order %s already tracked as %s", brokerOrderID, localID)
	}

	now := time.Now().UTC()
	rec := &Record{
		LocalID:       uuid.NewString(),
		BrokerOrderID: brokerOrderID,
		Intent:        in,
		State:         state,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	l.orders[rec.LocalID] = rec
	l.byBroker[brokerOrderID] = rec.LocalID
	return *rec, nil
}

// BindBrokerID attaches the broker-assigned id to an order. An id can be
// bound exactly once.
func (l *Ledger) BindBrokerID(localID, brokerOrderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.orders[localID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	if rec.BrokerOrderID != "" {
		if rec.BrokerOrderID == brokerOrderID {
			return nil
		}
		return fmt.Errorf("%w: order %s already bound to %s", ErrBrokerIDRebound, localID, rec.BrokerOrderID)
	}
	if other, ok := l.byBroker[brokerOrderID]; ok {
		return fmt.Errorf("broker order %s already tracked as %s", brokerOrderID, other)
	}
	rec.BrokerOrderID = brokerOrderID
	l.byBroker[brokerOrderID] = localID
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Apply moves an order to a new state, recording the transition. Applying
// the current state again is a no-op so that repeated reconciliation passes
// do not grow history. An illegal transition returns *ConsistencyError and
// leaves the record unchanged.
func (l *Ledger) Apply(localID string, to order.State, brokerStatus string) (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.orders[localID]
	if !ok {
		return Record{}, false, fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	if rec.State == to {
		if brokerStatus != "" {
			rec.LastBrokerStatus = brokerStatus
		}
		return copyRecord(rec), false, nil
	}
	if !order.CanTransition(rec.State, to) {
		return copyRecord(rec), false, &ConsistencyError{LocalID: localID, From: rec.State, To: to}
	}

	now := time.Now().UTC()
	rec.History = append(rec.History, Transition{
		From:         rec.State,
		To:           to,
		BrokerStatus: brokerStatus,
		At:           now,
	})
	rec.State = to
	if brokerStatus != "" {
		rec.LastBrokerStatus = brokerStatus
	}
	rec.UpdatedAt = now
	return copyRecord(rec), true, nil
}

// Get returns a copy of the record for a local id.
func (l *Ledger) Get(localID string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.orders[localID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	return copyRecord(rec), nil
}

// ByBrokerID returns a copy of the record bound to a broker order id.
func (l *Ledger) ByBrokerID(brokerOrderID string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	localID, ok := l.byBroker[brokerOrderID]
	if !ok {
		return Record{}, fmt.Errorf("%w: broker id %s", ErrNotFound, brokerOrderID)
	}
	return copyRecord(l.orders[localID]), nil
}

// Open returns copies of all orders in a non-terminal state.
func (l *Ledger) Open() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, rec := range l.orders {
		if !rec.State.IsTerminal() {
			out = append(out, copyRecord(rec))
		}
	}
	return out
}

// All returns copies of every tracked order.
func (l *Ledger) All() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, len(l.orders))
	for _, rec := range l.orders {
		out = append(out, copyRecord(rec))
	}
	return out
}

func copyRecord(rec *Record) Record {
	out := *rec
	out.History = make([]Transition, len(rec.History))
	copy(out.History, rec.History)
	return out
}
