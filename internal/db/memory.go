package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"papertrader/internal/audit"
)

// MemoryStorage is the in-process audit store used in tests and when no
// database connection string is configured. Same append-only semantics as
// the Postgres implementation.
type MemoryStorage struct {
	mu sync.RWMutex

	runs      map[int64]*audit.Run
	decisions []audit.Decision
	orders    []audit.Order
	events    []audit.StatusEvent
	errors    []audit.ErrorEvent

	nextRunID int64
	nextRowID int64
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		runs: make(map[int64]*audit.Run),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func (m *MemoryStorage) StartRun(_ context.Context, config map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRunID++
	id := m.nextRunID
	snapshot := make(map[string]any, len(config))
	for k, v := range config {
		snapshot[k] = v
	}
	m.runs[id] = &audit.Run{ID: id, Config: snapshot, StartedAt: time.Now().UTC()}
	return id, nil
}

func (m *MemoryStorage) EndRun(_ context.Context, runID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("unknown run id: %d", runID)
	}
	if run.EndedAt == nil {
		now := time.Now().UTC()
		run.EndedAt = &now
	}
	return nil
}

// Run returns a copy of the run row. Test helper, not part of Storage.
func (m *MemoryStorage) Run(runID int64) (audit.Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return audit.Run{}, false
	}
	return *run, true
}

func (m *MemoryStorage) LogDecision(_ context.Context, d audit.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRowID++
	d.ID = m.nextRowID
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *MemoryStorage) LogOrder(_ context.Context, o audit.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders {
		if existing.LocalID == o.LocalID {
			return fmt.Errorf("duplicate order local id: %s", o.LocalID)
		}
	}
	m.nextRowID++
	o.ID = m.nextRowID
	m.orders = append(m.orders, o)
	return nil
}

func (m *MemoryStorage) LogStatusEvent(_ context.Context, ev audit.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRowID++
	ev.ID = m.nextRowID
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStorage) LogError(_ context.Context, ev audit.ErrorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRowID++
	ev.ID = m.nextRowID
	m.errors = append(m.errors, ev)
	return nil
}

func (m *MemoryStorage) Decisions(_ context.Context, runID int64) ([]audit.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []audit.Decision
	for _, d := range m.decisions {
		if d.RunID == runID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryStorage) Orders(_ context.Context, runID int64) ([]audit.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []audit.Order
	for _, o := range m.orders {
		if o.RunID == runID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MemoryStorage) StatusEvents(_ context.Context, orderRef string) ([]audit.StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []audit.StatusEvent
	for _, ev := range m.events {
		if ev.OrderRef == orderRef {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStorage) Errors(_ context.Context, runID int64) ([]audit.ErrorEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []audit.ErrorEvent
	for _, ev := range m.errors {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

var _ Storage = (*MemoryStorage)(nil)
