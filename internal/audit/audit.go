// Package audit defines the append-only audit trail written by the order
// manager: one row per run, per gate decision, per order, per observed
// status change, and per surfaced error. Rows are never updated or deleted;
// closing a run's ended_at timestamp is the single exception.
package audit

import (
	"context"
	"time"

	"papertrader/internal/order"
)

// Decision verdicts as persisted. Staged is recorded as an accept with
// reason "dry-run": the intent passed the gates but was never sent.
const (
	VerdictAccept = "accept"
	VerdictReject = "reject"
)

// Run is one process invocation.
type Run struct {
	ID        int64
	Config    map[string]any // configuration snapshot
	StartedAt time.Time
	EndedAt   *time.Time
}

// Decision is the outcome of evaluating one intent.
type Decision struct {
	ID        int64
	RunID     int64
	Intent    order.Intent
	Verdict   string
	Reason    string
	OrderRef  string // local order id, empty when rejected
	DecidedAt time.Time
}

// Order is the immutable record of an order created by an accepted intent.
type Order struct {
	ID        int64
	RunID     int64
	LocalID   string
	BrokerID  string
	Intent    order.Intent
	CreatedAt time.Time
}

// StatusEvent is one observed lifecycle transition.
type StatusEvent struct {
	ID           int64
	RunID        int64
	OrderRef     string // local order id
	State        order.State
	BrokerStatus string
	ObservedAt   time.Time
}

// ErrorEvent is a surfaced failure: broker call errors, consistency
// violations, malformed decision-source payloads.
type ErrorEvent struct {
	ID         int64
	RunID      int64
	Context    string
	Message    string
	OccurredAt time.Time
}

// Auditor is the write model consumed by the order manager, plus the reads
// the CLI and tests need. Implementations must treat all writes as
// append-only.
type Auditor interface {
	StartRun(ctx context.Context, config map[string]any) (int64, error)
	EndRun(ctx context.Context, runID int64) error

	LogDecision(ctx context.Context, d Decision) error
	LogOrder(ctx context.Context, o Order) error
	LogStatusEvent(ctx context.Context, ev StatusEvent) error
	LogError(ctx context.Context, ev ErrorEvent) error

	Decisions(ctx context.Context, runID int64) ([]Decision, error)
	Orders(ctx context.Context, runID int64) ([]Order, error)
	StatusEvents(ctx context.Context, orderRef string) ([]StatusEvent, error)
	Errors(ctx context.Context, runID int64) ([]ErrorEvent, error)
}
