package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"papertrader/internal/audit"
	"papertrader/internal/db/conf"
	"papertrader/internal/order"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Default) StartRun(ctx context.Context, config map[string]any) (int64, error) {
	snapshot, err := json.Marshal(config)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal config snapshot: %w", err)
	}
	var id int64
	err = p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`INSERT INTO runs (config, started_at) VALUES ($1, $2) RETURNING id`,
			snapshot, time.Now().UTC()).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

func (p *Default) EndRun(ctx context.Context, runID int64) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE runs SET ended_at=$1 WHERE id=$2 AND ended_at IS NULL`,
			time.Now().UTC(), runID)
		if err != nil {
			return fmt.Errorf("failed to end run %d: %w", runID, err)
		}
		return nil
	})
}

func (p *Default) LogDecision(ctx context.Context, d audit.Decision) error {
	intent, err := json.Marshal(d.Intent)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO decisions (run_id, intent, verdict, reason, order_ref, decided_at) VALUES ($1,$2,$3,$4,$5,$6)`,
			d.RunID, intent, d.Verdict, d.Reason, d.OrderRef, d.DecidedAt)
		if err != nil {
			return fmt.Errorf("failed to log decision: %w", err)
		}
		return nil
	})
}

func (p *Default) LogOrder(ctx context.Context, o audit.Order) error {
	in := o.Intent
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (run_id, local_id, broker_id, kind, symbol, exchange, currency, expiry, side, qty, order_type, limit_price, stop_price, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			o.RunID, o.LocalID, o.BrokerID,
			in.Instrument.Kind, in.Instrument.Symbol, in.Instrument.Exchange, in.Instrument.Currency, in.Instrument.Expiry,
			in.Side, in.Quantity, in.Type, nullDecimal(in.LimitPrice), nullDecimal(in.StopPrice), o.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to log order %s: %w", o.LocalID, err)
		}
		return nil
	})
}

func (p *Default) LogStatusEvent(ctx context.Context, ev audit.StatusEvent) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_status_events (run_id, order_ref, state, broker_status, observed_at) VALUES ($1,$2,$3,$4,$5)`,
			ev.RunID, ev.OrderRef, string(ev.State), ev.BrokerStatus, ev.ObservedAt)
		if err != nil {
			return fmt.Errorf("failed to log status event for %s: %w", ev.OrderRef, err)
		}
		return nil
	})
}

func (p *Default) LogError(ctx context.Context, ev audit.ErrorEvent) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO errors (run_id, context, message, occurred_at) VALUES ($1,$2,$3,$4)`,
			ev.RunID, ev.Context, ev.Message, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("failed to log error event: %w", err)
		}
		return nil
	})
}

func (p *Default) Decisions(ctx context.Context, runID int64) ([]audit.Decision, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT id, run_id, intent, verdict, reason, order_ref, decided_at FROM decisions WHERE run_id=$1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var decisions []audit.Decision
	for rows.Next() {
		var d audit.Decision
		var intent []byte
		if err := rows.Scan(&d.ID, &d.RunID, &intent, &d.Verdict, &d.Reason, &d.OrderRef, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if err := json.Unmarshal(intent, &d.Intent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision intent: %w", err)
		}
		d.DecidedAt = d.DecidedAt.UTC()
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func (p *Default) Orders(ctx context.Context, runID int64) ([]audit.Order, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT id, run_id, local_id, broker_id, kind, symbol, exchange, currency, expiry, side, qty, order_type, limit_price, stop_price, created_at
		FROM orders WHERE run_id=$1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var orders []audit.Order
	for rows.Next() {
		var o audit.Order
		var limitPrice, stopPrice sql.NullString
		var qty string
		if err := rows.Scan(&o.ID, &o.RunID, &o.LocalID, &o.BrokerID,
			&o.Intent.Instrument.Kind, &o.Intent.Instrument.Symbol, &o.Intent.Instrument.Exchange,
			&o.Intent.Instrument.Currency, &o.Intent.Instrument.Expiry,
			&o.Intent.Side, &qty, &o.Intent.Type, &limitPrice, &stopPrice, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Intent.Kind = order.KindPlace
		o.Intent.Quantity, err = decimal.NewFromString(qty)
		if err != nil {
			return nil, fmt.Errorf("failed to parse order qty: %w", err)
		}
		if limitPrice.Valid {
			if o.Intent.LimitPrice, err = decimal.NewFromString(limitPrice.String); err != nil {
				return nil, fmt.Errorf("failed to parse limit price: %w", err)
			}
		}
		if stopPrice.Valid {
			if o.Intent.StopPrice, err = decimal.NewFromString(stopPrice.String); err != nil {
				return nil, fmt.Errorf("failed to parse stop price: %w", err)
			}
		}
		o.CreatedAt = o.CreatedAt.UTC()
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (p *Default) StatusEvents(ctx context.Context, orderRef string) ([]audit.StatusEvent, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT id, run_id, order_ref, state, broker_status, observed_at FROM order_status_events WHERE order_ref=$1 ORDER BY id ASC`, orderRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query status events: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var events []audit.StatusEvent
	for rows.Next() {
		var ev audit.StatusEvent
		var state string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.OrderRef, &state, &ev.BrokerStatus, &ev.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status event: %w", err)
		}
		ev.State = order.State(state)
		ev.ObservedAt = ev.ObservedAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (p *Default) Errors(ctx context.Context, runID int64) ([]audit.ErrorEvent, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT id, run_id, context, message, occurred_at FROM errors WHERE run_id=$1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var events []audit.ErrorEvent
	for rows.Next() {
		var ev audit.ErrorEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Context, &ev.Message, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan error event: %w", err)
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullDecimal(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d
}

var _ Storage = (*Default)(nil)
