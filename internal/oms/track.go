package oms

import (
	"context"
	"time"

	"papertrader/internal/ledger"
	"papertrader/internal/metrics"
	"papertrader/internal/utils"
)

// Track polls the broker until every tracked order is terminal, the timeout
// elapses, or the context is cancelled. Each observed transition is emitted
// on the returned channel after it has been applied to the ledger and
// audited. A zero timeout polls until cancellation.
func (m *Manager) Track(ctx context.Context, poll, timeout time.Duration) <-chan ledger.Record {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	out := make(chan ledger.Record)

	go func() {
		defer close(out)

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			openBefore := m.ledger.Open()
			if len(openBefore) == 0 {
				return
			}

			select {
			case <-ctx.Done():
				utils.GetLogger().Printf("OMS | tracking stopped: %v", ctx.Err())
				return
			case <-ticker.C:
			}

			for _, rec := range openBefore {
				if rec.BrokerOrderID == "" {
					continue
				}
				st, err := m.broker.OrderStatus(ctx, rec.BrokerOrderID)
				if err != nil {
					metrics.IncBrokerError("status")
					m.logError(ctx, "broker.status", err)
					continue
				}
				updated, err := m.applyStatus(ctx, rec.LocalID, st)
				if err != nil {
					continue
				}
				if updated.State != rec.State {
					select {
					case out <- updated:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out
}
