package oms

import (
	"context"
	"errors"
	"fmt"

	"papertrader/internal/broker"
	"papertrader/internal/metrics"
	"papertrader/internal/order"
	"papertrader/internal/utils"
)

// Reconciliation error context markers written to the audit trail when a
// local order cannot be matched to exactly one broker record.
const (
	NoBrokerRecord     = "reconcile.no_broker_record"
	MultipleCandidates = "reconcile.multiple_candidates"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Adopted  []string // local ids created for broker orders we did not know
	Bound    []string // unbound local orders matched to a broker order
	Updated  []string // local orders whose state advanced
	Unknown  []string // local orders moved to Unknown
	Examined int
}

// Reconcile aligns the ledger with the broker's view. It is idempotent: a
// second pass against an unchanged broker reports no adoptions or updates.
//
// Three disagreements are handled:
//   - the broker works an order the ledger has no record of: adopt it;
//   - a local order has no broker id (the send failed mid-flight): match it
//     against unclaimed broker orders by instrument, side, and quantity;
//   - a bound local order is missing from the broker's open set: look its
//     status up directly and fold the result in.
//
// A local order that cannot be resolved to exactly one broker record moves
// to Unknown and the ambiguity is recorded in the error log.
func (m *Manager) Reconcile(ctx context.Context) (Report, error) {
	var rep Report

	open, err := m.broker.OpenOrders(ctx)
	if err != nil {
		m.logError(ctx, "broker.open_orders", err)
		return rep, fmt.Errorf("failed to list open broker orders: %w", err)
	}

	claimed := make(map[string]bool, len(open)) // broker ids bound to a local order
	byBrokerID := make(map[string]broker.Status, len(open))
	for _, st := range open {
		byBrokerID[st.BrokerOrderID] = st
		if _, err := m.ledger.ByBrokerID(st.BrokerOrderID); err == nil {
			claimed[st.BrokerOrderID] = true
		}
	}

	// Pass 1: give unbound local orders a chance to claim a broker order
	// before anything is adopted.
	for _, rec := range m.ledger.Open() {
		if rec.BrokerOrderID != "" {
			continue
		}
		rep.Examined++

		var candidates []broker.Status
		for _, st := range open {
			if claimed[st.BrokerOrderID] {
				continue
			}
			if st.Instrument == rec.Intent.Instrument && st.Side == rec.Intent.Side && st.Quantity.Equal(rec.Intent.Quantity) {
				candidates = append(candidates, st)
			}
		}

		switch len(candidates) {
		case 1:
			st := candidates[0]
			if err := m.ledger.BindBrokerID(rec.LocalID, st.BrokerOrderID); err != nil {
				m.logError(ctx, "ledger.bind", err)
				continue
			}
			claimed[st.BrokerOrderID] = true
			rep.Bound = append(rep.Bound, rec.LocalID)
			if updated, err := m.applyStatus(ctx, rec.LocalID, st); err == nil && updated.State != rec.State {
				rep.Updated = append(rep.Updated, rec.LocalID)
			}
		case 0:
			m.logError(ctx, NoBrokerRecord, fmt.Errorf("order %s (%s) has no broker record", rec.LocalID, rec.Intent))
			m.markUnknown(ctx, rec.LocalID, &rep)
		default:
			m.logError(ctx, MultipleCandidates, fmt.Errorf("order %s (%s) matches %d broker orders", rec.LocalID, rec.Intent, len(candidates)))
			m.markUnknown(ctx, rec.LocalID, &rep)
		}
	}

	// Pass 2: fold broker state into bound local orders.
	for _, rec := range m.ledger.Open() {
		if rec.BrokerOrderID == "" {
			continue
		}
		rep.Examined++

		st, ok := byBrokerID[rec.BrokerOrderID]
		if !ok {
			// Not open at the broker: it finished or vanished. Ask directly.
			var err error
			st, err = m.broker.OrderStatus(ctx, rec.BrokerOrderID)
			if errors.Is(err, broker.ErrUnknownOrder) {
				m.logError(ctx, NoBrokerRecord, fmt.Errorf("order %s (broker %s): %w", rec.LocalID, rec.BrokerOrderID, err))
				m.markUnknown(ctx, rec.LocalID, &rep)
				continue
			}
			if err != nil {
				// Transport failure: the order keeps its last-known state and
				// the next pass tries again.
				metrics.IncBrokerError("status")
				m.logError(ctx, "reconcile.status", fmt.Errorf("order %s (broker %s): %w", rec.LocalID, rec.BrokerOrderID, err))
				continue
			}
		}
		updated, err := m.applyStatus(ctx, rec.LocalID, st)
		if err != nil {
			continue
		}
		if updated.State != rec.State {
			rep.Updated = append(rep.Updated, rec.LocalID)
		}
	}

	// Pass 3: adopt broker orders nobody claimed.
	for _, st := range open {
		if claimed[st.BrokerOrderID] {
			continue
		}
		if _, err := m.ledger.ByBrokerID(st.BrokerOrderID); err == nil {
			continue
		}
		state, mapped := stateForStatus(st)
		if !mapped {
			// Unmapped but still open at the broker: treat it as working.
			state = order.StateSubmitted
		}
		rec, err := m.ledger.Adopt(intentFromStatus(st), st.BrokerOrderID, state)
		if err != nil {
			m.logError(ctx, "ledger.adopt", err)
			continue
		}
		m.logStatusEvent(ctx, rec)
		rep.Adopted = append(rep.Adopted, rec.LocalID)
		utils.GetLogger().Printf("OMS | adopted broker order %s as %s", st.BrokerOrderID, rec.LocalID)
	}

	return rep, nil
}

func (m *Manager) markUnknown(ctx context.Context, localID string, rep *Report) {
	rec, changed, err := m.ledger.Apply(localID, order.StateUnknown, "")
	if err != nil {
		m.logError(ctx, "ledger.apply", err)
		return
	}
	if changed {
		m.logStatusEvent(ctx, rec)
		rep.Unknown = append(rep.Unknown, localID)
	}
}

// intentFromStatus reconstructs the minimal intent for an adopted order.
// Order type and prices are not reported in the open-orders listing, so the
// reconstruction stops at instrument, side, and quantity.
func intentFromStatus(st broker.Status) order.Intent {
	return order.Intent{
		Kind:       order.KindPlace,
		Instrument: st.Instrument,
		Side:       st.Side,
		Quantity:   st.Quantity,
	}
}
