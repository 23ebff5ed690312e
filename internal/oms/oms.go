// Package oms is the order manager: the single choke point between intent
// producers (CLI, strategies, the LLM loop) and the broker adapter. Every
// intent is validated, gated, audited, and only then sent; every observed
// status change lands in the ledger and the audit trail.
package oms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"papertrader/internal/audit"
	"papertrader/internal/broker"
	"papertrader/internal/gate"
	"papertrader/internal/ledger"
	"papertrader/internal/metrics"
	"papertrader/internal/notifier"
	"papertrader/internal/order"
	"papertrader/internal/utils"
)

// Manager coordinates gates, ledger, broker, and audit trail for one run.
type Manager struct {
	broker   broker.Broker
	engine   *gate.Engine
	ledger   *ledger.Ledger
	auditor  audit.Auditor
	notifier notifier.Notifier

	runID        int64
	confirmToken string
	paper        bool

	mu           sync.Mutex // guards tickAccepted
	tickAccepted int
}

// New builds a manager. The paper-session check is performed once here; a
// broker whose session flips from paper to live mid-run is out of scope.
func New(ctx context.Context, b broker.Broker, e *gate.Engine, a audit.Auditor, n notifier.Notifier, runID int64, confirmToken string) (*Manager, error) {
	paper, err := b.IsPaperSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to determine session type: %w", err)
	}
	if n == nil {
		n = notifier.Noop{}
	}
	return &Manager{
		broker:       b,
		engine:       e,
		ledger:       ledger.New(),
		auditor:      a,
		notifier:     n,
		runID:        runID,
		confirmToken: confirmToken,
		paper:        paper,
	}, nil
}

// Ledger exposes the manager's order book for read access.
func (m *Manager) Ledger() *ledger.Ledger { return m.ledger }

// ResetTick clears the per-tick accepted-intent counter. Strategy and LLM
// loops call it at the start of each decision cycle.
func (m *Manager) ResetTick() {
	m.mu.Lock()
	m.tickAccepted = 0
	m.mu.Unlock()
}

func (m *Manager) gateContext() gate.Context {
	m.mu.Lock()
	accepted := m.tickAccepted
	m.mu.Unlock()
	return gate.Context{
		PaperSession: m.paper,
		ConfirmToken: m.confirmToken,
		TickAccepted: accepted,
	}
}

func (m *Manager) noteAccepted(in order.Intent) {
	if in.Source == order.SourceManual {
		return
	}
	m.mu.Lock()
	m.tickAccepted++
	m.mu.Unlock()
}

func (m *Manager) logDecision(ctx context.Context, in order.Intent, v gate.Verdict, orderRef string) error {
	d := audit.Decision{
		RunID:     m.runID,
		Intent:    in,
		OrderRef:  orderRef,
		DecidedAt: time.Now().UTC(),
	}
	switch v.Outcome {
	case gate.Reject:
		d.Verdict = audit.VerdictReject
		d.Reason = string(v.Reason)
	case gate.Stage:
		d.Verdict = audit.VerdictAccept
		d.Reason = "dry-run"
	default:
		d.Verdict = audit.VerdictAccept
	}
	return m.auditor.LogDecision(ctx, d)
}

func (m *Manager) logError(ctx context.Context, where string, err error) {
	utils.GetLogger().Printf("OMS | %s: %v", where, err)
	if auditErr := m.auditor.LogError(ctx, audit.ErrorEvent{
		RunID:      m.runID,
		Context:    where,
		Message:    err.Error(),
		OccurredAt: time.Now().UTC(),
	}); auditErr != nil {
		utils.GetLogger().Printf("OMS | failed to audit error from %s: %v", where, auditErr)
	}
}

func (m *Manager) logStatusEvent(ctx context.Context, rec ledger.Record) {
	if err := m.auditor.LogStatusEvent(ctx, audit.StatusEvent{
		RunID:        m.runID,
		OrderRef:     rec.LocalID,
		State:        rec.State,
		BrokerStatus: rec.LastBrokerStatus,
		ObservedAt:   time.Now().UTC(),
	}); err != nil {
		utils.GetLogger().Printf("OMS | failed to audit status event for %s: %v", rec.LocalID, err)
	}
	metrics.SetOpenOrders(len(m.ledger.Open()))
}

// AuditProtocolError records a malformed decision-source payload. Malformed
// payloads produce zero intents and one error row, never a crash.
func (m *Manager) AuditProtocolError(ctx context.Context, msg string) {
	m.logError(ctx, "llm.protocol", fmt.Errorf("%s", msg))
}

// Submit runs a PLACE intent through validation and the gates and, when
// accepted, sends it to the broker. The returned record is the ledger entry
// for the intent: Staged under dry-run, PendingSubmit when the broker send
// failed, Submitted on success. A gate block returns *gate.Rejection.
func (m *Manager) Submit(ctx context.Context, in order.Intent) (ledger.Record, error) {
	in, err := in.Validate()
	if err != nil {
		return ledger.Record{}, err
	}
	if in.Kind != order.KindPlace {
		return ledger.Record{}, fmt.Errorf("submit accepts PLACE intents only, got %s", in.Kind)
	}

	v := m.engine.Evaluate(in, m.gateContext())
	metrics.IncIntent(string(v.Outcome))

	if v.Outcome == gate.Reject {
		metrics.IncGateRejection(string(v.Reason))
		if err := m.logDecision(ctx, in, v, ""); err != nil {
			return ledger.Record{}, fmt.Errorf("failed to audit decision: %w", err)
		}
		return ledger.Record{}, &gate.Rejection{Reason: v.Reason, Detail: v.Detail}
	}

	if v.Outcome == gate.Stage {
		rec := m.ledger.CreateStaged(in)
		if err := m.logDecision(ctx, in, v, rec.LocalID); err != nil {
			return ledger.Record{}, fmt.Errorf("failed to audit decision: %w", err)
		}
		if err := m.auditor.LogOrder(ctx, audit.Order{
			RunID:     m.runID,
			LocalID:   rec.LocalID,
			Intent:    in,
			CreatedAt: rec.CreatedAt,
		}); err != nil {
			return ledger.Record{}, fmt.Errorf("failed to audit order: %w", err)
		}
		utils.GetLogger().Printf("OMS | staged %s as %s (dry-run)", in, rec.LocalID)
		return rec, nil
	}

	rec := m.ledger.Create(in)
	if err := m.logDecision(ctx, in, v, rec.LocalID); err != nil {
		return ledger.Record{}, fmt.Errorf("failed to audit decision: %w", err)
	}
	if err := m.auditor.LogOrder(ctx, audit.Order{
		RunID:     m.runID,
		LocalID:   rec.LocalID,
		Intent:    in,
		CreatedAt: rec.CreatedAt,
	}); err != nil {
		return ledger.Record{}, fmt.Errorf("failed to audit order: %w", err)
	}
	m.noteAccepted(in)

	brokerID, err := m.broker.PlaceOrder(ctx, in)
	if err != nil {
		metrics.IncBrokerError("place")
		m.logError(ctx, "broker.place", err)
		// The order stays in PendingSubmit; reconciliation decides its fate.
		return rec, fmt.Errorf("broker rejected place for %s: %w", rec.LocalID, err)
	}
	metrics.IncOrderPlaced(in.Side)

	if err := m.ledger.BindBrokerID(rec.LocalID, brokerID); err != nil {
		m.logError(ctx, "ledger.bind", err)
		return rec, err
	}
	rec, _, err = m.ledger.Apply(rec.LocalID, order.StateSubmitted, broker.StatusSubmitted)
	if err != nil {
		m.logError(ctx, "ledger.apply", err)
		return rec, err
	}
	m.logStatusEvent(ctx, rec)
	utils.GetLogger().Printf("OMS | submitted %s as %s (broker %s)", in, rec.LocalID, brokerID)
	return rec, nil
}

// BracketRecords groups the ledger entries of one bracket's three legs.
type BracketRecords struct {
	Entry      ledger.Record
	TakeProfit ledger.Record
	StopLoss   ledger.Record
}

func (b *BracketRecords) legs() []*ledger.Record {
	return []*ledger.Record{&b.Entry, &b.TakeProfit, &b.StopLoss}
}

// SubmitBracket gates and places a bracket: a limit entry with attached
// take-profit and cut-loss exits. The bracket is one gated action, evaluated
// on its entry leg; all three legs share the verdict. On success each leg
// gets its own ledger record and is tracked like any other order.
func (m *Manager) SubmitBracket(ctx context.Context, br order.Bracket) (BracketRecords, error) {
	br, err := br.Validate()
	if err != nil {
		return BracketRecords{}, err
	}
	entry := br.Entry()

	v := m.engine.Evaluate(entry, m.gateContext())
	metrics.IncIntent(string(v.Outcome))

	if v.Outcome == gate.Reject {
		metrics.IncGateRejection(string(v.Reason))
		if err := m.logDecision(ctx, entry, v, ""); err != nil {
			return BracketRecords{}, fmt.Errorf("failed to audit decision: %w", err)
		}
		return BracketRecords{}, &gate.Rejection{Reason: v.Reason, Detail: v.Detail}
	}

	intents := []order.Intent{entry, br.TakeProfit(), br.StopLoss()}

	if v.Outcome == gate.Stage {
		var recs BracketRecords
		for i, leg := range recs.legs() {
			*leg = m.ledger.CreateStaged(intents[i])
		}
		if err := m.logDecision(ctx, entry, v, recs.Entry.LocalID); err != nil {
			return BracketRecords{}, fmt.Errorf("failed to audit decision: %w", err)
		}
		for i, leg := range recs.legs() {
			if err := m.auditor.LogOrder(ctx, audit.Order{
				RunID:     m.runID,
				LocalID:   leg.LocalID,
				Intent:    intents[i],
				CreatedAt: leg.CreatedAt,
			}); err != nil {
				return BracketRecords{}, fmt.Errorf("failed to audit order: %w", err)
			}
		}
		utils.GetLogger().Printf("OMS | staged %s as %s (dry-run)", br, recs.Entry.LocalID)
		return recs, nil
	}

	var recs BracketRecords
	for i, leg := range recs.legs() {
		*leg = m.ledger.Create(intents[i])
	}
	if err := m.logDecision(ctx, entry, v, recs.Entry.LocalID); err != nil {
		return BracketRecords{}, fmt.Errorf("failed to audit decision: %w", err)
	}
	for i, leg := range recs.legs() {
		if err := m.auditor.LogOrder(ctx, audit.Order{
			RunID:     m.runID,
			LocalID:   leg.LocalID,
			Intent:    intents[i],
			CreatedAt: leg.CreatedAt,
		}); err != nil {
			return BracketRecords{}, fmt.Errorf("failed to audit order: %w", err)
		}
	}
	m.noteAccepted(entry)

	ids, err := m.broker.PlaceBracketOrder(ctx, br)
	if err != nil {
		metrics.IncBrokerError("place")
		m.logError(ctx, "broker.place_bracket", err)
		// The legs stay in PendingSubmit; reconciliation decides their fate.
		return recs, fmt.Errorf("broker rejected bracket for %s: %w", recs.Entry.LocalID, err)
	}
	metrics.IncOrderPlaced(entry.Side)

	brokerIDs := []string{ids.Parent, ids.TakeProfit, ids.StopLoss}
	for i, leg := range recs.legs() {
		if err := m.ledger.BindBrokerID(leg.LocalID, brokerIDs[i]); err != nil {
			m.logError(ctx, "ledger.bind", err)
			return recs, err
		}
		rec, _, err := m.ledger.Apply(leg.LocalID, order.StateSubmitted, broker.StatusSubmitted)
		if err != nil {
			m.logError(ctx, "ledger.apply", err)
			return recs, err
		}
		*leg = rec
		m.logStatusEvent(ctx, rec)
	}
	utils.GetLogger().Printf("OMS | submitted %s as %s (broker parent %s)", br, recs.Entry.LocalID, ids.Parent)
	return recs, nil
}

// resolve accepts either a local id or a broker order id.
func (m *Manager) resolve(ref string) (ledger.Record, error) {
	if rec, err := m.ledger.Get(ref); err == nil {
		return rec, nil
	}
	return m.ledger.ByBrokerID(ref)
}

// Modify re-gates a MODIFY intent and forwards it to the broker. The order
// keeps its lifecycle state; only its working parameters change.
func (m *Manager) Modify(ctx context.Context, ref string, in order.Intent) (ledger.Record, error) {
	rec, err := m.resolve(ref)
	if err != nil {
		return ledger.Record{}, err
	}
	if rec.Terminal() {
		return rec, fmt.Errorf("order %s is %s and cannot be modified", rec.LocalID, rec.State)
	}
	if rec.BrokerOrderID == "" {
		return rec, fmt.Errorf("order %s has no broker id yet; reconcile first", rec.LocalID)
	}

	in.Kind = order.KindModify
	in.BrokerOrderID = rec.BrokerOrderID
	in, err = in.Validate()
	if err != nil {
		return rec, err
	}

	v := m.engine.Evaluate(in, m.gateContext())
	metrics.IncIntent(string(v.Outcome))
	if v.Outcome == gate.Reject {
		metrics.IncGateRejection(string(v.Reason))
		if err := m.logDecision(ctx, in, v, ""); err != nil {
			return rec, fmt.Errorf("failed to audit decision: %w", err)
		}
		return rec, &gate.Rejection{Reason: v.Reason, Detail: v.Detail}
	}
	if err := m.logDecision(ctx, in, v, rec.LocalID); err != nil {
		return rec, fmt.Errorf("failed to audit decision: %w", err)
	}
	if v.Outcome == gate.Stage {
		utils.GetLogger().Printf("OMS | modify of %s staged (dry-run)", rec.LocalID)
		return rec, nil
	}
	m.noteAccepted(in)

	if err := m.broker.ModifyOrder(ctx, rec.BrokerOrderID, in); err != nil {
		metrics.IncBrokerError("modify")
		m.logError(ctx, "broker.modify", err)
		return rec, fmt.Errorf("broker rejected modify for %s: %w", rec.LocalID, err)
	}
	utils.GetLogger().Printf("OMS | modified %s (broker %s)", rec.LocalID, rec.BrokerOrderID)
	return m.ledger.Get(rec.LocalID)
}

// Cancel re-gates a cancel and forwards it, moving the order to
// PendingCancel until the broker confirms.
func (m *Manager) Cancel(ctx context.Context, ref, source string) (ledger.Record, error) {
	rec, err := m.resolve(ref)
	if err != nil {
		return ledger.Record{}, err
	}
	if rec.Terminal() {
		return rec, fmt.Errorf("order %s is %s and cannot be cancelled", rec.LocalID, rec.State)
	}
	if rec.BrokerOrderID == "" {
		return rec, fmt.Errorf("order %s has no broker id yet; reconcile first", rec.LocalID)
	}

	in := order.Intent{Kind: order.KindCancel, BrokerOrderID: rec.BrokerOrderID, Source: source}
	in, err = in.Validate()
	if err != nil {
		return rec, err
	}

	v := m.engine.Evaluate(in, m.gateContext())
	metrics.IncIntent(string(v.Outcome))
	if v.Outcome == gate.Reject {
		metrics.IncGateRejection(string(v.Reason))
		if err := m.logDecision(ctx, in, v, ""); err != nil {
			return rec, fmt.Errorf("failed to audit decision: %w", err)
		}
		return rec, &gate.Rejection{Reason: v.Reason, Detail: v.Detail}
	}
	if err := m.logDecision(ctx, in, v, rec.LocalID); err != nil {
		return rec, fmt.Errorf("failed to audit decision: %w", err)
	}
	if v.Outcome == gate.Stage {
		utils.GetLogger().Printf("OMS | cancel of %s staged (dry-run)", rec.LocalID)
		return rec, nil
	}
	m.noteAccepted(in)

	if err := m.broker.CancelOrder(ctx, rec.BrokerOrderID); err != nil {
		metrics.IncBrokerError("cancel")
		m.logError(ctx, "broker.cancel", err)
		return rec, fmt.Errorf("broker rejected cancel for %s: %w", rec.LocalID, err)
	}
	rec, changed, err := m.ledger.Apply(rec.LocalID, order.StatePendingCancel, broker.StatusPendingCancel)
	if err != nil {
		m.logError(ctx, "ledger.apply", err)
		return rec, err
	}
	if changed {
		m.logStatusEvent(ctx, rec)
	}
	utils.GetLogger().Printf("OMS | cancel requested for %s (broker %s)", rec.LocalID, rec.BrokerOrderID)
	return rec, nil
}

// Status refreshes one order from the broker and returns the ledger record.
func (m *Manager) Status(ctx context.Context, ref string) (ledger.Record, error) {
	rec, err := m.resolve(ref)
	if err != nil {
		return ledger.Record{}, err
	}
	if rec.Terminal() || rec.BrokerOrderID == "" {
		return rec, nil
	}

	st, err := m.broker.OrderStatus(ctx, rec.BrokerOrderID)
	if err != nil {
		metrics.IncBrokerError("status")
		return rec, fmt.Errorf("broker status lookup for %s failed: %w", rec.LocalID, err)
	}
	return m.applyStatus(ctx, rec.LocalID, st)
}

// applyStatus folds one broker status into the ledger and audits the
// transition when the state actually changed. A status outside the known
// vocabulary leaves the state alone: only the raw broker status is recorded,
// plus an errors row, so the order stays workable until a mapped report or a
// reconciliation pass settles it.
func (m *Manager) applyStatus(ctx context.Context, localID string, st broker.Status) (ledger.Record, error) {
	to, ok := stateForStatus(st)
	if !ok {
		cur, err := m.ledger.Get(localID)
		if err != nil {
			return ledger.Record{}, err
		}
		m.logError(ctx, "broker.status.unmapped", fmt.Errorf("order %s: unmapped broker status %q", localID, st.Status))
		rec, _, err := m.ledger.Apply(localID, cur.State, st.Status)
		if err != nil {
			m.logError(ctx, "ledger.apply", err)
		}
		return rec, err
	}
	rec, changed, err := m.ledger.Apply(localID, to, st.Status)
	if err != nil {
		m.logError(ctx, "ledger.apply", err)
		return rec, err
	}
	if changed {
		m.logStatusEvent(ctx, rec)
		if to == order.StateFilled {
			metrics.IncFills()
			if err := m.notifier.SendWithRetry(fmt.Sprintf("Order filled: %s %s", rec.Intent, rec.BrokerOrderID)); err != nil {
				utils.GetLogger().Printf("OMS | fill notification failed: %v", err)
			}
		}
	}
	return rec, nil
}

// stateForStatus maps the broker status vocabulary onto lifecycle states.
// The second return is false for statuses outside the vocabulary; Unknown is
// never derived from a status string, it is assigned by reconciliation alone.
func stateForStatus(st broker.Status) (order.State, bool) {
	switch st.Status {
	case broker.StatusFilled:
		return order.StateFilled, true
	case broker.StatusCancelled:
		return order.StateCancelled, true
	case broker.StatusInactive:
		return order.StateRejected, true
	case broker.StatusExpired:
		return order.StateExpired, true
	case broker.StatusPendingCancel:
		return order.StatePendingCancel, true
	case broker.StatusPendingSubmit, broker.StatusPreSubmitted, broker.StatusSubmitted:
		if st.Filled.IsPositive() && st.Remaining.IsPositive() {
			return order.StatePartiallyFilled, true
		}
		return order.StateSubmitted, true
	default:
		return "", false
	}
}
