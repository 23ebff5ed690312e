// Package gate implements the pre-broker safety checks. Every intent passes
// through Evaluate before it may reach a broker adapter; the first failing
// check wins and the engine fails closed.
package gate

import (
	"fmt"

	"github.com/shopspring/decimal"

	"papertrader/internal/instrument"
	"papertrader/internal/order"
)

// Rejection reason codes.
type Reason string

const (
	PaperCheckFailed Reason = "PaperCheckFailed"
	LiveDisabled     Reason = "LiveDisabled"
	TokenMismatch    Reason = "TokenMismatch"
	NotAllowlisted   Reason = "NotAllowlisted"
	TickCapExceeded  Reason = "TickCapExceeded"
	QtyCapExceeded   Reason = "QtyCapExceeded"
)

// Outcome of an evaluation. Staged is not a rejection: the intent is fully
// processed and audited but never sent.
type Outcome string

const (
	Accept Outcome = "accept"
	Stage  Outcome = "stage"
	Reject Outcome = "reject"
)

// Verdict is the result of evaluating one intent.
type Verdict struct {
	Outcome Outcome
	Reason  Reason
	Detail  string
}

// Rejection is the error surfaced to callers when a gate blocks an intent.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("gate rejection: %s", r.Reason)
	}
	return fmt.Sprintf("gate rejection: %s (%s)", r.Reason, r.Detail)
}

// Policy is the immutable gate configuration, captured at construction.
// There is no ambient global; callers inject it.
type Policy struct {
	LiveEnabled bool
	DryRun      bool
	OrderToken  string

	// Caps for automated (strategy/LLM) proposers.
	AllowedInstruments []instrument.Instrument
	MaxIntentsPerTick  int
	MaxOrderQty        decimal.Decimal
}

// Context carries the per-call facts the engine cannot know on its own.
type Context struct {
	// PaperSession is asserted by the broker adapter for the active session.
	PaperSession bool
	// ConfirmToken is the token supplied with this run.
	ConfirmToken string
	// TickAccepted is the number of automated intents already accepted in
	// the current tick.
	TickAccepted int
}

// Engine evaluates intents against a fixed policy. It is a pure function of
// intent and context: no side effects, no broker calls.
type Engine struct {
	policy Policy
}

func New(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// Evaluate applies the checks in order; the first failure wins.
func (e *Engine) Evaluate(in order.Intent, gctx Context) Verdict {
	// The paper-session check is never bypassable, not even by dry-run.
	if !gctx.PaperSession {
		return Verdict{Outcome: Reject, Reason: PaperCheckFailed, Detail: "active broker session is not a paper account"}
	}

	if e.policy.DryRun {
		return Verdict{Outcome: Stage, Detail: "dry-run"}
	}

	if !e.policy.LiveEnabled {
		return Verdict{Outcome: Reject, Reason: LiveDisabled, Detail: "broker sends are disabled; set live-enabled to allow them"}
	}

	if e.policy.OrderToken == "" || gctx.ConfirmToken != e.policy.OrderToken {
		return Verdict{Outcome: Reject, Reason: TokenMismatch, Detail: "confirm token does not match the configured order token"}
	}

	if in.Source != order.SourceManual {
		if v, ok := e.checkProposerCaps(in, gctx); !ok {
			return v
		}
	}

	return Verdict{Outcome: Accept}
}

func (e *Engine) checkProposerCaps(in order.Intent, gctx Context) (Verdict, bool) {
	// A cancel releases exposure; only the tick cap bounds it.
	if in.Kind != order.KindCancel && !e.allowlisted(in.Instrument) {
		return Verdict{Outcome: Reject, Reason: NotAllowlisted, Detail: fmt.Sprintf("instrument not allowlisted: %s", in.Instrument)}, false
	}
	if e.policy.MaxIntentsPerTick > 0 && gctx.TickAccepted >= e.policy.MaxIntentsPerTick {
		return Verdict{Outcome: Reject, Reason: TickCapExceeded, Detail: fmt.Sprintf("per-tick intent cap %d reached", e.policy.MaxIntentsPerTick)}, false
	}
	if in.Kind != order.KindCancel && e.policy.MaxOrderQty.IsPositive() && in.Quantity.GreaterThan(e.policy.MaxOrderQty) {
		return Verdict{Outcome: Reject, Reason: QtyCapExceeded, Detail: fmt.Sprintf("quantity %s exceeds cap %s", in.Quantity, e.policy.MaxOrderQty)}, false
	}
	return Verdict{}, true
}

func (e *Engine) allowlisted(inst instrument.Instrument) bool {
	for _, allowed := range e.policy.AllowedInstruments {
		a := allowed.Normalize()
		if a.Kind != inst.Kind || a.Symbol != inst.Symbol {
			continue
		}
		// Entries without an expiry admit any contract of that kind/symbol.
		if a.Expiry == "" || a.Expiry == inst.Expiry {
			return true
		}
	}
	return false
}
