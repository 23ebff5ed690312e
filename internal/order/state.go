package order

// State tracks an order through its lifecycle.
type State string

const (
	StateStaged          State = "Staged" // dry-run only, never sent
	StatePendingSubmit   State = "PendingSubmit"
	StateSubmitted       State = "Submitted"
	StatePartiallyFilled State = "PartiallyFilled"
	StateFilled          State = "Filled"
	StatePendingCancel   State = "PendingCancel"
	StateCancelled       State = "Cancelled"
	StateRejected        State = "Rejected"
	StateExpired         State = "Expired"
	StateUnknown         State = "Unknown" // reconciliation could not determine the true state
)

// IsTerminal reports whether no further transition is legal from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateStaged, StateFilled, StateCancelled, StateRejected, StateExpired, StateUnknown:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
// Self-transitions are not transitions at all and are handled by the caller;
// terminal states admit nothing.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StateSubmitted:
		return from == StatePendingSubmit || from == StatePartiallyFilled
	case StatePartiallyFilled:
		return from == StateSubmitted
	case StateFilled:
		return from == StateSubmitted || from == StatePartiallyFilled
	case StatePendingCancel:
		return from == StateSubmitted || from == StatePartiallyFilled
	case StateCancelled:
		return from == StateSubmitted || from == StatePartiallyFilled || from == StatePendingCancel
	case StateRejected, StateExpired, StateUnknown:
		return true
	}
	return false
}
