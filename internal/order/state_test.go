package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateIsTerminal(t *testing.T) {
	terminal := []State{StateStaged, StateFilled, StateCancelled, StateRejected, StateExpired, StateUnknown}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	open := []State{StatePendingSubmit, StateSubmitted, StatePartiallyFilled, StatePendingCancel}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to State }{
		{StatePendingSubmit, StateSubmitted},
		{StateSubmitted, StatePartiallyFilled},
		{StatePartiallyFilled, StateSubmitted},
		{StateSubmitted, StateFilled},
		{StatePartiallyFilled, StateFilled},
		{StateSubmitted, StatePendingCancel},
		{StatePartiallyFilled, StatePendingCancel},
		{StatePendingCancel, StateCancelled},
		{StateSubmitted, StateCancelled},
		{StateSubmitted, StateRejected},
		{StatePendingSubmit, StateExpired},
		{StatePendingCancel, StateUnknown},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to State }{
		{StateFilled, StateSubmitted},
		{StateCancelled, StatePendingCancel},
		{StateRejected, StateSubmitted},
		{StateUnknown, StateSubmitted},
		{StateStaged, StateSubmitted},
		{StatePendingSubmit, StateFilled},
		{StatePendingSubmit, StatePartiallyFilled},
		{StateFilled, StateUnknown},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}
