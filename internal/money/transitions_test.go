package money

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hustlex/backend/internal/hxerr"
)

func TestNextState(t *testing.T) {
	cases := []struct {
		from  State
		event EventType
		want  State
		err   *hxerr.Error
	}{
		{StateInitial, EventHoldEscrow, StateHeld, nil},
		{StateHeld, EventReleasePayout, StateReleased, nil},
		{StateHeld, EventRefundEscrow, StateRefunded, nil},
		{StateHeld, EventDisputeOpen, StatePendingDispute, nil},
		{StatePendingDispute, EventResolveRefund, StateRefunded, nil},
		{StatePendingDispute, EventResolveUphold, StateUpheld, nil},
		{StateReleased, EventForceRefund, StateRefunded, nil},

		{StateInitial, EventReleasePayout, "", hxerr.ErrInvalidTransition},
		{StateHeld, EventHoldEscrow, "", hxerr.ErrInvalidTransition},
		{StatePendingDispute, EventReleasePayout, "", hxerr.ErrInvalidTransition},
		{StateReleased, EventReleasePayout, "", hxerr.ErrTerminalState},
		{StateReleased, EventHoldEscrow, "", hxerr.ErrTerminalState},
		{StateRefunded, EventHoldEscrow, "", hxerr.ErrTerminalState},
		{StateUpheld, EventForceRefund, "", hxerr.ErrTerminalState},
		{StatePartialRefund, EventReleasePayout, "", hxerr.ErrTerminalState},
	}

	for _, tc := range cases {
		got, err := NextState(tc.from, tc.event)
		if tc.err != nil {
			assert.True(t, hxerr.Is(err, tc.err), "%s + %s: got %v", tc.from, tc.event, err)
			continue
		}
		assert.NoError(t, err, "%s + %s", tc.from, tc.event)
		assert.Equal(t, tc.want, got)
	}
}

func TestAllowedEvents(t *testing.T) {
	assert.ElementsMatch(t, []EventType{EventHoldEscrow}, AllowedEvents(StateInitial))
	assert.ElementsMatch(t,
		[]EventType{EventReleasePayout, EventRefundEscrow, EventDisputeOpen},
		AllowedEvents(StateHeld))
	assert.Empty(t, AllowedEvents(StateRefunded))
}

func TestCheckAuthorization(t *testing.T) {
	lock := &StateLock{TaskID: "t1", PosterID: "p1", HustlerID: "h1"}

	assert.NoError(t, checkAuthorization(lock, EventHoldEscrow, TransitionContext{Role: RolePoster}))
	assert.NoError(t, checkAuthorization(lock, EventHoldEscrow, TransitionContext{Role: RoleSystem}))
	assert.Error(t, checkAuthorization(lock, EventHoldEscrow, TransitionContext{Role: RoleHustler}))

	assert.NoError(t, checkAuthorization(lock, EventReleasePayout, TransitionContext{Role: RolePoster, ActorID: "p1"}))
	assert.NoError(t, checkAuthorization(lock, EventReleasePayout, TransitionContext{Role: RoleAdmin, ActorID: "a1"}))
	assert.Error(t, checkAuthorization(lock, EventReleasePayout, TransitionContext{Role: RolePoster, ActorID: "p2"}))
	assert.Error(t, checkAuthorization(lock, EventReleasePayout, TransitionContext{Role: RoleHustler, ActorID: "h1"}))

	// Hustlers and posters may open disputes; strangers may not.
	assert.NoError(t, checkAuthorization(lock, EventDisputeOpen, TransitionContext{Role: RoleHustler, ActorID: "h1"}))
	assert.NoError(t, checkAuthorization(lock, EventDisputeOpen, TransitionContext{Role: RolePoster, ActorID: "p1"}))
	assert.Error(t, checkAuthorization(lock, EventDisputeOpen, TransitionContext{Role: RoleHustler, ActorID: "h2"}))

	// Admin-only events reject parties even with the admin role.
	for _, ev := range []EventType{EventForceRefund, EventResolveRefund, EventResolveUphold} {
		assert.Error(t, checkAuthorization(lock, ev, TransitionContext{Role: RolePoster, ActorID: "p1"}))
		err := checkAuthorization(lock, ev, TransitionContext{Role: RoleAdmin, ActorID: "h1"})
		assert.True(t, hxerr.Is(err, hxerr.ErrConflictOfInterest))
		assert.NoError(t, checkAuthorization(lock, ev, TransitionContext{Role: RoleAdmin, ActorID: "a1"}))
	}
}
