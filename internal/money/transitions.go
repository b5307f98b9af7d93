package money

import "github.com/hustlex/backend/internal/hxerr"

// transitionTable is the fixed (state, event) -> state map. Anything not in
// the table is an invalid transition.
var transitionTable = map[State]map[EventType]State{
	StateInitial: {
		EventHoldEscrow: StateHeld,
	},
	StateHeld: {
		EventReleasePayout: StateReleased,
		EventRefundEscrow:  StateRefunded,
		EventDisputeOpen:   StatePendingDispute,
	},
	StatePendingDispute: {
		EventResolveRefund: StateRefunded,
		EventResolveUphold: StateUpheld,
	},
	// Released is terminal for every event except the admin-only
	// FORCE_REFUND clawback.
	StateReleased: {
		EventForceRefund: StateRefunded,
	},
}

// terminalStates accept no events at all.
var terminalStates = map[State]bool{
	StateRefunded:      true,
	StatePartialRefund: true,
	StateUpheld:        true,
}

// NextState resolves the transition or returns a taxonomy error: terminal
// states surface the invariant error, everything else the guard error.
func NextState(from State, event EventType) (State, error) {
	if terminalStates[from] {
		return "", hxerr.ErrTerminalState.Wrapf("state=%s event=%s", from, event)
	}
	if next, ok := transitionTable[from][event]; ok {
		return next, nil
	}
	if from == StateReleased {
		// released rejects everything but FORCE_REFUND, as an invariant.
		return "", hxerr.ErrTerminalState.Wrapf("state=%s event=%s", from, event)
	}
	return "", hxerr.ErrInvalidTransition.Wrapf("state=%s event=%s", from, event)
}

// AllowedEvents lists the events the current state accepts, surfaced on the
// lock for API clients.
func AllowedEvents(from State) []EventType {
	events := transitionTable[from]
	out := make([]EventType, 0, len(events))
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

// checkAuthorization re-checks the actor role against the transition. The
// caller's transport layer already authenticated the actor; this is the
// state machine's own gate.
func checkAuthorization(lock *StateLock, event EventType, tctx TransitionContext) error {
	switch event {
	case EventHoldEscrow:
		// Only the poster side funds.
		if tctx.Role != RolePoster && tctx.Role != RoleSystem {
			return hxerr.ErrNotAuthorized.Wrapf("only the poster can fund escrow")
		}
	case EventReleasePayout:
		if tctx.Role != RoleAdmin && !(tctx.Role == RolePoster && tctx.ActorID == lock.PosterID) {
			return hxerr.ErrNotAuthorized.Wrapf("only the poster or an admin can release")
		}
	case EventRefundEscrow:
		if tctx.Role != RoleAdmin && !(tctx.Role == RolePoster && tctx.ActorID == lock.PosterID) {
			return hxerr.ErrNotAuthorized.Wrapf("only the poster or an admin can refund")
		}
	case EventForceRefund, EventResolveRefund, EventResolveUphold:
		if tctx.Role != RoleAdmin {
			return hxerr.ErrNotAuthorized.Wrapf("%s is admin-only", event)
		}
		// Admin conflict-of-interest: an admin who is a party cannot act.
		if tctx.ActorID == lock.PosterID || tctx.ActorID == lock.HustlerID {
			return hxerr.ErrConflictOfInterest
		}
	case EventDisputeOpen:
		party := tctx.ActorID == lock.PosterID || tctx.ActorID == lock.HustlerID
		if tctx.Role != RoleAdmin && !party {
			return hxerr.ErrNotAuthorized.Wrapf("only a party can open a dispute")
		}
	}
	return nil
}
