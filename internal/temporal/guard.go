// Package temporal rejects events that arrive "from the past".
//
// An event carries a logical timestamp (usually the processor's event
// creation time). It must strictly dominate the last committed transition
// on the money state lock, otherwise a delayed or replayed message could
// overwrite newer state.
package temporal

import (
	"time"

	"github.com/hustlex/backend/internal/hxerr"
)

// Guard holds the tolerance for clock skew between us and the processor.
type Guard struct {
	skew time.Duration
}

func NewGuard(skew time.Duration) *Guard {
	return &Guard{skew: skew}
}

// Check returns nil when eventTime strictly dominates lastTransition.
// A zero eventTime means the caller has no logical clock for this event;
// those are admitted (the engine's processed-event table still dedupes).
func (g *Guard) Check(eventTime, lastTransition time.Time) error {
	if eventTime.IsZero() {
		return nil
	}
	if eventTime.Add(g.skew).After(lastTransition) {
		return nil
	}
	return hxerr.ErrStaleEvent.Wrapf("event=%s last_transition=%s",
		eventTime.UTC().Format(time.RFC3339), lastTransition.UTC().Format(time.RFC3339))
}
