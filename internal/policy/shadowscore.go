// Package policy implements the shadow-score trust system and the
// eligibility gate the money engine consults before a release.
//
// A score is a bounded float in [0, 100] with an append-only event log.
// Deltas are deterministic per reason. The gate maps scores to bands with
// fixed boundaries at 25 / 50 / 75.
package policy

import (
	"context"
	"sync"
	"time"

	"github.com/hustlex/backend/internal/hxerr"
)

// Band is the visibility tier derived from the score.
type Band string

const (
	BandFull      Band = "FULL"      // score >= 75
	BandLimited   Band = "LIMITED"   // 50 <= score < 75
	BandDegraded  Band = "DEGRADED"  // 25 <= score < 50
	BandInvisible Band = "INVISIBLE" // score < 25
)

const (
	DefaultScore = 50.0
	MinScore     = 0.0
	MaxScore     = 100.0
)

// Reason is a deterministic score adjustment.
type Reason string

// Deltas is the fixed penalty/bonus table.
var Deltas = map[Reason]float64{
	"dispute_lost":         -15,
	"dispute_won":          +5,
	"fraud_flag":           -25,
	"proof_rejected":       -5,
	"proof_hash_reuse":     -20,
	"task_completed":       +2,
	"task_completed_5star": +3,
	"verification_done":    +5,
	"daily_decay":          +0.5, // drift back toward neutral for inactive accounts
}

// ScoreEvent is one append-only log row.
type ScoreEvent struct {
	UserID      string
	Delta       float64
	Reason      Reason
	Source      string
	ScoreBefore float64
	ScoreAfter  float64
	CreatedAt   time.Time
}

type Store interface {
	GetScore(ctx context.Context, userID string) (float64, error)
	// Apply atomically adjusts the score and appends the event row.
	Apply(ctx context.Context, userID string, reason Reason, source string) (float64, error)
	Events(ctx context.Context, userID string, limit int) ([]ScoreEvent, error)
}

// BandFor maps a score to its band. Boundaries are inclusive on the lower
// edge: exactly 25 is DEGRADED, exactly 50 LIMITED, exactly 75 FULL.
func BandFor(score float64) Band {
	switch {
	case score >= 75:
		return BandFull
	case score >= 50:
		return BandLimited
	case score >= 25:
		return BandDegraded
	default:
		return BandInvisible
	}
}

// Clamp bounds a score to [MinScore, MaxScore].
func Clamp(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Gate is the pre-release eligibility check.
type Gate struct {
	store Store
}

func NewGate(store Store) *Gate { return &Gate{store: store} }

// CheckRelease blocks payouts to users below the DEGRADED floor. INVISIBLE
// users are effectively shadow-banned: they cannot receive releases.
func (g *Gate) CheckRelease(ctx context.Context, userID string) error {
	if userID == "" {
		return hxerr.ErrPolicyBlocked.Wrapf("no hustler assigned")
	}
	score, err := g.store.GetScore(ctx, userID)
	if err != nil {
		return err
	}
	if BandFor(score) == BandInvisible {
		return hxerr.ErrShadowBanned.Wrapf("score %.1f", score)
	}
	return nil
}

// FilterFor returns the feed filter predicate for the user's band. Feed
// queries apply it server-side; the kernel only owns the mapping.
type Filter struct {
	Band           Band
	MaxDailyTasks  int
	VisibleInFeed  bool
	PayoutsAllowed bool
}

func (g *Gate) FilterFor(ctx context.Context, userID string) (Filter, error) {
	score, err := g.store.GetScore(ctx, userID)
	if err != nil {
		return Filter{}, err
	}
	switch BandFor(score) {
	case BandFull:
		return Filter{Band: BandFull, MaxDailyTasks: 0, VisibleInFeed: true, PayoutsAllowed: true}, nil
	case BandLimited:
		return Filter{Band: BandLimited, MaxDailyTasks: 10, VisibleInFeed: true, PayoutsAllowed: true}, nil
	case BandDegraded:
		return Filter{Band: BandDegraded, MaxDailyTasks: 3, VisibleInFeed: true, PayoutsAllowed: true}, nil
	default:
		return Filter{Band: BandInvisible, MaxDailyTasks: 0, VisibleInFeed: false, PayoutsAllowed: false}, nil
	}
}

// MemStore is the in-memory score store.
type MemStore struct {
	mu     sync.Mutex
	scores map[string]float64
	events map[string][]ScoreEvent
}

func NewMemStore() *MemStore {
	return &MemStore{
		scores: make(map[string]float64),
		events: make(map[string][]ScoreEvent),
	}
}

func (s *MemStore) GetScore(ctx context.Context, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if score, ok := s.scores[userID]; ok {
		return score, nil
	}
	return DefaultScore, nil
}

func (s *MemStore) Apply(ctx context.Context, userID string, reason Reason, source string) (float64, error) {
	delta, ok := Deltas[reason]
	if !ok {
		return 0, hxerr.ErrInternal.Wrapf("unknown score reason %q", reason)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before, exists := s.scores[userID]
	if !exists {
		before = DefaultScore
	}
	after := Clamp(before + delta)
	s.scores[userID] = after
	s.events[userID] = append(s.events[userID], ScoreEvent{
		UserID:      userID,
		Delta:       delta,
		Reason:      reason,
		Source:      source,
		ScoreBefore: before,
		ScoreAfter:  after,
		CreatedAt:   time.Now(),
	})
	return after, nil
}

func (s *MemStore) Events(ctx context.Context, userID string, limit int) ([]ScoreEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[userID]
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return append([]ScoreEvent(nil), evs...), nil
}

// SetScore force-sets a score (test helper / admin tooling).
func (s *MemStore) SetScore(userID string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[userID] = Clamp(score)
}
