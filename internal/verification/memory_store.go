package verification

import (
	"context"
	"sync"
	"time"

	"github.com/hustlex/backend/internal/hxerr"
)

// MemStore backs tests.
type MemStore struct {
	mu       sync.Mutex
	attempts []*Attempt
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) CreateAttempt(ctx context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attempts = append(s.attempts, &cp)
	return nil
}

func (s *MemStore) LatestAttempt(ctx context.Context, channel Channel, target string) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.attempts) - 1; i >= 0; i-- {
		a := s.attempts[i]
		if a.Channel == channel && a.Target == target {
			cp := *a
			return &cp, nil
		}
	}
	return nil, hxerr.ErrNotFound.Wrapf("no %s verification for %s", channel, target)
}

func (s *MemStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.ID == id {
			a.AttemptCount++
			return a.AttemptCount, nil
		}
	}
	return 0, hxerr.ErrNotFound.Wrapf("verification attempt %s", id)
}

func (s *MemStore) MarkSucceeded(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.ID == id {
			a.Succeeded = true
			return nil
		}
	}
	return hxerr.ErrNotFound.Wrapf("verification attempt %s", id)
}

func (s *MemStore) CountRecentSends(ctx context.Context, channel Channel, target string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.Channel == channel && a.Target == target && a.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) VerifiedChannels(ctx context.Context, userID string) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[Channel]bool)
	var out []Channel
	for _, a := range s.attempts {
		if a.UserID == userID && a.Succeeded && !seen[a.Channel] {
			seen[a.Channel] = true
			out = append(out, a.Channel)
		}
	}
	return out, nil
}
