// Package xp holds the single gamification invariant the kernel owns:
// when an escrow releases, XP is awarded to the hustler exactly once,
// keyed by escrow id. Everything else about XP lives outside the kernel.
package xp

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/lib/pq"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/ledger"
)

type Ledger interface {
	// AwardOnce inserts an award row keyed by escrow id. A second call for
	// the same escrow returns hxerr.ErrXPDoubleAward.
	AwardOnce(ctx context.Context, escrowID, userID string, amount int64) error
}

type PgLedger struct {
	dbx    ledger.DBTX
	logger *log.Logger
}

func NewPgLedger(dbx ledger.DBTX) *PgLedger {
	return &PgLedger{dbx: dbx, logger: log.New(log.Writer(), "[XP] ", log.LstdFlags)}
}

func (l *PgLedger) AwardOnce(ctx context.Context, escrowID, userID string, amount int64) error {
	_, err := l.dbx.ExecContext(ctx, `
		INSERT INTO xp_awards (escrow_id, user_id, amount) VALUES ($1,$2,$3)`,
		escrowID, userID, amount)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return hxerr.ErrXPDoubleAward.Wrapf("escrow %s", escrowID)
		}
		return hxerr.ErrStorage.WithCause(err)
	}
	l.logger.Printf("awarded %d xp to %s for escrow %s", amount, userID, escrowID)
	return nil
}

type MemLedger struct {
	mu     sync.Mutex
	awards map[string]int64 // escrow id -> amount
	users  map[string]int64 // user id -> total
}

func NewMemLedger() *MemLedger {
	return &MemLedger{awards: make(map[string]int64), users: make(map[string]int64)}
}

func (l *MemLedger) AwardOnce(ctx context.Context, escrowID, userID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.awards[escrowID]; ok {
		return hxerr.ErrXPDoubleAward.Wrapf("escrow %s", escrowID)
	}
	l.awards[escrowID] = amount
	l.users[userID] += amount
	return nil
}

// Total returns a user's accumulated XP (test helper).
func (l *MemLedger) Total(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.users[userID]
}
