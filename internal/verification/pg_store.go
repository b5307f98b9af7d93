package verification

import (
	"context"
	"database/sql"
	"time"

	"github.com/hustlex/backend/internal/hxerr"
)

type PgStore struct {
	db *sql.DB
}

func NewPgStore(db *sql.DB) *PgStore { return &PgStore{db: db} }

func (s *PgStore) CreateAttempt(ctx context.Context, a *Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_attempts (id, user_id, channel, target, code_hash, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.UserID, a.Channel, a.Target, a.CodeHash, a.ExpiresAt)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) LatestAttempt(ctx context.Context, channel Channel, target string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel, target, code_hash, expires_at, attempt_count, succeeded, created_at
		FROM verification_attempts
		WHERE channel = $1 AND target = $2
		ORDER BY created_at DESC LIMIT 1`, channel, target)
	a := &Attempt{}
	err := row.Scan(&a.ID, &a.UserID, &a.Channel, &a.Target, &a.CodeHash,
		&a.ExpiresAt, &a.AttemptCount, &a.Succeeded, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, hxerr.ErrNotFound.Wrapf("no %s verification for %s", channel, target)
	}
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	return a, nil
}

func (s *PgStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE verification_attempts SET attempt_count = attempt_count + 1
		WHERE id = $1 RETURNING attempt_count`, id)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	return count, nil
}

func (s *PgStore) MarkSucceeded(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE verification_attempts SET succeeded = true WHERE id = $1`, id)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) CountRecentSends(ctx context.Context, channel Channel, target string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM verification_attempts
		WHERE channel = $1 AND target = $2 AND created_at > $3`,
		channel, target, since).Scan(&n)
	if err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	return n, nil
}

func (s *PgStore) VerifiedChannels(ctx context.Context, userID string) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT channel FROM verification_attempts
		WHERE user_id = $1 AND succeeded`, userID)
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c); err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
