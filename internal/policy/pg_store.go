package policy

import (
	"context"
	"database/sql"

	"github.com/hustlex/backend/internal/hxerr"
)

// PgStore persists shadow scores in Postgres. Apply runs the read-adjust-write
// inside a row lock so concurrent adjustments serialize per user.
type PgStore struct {
	db *sql.DB
}

func NewPgStore(db *sql.DB) *PgStore { return &PgStore{db: db} }

func (s *PgStore) GetScore(ctx context.Context, userID string) (float64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT score FROM shadow_scores WHERE user_id = $1`, userID)
	var score float64
	err := row.Scan(&score)
	if err == sql.ErrNoRows {
		return DefaultScore, nil
	}
	if err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	return score, nil
}

func (s *PgStore) Apply(ctx context.Context, userID string, reason Reason, source string) (float64, error) {
	delta, ok := Deltas[reason]
	if !ok {
		return 0, hxerr.ErrInternal.Wrapf("unknown score reason %q", reason)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shadow_scores (user_id, score) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, DefaultScore); err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT score FROM shadow_scores WHERE user_id = $1 FOR UPDATE`, userID)
	var before float64
	if err := row.Scan(&before); err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}

	after := Clamp(before + delta)
	if _, err := tx.ExecContext(ctx,
		`UPDATE shadow_scores SET score = $2, updated_at = now() WHERE user_id = $1`,
		userID, after); err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shadow_score_events (user_id, delta, reason, source, score_before, score_after)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		userID, delta, reason, source, before, after); err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	return after, nil
}

func (s *PgStore) Events(ctx context.Context, userID string, limit int) ([]ScoreEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, delta, reason, COALESCE(source,''), score_before, score_after, created_at
		FROM shadow_score_events WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	defer rows.Close()
	var out []ScoreEvent
	for rows.Next() {
		var e ScoreEvent
		if err := rows.Scan(&e.UserID, &e.Delta, &e.Reason, &e.Source,
			&e.ScoreBefore, &e.ScoreAfter, &e.CreatedAt); err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
