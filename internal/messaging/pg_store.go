package messaging

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/worker"
)

// PgEmailStore is the Postgres email outbox.
type PgEmailStore struct {
	db *sql.DB
}

func NewPgEmailStore(db *sql.DB) *PgEmailStore { return &PgEmailStore{db: db} }

func (s *PgEmailStore) Enqueue(ctx context.Context, recipient, template string, payload map[string]string, idempotencyKey string) error {
	raw, _ := json.Marshal(payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_outbox (id, recipient, template, payload, idempotency_key)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		uuid.NewString(), recipient, template, raw, idempotencyKey)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgEmailStore) Claim(ctx context.Context, limit int) ([]worker.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE email_outbox SET status = 'sending', attempts = attempts + 1, claimed_at = now()
		WHERE id IN (
			SELECT id FROM email_outbox WHERE status = 'pending'
			ORDER BY created_at LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient, template, COALESCE(payload,'{}'::jsonb), attempts`, limit)
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	defer rows.Close()
	var out []worker.Job
	for rows.Next() {
		var id, recipient, template string
		var payload []byte
		var attempts int
		if err := rows.Scan(&id, &recipient, &template, &payload, &attempts); err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		out = append(out, worker.Job{
			ID: id, Kind: "email", Attempts: attempts, Payload: payload,
			Meta: map[string]string{"recipient": recipient, "template": template},
		})
	}
	return out, rows.Err()
}

func (s *PgEmailStore) Done(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, "sent")
}

func (s *PgEmailStore) Retry(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_outbox SET status = 'pending', claimed_at = NULL WHERE id = $1`, id)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgEmailStore) Fail(ctx context.Context, id, lastError string) error {
	return s.setStatus(ctx, id, "failed")
}

func (s *PgEmailStore) SetProviderMsgID(ctx context.Context, id, msgID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_outbox SET provider_msg_id = $2 WHERE id = $1`, id, msgID)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgEmailStore) setStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_outbox SET status = $2, processed_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

// PgSMSStore is the Postgres SMS outbox.
type PgSMSStore struct {
	db *sql.DB
}

func NewPgSMSStore(db *sql.DB) *PgSMSStore { return &PgSMSStore{db: db} }

func (s *PgSMSStore) Enqueue(ctx context.Context, recipient, body, idempotencyKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sms_outbox (id, recipient, body, idempotency_key)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		uuid.NewString(), recipient, body, idempotencyKey)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgSMSStore) Claim(ctx context.Context, limit int) ([]worker.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sms_outbox SET status = 'sending', attempts = attempts + 1, claimed_at = now()
		WHERE id IN (
			SELECT id FROM sms_outbox WHERE status = 'pending'
			ORDER BY created_at LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient, body, attempts`, limit)
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	defer rows.Close()
	var out []worker.Job
	for rows.Next() {
		var id, recipient, body string
		var attempts int
		if err := rows.Scan(&id, &recipient, &body, &attempts); err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		out = append(out, worker.Job{
			ID: id, Kind: "sms", Attempts: attempts, Payload: []byte(body),
			Meta: map[string]string{"recipient": recipient},
		})
	}
	return out, rows.Err()
}

func (s *PgSMSStore) Done(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, "sent")
}

func (s *PgSMSStore) Retry(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sms_outbox SET status = 'pending', claimed_at = NULL WHERE id = $1`, id)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgSMSStore) Fail(ctx context.Context, id, lastError string) error {
	return s.setStatus(ctx, id, "failed")
}

func (s *PgSMSStore) SetProviderMsgID(ctx context.Context, id, msgID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sms_outbox SET provider_msg_id = $2 WHERE id = $1`, id, msgID)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgSMSStore) setStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sms_outbox SET status = $2, processed_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

// PgSuppression is the Postgres suppression list.
type PgSuppression struct {
	db *sql.DB
}

func NewPgSuppression(db *sql.DB) *PgSuppression { return &PgSuppression{db: db} }

func (s *PgSuppression) IsSuppressed(ctx context.Context, recipient string) (bool, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT reason FROM suppression_list WHERE recipient = $1`, recipient)
	var reason string
	err := row.Scan(&reason)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", hxerr.ErrStorage.WithCause(err)
	}
	return true, reason, nil
}

func (s *PgSuppression) Add(ctx context.Context, recipient, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppression_list (recipient, reason) VALUES ($1,$2)
		ON CONFLICT (recipient) DO UPDATE SET reason = EXCLUDED.reason`,
		recipient, reason)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}
