package proof

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hustlex/backend/internal/hxerr"
)

type PgStore struct {
	db *sql.DB
}

func NewPgStore(db *sql.DB) *PgStore { return &PgStore{db: db} }

func (s *PgStore) CreateRequest(ctx context.Context, req *Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proof_requests (id, task_id, requested_by, proof_type, reason, state)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		req.ID, req.TaskID, req.RequestedBy, req.Type, req.Reason, req.State)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, requested_by, proof_type, reason, state, created_at
		FROM proof_requests WHERE id = $1`, id)
	req := &Request{}
	err := row.Scan(&req.ID, &req.TaskID, &req.RequestedBy, &req.Type, &req.Reason, &req.State, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, hxerr.ErrNotFound.Wrapf("proof request %s", id)
	}
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	return req, nil
}

func (s *PgStore) CountRequests(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proof_requests WHERE task_id = $1`, taskID).Scan(&n)
	if err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	return n, nil
}

func (s *PgStore) UpdateRequestState(ctx context.Context, id string, from, to State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proof_requests SET state = $3 WHERE id = $1 AND state = $2`, id, from, to)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hxerr.ErrProofTransition.Wrapf("request %s not in state %s", id, from)
	}
	return nil
}

func (s *PgStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	md, _ := json.Marshal(sub.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proof_submissions (id, request_id, task_id, submitted_by, file_hash, mime_type, size_bytes, metadata, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		sub.ID, sub.RequestID, sub.TaskID, sub.SubmittedBy, sub.FileHash, sub.MimeType, sub.SizeBytes, md, sub.State)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, task_id, submitted_by, file_hash, mime_type, size_bytes,
		       COALESCE(metadata,'{}'::jsonb), state, confidence, flags, created_at
		FROM proof_submissions WHERE id = $1`, id)
	return scanSubmission(row)
}

func scanSubmission(row *sql.Row) (*Submission, error) {
	sub := &Submission{}
	var md, flags []byte
	var confidence sql.NullFloat64
	err := row.Scan(&sub.ID, &sub.RequestID, &sub.TaskID, &sub.SubmittedBy,
		&sub.FileHash, &sub.MimeType, &sub.SizeBytes, &md, &sub.State,
		&confidence, &flags, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, hxerr.ErrNotFound.Wrapf("proof submission")
	}
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	_ = json.Unmarshal(md, &sub.Metadata)
	if len(flags) > 0 {
		f := Forensics{}
		if json.Unmarshal(flags, &f) == nil {
			if confidence.Valid {
				f.Confidence = confidence.Float64
			}
			sub.Forensics = &f
		}
	}
	return sub, nil
}

func (s *PgStore) UpdateSubmissionState(ctx context.Context, id string, from, to State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proof_submissions SET state = $3 WHERE id = $1 AND state = $2`, id, from, to)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hxerr.ErrProofTransition.Wrapf("submission %s not in state %s", id, from)
	}
	return nil
}

func (s *PgStore) SetForensics(ctx context.Context, submissionID string, f Forensics) error {
	flags, _ := json.Marshal(f)
	_, err := s.db.ExecContext(ctx,
		`UPDATE proof_submissions SET confidence = $2, flags = $3 WHERE id = $1`,
		submissionID, f.Confidence, flags)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) BindHash(ctx context.Context, fileHash, taskID string) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proof_hash_bindings (file_hash, task_id) VALUES ($1,$2)`,
		fileHash, taskID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Same hash, same task: the binding already exists, not a reuse.
			return false, nil
		}
		return false, hxerr.ErrStorage.WithCause(err)
	}
	var others int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proof_hash_bindings WHERE file_hash = $1 AND task_id <> $2`,
		fileHash, taskID).Scan(&others)
	if err != nil {
		return false, hxerr.ErrStorage.WithCause(err)
	}
	return others > 0, nil
}

func (s *PgStore) ListRequests(ctx context.Context, taskID string) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, requested_by, proof_type, reason, state, created_at
		FROM proof_requests WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		req := &Request{}
		if err := rows.Scan(&req.ID, &req.TaskID, &req.RequestedBy, &req.Type,
			&req.Reason, &req.State, &req.CreatedAt); err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PgStore) ListSubmissions(ctx context.Context, taskID string) ([]*Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, task_id, submitted_by, file_hash, mime_type, size_bytes,
		       COALESCE(metadata,'{}'::jsonb), state, confidence, flags, created_at
		FROM proof_submissions WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	defer rows.Close()
	var out []*Submission
	for rows.Next() {
		sub := &Submission{}
		var md, flags []byte
		var confidence sql.NullFloat64
		if err := rows.Scan(&sub.ID, &sub.RequestID, &sub.TaskID, &sub.SubmittedBy,
			&sub.FileHash, &sub.MimeType, &sub.SizeBytes, &md, &sub.State,
			&confidence, &flags, &sub.CreatedAt); err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		_ = json.Unmarshal(md, &sub.Metadata)
		if len(flags) > 0 {
			f := Forensics{}
			if json.Unmarshal(flags, &f) == nil {
				if confidence.Valid {
					f.Confidence = confidence.Float64
				}
				sub.Forensics = &f
			}
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PgStore) InsertSnapshot(ctx context.Context, taskID, disputeID string, snapshot json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proof_snapshots (id, task_id, dispute_id, snapshot)
		VALUES ($1,$2,$3,$4)`,
		uuid.NewString(), taskID, disputeID, snapshot)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) LockNonTerminal(ctx context.Context, taskID string) error {
	nonTerminal := []string{string(StateRequested), string(StateSubmitted), string(StateAnalyzing), string(StateVerified)}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE proof_requests SET state = $2 WHERE task_id = $1 AND state = ANY($3)`,
		taskID, StateLocked, pq.Array(nonTerminal)); err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE proof_submissions SET state = $2 WHERE task_id = $1 AND state = ANY($3)`,
		taskID, StateLocked, pq.Array(nonTerminal)); err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}
