package money

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hustlex/backend/internal/database"
	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/ledger"
	"github.com/hustlex/backend/internal/outbox"
)

// PgRunner opens serializable transactions over Postgres and binds the
// money, ledger and outbox stores to them.
type PgRunner struct {
	db *sql.DB
}

func NewPgRunner(db *sql.DB) *PgRunner { return &PgRunner{db: db} }

func (r *PgRunner) InTx(ctx context.Context, fn func(ops Ops) error) error {
	return database.WithTx(ctx, r.db, sql.LevelSerializable, func(tx *sql.Tx) error {
		return fn(Ops{
			Money:  &PgStore{dbx: tx},
			Ledger: ledger.NewPgStore(tx),
			Outbox: outbox.NewPgStore(tx),
		})
	})
}

type PgStore struct {
	dbx ledger.DBTX
}

func NewPgStore(dbx ledger.DBTX) *PgStore { return &PgStore{dbx: dbx} }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const lockColumns = `task_id, state, poster_id, COALESCE(hustler_id,''), amount_cents,
	COALESCE(payment_intent_id,''), COALESCE(charge_id,''), COALESCE(transfer_id,''), COALESCE(refund_id,''),
	version, last_transition_at`

func scanLock(row *sql.Row) (*StateLock, error) {
	lock := &StateLock{}
	err := row.Scan(&lock.TaskID, &lock.State, &lock.PosterID, &lock.HustlerID, &lock.AmountCents,
		&lock.PaymentIntentID, &lock.ChargeID, &lock.TransferID, &lock.RefundID,
		&lock.Version, &lock.LastTransitionAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hxerr.ErrNotFound.Wrapf("money state lock")
	}
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	return lock, nil
}

func (s *PgStore) GetLockForUpdate(ctx context.Context, taskID string) (*StateLock, error) {
	row := s.dbx.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM money_state_locks WHERE task_id = $1 FOR UPDATE`, taskID)
	return scanLock(row)
}

func (s *PgStore) CreateLock(ctx context.Context, lock *StateLock) error {
	_, err := s.dbx.ExecContext(ctx, `
		INSERT INTO money_state_locks
			(task_id, state, poster_id, hustler_id, amount_cents,
			 payment_intent_id, charge_id, transfer_id, refund_id, version, last_transition_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),NULLIF($9,''),$10,now())`,
		lock.TaskID, lock.State, lock.PosterID, lock.HustlerID, lock.AmountCents,
		lock.PaymentIntentID, lock.ChargeID, lock.TransferID, lock.RefundID, lock.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return hxerr.ErrDuplicateEvent.Wrapf("lock exists for task %s", lock.TaskID)
		}
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) SaveLock(ctx context.Context, lock *StateLock, expectedVersion int64) error {
	res, err := s.dbx.ExecContext(ctx, `
		UPDATE money_state_locks
		SET state = $2,
		    hustler_id = COALESCE(NULLIF($3,''), hustler_id),
		    payment_intent_id = COALESCE(NULLIF($4,''), payment_intent_id),
		    charge_id = COALESCE(NULLIF($5,''), charge_id),
		    transfer_id = COALESCE(NULLIF($6,''), transfer_id),
		    refund_id = COALESCE(NULLIF($7,''), refund_id),
		    version = version + 1,
		    last_transition_at = now()
		WHERE task_id = $1 AND version = $8`,
		lock.TaskID, lock.State, lock.HustlerID,
		lock.PaymentIntentID, lock.ChargeID, lock.TransferID, lock.RefundID,
		expectedVersion)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hxerr.ErrInvalidTransition.Wrapf("lock version moved for task %s", lock.TaskID)
	}
	lock.Version = expectedVersion + 1
	return nil
}

func (s *PgStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	row := s.dbx.QueryRowContext(ctx,
		`SELECT 1 FROM money_events_processed WHERE event_id = $1`, eventID)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, hxerr.ErrStorage.WithCause(err)
	}
	return true, nil
}

func (s *PgStore) MarkEventProcessed(ctx context.Context, eventID, taskID string, event EventType) error {
	_, err := s.dbx.ExecContext(ctx, `
		INSERT INTO money_events_processed (event_id, task_id, event_type) VALUES ($1,$2,$3)`,
		eventID, taskID, event)
	if err != nil {
		if isUniqueViolation(err) {
			return hxerr.ErrDuplicateEvent.Wrapf("event %s", eventID)
		}
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) AppendAudit(ctx context.Context, row AuditRow) error {
	_, err := s.dbx.ExecContext(ctx, `
		INSERT INTO money_event_audit
			(task_id, event_id, event_type, previous_state, new_state, success, detail,
			 payment_intent_id, transfer_id, refund_id, context)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),$11)`,
		row.TaskID, row.EventID, row.EventType, row.PreviousState, row.NewState,
		row.Success, row.Detail, row.PaymentIntentID, row.TransferID, row.RefundID,
		nullableJSON(row.Context))
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (s *PgStore) ActiveDispute(ctx context.Context, taskID string) (*Dispute, error) {
	row := s.dbx.QueryRowContext(ctx, `
		SELECT id, task_id, opened_by, state, resolution, created_at, resolved_at
		FROM disputes WHERE task_id = $1 AND state <> 'resolved'`, taskID)
	d := &Dispute{}
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.TaskID, &d.OpenedBy, &d.State, &d.Resolution, &d.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func (s *PgStore) CreateDispute(ctx context.Context, d *Dispute) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.dbx.ExecContext(ctx, `
		INSERT INTO disputes (id, task_id, opened_by, state, resolution)
		VALUES ($1,$2,$3,$4,$5)`,
		d.ID, d.TaskID, d.OpenedBy, d.State, d.Resolution)
	if err != nil {
		if isUniqueViolation(err) {
			return hxerr.ErrActiveDispute.Wrapf("dispute exists for task %s", d.TaskID)
		}
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) ResolveDispute(ctx context.Context, taskID string, resolution Resolution) error {
	res, err := s.dbx.ExecContext(ctx, `
		UPDATE disputes SET state = 'resolved', resolution = $2, resolved_at = now()
		WHERE task_id = $1 AND state <> 'resolved'`, taskID, resolution)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hxerr.ErrDisputeState.Wrapf("no open dispute for task %s", taskID)
	}
	return nil
}
