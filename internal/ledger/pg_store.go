package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hustlex/backend/internal/hxerr"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so a store instance can be
// bound into the money engine's transaction for prepare/commit and run
// standalone for sweeper queries.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type PgStore struct {
	dbx DBTX
}

func NewPgStore(dbx DBTX) *PgStore { return &PgStore{dbx: dbx} }

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func (s *PgStore) ensureAccount(ctx context.Context, ownerID string, acctType AccountType) (string, error) {
	id := uuid.NewString()
	// Insert-or-fetch: accounts are created on first use.
	row := s.dbx.QueryRowContext(ctx, `
		INSERT INTO ledger_accounts (id, owner_id, account_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, account_type) DO UPDATE SET owner_id = EXCLUDED.owner_id
		RETURNING id`,
		id, ownerID, acctType)
	var accountID string
	if err := row.Scan(&accountID); err != nil {
		return "", fmt.Errorf("ensure account (%s,%s): %w", ownerID, acctType, err)
	}
	return accountID, nil
}

func (s *PgStore) Prepare(ctx context.Context, spec Spec) (*Transaction, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	txID := uuid.NewString()
	_, err := s.dbx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, tx_type, idempotency_key, status)
		VALUES ($1, $2, $3, $4)`,
		txID, spec.Type, spec.IdempotencyKey, StatusPending)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, hxerr.ErrDuplicateEvent.Wrapf("ledger idempotency key %s", spec.IdempotencyKey)
		}
		return nil, hxerr.ErrStorage.WithCause(err)
	}

	tx := &Transaction{
		ID:             txID,
		Type:           spec.Type,
		IdempotencyKey: spec.IdempotencyKey,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}
	for _, es := range spec.Entries {
		accountID, err := s.ensureAccount(ctx, es.OwnerID, es.Type)
		if err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		if _, err := s.dbx.ExecContext(ctx, `
			INSERT INTO ledger_entries (tx_id, account_id, direction, amount_cents)
			VALUES ($1, $2, $3, $4)`,
			txID, accountID, es.Direction, es.Amount); err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		tx.Entries = append(tx.Entries, Entry{AccountID: accountID, Direction: es.Direction, Amount: es.Amount})
	}
	return tx, nil
}

func (s *PgStore) Commit(ctx context.Context, txID string, refs Refs) error {
	tx, err := s.Get(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status == StatusCommitted {
		return nil // idempotent re-commit (mirror recovery path)
	}
	if tx.Status == StatusFailed {
		return hxerr.ErrInvalidTransition.Wrapf("ledger tx %s is failed", txID)
	}
	MustBalance(tx)

	res, err := s.dbx.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = $2, committed_at = now(),
		    payment_intent_id = COALESCE(NULLIF($3,''), payment_intent_id),
		    charge_id = COALESCE(NULLIF($4,''), charge_id),
		    transfer_id = COALESCE(NULLIF($5,''), transfer_id)
		WHERE id = $1 AND status IN ('pending','executing')`,
		txID, StatusCommitted, refs.PaymentIntentID, refs.ChargeID, refs.TransferID)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hxerr.ErrInvalidTransition.Wrapf("ledger tx %s not committable", txID)
	}
	return nil
}

func (s *PgStore) Fail(ctx context.Context, txID, reason string) error {
	res, err := s.dbx.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = $2, failure_reason = $3
		WHERE id = $1 AND status IN ('pending','executing')`,
		txID, StatusFailed, reason)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hxerr.ErrInvalidTransition.Wrapf("ledger tx %s not failable", txID)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, txID string) (*Transaction, error) {
	return s.getBy(ctx, "id", txID)
}

func (s *PgStore) GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	return s.getBy(ctx, "idempotency_key", key)
}

func (s *PgStore) getBy(ctx context.Context, column, value string) (*Transaction, error) {
	row := s.dbx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, tx_type, idempotency_key, status,
		       COALESCE(failure_reason,''),
		       COALESCE(payment_intent_id,''), COALESCE(charge_id,''), COALESCE(transfer_id,''),
		       created_at, committed_at
		FROM ledger_transactions WHERE %s = $1`, column), value)

	tx := &Transaction{}
	var committedAt sql.NullTime
	err := row.Scan(&tx.ID, &tx.Type, &tx.IdempotencyKey, &tx.Status,
		&tx.FailureReason,
		&tx.Refs.PaymentIntentID, &tx.Refs.ChargeID, &tx.Refs.TransferID,
		&tx.CreatedAt, &committedAt)
	if err == sql.ErrNoRows {
		return nil, hxerr.ErrNotFound.Wrapf("ledger tx %s=%s", column, value)
	}
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	if committedAt.Valid {
		tx.CommittedAt = &committedAt.Time
	}

	rows, err := s.dbx.QueryContext(ctx, `
		SELECT account_id, direction, amount_cents FROM ledger_entries WHERE tx_id = $1 ORDER BY id`, tx.ID)
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.AccountID, &e.Direction, &e.Amount); err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		tx.Entries = append(tx.Entries, e)
	}
	return tx, rows.Err()
}

func (s *PgStore) AccountByID(ctx context.Context, accountID string) (*Account, error) {
	row := s.dbx.QueryRowContext(ctx,
		`SELECT id, owner_id, account_type FROM ledger_accounts WHERE id = $1`, accountID)
	acct := &Account{}
	err := row.Scan(&acct.ID, &acct.OwnerID, &acct.Type)
	if err == sql.ErrNoRows {
		return nil, hxerr.ErrNotFound.Wrapf("ledger account %s", accountID)
	}
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	return acct, nil
}

func (s *PgStore) Balance(ctx context.Context, ownerID string, acctType AccountType) (int64, error) {
	sign := "CASE WHEN e.direction = 'debit' THEN e.amount_cents ELSE -e.amount_cents END"
	if acctType.IsLiability() {
		sign = "CASE WHEN e.direction = 'credit' THEN e.amount_cents ELSE -e.amount_cents END"
	}
	row := s.dbx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(SUM(%s), 0)
		FROM ledger_entries e
		JOIN ledger_accounts a ON a.id = e.account_id
		JOIN ledger_transactions t ON t.id = e.tx_id
		WHERE a.owner_id = $1 AND a.account_type = $2 AND t.status = 'committed'`, sign),
		ownerID, acctType)
	var balance int64
	if err := row.Scan(&balance); err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	return balance, nil
}

// Drift sums debits minus credits across committed transactions. Zero means
// every committed transaction landed whole.
func (s *PgStore) Drift(ctx context.Context) (int64, error) {
	row := s.dbx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN e.direction = 'debit' THEN e.amount_cents ELSE -e.amount_cents END), 0)
		FROM ledger_entries e
		JOIN ledger_transactions t ON t.id = e.tx_id
		WHERE t.status = 'committed'`)
	var drift int64
	if err := row.Scan(&drift); err != nil {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	return drift, nil
}

func (s *PgStore) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]*Transaction, error) {
	rows, err := s.dbx.QueryContext(ctx, `
		SELECT id FROM ledger_transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}

	var txs []*Transaction
	for _, id := range ids {
		tx, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}
