// Package database owns the Postgres connection and the kernel schema.
//
// Every persistent component (ledger, money state locks, outbox, mirror,
// proof, verification) runs against this single *sql.DB. DB NOW() is the
// time authority for claim and processing timestamps.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Open connects to Postgres and verifies connectivity.
func Open(url string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

// WithTx runs fn inside a transaction with the given isolation level,
// rolling back on error or panic.
func WithTx(ctx context.Context, db *sql.DB, iso sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: iso})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// EnsureSchema creates the kernel tables and unique indexes if absent.
// Deployments that run managed migrations can skip this; it keeps local
// and test environments self-bootstrapping.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS money_state_locks (
		task_id            TEXT PRIMARY KEY,
		state              TEXT NOT NULL,
		poster_id          TEXT NOT NULL,
		hustler_id         TEXT,
		amount_cents       BIGINT NOT NULL,
		payment_intent_id  TEXT,
		charge_id          TEXT,
		transfer_id        TEXT,
		refund_id          TEXT,
		version            BIGINT NOT NULL DEFAULT 1,
		last_transition_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS money_events_processed (
		event_id   TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL,
		event_type TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS money_event_audit (
		id             BIGSERIAL PRIMARY KEY,
		task_id        TEXT NOT NULL,
		event_id       TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		previous_state TEXT NOT NULL,
		new_state      TEXT NOT NULL,
		success        BOOLEAN NOT NULL,
		detail         TEXT,
		payment_intent_id TEXT,
		transfer_id    TEXT,
		refund_id      TEXT,
		context        JSONB,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_accounts (
		id           TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		account_type TEXT NOT NULL,
		UNIQUE (owner_id, account_type)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id              TEXT PRIMARY KEY,
		tx_type         TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		status          TEXT NOT NULL,
		failure_reason  TEXT,
		payment_intent_id TEXT,
		charge_id       TEXT,
		transfer_id     TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		committed_at    TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id           BIGSERIAL PRIMARY KEY,
		tx_id        TEXT NOT NULL REFERENCES ledger_transactions(id),
		account_id   TEXT NOT NULL REFERENCES ledger_accounts(id),
		direction    TEXT NOT NULL CHECK (direction IN ('debit','credit')),
		amount_cents BIGINT NOT NULL CHECK (amount_cents > 0)
	)`,
	`CREATE TABLE IF NOT EXISTS outbound_mirror (
		idempotency_key TEXT PRIMARY KEY,
		stripe_id       TEXT NOT NULL,
		effect_type     TEXT NOT NULL,
		payload         JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id              TEXT PRIMARY KEY,
		event_type      TEXT NOT NULL,
		aggregate_type  TEXT NOT NULL,
		aggregate_id    TEXT NOT NULL,
		event_version   BIGINT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		payload         JSONB NOT NULL,
		queue_name      TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INT NOT NULL DEFAULT 0,
		claimed_at      TIMESTAMPTZ,
		processed_at    TIMESTAMPTZ,
		last_error      TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS email_outbox (
		id              TEXT PRIMARY KEY,
		recipient       TEXT NOT NULL,
		template        TEXT NOT NULL,
		payload         JSONB,
		status          TEXT NOT NULL DEFAULT 'pending',
		provider_msg_id TEXT,
		attempts        INT NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL UNIQUE,
		claimed_at      TIMESTAMPTZ,
		processed_at    TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sms_outbox (
		id              TEXT PRIMARY KEY,
		recipient       TEXT NOT NULL,
		body            TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		provider_msg_id TEXT,
		attempts        INT NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL UNIQUE,
		claimed_at      TIMESTAMPTZ,
		processed_at    TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS suppression_list (
		recipient  TEXT PRIMARY KEY,
		reason     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		key               TEXT PRIMARY KEY,
		request_hash      TEXT NOT NULL,
		response_status   INT,
		response_snapshot BYTEA,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS processor_events (
		stripe_event_id TEXT PRIMARY KEY,
		event_type      TEXT NOT NULL,
		payload         JSONB NOT NULL,
		claimed_at      TIMESTAMPTZ,
		processed_at    TIMESTAMPTZ,
		result          TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS entitlements (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		task_id         TEXT,
		kind            TEXT NOT NULL,
		expires_at      TIMESTAMPTZ,
		source_event_id TEXT NOT NULL UNIQUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS proof_requests (
		id           TEXT PRIMARY KEY,
		task_id      TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		proof_type   TEXT NOT NULL,
		reason       TEXT NOT NULL,
		state        TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS proof_submissions (
		id          TEXT PRIMARY KEY,
		request_id  TEXT NOT NULL REFERENCES proof_requests(id),
		task_id     TEXT NOT NULL,
		submitted_by TEXT NOT NULL,
		file_hash   TEXT NOT NULL,
		mime_type   TEXT NOT NULL,
		size_bytes  BIGINT NOT NULL,
		metadata    JSONB,
		state       TEXT NOT NULL,
		confidence  DOUBLE PRECISION,
		flags       JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS proof_hash_bindings (
		file_hash  TEXT NOT NULL,
		task_id    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (file_hash, task_id)
	)`,
	`CREATE TABLE IF NOT EXISTS proof_snapshots (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL,
		dispute_id TEXT NOT NULL,
		snapshot   JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS disputes (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL UNIQUE,
		opened_by  TEXT NOT NULL,
		state      TEXT NOT NULL,
		resolution TEXT NOT NULL DEFAULT 'none',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS shadow_scores (
		user_id TEXT PRIMARY KEY,
		score   DOUBLE PRECISION NOT NULL DEFAULT 50,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS shadow_score_events (
		id           BIGSERIAL PRIMARY KEY,
		user_id      TEXT NOT NULL,
		delta        DOUBLE PRECISION NOT NULL,
		reason       TEXT NOT NULL,
		source       TEXT NOT NULL,
		score_before DOUBLE PRECISION NOT NULL,
		score_after  DOUBLE PRECISION NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS xp_awards (
		escrow_id  TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		amount     BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS verification_attempts (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		channel       TEXT NOT NULL,
		target        TEXT NOT NULL,
		code_hash     TEXT NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		attempt_count INT NOT NULL DEFAULT 0,
		succeeded     BOOLEAN NOT NULL DEFAULT false,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id         TEXT PRIMARY KEY,
		source     TEXT NOT NULL,
		ref_id     TEXT NOT NULL,
		reason     TEXT NOT NULL,
		context    JSONB,
		attempts   INT NOT NULL DEFAULT 0,
		resolved   BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS admin_audit_log (
		id         BIGSERIAL PRIMARY KEY,
		admin_id   TEXT NOT NULL,
		action     TEXT NOT NULL,
		target     TEXT NOT NULL,
		detail     JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (queue_name, created_at) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_tx_status ON ledger_transactions (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_task ON money_event_audit (task_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_verification_target ON verification_attempts (channel, target, created_at)`,
}
