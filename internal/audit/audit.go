// Package audit is the admin action log. Every admin verb appends a row;
// kill-switch activity is recorded through the same log.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/killswitch"
)

type Entry struct {
	AdminID   string
	Action    string
	Target    string
	Detail    json.RawMessage
	CreatedAt time.Time
}

type Log interface {
	Record(ctx context.Context, adminID, action, target string, detail map[string]interface{}) error
}

type PgLog struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPgLog(db *sql.DB) *PgLog {
	return &PgLog{db: db, logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags)}
}

func (l *PgLog) Record(ctx context.Context, adminID, action, target string, detail map[string]interface{}) error {
	raw, _ := json.Marshal(detail)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO admin_audit_log (admin_id, action, target, detail)
		VALUES ($1,$2,$3,$4)`, adminID, action, target, raw)
	if err != nil {
		// The action already happened; losing the audit row is log-worthy
		// but must not fail the caller.
		l.logger.Printf("CRITICAL: audit write failed for %s/%s: %v", adminID, action, err)
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

type MemLog struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemLog() *MemLog { return &MemLog{} }

func (l *MemLog) Record(ctx context.Context, adminID, action, target string, detail map[string]interface{}) error {
	raw, _ := json.Marshal(detail)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{
		AdminID: adminID, Action: action, Target: target, Detail: raw, CreatedAt: time.Now(),
	})
	return nil
}

// Entries returns the recorded rows (test helper).
func (l *MemLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// KillSwitchSink adapts a Log to the kill-switch's audit hook.
type KillSwitchSink struct {
	Log Log
}

func (s KillSwitchSink) RecordKillSwitch(ctx context.Context, action string, rec killswitch.Record) {
	_ = s.Log.Record(ctx, rec.TriggeredBy, "killswitch."+action, "platform", map[string]interface{}{
		"reason":       string(rec.Reason),
		"triggered_at": rec.TriggeredAt,
	})
}
