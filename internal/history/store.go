// Package history archives finished calls to SQLite so host applications
// can show a recent-calls list across restarts.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/callwire/callwire/internal/signal"
)

// Store wraps the SQLite database holding archived calls.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Entry is one archived call.
type Entry struct {
	CallID    string
	CallerID  string
	CalleeID  string
	Type      signal.CallType
	Status    signal.Status
	Reason    string
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration is the talk time; zero when the call never went active.
func (e Entry) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.EndedAt.IsZero() {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id    TEXT PRIMARY KEY,
			caller_id  TEXT NOT NULL,
			callee_id  TEXT NOT NULL,
			call_type  TEXT NOT NULL,
			status     TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL DEFAULT 0,
			ended_at   INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_calls_created ON calls(created_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Archive upserts the final state of a call. Re-archiving the same call
// (both endpoints of a loopback demo, or a replayed teardown) is harmless.
func (s *Store) Archive(rec *signal.CallRecord, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO calls (call_id, caller_id, callee_id, call_type, status, reason, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`, rec.ID, rec.CallerID, rec.CalleeID, string(rec.Type), string(rec.Status), reason,
		msec(rec.CreatedAt), msec(rec.StartedAt), msec(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("archive call %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit archived calls, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT call_id, caller_id, callee_id, call_type, status, reason, created_at, started_at, ended_at
		FROM calls ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ctype, status string
		var created, started, ended int64
		if err := rows.Scan(&e.CallID, &e.CallerID, &e.CalleeID, &ctype, &status, &e.Reason, &created, &started, &ended); err != nil {
			return nil, err
		}
		e.Type = signal.CallType(ctype)
		e.Status = signal.Status(status)
		e.CreatedAt = fromMsec(created)
		e.StartedAt = fromMsec(started)
		e.EndedAt = fromMsec(ended)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func msec(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMsec(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
