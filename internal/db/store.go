// Package db persists the session audit trail in SQLite. The daemon is the
// only writer; it records every lifecycle transition and mutating action so
// a session's history can be reconstructed after the session (or daemon)
// is gone.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kild-dev/kild/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertSession writes the session's current view. Command argv is stored
// space-joined for display; the audit trail is not a replay format.
func (s *Store) UpsertSession(ctx context.Context, sess model.SessionSummary) error {
	var exitedAt any
	if sess.ExitedAt != nil {
		exitedAt = ts(*sess.ExitedAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, command, working_dir, state, rows, cols, pid, exit_code, fail_reason, created_at, exited_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	state=excluded.state,
	rows=excluded.rows,
	cols=excluded.cols,
	exit_code=excluded.exit_code,
	fail_reason=excluded.fail_reason,
	exited_at=excluded.exited_at
`, sess.SessionID, strings.Join(sess.Command, " "), sess.WorkingDir, string(sess.State),
		sess.Rows, sess.Cols, sess.PID, sess.ExitCode, sess.FailReason, ts(sess.CreatedAt), exitedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) RecordEvent(ctx context.Context, ev model.SessionEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_events(event_id, session_id, event_type, detail, occurred_at)
VALUES (?, ?, ?, ?, ?)
`, ev.EventID, ev.SessionID, string(ev.Type), ev.Detail, ts(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// ListEvents returns a session's audit trail oldest first, capped at limit
// (0 means no cap). Unknown session IDs yield an empty slice: the trail for
// a session that never existed is legitimately empty.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]model.SessionEvent, error) {
	q := `
SELECT event_id, session_id, event_type, detail, occurred_at
FROM session_events
WHERE session_id = ?
ORDER BY occurred_at ASC, event_id ASC
`
	args := []any{sessionID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]model.SessionEvent, 0)
	for rows.Next() {
		var ev model.SessionEvent
		var eventType, occurredAt string
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &eventType, &ev.Detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = model.EventType(eventType)
		t, err := parseTS(occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		ev.OccurredAt = t
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetSession returns the persisted view of one session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (model.SessionSummary, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, command, working_dir, state, rows, cols, pid, exit_code, fail_reason, created_at, exited_at
FROM sessions WHERE session_id = ?
`, sessionID)

	var out model.SessionSummary
	var command, state, createdAt string
	var exitedAt sql.NullString
	err := row.Scan(&out.SessionID, &command, &out.WorkingDir, &state, &out.Rows, &out.Cols,
		&out.PID, &out.ExitCode, &out.FailReason, &createdAt, &exitedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionSummary{}, ErrNotFound
	}
	if err != nil {
		return model.SessionSummary{}, fmt.Errorf("get session: %w", err)
	}
	if command != "" {
		out.Command = strings.Fields(command)
	}
	out.State = model.SessionState(state)
	t, err := parseTS(createdAt)
	if err != nil {
		return model.SessionSummary{}, fmt.Errorf("parse created_at: %w", err)
	}
	out.CreatedAt = t
	if exitedAt.Valid {
		et, err := parseTS(exitedAt.String)
		if err != nil {
			return model.SessionSummary{}, fmt.Errorf("parse exited_at: %w", err)
		}
		out.ExitedAt = &et
	}
	return out, nil
}

// PruneEvents removes audit rows older than cutoff for sessions that are no
// longer live. Returns the number of rows removed.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM session_events
WHERE occurred_at < ?
  AND session_id IN (SELECT session_id FROM sessions WHERE state IN ('exited','failed'))
`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events rows: %w", err)
	}
	return n, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
