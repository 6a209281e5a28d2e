package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS metric_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	event TEXT NOT NULL,
	label TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	task_title TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	completed_tasks INTEGER NOT NULL DEFAULT 0,
	failed_tasks INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_events_task_id ON metric_events(task_id);
CREATE INDEX IF NOT EXISTS idx_metric_events_created_at ON metric_events(created_at);
`

// SQLiteSink stores events in a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and initializes the
// metric_events table.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Write(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_events
			(source, event, label, task_id, task_title, duration_ms, success, error, completed_tasks, failed_tasks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Source, string(e.Event), e.Label, e.TaskID, e.TaskTitle, e.DurationMs,
		e.Success, e.Error, e.CompletedTasks, e.FailedTasks, e.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert metric event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, event, label, task_id, task_title, duration_ms, success, error, completed_tasks, failed_tasks, created_at
		FROM metric_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query metric events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			eventType string
			errMsg    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.Source, &eventType, &e.Label, &e.TaskID, &e.TaskTitle, &e.DurationMs,
			&e.Success, &errMsg, &e.CompletedTasks, &e.FailedTasks, &createdAt); err != nil {
			return nil, fmt.Errorf("scan metric event: %w", err)
		}
		e.Event = EventType(eventType)
		if errMsg.Valid {
			e.Error = &errMsg.String
		}
		e.Timestamp = time.UnixMilli(createdAt).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
