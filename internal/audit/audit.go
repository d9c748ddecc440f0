// Package audit keeps an append-only SQLite log of completed mutations.
// The log is best-effort: recording failures are logged and never fail
// the operation that produced them.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Log is the SQLite-backed operation log.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the audit database at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	l := &Log{db: db, logger: logger}
	if err := l.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) initialize() error {
	schema := `
	-- Operations log (append-only)
	CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		operation_type TEXT NOT NULL,
		class_name TEXT NOT NULL,
		object_id TEXT NOT NULL,
		actor TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_operations_object ON operations(class_name, object_id);
	CREATE INDEX IF NOT EXISTS idx_operations_actor ON operations(actor);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// RecordOp appends one completed mutation. Failures are logged only.
func (l *Log) RecordOp(ctx context.Context, op, className, objectID, actor string) {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO operations (operation_type, class_name, object_id, actor) VALUES (?, ?, ?, ?)",
		op, className, objectID, actor,
	)
	if err != nil && l.logger != nil {
		l.logger.Warn("audit record failed",
			"op", op, "class", className, "object_id", objectID, "error", err)
	}
}

// Entry is one recorded operation.
type Entry struct {
	ID        int64
	Timestamp time.Time
	Operation string
	ClassName string
	ObjectID  string
	Actor     string
}

// Recent returns the newest entries, most recent first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, timestamp, operation_type, class_name, object_id, COALESCE(actor, '') FROM operations ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Operation, &e.ClassName, &e.ObjectID, &e.Actor); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTimestamp(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// parseTimestamp parses a timestamp string from SQLite in various formats
func parseTimestamp(s string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
