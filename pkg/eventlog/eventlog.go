// Package eventlog persists operator events to SQLite so a restarted server
// still has its history.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Log is a SQLite-backed event log. It satisfies the server's event sink;
// recording never fails the caller, a broken log only loses history.
type Log struct {
	db *sql.DB
}

// Entry is one recorded event.
type Entry struct {
	ID   int64
	At   time.Time
	Text string
}

// Open opens (or creates) the event database and runs migrations.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open db: %w", err)
	}

	ctx := context.Background()

	// WAL keeps reads cheap while handler goroutines append.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventlog: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventlog: set busy_timeout: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		text TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}

	return &Log{db: db}, nil
}

// Record appends one event. Failures are logged, never surfaced; the server
// must not stall on its audit trail.
func (l *Log) Record(text string) {
	if _, err := l.db.Exec("INSERT INTO events (text) VALUES (?)", text); err != nil {
		slog.Error("eventlog: record failed", "err", err)
	}
}

// Recent returns up to n events, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	rows, err := l.db.Query(
		"SELECT id, at, text FROM events ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.At, &e.Text); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: iterate: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
