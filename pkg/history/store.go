package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Event kinds.
const (
	KindPin    = "pin"
	KindFault  = "fault"
	KindAction = "action"
	KindGated  = "gated"
)

// Event is one recorded row.
type Event struct {
	ID        int64
	Session   string
	Eventtime float64
	Kind      string
	Subject   string
	Detail    string
}

// Store keeps events in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. ":memory:" keeps the history
// for the life of the process.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// one connection: an in-memory database exists per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Write appends ev. ID is assigned by the database.
func (s *Store) Write(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session, eventtime, kind, subject, detail)
		VALUES (?, ?, ?, ?, ?)
	`, ev.Session, ev.Eventtime, ev.Kind, ev.Subject, ev.Detail)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty subject
// matches every event.
func (s *Store) Recent(ctx context.Context, subject string, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session, eventtime, kind, subject, detail FROM events
		WHERE ? = '' OR subject = ?
		ORDER BY id DESC
		LIMIT ?
	`, subject, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Session, &ev.Eventtime, &ev.Kind, &ev.Subject, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Prune keeps the newest keep events and returns how many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE id <= (
			SELECT id FROM events ORDER BY id DESC LIMIT 1 OFFSET ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
