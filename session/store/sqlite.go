package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sweetpotato0/agentstep/reply"
	"github.com/sweetpotato0/agentstep/session"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const defaultSQLiteBusyTimeout = 5000

// SQLiteStore keeps session records in a local SQLite file. It needs no
// server, which makes it the default choice for the CLI.
type SQLiteStore struct {
	db *sql.DB
}

var _ session.Store = (*SQLiteStore)(nil)

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path string
	// BusyTimeout is the milliseconds to wait on a locked database.
	BusyTimeout int
}

// NewSQLiteStore opens (creating if needed) the database at config.Path.
//
// The database runs in WAL mode with a single connection, since SQLite
// serialises writes anyway.
func NewSQLiteStore(ctx context.Context, config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil || config.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if config.Path != ":memory:" {
		if dir := filepath.Dir(config.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
			}
		}
	}
	busy := config.BusyTimeout
	if busy <= 0 {
		busy = defaultSQLiteBusyTimeout
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", config.Path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy),
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	_, err = db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS reply_sessions (
		id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		record TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reply_sessions_updated_at ON reply_sessions(updated_at);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts a session record.
func (s *SQLiteStore) Save(ctx context.Context, record reply.Record) error {
	if err := session.CheckRecord(record); err != nil {
		return err
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	updated := record.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO reply_sessions (id, phase, record, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		phase = excluded.phase,
		record = excluded.record,
		updated_at = excluded.updated_at
	`, record.ID, record.Phase.String(), string(raw), updated.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save session to SQLite: %w", err)
	}
	return nil
}

// Load retrieves a session record by ID.
func (s *SQLiteStore) Load(ctx context.Context, id string) (reply.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM reply_sessions WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reply.Record{}, session.NotFound(id)
		}
		return reply.Record{}, fmt.Errorf("failed to load session: %w", err)
	}

	var record reply.Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return reply.Record{}, fmt.Errorf("failed to decode session record: %w", err)
	}
	return record, nil
}

// Delete removes a session record.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reply_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// List returns all session IDs, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM reply_sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of stored sessions.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reply_sessions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// Exists checks if a session exists.
func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM reply_sessions WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return exists, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
