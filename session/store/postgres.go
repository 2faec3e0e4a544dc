package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sweetpotato0/agentstep/reply"
	"github.com/sweetpotato0/agentstep/session"
)

// PostgresStore implements session storage using PostgreSQL. Records are
// kept as JSONB next to their phase so terminal sessions can be found
// without decoding.
type PostgresStore struct {
	db    *sql.DB
	table string
}

var _ session.Store = (*PostgresStore)(nil)

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// DSN overrides the discrete fields when set.
	DSN   string
	Table string
}

// DefaultPostgresConfig returns default PostgreSQL configuration
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		DBName:   "agentstep",
		SSLMode:  "disable",
		Table:    "reply_sessions",
	}
}

func (c *PostgresConfig) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// NewPostgresStore connects to PostgreSQL and creates the session table if
// needed.
func NewPostgresStore(ctx context.Context, config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	table := config.Table
	if table == "" {
		table = DefaultPostgresConfig().Table
	}

	db, err := sql.Open("postgres", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	store := &PostgresStore{db: db, table: table}
	if err := store.createTable(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) createTable(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id VARCHAR(255) PRIMARY KEY,
		phase VARCHAR(32) NOT NULL,
		record JSONB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_phase ON %[1]s(phase);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_updated_at ON %[1]s(updated_at);
	`, s.table)

	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Save upserts a session record.
func (s *PostgresStore) Save(ctx context.Context, record reply.Record) error {
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

	query := fmt.Sprintf(`
	INSERT INTO %s (id, phase, record, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO UPDATE SET
		phase = EXCLUDED.phase,
		record = EXCLUDED.record,
		updated_at = EXCLUDED.updated_at
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query, record.ID, record.Phase.String(), string(raw), updated); err != nil {
		return fmt.Errorf("failed to save session to PostgreSQL: %w", err)
	}
	return nil
}

// Load retrieves a session record by ID.
func (s *PostgresStore) Load(ctx context.Context, id string) (reply.Record, error) {
	var raw string
	query := fmt.Sprintf(`SELECT record FROM %s WHERE id = $1`, s.table)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&raw); err != nil {
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
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// List returns all session IDs, most recently updated first.
func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s ORDER BY updated_at DESC`, s.table)
	rows, err := s.db.QueryContext(ctx, query)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return ids, nil
}

// Count returns the number of stored sessions.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// Exists checks if a session exists.
func (s *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, s.table)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return exists, nil
}

// Clear removes every session record.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks if PostgreSQL connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
