package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStore is the PostgreSQL implementation of the durable tier.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// PostgresStoreConfig configures the PostgreSQL session store.
type PostgresStoreConfig struct {
	DB     *sql.DB
	Logger *zap.Logger
}

// NewPostgresStore creates a PostgreSQL session store and ensures its
// schema.
func NewPostgresStore(ctx context.Context, config *PostgresStoreConfig) (*PostgresStore, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	store := &PostgresStore{db: config.DB, logger: config.Logger}
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			channel      TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			kind         TEXT NOT NULL,
			payload      JSONB,
			last_touched TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (channel, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_touched ON sessions (last_touched)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure session schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts or replaces a record.
func (s *PostgresStore) Upsert(ctx context.Context, record *Record) error {
	query := `
		INSERT INTO sessions (channel, user_id, kind, payload, last_touched)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel, user_id) DO UPDATE SET
			kind         = EXCLUDED.kind,
			payload      = EXCLUDED.payload,
			last_touched = EXCLUDED.last_touched`

	_, err := s.db.ExecContext(ctx, query,
		record.Key.Channel, record.Key.User, record.Kind,
		[]byte(record.Payload), record.LastTouched)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Delete removes the given keys in one statement.
func (s *PostgresStore) Delete(ctx context.Context, keys []Key) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	channels := make([]string, len(keys))
	users := make([]string, len(keys))
	for i, key := range keys {
		channels[i] = key.Channel
		users[i] = key.User
	}

	query := `
		DELETE FROM sessions
		WHERE (channel, user_id) IN (
			SELECT unnest($1::text[]), unnest($2::text[])
		)`

	result, err := s.db.ExecContext(ctx, query, pq.Array(channels), pq.Array(users))
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// LoadActive returns records touched at or after since.
func (s *PostgresStore) LoadActive(ctx context.Context, since time.Time) ([]*Record, error) {
	query := `
		SELECT channel, user_id, kind, payload, last_touched
		FROM sessions
		WHERE last_touched >= $1`

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var record Record
		var payload []byte
		if err := rows.Scan(&record.Key.Channel, &record.Key.User,
			&record.Kind, &payload, &record.LastTouched); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		record.Payload = payload
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return records, nil
}

// Close is a no-op; the pool is owned by the composition root.
func (s *PostgresStore) Close() error {
	return nil
}
