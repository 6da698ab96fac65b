package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PostgresStore is the PostgreSQL implementation of Store. The consume
// condition is pushed into a single UPDATE ... WHERE ... RETURNING so
// two concurrent callers can never both pass the cap check.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// PostgresStoreConfig configures the PostgreSQL ledger store.
type PostgresStoreConfig struct {
	DB     *sql.DB
	Logger *zap.Logger
}

// NewPostgresStore creates a PostgreSQL ledger store and ensures its
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
		`CREATE TABLE IF NOT EXISTS resource_ledger (
			id           TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			active       BOOLEAN NOT NULL DEFAULT TRUE,
			max_uses     BIGINT NOT NULL DEFAULT 0,
			current_uses BIGINT NOT NULL DEFAULT 0,
			expires_at   TIMESTAMPTZ,
			created_by   TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL,
			last_used_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_resource_ledger_expires_at ON resource_ledger (expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_resource_ledger_active ON resource_ledger (active)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure ledger schema: %w", err)
		}
	}
	return nil
}

// ConsumeIf runs the conditional increment as one statement. A zero
// rows result means the condition did not hold (or the entry is
// absent); the distinction is left to the caller.
func (s *PostgresStore) ConsumeIf(ctx context.Context, id string, now time.Time, usedBy string) (*Entry, error) {
	query := `
		UPDATE resource_ledger
		SET current_uses = current_uses + 1,
		    last_used_by = $3,
		    updated_at   = $2
		WHERE id = $1
		  AND active
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND (max_uses = 0 OR current_uses < max_uses)
		RETURNING id, kind, active, max_uses, current_uses, expires_at,
		          created_by, created_at, updated_at, last_used_by`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id, now, usedBy))
	if err == sql.ErrNoRows {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume entry: %w", err)
	}
	return entry, nil
}

// Upsert inserts or replaces an entry.
func (s *PostgresStore) Upsert(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO resource_ledger (
			id, kind, active, max_uses, current_uses, expires_at,
			created_by, created_at, updated_at, last_used_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			kind         = EXCLUDED.kind,
			active       = EXCLUDED.active,
			max_uses     = EXCLUDED.max_uses,
			current_uses = EXCLUDED.current_uses,
			expires_at   = EXCLUDED.expires_at,
			updated_at   = EXCLUDED.updated_at,
			last_used_by = EXCLUDED.last_used_by`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Kind, entry.Active, entry.MaxUses, entry.CurrentUses,
		entry.ExpiresAt, entry.CreatedBy, entry.CreatedAt, entry.UpdatedAt,
		entry.LastUsedBy)
	if err != nil {
		return fmt.Errorf("failed to upsert entry: %w", err)
	}
	return nil
}

// InsertIfAbsent inserts an entry unless one already exists.
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO resource_ledger (
			id, kind, active, max_uses, current_uses, expires_at,
			created_by, created_at, updated_at, last_used_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Kind, entry.Active, entry.MaxUses, entry.CurrentUses,
		entry.ExpiresAt, entry.CreatedBy, entry.CreatedAt, entry.UpdatedAt,
		entry.LastUsedBy)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// Get returns an entry by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	query := `
		SELECT id, kind, active, max_uses, current_uses, expires_at,
		       created_by, created_at, updated_at, last_used_by
		FROM resource_ledger WHERE id = $1`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return entry, nil
}

// Deactivate clears the active flag.
func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE resource_ledger SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate entry: %w", err)
	}
	return nil
}

// DeleteStale removes inactive and expired entries.
func (s *PostgresStore) DeleteStale(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_ledger
		 WHERE NOT active OR (expires_at IS NOT NULL AND expires_at <= $1)`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale entries: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Close is a no-op; the pool is owned by the composition root.
func (s *PostgresStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var expiresAt sql.NullTime

	err := row.Scan(&entry.ID, &entry.Kind, &entry.Active, &entry.MaxUses,
		&entry.CurrentUses, &expiresAt, &entry.CreatedBy, &entry.CreatedAt,
		&entry.UpdatedAt, &entry.LastUsedBy)
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		entry.ExpiresAt = &t
	}
	return &entry, nil
}
