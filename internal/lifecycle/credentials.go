package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/transport"
)

// ErrNoCredentials is returned by Load when no bundle is persisted.
var ErrNoCredentials = errors.New("lifecycle: no persisted credentials")

// CredentialStore persists the transport credential bundle. The
// lifecycle manager writes through on every update and wipes the store
// on a terminal disconnect.
type CredentialStore interface {
	Load(ctx context.Context) (transport.Credentials, error)
	Save(ctx context.Context, creds transport.Credentials) error
	Wipe(ctx context.Context) error
}

// MemoryCredentialStore keeps the bundle in memory, for tests and
// throwaway runs.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds transport.Credentials
	set   bool
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (s *MemoryCredentialStore) Load(ctx context.Context) (transport.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return transport.Credentials{}, ErrNoCredentials
	}
	return s.creds, nil
}

func (s *MemoryCredentialStore) Save(ctx context.Context, creds transport.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.set = true
	return nil
}

func (s *MemoryCredentialStore) Wipe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = transport.Credentials{}
	s.set = false
	return nil
}

// PostgresCredentialStore persists the bundle in the credentials table,
// one row per process identity.
type PostgresCredentialStore struct {
	db       *sql.DB
	identity string
	logger   *zap.Logger
}

// PostgresCredentialStoreConfig configures the store.
type PostgresCredentialStoreConfig struct {
	DB *sql.DB

	// Identity names this process's credential row.
	Identity string

	Logger *zap.Logger
}

// NewPostgresCredentialStore creates the store and ensures its schema.
func NewPostgresCredentialStore(ctx context.Context, config *PostgresCredentialStoreConfig) (*PostgresCredentialStore, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if config.Identity == "" {
		config.Identity = "default"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	store := &PostgresCredentialStore{
		db:       config.DB,
		identity: config.Identity,
		logger:   config.Logger,
	}

	_, err := store.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			identity   TEXT PRIMARY KEY,
			blob       BYTEA NOT NULL,
			revision   BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure credentials schema: %w", err)
	}
	return store, nil
}

func (s *PostgresCredentialStore) Load(ctx context.Context) (transport.Credentials, error) {
	var creds transport.Credentials

	err := s.db.QueryRowContext(ctx,
		`SELECT blob, revision FROM credentials WHERE identity = $1`,
		s.identity).Scan(&creds.Blob, &creds.Revision)
	if err == sql.ErrNoRows {
		return transport.Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return transport.Credentials{}, fmt.Errorf("failed to load credentials: %w", err)
	}
	return creds, nil
}

func (s *PostgresCredentialStore) Save(ctx context.Context, creds transport.Credentials) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (identity, blob, revision, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity) DO UPDATE SET
			blob       = EXCLUDED.blob,
			revision   = EXCLUDED.revision,
			updated_at = EXCLUDED.updated_at`,
		s.identity, creds.Blob, creds.Revision, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (s *PostgresCredentialStore) Wipe(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE identity = $1`, s.identity)
	if err != nil {
		return fmt.Errorf("failed to wipe credentials: %w", err)
	}
	s.logger.Warn("credentials wiped", zap.String("identity", s.identity))
	return nil
}
