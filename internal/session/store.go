package session

import (
	"context"
	"time"
)

// Store is the durable tier behind the hot cache. It is a write-behind
// mirror and cold-start source, not a per-call source of truth: the hot
// cache stays authoritative for liveness decisions within a process.
type Store interface {
	// Upsert inserts or replaces a record.
	Upsert(ctx context.Context, record *Record) error

	// Delete removes the given keys, returning how many existed.
	// Missing keys are not an error.
	Delete(ctx context.Context, keys []Key) (int, error)

	// LoadActive returns all records touched at or after since. Used
	// once at process start to warm the hot cache.
	LoadActive(ctx context.Context, since time.Time) ([]*Record, error)

	// Close releases the store.
	Close() error
}
