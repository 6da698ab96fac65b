package ledger

import (
	"context"
	"time"
)

// Store is the durable tier for ledger entries. ConsumeIf is the only
// operation that needs atomicity; everything else is administrative.
type Store interface {
	// ConsumeIf increments the entry's usage counter by one if and
	// only if the entry is active, unexpired at now, and under its
	// usage cap, attributing the use to usedBy. It returns the
	// post-update entry, or ErrNoMatch when the condition did not
	// hold. Implementations must make the check and the increment a
	// single atomic step.
	ConsumeIf(ctx context.Context, id string, now time.Time, usedBy string) (*Entry, error)

	// Upsert inserts or replaces an entry.
	Upsert(ctx context.Context, entry *Entry) error

	// InsertIfAbsent inserts an entry only when no entry with the
	// same id exists. Existing entries are left untouched, so two
	// concurrent callers cannot reset each other's counters.
	InsertIfAbsent(ctx context.Context, entry *Entry) error

	// Get returns an entry or ErrNotFound.
	Get(ctx context.Context, id string) (*Entry, error)

	// Deactivate clears the active flag. Missing entries are ignored.
	Deactivate(ctx context.Context, id string) error

	// DeleteStale removes entries that are inactive or expired at
	// now, returning how many were removed.
	DeleteStale(ctx context.Context, now time.Time) (int, error)

	// Close releases the store.
	Close() error
}
