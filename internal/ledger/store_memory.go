package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store. The single mutex
// makes ConsumeIf atomic within the process; it is intended for tests
// and single-process development runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// ConsumeIf atomically increments the usage counter when the consume
// condition holds.
func (s *MemoryStore) ConsumeIf(ctx context.Context, id string, now time.Time, usedBy string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNoMatch
	}
	if !entry.Active || entry.Expired(now) || entry.Exhausted() {
		return nil, ErrNoMatch
	}

	entry.CurrentUses++
	entry.LastUsedBy = usedBy
	entry.UpdatedAt = now

	copied := *entry
	return &copied, nil
}

// Upsert inserts or replaces an entry.
func (s *MemoryStore) Upsert(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *entry
	s.entries[entry.ID] = &copied
	return nil
}

// InsertIfAbsent inserts an entry unless one already exists.
func (s *MemoryStore) InsertIfAbsent(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.ID]; ok {
		return nil
	}
	copied := *entry
	s.entries[entry.ID] = &copied
	return nil
}

// Get returns an entry by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

// Deactivate clears the active flag.
func (s *MemoryStore) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[id]; ok {
		entry.Active = false
		entry.UpdatedAt = time.Now()
	}
	return nil
}

// DeleteStale removes inactive and expired entries.
func (s *MemoryStore) DeleteStale(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if !entry.Active || entry.Expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
