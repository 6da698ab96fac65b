package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the durable tier, used
// in tests and single-process development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]*Record
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]*Record)}
}

// Upsert inserts or replaces a record.
func (s *MemoryStore) Upsert(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	s.records[record.Key] = &copied
	return nil
}

// Delete removes the given keys.
func (s *MemoryStore) Delete(ctx context.Context, keys []Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if _, ok := s.records[key]; ok {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

// LoadActive returns records touched at or after since.
func (s *MemoryStore) LoadActive(ctx context.Context, since time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*Record
	for _, record := range s.records {
		if !record.LastTouched.Before(since) {
			copied := *record
			records = append(records, &copied)
		}
	}
	return records, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
