package balances

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	snap    Snapshot
	expires time.Time
}

// MemoryStore is an in-process Store used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || (!entry.expires.IsZero() && !s.now().Before(entry.expires)) {
		return Snapshot{}, ErrMiss
	}
	return entry.snap, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, snap Snapshot, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := memoryEntry{snap: snap}
	if ttl > 0 {
		entry.expires = s.now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
