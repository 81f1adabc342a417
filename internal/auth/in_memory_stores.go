package auth

import (
	"context"
	"sync"
	"time"
)

// InMemoryStateStore provides an in-memory implementation of the StateStore
// interface. It is only suitable for a single process.
type InMemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]StateEntry
	now     func() time.Time
}

// NewInMemoryStateStore creates a new InMemoryStateStore.
func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{
		entries: make(map[string]StateEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (s *InMemoryStateStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores the entry under its state.
func (s *InMemoryStateStore) Put(ctx context.Context, entry *StateEntry) error {
	if err := entry.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.State]; ok {
		return ErrStateExists
	}
	s.entries[entry.State] = *entry
	return nil
}

// Consume retrieves and deletes the entry for state.
func (s *InMemoryStateStore) Consume(ctx context.Context, state string) (*StateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return nil, invalidState("no entry")
	}
	delete(s.entries, state)

	if entry.Expired(s.now()) {
		return nil, invalidState("entry expired")
	}
	return &entry, nil
}

// PurgeExpired removes entries whose expiry is at or before now.
func (s *InMemoryStateStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for state, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, state)
			n++
		}
	}
	return n, nil
}

// Pending returns the number of stored entries.
func (s *InMemoryStateStore) Pending(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}
