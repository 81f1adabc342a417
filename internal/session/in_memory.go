package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// InMemoryStore is an in-memory implementation of the Store interface.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]Session
	updateAge time.Duration
	now       func() time.Time
}

// Option configures an InMemoryStore.
type Option func(*InMemoryStore)

// WithUpdateAge sets how old a session must be before Get extends it.
func WithUpdateAge(d time.Duration) Option {
	return func(s *InMemoryStore) { s.updateAge = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryStore) { s.now = now }
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		sessions:  make(map[string]Session),
		updateAge: DefaultUpdateAge,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create creates a new session for identity.
func (s *InMemoryStore) Create(ctx context.Context, identity Identity, ttl time.Duration) (*Session, error) {
	if identity.Subject == "" {
		return nil, errors.New("identity subject cannot be empty")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}

	sessionID, err := NewID()
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := Session{
		ID:        sessionID,
		Identity:  identity,
		Lifetime:  ttl,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = sess

	out := sess
	return &out, nil
}

// Get retrieves a session by ID, sliding its expiry forward when due.
func (s *InMemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	now := s.now()
	if sess.Expired(now) {
		// Dropped lazily here; housekeeping purges the rest.
		delete(s.sessions, sessionID)
		return nil, ErrExpired
	}

	if ShouldRenew(&sess, s.updateAge, now) {
		sess.UpdatedAt = now
		sess.ExpiresAt = now.Add(sess.Lifetime)
		s.sessions[sessionID] = sess
	}

	out := sess
	return &out, nil
}

// Delete removes a session.
func (s *InMemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// PurgeExpired drops every expired session.
func (s *InMemoryStore) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// CountActive returns the number of unexpired sessions.
func (s *InMemoryStore) CountActive(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var n int64
	for _, sess := range s.sessions {
		if !sess.Expired(now) {
			n++
		}
	}
	return n, nil
}
