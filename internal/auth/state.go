package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultStateTTL bounds how long a user may take at the provider.
const DefaultStateTTL = 10 * time.Minute

// StateEntry is everything the callback needs to finish one login attempt.
// It is keyed by State and must be consumed at most once.
type StateEntry struct {
	State      string    `cbor:"1,keyasint"`
	Verifier   string    `cbor:"2,keyasint"`
	RedirectTo string    `cbor:"3,keyasint,omitempty"`
	Provider   string    `cbor:"4,keyasint,omitempty"`
	CreatedAt  time.Time `cbor:"5,keyasint"`
	ExpiresAt  time.Time `cbor:"6,keyasint"`
}

// Expired reports whether the entry is unusable at now. An entry is rejected
// from the instant of ExpiresAt onwards.
func (e *StateEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e *StateEntry) validate() error {
	if e == nil {
		return errors.New("state entry cannot be nil")
	}
	if e.State == "" {
		return errors.New("state cannot be empty")
	}
	if err := ValidateVerifier(e.Verifier); err != nil {
		return err
	}
	if e.ExpiresAt.IsZero() {
		return errors.New("state entry must carry an expiry")
	}
	return nil
}

// StateStore persists verifiers between the authorization redirect and the
// callback.
type StateStore interface {
	// Put stores a new entry. Writing an existing state fails with ErrStateExists.
	Put(ctx context.Context, entry *StateEntry) error
	// Consume atomically reads and deletes the entry for state. Unknown and
	// expired entries both yield ErrInvalidOrExpiredState; any other error is
	// a store failure.
	Consume(ctx context.Context, state string) (*StateEntry, error)
}

// StatePurger is implemented by stores that keep expired entries around until
// they are swept.
type StatePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// StateCounter reports the number of entries awaiting a callback.
type StateCounter interface {
	Pending(ctx context.Context) (int64, error)
}

func invalidState(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrExpiredState, reason)
}
