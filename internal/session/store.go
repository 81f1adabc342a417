package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

const (
	// DefaultTTL is how long a session lives without activity.
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultUpdateAge is how old a session must be before a read extends it.
	DefaultUpdateAge = 24 * time.Hour
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// Identity is the provider-asserted identity a session is bound to.
type Identity struct {
	UserID   string `json:"user_id,omitempty"`
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Picture  string `json:"picture,omitempty"`
}

// Session is a local authenticated session. It never carries provider tokens.
type Session struct {
	ID        string        `json:"-"`
	Identity  Identity      `json:"identity"`
	Lifetime  time.Duration `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store defines the interface for session management.
type Store interface {
	// Create creates a new session bound to identity and returns it.
	Create(ctx context.Context, identity Identity, ttl time.Duration) (*Session, error)
	// Get retrieves a live session, extending it when it is older than the
	// store's update age.
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Delete removes a session.
	Delete(ctx context.Context, sessionID string) error
}

// Purger is implemented by stores that can drop expired sessions in bulk.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Counter is implemented by stores that can report how many sessions are live.
type Counter interface {
	CountActive(ctx context.Context) (int64, error)
}

// NewID creates a new random session ID.
func NewID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ShouldRenew reports whether a read at now should slide the expiry forward.
func ShouldRenew(s *Session, updateAge time.Duration, now time.Time) bool {
	return updateAge > 0 && now.Sub(s.UpdatedAt) >= updateAge
}
