package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pkcelogin-go/internal/secure"
)

const stateCookiePrefix = "pkce_"

// ErrNoHTTPBinding is returned by the cookie store when the context was not
// prepared with WithHTTP.
var ErrNoHTTPBinding = errors.New("cookie state store requires an HTTP request binding")

type httpBindingKey struct{}

type httpBinding struct {
	w http.ResponseWriter
	r *http.Request
}

// WithHTTP binds the current request and response to ctx so that cookie
// backed stores can read and write cookies. Other stores ignore it.
func WithHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request) context.Context {
	return context.WithValue(ctx, httpBindingKey{}, httpBinding{w: w, r: r})
}

func bindingFrom(ctx context.Context) (httpBinding, error) {
	b, ok := ctx.Value(httpBindingKey{}).(httpBinding)
	if !ok || b.w == nil || b.r == nil {
		return httpBinding{}, ErrNoHTTPBinding
	}
	return b, nil
}

// CookieStateStore keeps each state entry in its own encrypted cookie, so
// concurrent attempts from one browser never overwrite each other. The
// payload is AES-GCM sealed with the state as additional data. Consumed
// states are remembered until they expire to stop a captured cookie from
// being replayed.
type CookieStateStore struct {
	key    []byte
	secure bool
	path   string

	mu       sync.Mutex
	consumed map[string]time.Time
	now      func() time.Time
}

// NewCookieStateStore creates a store sealing cookies with key. Set
// secureCookies when the service is reached over https.
func NewCookieStateStore(key []byte, secureCookies bool) (*CookieStateStore, error) {
	if len(key) != secure.KeySize {
		return nil, secure.ErrInvalidKeySize
	}
	return &CookieStateStore{
		key:      key,
		secure:   secureCookies,
		path:     "/",
		consumed: make(map[string]time.Time),
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source.
func (s *CookieStateStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put writes the sealed entry as a cookie on the bound response.
func (s *CookieStateStore) Put(ctx context.Context, entry *StateEntry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	b, err := bindingFrom(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	maxAge := int(entry.ExpiresAt.Sub(s.now()).Seconds())
	s.mu.Unlock()
	if maxAge <= 0 {
		return fmt.Errorf("state entry already expired")
	}

	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	sealed, err := secure.Seal(s.key, payload, []byte(entry.State))
	if err != nil {
		return fmt.Errorf("sealing state entry: %w", err)
	}

	http.SetCookie(b.w, &http.Cookie{
		Name:     stateCookieName(entry.State),
		Value:    base64.RawURLEncoding.EncodeToString(sealed),
		Path:     s.path,
		Expires:  entry.ExpiresAt,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Consume reads the cookie for state from the bound request, clears it, and
// returns the entry.
func (s *CookieStateStore) Consume(ctx context.Context, state string) (*StateEntry, error) {
	b, err := bindingFrom(ctx)
	if err != nil {
		return nil, err
	}

	name := stateCookieName(state)
	cookie, err := b.r.Cookie(name)
	if err != nil {
		return nil, invalidState("no cookie")
	}

	http.SetCookie(b.w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     s.path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})

	sealed, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil, invalidState("malformed cookie")
	}
	payload, err := secure.Open(s.key, sealed, []byte(state))
	if err != nil {
		return nil, invalidState("cookie failed authentication")
	}

	entry, err := decodeEntry(payload)
	if err != nil {
		return nil, invalidState("undecodable cookie")
	}
	if entry.State != state {
		return nil, invalidState("state mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, seen := s.consumed[name]; seen {
		return nil, invalidState("already consumed")
	}
	s.consumed[name] = entry.ExpiresAt

	if entry.Expired(now) {
		return nil, invalidState("entry expired")
	}
	return entry, nil
}

// PurgeExpired forgets consumed states that could no longer be replayed.
func (s *CookieStateStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for name, expiresAt := range s.consumed {
		if !now.Before(expiresAt) {
			delete(s.consumed, name)
			n++
		}
	}
	return n, nil
}

func stateCookieName(state string) string {
	sum := sha256.Sum256([]byte(state))
	return stateCookiePrefix + hex.EncodeToString(sum[:8])
}
