package storage

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkcelogin-go/internal/auth"
)

var testVerifier = strings.Repeat("v", 64)

func stateEntry(state string, ttl time.Duration) *auth.StateEntry {
	return &auth.StateEntry{
		State:      state,
		Verifier:   testVerifier,
		RedirectTo: "/dashboard",
		Provider:   "google",
		CreatedAt:  testNow,
		ExpiresAt:  testNow.Add(ttl),
	}
}

func TestStateStore_PutConsume(t *testing.T) {
	s, _ := newTestStorage(t)
	store := NewStateStore(s)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, stateEntry("s1", time.Minute)))

	got, err := store.Consume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, testVerifier, got.Verifier)
	assert.Equal(t, "/dashboard", got.RedirectTo)
	assert.Equal(t, "google", got.Provider)
	assert.True(t, testNow.Equal(got.CreatedAt))

	_, err = store.Consume(ctx, "s1")
	assert.ErrorIs(t, err, auth.ErrInvalidOrExpiredState, "second consume must fail")

	_, err = store.Consume(ctx, "never-issued")
	assert.ErrorIs(t, err, auth.ErrInvalidOrExpiredState)
}

func TestStateStore_Put_Validation(t *testing.T) {
	s, _ := newTestStorage(t)
	store := NewStateStore(s)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, stateEntry("dup", time.Minute)))
	assert.ErrorIs(t, store.Put(ctx, stateEntry("dup", time.Minute)), auth.ErrStateExists)

	assert.ErrorIs(t, store.Put(ctx, stateEntry("", time.Minute)), ErrInvalidInput)
	assert.ErrorIs(t, store.Put(ctx, nil), ErrInvalidInput)

	short := stateEntry("short", time.Minute)
	short.Verifier = "too-short"
	assert.ErrorIs(t, store.Put(ctx, short), auth.ErrInvalidVerifier)

	noExpiry := stateEntry("no-expiry", time.Minute)
	noExpiry.ExpiresAt = time.Time{}
	assert.ErrorIs(t, store.Put(ctx, noExpiry), ErrInvalidInput)
}

func TestStateStore_Expiry(t *testing.T) {
	s, clock := newTestStorage(t)
	store := NewStateStore(s)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, stateEntry("edge", time.Minute)))
	require.NoError(t, store.Put(ctx, stateEntry("later", time.Hour)))

	clock.Advance(time.Minute)
	_, err := store.Consume(ctx, "edge")
	assert.ErrorIs(t, err, auth.ErrInvalidOrExpiredState, "rejected at exactly ExpiresAt")

	// An expired consume still removes the row.
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	_, err = store.Consume(ctx, "later")
	assert.NoError(t, err)
}

func TestStateStore_PurgeExpired(t *testing.T) {
	s, _ := newTestStorage(t)
	store := NewStateStore(s)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, stateEntry("a", time.Minute)))
	require.NoError(t, store.Put(ctx, stateEntry("b", 2*time.Minute)))
	require.NoError(t, store.Put(ctx, stateEntry("c", time.Hour)))

	n, err := store.PurgeExpired(ctx, testNow.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestStateStore_ConcurrentConsume(t *testing.T) {
	s, _ := newTestStorage(t)
	store := NewStateStore(s)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, stateEntry("race", time.Minute)))

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, "race"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}
