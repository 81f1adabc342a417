package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = Identity{Provider: "google", Subject: "user-123", Email: "user@example.com"}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestInMemoryStore_Create(t *testing.T) {
	store := NewInMemoryStore()

	sess, err := store.Create(context.Background(), testIdentity, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, testIdentity, sess.Identity)
	assert.Equal(t, time.Hour, sess.Lifetime)

	t.Run("rejects identity without subject", func(t *testing.T) {
		_, err := store.Create(context.Background(), Identity{Provider: "google"}, time.Hour)
		assert.Error(t, err)
	})

	t.Run("zero ttl uses default", func(t *testing.T) {
		sess, err := store.Create(context.Background(), testIdentity, 0)
		require.NoError(t, err)
		assert.Equal(t, DefaultTTL, sess.Lifetime)
	})
}

func TestInMemoryStore_Get(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewInMemoryStore(WithClock(clock.Now), WithUpdateAge(time.Hour))
	ctx := context.Background()

	t.Run("gets a valid session", func(t *testing.T) {
		sess, err := store.Create(ctx, testIdentity, 2*time.Hour)
		require.NoError(t, err)

		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, testIdentity, got.Identity)
	})

	t.Run("returns error for non-existent session", func(t *testing.T) {
		_, err := store.Get(ctx, "non-existent-session-id")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("returns error for expired session", func(t *testing.T) {
		sess, err := store.Create(ctx, testIdentity, -time.Hour)
		require.NoError(t, err)

		_, err = store.Get(ctx, sess.ID)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("session expiring exactly now is expired", func(t *testing.T) {
		sess, err := store.Create(ctx, testIdentity, time.Minute)
		require.NoError(t, err)
		clock.Advance(time.Minute)

		_, err = store.Get(ctx, sess.ID)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("slides expiry once older than update age", func(t *testing.T) {
		sess, err := store.Create(ctx, testIdentity, 2*time.Hour)
		require.NoError(t, err)
		originalExpiry := sess.ExpiresAt

		clock.Advance(30 * time.Minute)
		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, originalExpiry, got.ExpiresAt, "too young to renew")

		clock.Advance(45 * time.Minute)
		got, err = store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, clock.Now().Add(2*time.Hour), got.ExpiresAt)
	})
}

func TestInMemoryStore_Delete(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	sess, err := store.Create(ctx, testIdentity, time.Hour)
	require.NoError(t, err)

	err = store.Delete(ctx, sess.ID)
	require.NoError(t, err)

	_, err = store.Get(ctx, sess.ID)
	assert.Error(t, err, "should not be able to get a deleted session")
}

func TestInMemoryStore_PurgeAndCount(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewInMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	_, err := store.Create(ctx, testIdentity, time.Minute)
	require.NoError(t, err)
	_, err = store.Create(ctx, testIdentity, time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	active, err := store.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
