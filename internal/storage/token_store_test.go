package storage

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"pkcelogin-go/internal/secure"
	"pkcelogin-go/internal/session"
)

var testKey = bytes.Repeat([]byte{7}, secure.KeySize)

func newTestAccountStore(t *testing.T) (*AccountStore, *SQLiteStorage, *testClock) {
	t.Helper()
	s, clock := newTestStorage(t)
	accounts, err := NewAccountStore(s, testKey)
	require.NoError(t, err)
	return accounts, s, clock
}

func TestNewAccountStore_KeySize(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := NewAccountStore(s, []byte("short"))
	assert.ErrorIs(t, err, secure.ErrInvalidKeySize)
}

func TestAccountStore_LinkAccount(t *testing.T) {
	accounts, s, clock := newTestAccountStore(t)
	ctx := context.Background()

	identity := &session.Identity{Provider: "google", Subject: "sub-1", Email: "a@example.com", Name: "Alice"}
	token := &oauth2.Token{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: testNow.Add(time.Hour)}

	userID, err := accounts.LinkAccount(ctx, identity, token)
	require.NoError(t, err)
	require.NotEmpty(t, userID)

	user, err := s.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", user.Email)
	assert.Equal(t, "Alice", user.Name)

	linked, err := s.ListAccounts(ctx, userID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "google", linked[0].Provider)
	assert.Equal(t, "sub-1", linked[0].Subject)
	assert.True(t, linked[0].HasRefreshToken)
	assert.True(t, token.Expiry.Equal(linked[0].TokenExpiry))

	t.Run("second login updates the same user", func(t *testing.T) {
		clock.Advance(time.Minute)
		renamed := *identity
		renamed.Name = "Alice B"

		again, err := accounts.LinkAccount(ctx, &renamed, &oauth2.Token{AccessToken: "at-2"})
		require.NoError(t, err)
		assert.Equal(t, userID, again)

		user, err := s.GetUserByID(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "Alice B", user.Name)

		linked, err := s.ListAccounts(ctx, userID)
		require.NoError(t, err)
		require.Len(t, linked, 1)
		assert.False(t, linked[0].HasRefreshToken)

		stored, err := accounts.GetToken(ctx, linked[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "at-2", stored.AccessToken)
	})

	t.Run("other provider creates another user", func(t *testing.T) {
		other, err := accounts.LinkAccount(ctx,
			&session.Identity{Provider: "github", Subject: "sub-1"}, &oauth2.Token{AccessToken: "gh"})
		require.NoError(t, err)
		assert.NotEqual(t, userID, other)
	})

	t.Run("rejects incomplete input", func(t *testing.T) {
		_, err := accounts.LinkAccount(ctx, &session.Identity{Provider: "google"}, token)
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = accounts.LinkAccount(ctx, identity, nil)
		assert.Error(t, err)
	})
}

func TestAccountStore_TokenEncryptedAtRest(t *testing.T) {
	accounts, s, _ := newTestAccountStore(t)
	ctx := context.Background()

	userID, err := accounts.LinkAccount(ctx,
		&session.Identity{Provider: "google", Subject: "sub-1"},
		&oauth2.Token{AccessToken: "super-secret-access", RefreshToken: "super-secret-refresh"})
	require.NoError(t, err)

	var raw []byte
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT encrypted_token FROM accounts WHERE user_id = ?`, userID).Scan(&raw))
	assert.NotContains(t, string(raw), "super-secret")

	wrongKey, err := NewAccountStore(s, bytes.Repeat([]byte{9}, secure.KeySize))
	require.NoError(t, err)
	linked, err := s.ListAccounts(ctx, userID)
	require.NoError(t, err)
	_, err = wrongKey.GetToken(ctx, linked[0].ID)
	assert.Error(t, err)
}

func TestAccountStore_SaveToken(t *testing.T) {
	accounts, s, _ := newTestAccountStore(t)
	ctx := context.Background()

	userID, err := accounts.LinkAccount(ctx,
		&session.Identity{Provider: "google", Subject: "sub-1"},
		&oauth2.Token{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: testNow})
	require.NoError(t, err)
	linked, err := s.ListAccounts(ctx, userID)
	require.NoError(t, err)
	accountID := linked[0].ID

	refreshed := &oauth2.Token{AccessToken: "at-2", RefreshToken: "rt-1", Expiry: testNow.Add(time.Hour)}
	require.NoError(t, accounts.SaveToken(ctx, accountID, refreshed))

	got, err := accounts.GetToken(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "at-2", got.AccessToken)
	assert.Equal(t, "rt-1", got.RefreshToken)
	assert.True(t, refreshed.Expiry.Equal(got.Expiry))

	assert.ErrorIs(t, accounts.SaveToken(ctx, "missing", refreshed), ErrNotFound)
	assert.ErrorIs(t, accounts.SaveToken(ctx, "", refreshed), ErrInvalidInput)

	_, err = accounts.GetToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, accounts.DeleteToken(ctx, accountID))
	_, err = accounts.GetToken(ctx, accountID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountStore_ListExpiring(t *testing.T) {
	accounts, _, _ := newTestAccountStore(t)
	ctx := context.Background()

	link := func(provider, subject string, tok *oauth2.Token) {
		t.Helper()
		_, err := accounts.LinkAccount(ctx, &session.Identity{Provider: provider, Subject: subject}, tok)
		require.NoError(t, err)
	}
	link("google", "soon", &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: testNow.Add(2 * time.Minute)})
	link("google", "later", &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: testNow.Add(time.Hour)})
	link("google", "no-refresh", &oauth2.Token{AccessToken: "a", Expiry: testNow.Add(-time.Minute)})
	link("google", "no-expiry", &oauth2.Token{AccessToken: "a", RefreshToken: "r"})
	link("github", "other", &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: testNow.Add(-time.Minute)})

	due, err := accounts.ListExpiring(ctx, "google", testNow.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "google", due[0].Provider)
	assert.Equal(t, "r", due[0].Token.RefreshToken)
	assert.NotEmpty(t, due[0].AccountID)
}

func TestSQLiteStorage_Users(t *testing.T) {
	accounts, s, _ := newTestAccountStore(t)
	ctx := context.Background()

	userID, err := accounts.LinkAccount(ctx,
		&session.Identity{Provider: "google", Subject: "sub-1", Email: "a@example.com"},
		&oauth2.Token{AccessToken: "a"})
	require.NoError(t, err)

	user, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, userID, user.ID)

	_, err = s.GetUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetUserByID(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, s.DeleteUser(ctx, userID))
	_, err = s.GetUserByID(ctx, userID)
	assert.ErrorIs(t, err, ErrNotFound)

	linked, err := s.ListAccounts(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, linked)

	assert.ErrorIs(t, s.DeleteUser(ctx, userID), ErrNotFound)
}
