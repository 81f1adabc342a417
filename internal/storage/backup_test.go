package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"pkcelogin-go/internal/session"
)

func TestSQLiteStorage_Backup(t *testing.T) {
	accounts, s, _ := newTestAccountStore(t)
	ctx := context.Background()

	userID, err := accounts.LinkAccount(ctx,
		&session.Identity{Provider: "google", Subject: "sub-1", Email: "a@example.com"},
		&oauth2.Token{AccessToken: "at", RefreshToken: "rt"})
	require.NoError(t, err)
	_, err = NewSessionStore(s, 0).Create(ctx, testIdentity, time.Hour)
	require.NoError(t, err)

	backupPath := filepath.Join(t.TempDir(), "nested", "backup.db")
	require.NoError(t, s.Backup(ctx, backupPath))

	_, err = os.Stat(backupPath)
	require.NoError(t, err)

	backupDB, err := sql.Open("sqlite3", backupPath)
	require.NoError(t, err)
	defer backupDB.Close()

	restored := NewSQLiteStorage(backupDB)
	user, err := restored.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", user.Email)

	status, err := restored.GetMigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, uint(1), status.Version)

	t.Run("refuses to overwrite", func(t *testing.T) {
		assert.ErrorIs(t, s.Backup(ctx, backupPath), ErrInvalidInput)
	})

	t.Run("empty path", func(t *testing.T) {
		assert.ErrorIs(t, s.Backup(ctx, ""), ErrInvalidInput)
	})
}

func TestSQLiteStorage_GetStats(t *testing.T) {
	accounts, s, _ := newTestAccountStore(t)
	ctx := context.Background()

	_, err := accounts.LinkAccount(ctx,
		&session.Identity{Provider: "google", Subject: "sub-1"},
		&oauth2.Token{AccessToken: "at", RefreshToken: "rt"})
	require.NoError(t, err)
	_, err = accounts.LinkAccount(ctx,
		&session.Identity{Provider: "github", Subject: "sub-2"},
		&oauth2.Token{AccessToken: "at"})
	require.NoError(t, err)

	sessions := NewSessionStore(s, 0)
	_, err = sessions.Create(ctx, testIdentity, time.Hour)
	require.NoError(t, err)
	_, err = sessions.Create(ctx, testIdentity, -time.Hour)
	require.NoError(t, err)

	require.NoError(t, NewStateStore(s).Put(ctx, stateEntry("s1", time.Minute)))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Users)
	assert.Equal(t, int64(2), stats.Accounts)
	assert.Equal(t, int64(1), stats.RefreshableAccounts)
	assert.Equal(t, int64(1), stats.ActiveSessions)
	assert.Equal(t, int64(1), stats.PendingStates)
	assert.Equal(t, testNow, stats.CollectedAt)
}

func TestSQLiteStorage_CleanupInactiveUsers(t *testing.T) {
	accounts, s, clock := newTestAccountStore(t)
	ctx := context.Background()

	idle, err := accounts.LinkAccount(ctx,
		&session.Identity{Provider: "google", Subject: "idle"}, &oauth2.Token{AccessToken: "a"})
	require.NoError(t, err)
	withSession, err := accounts.LinkAccount(ctx,
		&session.Identity{Provider: "google", Subject: "busy"}, &oauth2.Token{AccessToken: "a"})
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	recent, err := accounts.LinkAccount(ctx,
		&session.Identity{Provider: "google", Subject: "recent"}, &oauth2.Token{AccessToken: "a"})
	require.NoError(t, err)

	busy := testIdentity
	busy.UserID = withSession
	_, err = NewSessionStore(s, 0).Create(ctx, busy, time.Hour)
	require.NoError(t, err)

	n, err := s.CleanupInactiveUsers(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetUserByID(ctx, idle)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetUserByID(ctx, withSession)
	assert.NoError(t, err)
	_, err = s.GetUserByID(ctx, recent)
	assert.NoError(t, err)

	linked, err := s.ListAccounts(ctx, idle)
	require.NoError(t, err)
	assert.Empty(t, linked)

	_, err = s.CleanupInactiveUsers(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
