package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestStorage opens a migrated in-memory database. A single connection
// keeps every query on the same in-memory database.
func newTestStorage(t *testing.T) (*SQLiteStorage, *testClock) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := NewSQLiteStorage(db)
	clock := &testClock{t: testNow}
	s.SetClock(clock.Now)

	require.NoError(t, s.Migrate(context.Background()))
	return s, clock
}

func TestTimeConversion(t *testing.T) {
	assert.Equal(t, int64(0), toNanos(time.Time{}))
	assert.True(t, fromNanos(0).IsZero())

	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))
	got := fromNanos(toNanos(ts))
	assert.True(t, ts.Equal(got))
	assert.Equal(t, time.UTC, got.Location())
}

func TestSQLiteStorage_Ping(t *testing.T) {
	s, _ := newTestStorage(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestMigrations(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	status, err := s.GetMigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, uint(1), status.Version)
	assert.False(t, status.Dirty)

	t.Run("up is idempotent", func(t *testing.T) {
		require.NoError(t, s.Migrate(ctx))
	})

	t.Run("down removes the schema", func(t *testing.T) {
		require.NoError(t, s.MigrateDown(ctx))

		status, err := s.GetMigrationStatus()
		require.NoError(t, err)
		assert.Equal(t, uint(0), status.Version)

		_, err = s.GetUserByID(ctx, "anyone")
		assert.Error(t, err)

		require.NoError(t, s.Migrate(ctx))
		status, err = s.GetMigrationStatus()
		require.NoError(t, err)
		assert.Equal(t, uint(1), status.Version)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, s.Migrate(cctx), context.Canceled)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "empty path", mutate: func(c *Config) { c.Path = "" }, wantErr: true},
		{name: "no open conns", mutate: func(c *Config) { c.MaxOpenConns = 0 }, wantErr: true},
		{name: "negative idle", mutate: func(c *Config) { c.MaxIdleConns = -1 }, wantErr: true},
		{name: "idle above open", mutate: func(c *Config) { c.MaxIdleConns = c.MaxOpenConns + 1 }, wantErr: true},
		{name: "zero lifetime", mutate: func(c *Config) { c.ConnMaxLifetime = 0 }, wantErr: true},
		{name: "zero idle time", mutate: func(c *Config) { c.ConnMaxIdleTime = 0 }, wantErr: true},
		{name: "idle time above lifetime", mutate: func(c *Config) { c.ConnMaxIdleTime = 2 * c.ConnMaxLifetime }, wantErr: true},
		{name: "zero busy timeout", mutate: func(c *Config) { c.BusyTimeout = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = "/var/lib/pkce/login.db"
	dsn := cfg.DSN()
	assert.Contains(t, dsn, "file:/var/lib/pkce/login.db?")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_foreign_keys=on")
}

func TestOpenDatabase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir() + "/login.db"

	s, err := OpenDatabase(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	status, err := s.GetMigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, uint(1), status.Version)

	_, err = OpenDatabase(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestWithTx(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	insert := func(tx *Transaction, id string) error {
		_, err := tx.tx.ExecContext(ctx,
			`INSERT INTO users (id, email, name, image, created_at, updated_at) VALUES (?, '', '', '', 1, 1)`, id)
		return err
	}

	require.NoError(t, s.WithTx(ctx, func(tx *Transaction) error { return insert(tx, "committed") }))

	err := s.WithTx(ctx, func(tx *Transaction) error {
		require.NoError(t, insert(tx, "rolled-back"))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = s.GetUserByID(ctx, "committed")
	assert.NoError(t, err)
	_, err = s.GetUserByID(ctx, "rolled-back")
	assert.ErrorIs(t, err, ErrNotFound)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.ErrorIs(t, tx.Commit(), ErrTransactionClosed)
}
