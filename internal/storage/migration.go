package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLock ensures only one migration can run at a time
var migrationLock sync.Mutex

// newMigrator binds golang-migrate to the open handle. The returned Migrate
// must not be closed: closing it would close s.db.
func (s *SQLiteStorage) newMigrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// Migrate applies all pending database migrations
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	migrationLock.Lock()
	defer migrationLock.Unlock()

	m, err := s.newMigrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// MigrateDown reverts every migration.
func (s *SQLiteStorage) MigrateDown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	migrationLock.Lock()
	defer migrationLock.Unlock()

	m, err := s.newMigrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}
	return nil
}

// MigrationStatus represents the status of the schema
type MigrationStatus struct {
	Version uint
	Dirty   bool
}

// GetMigrationStatus returns the current migration status
func (s *SQLiteStorage) GetMigrationStatus() (MigrationStatus, error) {
	migrationLock.Lock()
	defer migrationLock.Unlock()

	m, err := s.newMigrator()
	if err != nil {
		return MigrationStatus{}, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to read migration version: %w", err)
	}
	return MigrationStatus{Version: version, Dirty: dirty}, nil
}
