package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// backupTables are compared row for row after a backup is written.
var backupTables = []string{"users", "accounts", "sessions", "pkce_states"}

// Backup writes a consistent copy of the database to backupPath using
// VACUUM INTO. The target must not exist yet.
func (s *SQLiteStorage) Backup(ctx context.Context, backupPath string) error {
	if backupPath == "" {
		return fmt.Errorf("%w: backup path cannot be empty", ErrInvalidInput)
	}
	if _, err := os.Stat(backupPath); err == nil {
		return fmt.Errorf("%w: backup file %s already exists", ErrInvalidInput, backupPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat backup path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, backupPath); err != nil {
		return fmt.Errorf("failed to backup database: %w", err)
	}

	if err := s.verifyBackup(ctx, backupPath); err != nil {
		os.Remove(backupPath)
		return fmt.Errorf("backup verification failed: %w", err)
	}
	return nil
}

// verifyBackup checks that every table made it into the backup with the same
// row count as the source.
func (s *SQLiteStorage) verifyBackup(ctx context.Context, backupPath string) error {
	backupDB, err := sql.Open("sqlite3", "file:"+backupPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open backup database: %w", err)
	}
	defer backupDB.Close()

	for _, table := range backupTables {
		var sourceCount, backupCount int64

		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := s.db.QueryRowContext(ctx, query).Scan(&sourceCount); err != nil {
			return fmt.Errorf("failed to get source count for table %s: %w", table, err)
		}
		if err := backupDB.QueryRowContext(ctx, query).Scan(&backupCount); err != nil {
			return fmt.Errorf("failed to verify table %s: %w", table, err)
		}
		if sourceCount != backupCount {
			return fmt.Errorf("row count mismatch for table %s: source=%d, backup=%d",
				table, sourceCount, backupCount)
		}
	}
	return nil
}
