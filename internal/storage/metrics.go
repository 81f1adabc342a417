package storage

import (
	"context"
	"fmt"
	"time"
)

// Stats is a point-in-time snapshot of the database.
type Stats struct {
	Users               int64     `json:"users" yaml:"users"`
	Accounts            int64     `json:"accounts" yaml:"accounts"`
	RefreshableAccounts int64     `json:"refreshable_accounts" yaml:"refreshable_accounts"`
	ActiveSessions      int64     `json:"active_sessions" yaml:"active_sessions"`
	PendingStates       int64     `json:"pending_states" yaml:"pending_states"`
	CollectedAt         time.Time `json:"collected_at" yaml:"collected_at"`
}

// GetStats collects row counts in a single read transaction.
func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	now := s.now()
	stats := &Stats{CollectedAt: now}

	err := s.WithTx(ctx, func(tx *Transaction) error {
		err := tx.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&stats.Users)
		if err != nil {
			return fmt.Errorf("failed to count users: %w", err)
		}

		err = tx.tx.QueryRowContext(ctx, `
			SELECT COUNT(*), COUNT(CASE WHEN has_refresh_token THEN 1 END)
			FROM accounts`).Scan(&stats.Accounts, &stats.RefreshableAccounts)
		if err != nil {
			return fmt.Errorf("failed to count accounts: %w", err)
		}

		err = tx.tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE expires_at > ?`, toNanos(now)).Scan(&stats.ActiveSessions)
		if err != nil {
			return fmt.Errorf("failed to count sessions: %w", err)
		}

		err = tx.tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pkce_states WHERE expires_at > ?`, toNanos(now)).Scan(&stats.PendingStates)
		if err != nil {
			return fmt.Errorf("failed to count pending states: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
