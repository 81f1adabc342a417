package storage

import (
	"context"
	"fmt"
	"time"
)

// CleanupInactiveUsers removes users who have not signed in for longer than
// the inactivity period and hold no live session. Their accounts go with them.
func (s *SQLiteStorage) CleanupInactiveUsers(ctx context.Context, inactivityPeriod time.Duration) (int64, error) {
	if inactivityPeriod <= 0 {
		return 0, fmt.Errorf("%w: inactivity period must be positive", ErrInvalidInput)
	}

	now := s.now()
	cutoff := toNanos(now.Add(-inactivityPeriod))

	var deleted int64
	err := s.WithTx(ctx, func(tx *Transaction) error {
		n, err := tx.cleanupInactiveUsers(ctx, cutoff, toNanos(now))
		deleted = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (t *Transaction) cleanupInactiveUsers(ctx context.Context, cutoff, now int64) (int64, error) {
	if t.closed {
		return 0, ErrTransactionClosed
	}

	const inactive = `
		SELECT u.id FROM users u
		WHERE u.updated_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM sessions s WHERE s.user_id = u.id AND s.expires_at > ?
		)`

	// Accounts first so the delete does not depend on foreign_keys being on.
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM accounts WHERE user_id IN (`+inactive+`)`, cutoff, now); err != nil {
		return 0, fmt.Errorf("failed to cleanup accounts for inactive users: %w", err)
	}

	result, err := t.tx.ExecContext(ctx, `DELETE FROM users WHERE id IN (`+inactive+`)`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup inactive users: %w", err)
	}
	return result.RowsAffected()
}
