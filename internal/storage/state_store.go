package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pkcelogin-go/internal/auth"
)

// StateStore keeps PKCE state entries in the pkce_states table. Consume is a
// single DELETE ... RETURNING statement, so two callbacks racing on the same
// state cannot both read it.
type StateStore struct {
	s *SQLiteStorage
}

var (
	_ auth.StateStore   = (*StateStore)(nil)
	_ auth.StatePurger  = (*StateStore)(nil)
	_ auth.StateCounter = (*StateStore)(nil)
)

// NewStateStore creates a StateStore on s.
func NewStateStore(s *SQLiteStorage) *StateStore {
	return &StateStore{s: s}
}

func (st *StateStore) Put(ctx context.Context, entry *auth.StateEntry) error {
	if entry == nil || entry.State == "" {
		return fmt.Errorf("%w: state cannot be empty", ErrInvalidInput)
	}
	if err := auth.ValidateVerifier(entry.Verifier); err != nil {
		return err
	}
	if entry.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: state entry must carry an expiry", ErrInvalidInput)
	}

	_, err := st.s.db.ExecContext(ctx, `
		INSERT INTO pkce_states (state, verifier, redirect_to, provider, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.State, entry.Verifier, entry.RedirectTo, entry.Provider,
		toNanos(entry.CreatedAt), toNanos(entry.ExpiresAt))
	if err != nil {
		if isConstraintError(err) {
			return auth.ErrStateExists
		}
		return fmt.Errorf("failed to store state: %w", err)
	}
	return nil
}

func (st *StateStore) Consume(ctx context.Context, state string) (*auth.StateEntry, error) {
	var (
		entry                auth.StateEntry
		createdAt, expiresAt int64
	)
	err := st.s.db.QueryRowContext(ctx, `
		DELETE FROM pkce_states
		WHERE state = ?
		RETURNING state, verifier, redirect_to, provider, created_at, expires_at`,
		state).Scan(&entry.State, &entry.Verifier, &entry.RedirectTo, &entry.Provider, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no entry", auth.ErrInvalidOrExpiredState)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}

	entry.CreatedAt, entry.ExpiresAt = fromNanos(createdAt), fromNanos(expiresAt)
	if entry.Expired(st.s.now()) {
		return nil, fmt.Errorf("%w: entry expired", auth.ErrInvalidOrExpiredState)
	}
	return &entry, nil
}

// PurgeExpired removes entries whose expiry is at or before now.
func (st *StateStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := st.s.db.ExecContext(ctx, `DELETE FROM pkce_states WHERE expires_at <= ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge states: %w", err)
	}
	return res.RowsAffected()
}

func (st *StateStore) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := st.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pkce_states`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count states: %w", err)
	}
	return n, nil
}
