package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is a local user. One user may link several provider accounts.
type User struct {
	ID        string
	Email     string
	Name      string
	Image     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Account is a provider identity linked to a user.
type Account struct {
	ID              string
	UserID          string
	Provider        string
	Subject         string
	TokenExpiry     time.Time
	HasRefreshToken bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func getUser(ctx context.Context, q querier, id string) (*User, error) {
	var (
		u                    User
		createdAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, email, name, image, created_at, updated_at
		FROM users
		WHERE id = ?`, id).Scan(&u.ID, &u.Email, &u.Name, &u.Image, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt, u.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return &u, nil
}

// GetUserByID retrieves a user.
func (s *SQLiteStorage) GetUserByID(ctx context.Context, id string) (*User, error) {
	if err := requireID("user ID", id); err != nil {
		return nil, err
	}
	return getUser(ctx, s.db, id)
}

// GetUserByEmail retrieves the most recently updated user with email.
func (s *SQLiteStorage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	if err := requireID("email", email); err != nil {
		return nil, err
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE email = ? ORDER BY updated_at DESC LIMIT 1`, email).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no user with email %s", ErrNotFound, email)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return getUser(ctx, s.db, id)
}

// ListAccounts returns the provider accounts linked to a user.
func (s *SQLiteStorage) ListAccounts(ctx context.Context, userID string) ([]Account, error) {
	if err := requireID("user ID", userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider, subject, token_expiry, has_refresh_token, created_at, updated_at
		FROM accounts
		WHERE user_id = ?
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var (
			a                            Account
			expiry, createdAt, updatedAt int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Provider, &a.Subject, &expiry, &a.HasRefreshToken, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.TokenExpiry, a.CreatedAt, a.UpdatedAt = fromNanos(expiry), fromNanos(createdAt), fromNanos(updatedAt)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// DeleteUser removes a user and, through the foreign key, their accounts.
func (s *SQLiteStorage) DeleteUser(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Transaction) error {
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM accounts WHERE user_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete accounts: %w", err)
		}
		res, err := tx.tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		return nil
	})
}
