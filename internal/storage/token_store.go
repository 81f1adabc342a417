package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"pkcelogin-go/internal/auth"
	"pkcelogin-go/internal/secure"
	"pkcelogin-go/internal/session"
)

// AccountStore links provider identities to local users and keeps their
// provider tokens encrypted at rest with AES-256-GCM.
type AccountStore struct {
	s             *SQLiteStorage
	encryptionKey []byte
}

var (
	_ auth.AccountLinker   = (*AccountStore)(nil)
	_ auth.TokenRepository = (*AccountStore)(nil)
)

// NewAccountStore creates a new AccountStore.
func NewAccountStore(s *SQLiteStorage, key []byte) (*AccountStore, error) {
	if len(key) != secure.KeySize {
		return nil, secure.ErrInvalidKeySize
	}
	return &AccountStore{s: s, encryptionKey: key}, nil
}

func (a *AccountStore) seal(token *oauth2.Token) (ciphertext, nonce []byte, err error) {
	if token == nil {
		return nil, nil, errors.New("token cannot be nil")
	}
	plain, err := json.Marshal(token)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal token: %w", err)
	}
	return secure.Encrypt(a.encryptionKey, plain)
}

func (a *AccountStore) open(ciphertext, nonce []byte) (*oauth2.Token, error) {
	plain, err := secure.Decrypt(a.encryptionKey, ciphertext, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(plain, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// LinkAccount creates or updates the user and account behind identity and
// stores the token, all in one transaction. It returns the user id.
func (a *AccountStore) LinkAccount(ctx context.Context, identity *session.Identity, token *oauth2.Token) (string, error) {
	if identity == nil || identity.Provider == "" || identity.Subject == "" {
		return "", fmt.Errorf("%w: identity needs a provider and a subject", ErrInvalidInput)
	}
	ciphertext, nonce, err := a.seal(token)
	if err != nil {
		return "", err
	}

	now := toNanos(a.s.now())
	expiry := toNanos(token.Expiry)
	hasRefresh := token.RefreshToken != ""

	var userID string
	err = a.s.WithTx(ctx, func(tx *Transaction) error {
		var accountID string
		err := tx.tx.QueryRowContext(ctx,
			`SELECT id, user_id FROM accounts WHERE provider = ? AND subject = ?`,
			identity.Provider, identity.Subject).Scan(&accountID, &userID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			userID, accountID = uuid.NewString(), uuid.NewString()
			if _, err := tx.tx.ExecContext(ctx, `
				INSERT INTO users (id, email, name, image, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				userID, identity.Email, identity.Name, identity.Picture, now, now); err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			if _, err := tx.tx.ExecContext(ctx, `
				INSERT INTO accounts (id, user_id, provider, subject, encrypted_token, nonce,
					token_expiry, has_refresh_token, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				accountID, userID, identity.Provider, identity.Subject, ciphertext, nonce,
				expiry, hasRefresh, now, now); err != nil {
				return fmt.Errorf("failed to create account: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up account: %w", err)
		}

		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE users SET email = ?, name = ?, image = ?, updated_at = ?
			WHERE id = ?`,
			identity.Email, identity.Name, identity.Picture, now, userID); err != nil {
			return fmt.Errorf("failed to update user: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE accounts SET encrypted_token = ?, nonce = ?, token_expiry = ?,
				has_refresh_token = ?, updated_at = ?
			WHERE id = ?`,
			ciphertext, nonce, expiry, hasRefresh, now, accountID); err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

// GetToken retrieves the decrypted token of an account.
func (a *AccountStore) GetToken(ctx context.Context, accountID string) (*oauth2.Token, error) {
	if err := requireID("account ID", accountID); err != nil {
		return nil, err
	}
	var ciphertext, nonce []byte
	err := a.s.db.QueryRowContext(ctx,
		`SELECT encrypted_token, nonce FROM accounts WHERE id = ?`, accountID).Scan(&ciphertext, &nonce)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: token not found for account %s", ErrNotFound, accountID)
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return a.open(ciphertext, nonce)
}

// SaveToken replaces the stored token of an account.
func (a *AccountStore) SaveToken(ctx context.Context, accountID string, token *oauth2.Token) error {
	if err := requireID("account ID", accountID); err != nil {
		return err
	}
	ciphertext, nonce, err := a.seal(token)
	if err != nil {
		return err
	}

	res, err := a.s.db.ExecContext(ctx, `
		UPDATE accounts SET encrypted_token = ?, nonce = ?, token_expiry = ?,
			has_refresh_token = ?, updated_at = ?
		WHERE id = ?`,
		ciphertext, nonce, toNanos(token.Expiry), token.RefreshToken != "", toNanos(a.s.now()), accountID)
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	return nil
}

// ListExpiring returns the refreshable tokens of provider that expire before
// the given time.
func (a *AccountStore) ListExpiring(ctx context.Context, provider string, before time.Time) ([]auth.StoredToken, error) {
	rows, err := a.s.db.QueryContext(ctx, `
		SELECT id, provider, encrypted_token, nonce
		FROM accounts
		WHERE provider = ? AND has_refresh_token = 1 AND token_expiry > 0 AND token_expiry < ?
		ORDER BY token_expiry`,
		provider, toNanos(before))
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring tokens: %w", err)
	}
	defer rows.Close()

	type row struct {
		id, provider      string
		ciphertext, nonce []byte
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.provider, &r.ciphertext, &r.nonce); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tokens: %w", err)
	}

	out := make([]auth.StoredToken, 0, len(pending))
	for _, r := range pending {
		token, err := a.open(r.ciphertext, r.nonce)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", r.id, err)
		}
		out = append(out, auth.StoredToken{AccountID: r.id, Provider: r.provider, Token: token})
	}
	return out, nil
}

// DeleteToken removes an account and its token.
func (a *AccountStore) DeleteToken(ctx context.Context, accountID string) error {
	_, err := a.s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
