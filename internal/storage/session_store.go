package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pkcelogin-go/internal/session"
)

// SessionStore persists sessions in SQLite so they survive restarts and are
// shared by every process using the same database file.
type SessionStore struct {
	s         *SQLiteStorage
	updateAge time.Duration
}

var (
	_ session.Store   = (*SessionStore)(nil)
	_ session.Purger  = (*SessionStore)(nil)
	_ session.Counter = (*SessionStore)(nil)
)

// NewSessionStore creates a SessionStore. updateAge of zero disables sliding
// renewal.
func NewSessionStore(s *SQLiteStorage, updateAge time.Duration) *SessionStore {
	return &SessionStore{s: s, updateAge: updateAge}
}

func (st *SessionStore) Create(ctx context.Context, identity session.Identity, ttl time.Duration) (*session.Session, error) {
	if identity.Subject == "" {
		return nil, fmt.Errorf("%w: identity subject cannot be empty", ErrInvalidInput)
	}
	if ttl == 0 {
		ttl = session.DefaultTTL
	}

	id, err := session.NewID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := st.s.now()
	sess := &session.Session{
		ID:        id,
		Identity:  identity,
		Lifetime:  ttl,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	_, err = st.s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, provider, subject, email, name, picture,
			lifetime, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, identity.UserID, identity.Provider, identity.Subject, identity.Email,
		identity.Name, identity.Picture, int64(ttl), toNanos(now), toNanos(now), toNanos(sess.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (st *SessionStore) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, session.ErrNotFound
	}

	var (
		sess                                   session.Session
		lifetime, createdAt, updatedAt, expiry int64
	)
	err := st.s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, subject, email, name, picture,
			lifetime, created_at, updated_at, expires_at
		FROM sessions
		WHERE id = ?`, sessionID).Scan(
		&sess.ID, &sess.Identity.UserID, &sess.Identity.Provider, &sess.Identity.Subject,
		&sess.Identity.Email, &sess.Identity.Name, &sess.Identity.Picture,
		&lifetime, &createdAt, &updatedAt, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	sess.Lifetime = time.Duration(lifetime)
	sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt = fromNanos(createdAt), fromNanos(updatedAt), fromNanos(expiry)

	now := st.s.now()
	if sess.Expired(now) {
		if err := st.Delete(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, session.ErrExpired
	}

	if session.ShouldRenew(&sess, st.updateAge, now) {
		sess.UpdatedAt = now
		sess.ExpiresAt = now.Add(sess.Lifetime)
		_, err := st.s.db.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ?, expires_at = ? WHERE id = ?`,
			toNanos(sess.UpdatedAt), toNanos(sess.ExpiresAt), sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to renew session: %w", err)
		}
	}
	return &sess, nil
}

func (st *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := st.s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (st *SessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := st.s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toNanos(st.s.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return res.RowsAffected()
}

func (st *SessionStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := st.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE expires_at > ?`, toNanos(st.s.now())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// DeleteUserSessions signs a user out everywhere.
func (st *SessionStore) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	if err := requireID("user ID", userID); err != nil {
		return 0, err
	}
	res, err := st.s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return res.RowsAffected()
}
