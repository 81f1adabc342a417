package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"pkcelogin-go/internal/auth/authtest"
)

type memoryTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]StoredToken
	saved  map[string]*oauth2.Token
}

func newMemoryTokenRepo(tokens ...StoredToken) *memoryTokenRepo {
	r := &memoryTokenRepo{tokens: map[string]StoredToken{}, saved: map[string]*oauth2.Token{}}
	for _, t := range tokens {
		r.tokens[t.AccountID] = t
	}
	return r
}

func (r *memoryTokenRepo) ListExpiring(_ context.Context, provider string, before time.Time) ([]StoredToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StoredToken
	for _, t := range r.tokens {
		if t.Provider == provider && t.Token.Expiry.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memoryTokenRepo) SaveToken(_ context.Context, accountID string, tok *oauth2.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[accountID] = tok
	return nil
}

func TestRefreshService_DueTasks(t *testing.T) {
	now := time.Now()
	repo := newMemoryTokenRepo(
		StoredToken{AccountID: "fresh", Provider: "test", Token: &oauth2.Token{RefreshToken: "rt", Expiry: now.Add(time.Hour)}},
		StoredToken{AccountID: "soon", Provider: "test", Token: &oauth2.Token{RefreshToken: "rt", Expiry: now.Add(2 * time.Minute)}},
		StoredToken{AccountID: "expired", Provider: "test", Token: &oauth2.Token{RefreshToken: "rt", Expiry: now.Add(-time.Hour)}},
		StoredToken{AccountID: "no-refresh", Provider: "test", Token: &oauth2.Token{Expiry: now.Add(-time.Hour)}},
		StoredToken{AccountID: "other", Provider: "github", Token: &oauth2.Token{RefreshToken: "rt", Expiry: now.Add(-time.Hour)}},
	)

	svc := NewRefreshService(ProviderConfig{Name: "test"}, repo, nil)
	tasks, err := svc.DueTasks(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, task := range tasks {
		assert.Equal(t, "token_refresh", task.Name())
		ids = append(ids, task.AccountID())
	}
	assert.ElementsMatch(t, []string{"soon", "expired"}, ids)
}

func TestRefreshService_Refresh(t *testing.T) {
	idp := authtest.New(t)
	repo := newMemoryTokenRepo()
	svc := NewRefreshService(testProvider(idp), repo, nil)

	task := &RefreshTask{service: svc, token: StoredToken{
		AccountID: "acc-1",
		Provider:  "test",
		Token:     &oauth2.Token{AccessToken: "old", RefreshToken: "rt-abc", Expiry: time.Now().Add(-time.Minute)},
	}}
	require.NoError(t, task.Process(context.Background()))

	saved := repo.saved["acc-1"]
	require.NotNil(t, saved)
	assert.Equal(t, "at-refreshed-1", saved.AccessToken)
	assert.Equal(t, "rt-abc", saved.RefreshToken, "refresh token kept when the provider does not rotate it")
	assert.True(t, saved.Expiry.After(time.Now()))
	assert.Equal(t, 1, idp.RefreshCalls())
}

func TestRefreshService_RefreshWithoutRefreshToken(t *testing.T) {
	svc := NewRefreshService(ProviderConfig{Name: "test"}, newMemoryTokenRepo(), nil)
	err := svc.Refresh(context.Background(), StoredToken{AccountID: "a", Token: &oauth2.Token{AccessToken: "x"}})
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}
