package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRefreshLeeway is how far ahead of expiry a token is refreshed.
const DefaultRefreshLeeway = 5 * time.Minute

var ErrNoRefreshToken = errors.New("no refresh token available")

// StoredToken is a provider token persisted for a linked account.
type StoredToken struct {
	AccountID string
	Provider  string
	Token     *oauth2.Token
}

// TokenRepository lists and updates the provider tokens of linked accounts.
type TokenRepository interface {
	ListExpiring(ctx context.Context, provider string, before time.Time) ([]StoredToken, error)
	SaveToken(ctx context.Context, accountID string, token *oauth2.Token) error
}

// RefreshService keeps stored provider tokens fresh so they stay usable
// after the login that created them.
type RefreshService struct {
	provider string
	oauth    *oauth2.Config
	repo     TokenRepository
	client   *http.Client
	leeway   time.Duration
	now      func() time.Time
}

// NewRefreshService creates a RefreshService for one provider.
func NewRefreshService(p ProviderConfig, repo TokenRepository, client *http.Client) *RefreshService {
	if client == nil {
		client = &http.Client{Timeout: DefaultExchangeTimeout}
	}
	return &RefreshService{
		provider: p.Name,
		oauth:    p.OAuth2Config(),
		repo:     repo,
		client:   client,
		leeway:   DefaultRefreshLeeway,
		now:      time.Now,
	}
}

// SetLeeway sets how long before expiry a token becomes due. Non-positive
// values keep the default.
func (s *RefreshService) SetLeeway(d time.Duration) {
	if d > 0 {
		s.leeway = d
	}
}

// DueTasks returns one refresh task per stored token that expires within the
// leeway and can be refreshed.
func (s *RefreshService) DueTasks(ctx context.Context) ([]*RefreshTask, error) {
	due, err := s.repo.ListExpiring(ctx, s.provider, s.now().Add(s.leeway))
	if err != nil {
		return nil, fmt.Errorf("listing expiring tokens: %w", err)
	}

	tasks := make([]*RefreshTask, 0, len(due))
	for _, st := range due {
		if st.Token == nil || st.Token.RefreshToken == "" {
			continue
		}
		tasks = append(tasks, &RefreshTask{service: s, token: st})
	}
	return tasks, nil
}

// Refresh exchanges the refresh token for a new token and stores it.
func (s *RefreshService) Refresh(ctx context.Context, st StoredToken) error {
	if st.Token == nil || st.Token.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	// An empty access token forces the source to hit the token endpoint.
	src := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: st.Token.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return fmt.Errorf("refreshing token for account %s: %w", st.AccountID, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = st.Token.RefreshToken
	}

	if err := s.repo.SaveToken(ctx, st.AccountID, fresh); err != nil {
		return fmt.Errorf("saving refreshed token: %w", err)
	}
	return nil
}

// RefreshTask refreshes one account's token on the worker pool.
type RefreshTask struct {
	service *RefreshService
	token   StoredToken
}

func (t *RefreshTask) Name() string { return "token_refresh" }

func (t *RefreshTask) Process(ctx context.Context) error {
	return t.service.Refresh(ctx, t.token)
}

// AccountID identifies the account being refreshed.
func (t *RefreshTask) AccountID() string { return t.token.AccountID }
