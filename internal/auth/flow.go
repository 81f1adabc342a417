package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"pkcelogin-go/internal/secure"
	"pkcelogin-go/internal/session"
)

const (
	DefaultExchangeTimeout = 10 * time.Second
	DefaultRedirect        = "/dashboard"
)

// FlowConfig is the injected configuration of one provider's login flow.
type FlowConfig struct {
	Provider        ProviderConfig
	StateTTL        time.Duration
	ExchangeTimeout time.Duration
	VerifierLength  int
	SessionTTL      time.Duration
	DefaultRedirect string
}

func (c *FlowConfig) setDefaults() {
	if c.StateTTL <= 0 {
		c.StateTTL = DefaultStateTTL
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = DefaultExchangeTimeout
	}
	if c.VerifierLength == 0 {
		c.VerifierLength = DefaultVerifierLength
	}
	if c.DefaultRedirect == "" {
		c.DefaultRedirect = DefaultRedirect
	}
}

// AccountLinker persists the user and the provider tokens behind an identity
// and returns the local user id.
type AccountLinker interface {
	LinkAccount(ctx context.Context, identity *session.Identity, token *oauth2.Token) (string, error)
}

// Flow drives the authorization code flow with PKCE for one provider.
type Flow struct {
	cfg      FlowConfig
	oauth    *oauth2.Config
	states   StateStore
	sessions session.Store
	resolver IdentityResolver
	linker   AccountLinker
	pkce     PKCE
	newState func() (string, error)
	client   *http.Client
	observer Observer
	now      func() time.Time
}

type FlowOption func(*Flow)

// WithHTTPClient sets the client used for the token endpoint.
func WithHTTPClient(c *http.Client) FlowOption {
	return func(f *Flow) { f.client = c }
}

func WithObserver(o Observer) FlowOption {
	return func(f *Flow) { f.observer = o }
}

func WithAccountLinker(l AccountLinker) FlowOption {
	return func(f *Flow) { f.linker = l }
}

func WithClock(now func() time.Time) FlowOption {
	return func(f *Flow) { f.now = now }
}

// WithStateGenerator replaces the random state token source.
func WithStateGenerator(gen func() (string, error)) FlowOption {
	return func(f *Flow) { f.newState = gen }
}

func WithPKCE(p PKCE) FlowOption {
	return func(f *Flow) { f.pkce = p }
}

// NewFlow creates a flow. states, sessions and resolver are required.
func NewFlow(cfg FlowConfig, states StateStore, sessions session.Store, resolver IdentityResolver, opts ...FlowOption) (*Flow, error) {
	if err := cfg.Provider.Validate(); err != nil {
		return nil, err
	}
	if states == nil || sessions == nil || resolver == nil {
		return nil, errors.New("flow requires a state store, a session store and an identity resolver")
	}
	cfg.setDefaults()
	if cfg.VerifierLength < MinVerifierLength || cfg.VerifierLength > MaxVerifierLength {
		return nil, fmt.Errorf("%w: configured length %d", ErrInvalidVerifier, cfg.VerifierLength)
	}

	f := &Flow{
		cfg:      cfg,
		oauth:    cfg.Provider.OAuth2Config(),
		states:   states,
		sessions: sessions,
		resolver: resolver,
		pkce:     NewPKCEGenerator(),
		newState: func() (string, error) { return secure.RandomToken(32) },
		client:   &http.Client{Timeout: cfg.ExchangeTimeout},
		observer: Observers{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Provider returns the provider name.
func (f *Flow) Provider() string { return f.cfg.Provider.Name }

// StartOptions are the caller's inputs to a login attempt.
type StartOptions struct {
	// RedirectTo is the local path to land on after login.
	RedirectTo string
}

// Authorization is where to send the user agent next.
type Authorization struct {
	URL       string
	State     string
	ExpiresAt time.Time
}

// Start moves a new attempt from Idle to ChallengeIssued: it stores a fresh
// verifier under a fresh state token and returns the authorization URL.
func (f *Flow) Start(ctx context.Context, opts StartOptions) (*Authorization, error) {
	verifier, err := f.pkce.GenerateCodeVerifier(f.cfg.VerifierLength)
	if err != nil {
		return nil, f.fail(ctx, "", StateIdle, internalError(err))
	}
	challenge, err := f.pkce.GenerateCodeChallenge(verifier)
	if err != nil {
		return nil, f.fail(ctx, "", StateIdle, internalError(err))
	}
	state, err := f.newState()
	if err != nil {
		return nil, f.fail(ctx, "", StateIdle, internalError(fmt.Errorf("generating state: %w", err)))
	}

	now := f.now()
	entry := &StateEntry{
		State:      state,
		Verifier:   verifier,
		RedirectTo: SanitizeRedirect(opts.RedirectTo, f.cfg.DefaultRedirect),
		Provider:   f.cfg.Provider.Name,
		CreatedAt:  now,
		ExpiresAt:  now.Add(f.cfg.StateTTL),
	}
	attempt := attemptID(state)
	if err := f.states.Put(ctx, entry); err != nil {
		return nil, f.fail(ctx, attempt, StateIdle, internalError(fmt.Errorf("storing state: %w", err)))
	}

	authOpts := append(f.cfg.Provider.authOptions(),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethodS256),
	)

	f.emit(ctx, Event{Attempt: attempt, From: StateIdle, To: StateChallengeIssued})
	return &Authorization{
		URL:       f.oauth.AuthCodeURL(state, authOpts...),
		State:     state,
		ExpiresAt: entry.ExpiresAt,
	}, nil
}

// CallbackParams are the query parameters of the redirect back from the
// provider.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	ErrorURI         string
}

// CallbackParamsFromQuery extracts the callback parameters from q.
func CallbackParamsFromQuery(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		ErrorURI:         q.Get("error_uri"),
	}
}

// Result is a completed login.
type Result struct {
	Session    *session.Session
	Identity   *session.Identity
	RedirectTo string
	// Token is the provider token. It must not be logged or sent to the
	// browser.
	Token *oauth2.Token
}

// HandleCallback runs the attempt from ChallengeIssued to Authenticated.
// Every failure is a *FlowError and leaves the attempt in the Error state.
func (f *Flow) HandleCallback(ctx context.Context, p CallbackParams) (*Result, error) {
	attempt := attemptID(p.State)

	if p.Error != "" {
		return nil, f.fail(ctx, attempt, StateChallengeIssued,
			newFlowError(KindProviderDenied, ErrProviderDenied, p.Error, p.ErrorDescription))
	}
	if p.State == "" {
		return nil, f.fail(ctx, attempt, StateChallengeIssued,
			newFlowError(KindInvalidOrExpiredState, ErrInvalidOrExpiredState, "", ""))
	}

	entry, err := f.states.Consume(ctx, p.State)
	switch {
	case errors.Is(err, ErrInvalidOrExpiredState):
		return nil, f.fail(ctx, attempt, StateChallengeIssued,
			newFlowError(KindInvalidOrExpiredState, ErrInvalidOrExpiredState, "", ""))
	case err != nil:
		return nil, f.fail(ctx, attempt, StateChallengeIssued, internalError(fmt.Errorf("consuming state: %w", err)))
	}
	if entry.Provider != "" && entry.Provider != f.cfg.Provider.Name {
		return nil, f.fail(ctx, attempt, StateChallengeIssued,
			newFlowError(KindInvalidOrExpiredState, ErrInvalidOrExpiredState, "", ""))
	}
	f.emit(ctx, Event{Attempt: attempt, From: StateChallengeIssued, To: StateCodeReceived})

	if p.Code == "" {
		return nil, f.fail(ctx, attempt, StateCodeReceived,
			newFlowError(KindMissingCode, ErrMissingCode, "", ""))
	}

	started := f.now()
	token, err := f.exchange(ctx, p.Code, entry.Verifier)
	took := f.now().Sub(started)
	if err != nil {
		fe := classifyExchangeError(err)
		f.emit(ctx, Event{Attempt: attempt, From: StateCodeReceived, To: StateError, ErrorKind: fe.Kind, Duration: took})
		return nil, fe
	}
	f.emit(ctx, Event{Attempt: attempt, From: StateCodeReceived, To: StateExchanged, Duration: took})

	identity, err := f.resolver.Resolve(ctx, token)
	if err != nil {
		return nil, f.fail(ctx, attempt, StateExchanged, noSession(fmt.Errorf("resolving identity: %w", err)))
	}
	if identity.Provider == "" {
		identity.Provider = f.cfg.Provider.Name
	}
	if f.linker != nil {
		userID, err := f.linker.LinkAccount(ctx, identity, token)
		if err != nil {
			return nil, f.fail(ctx, attempt, StateExchanged, noSession(fmt.Errorf("linking account: %w", err)))
		}
		identity.UserID = userID
	}

	sess, err := f.sessions.Create(ctx, *identity, f.cfg.SessionTTL)
	if err != nil {
		return nil, f.fail(ctx, attempt, StateExchanged, noSession(fmt.Errorf("creating session: %w", err)))
	}
	f.emit(ctx, Event{Attempt: attempt, From: StateExchanged, To: StateAuthenticated})

	redirect := entry.RedirectTo
	if redirect == "" {
		redirect = f.cfg.DefaultRedirect
	}
	return &Result{
		Session:    sess,
		Identity:   identity,
		RedirectTo: redirect,
		Token:      token,
	}, nil
}

// exchange makes exactly one token request. The authorization code is single
// use, so a failed or timed out request is never repeated.
func (f *Flow) exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ExchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)

	token, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, errMissingAccessToken
	}
	return token, nil
}

var errMissingAccessToken = errors.New("server response missing access_token")

func classifyExchangeError(err error) *FlowError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := re.ErrorCode
		if code == "" && re.Response != nil {
			code = fmt.Sprintf("http_%d", re.Response.StatusCode)
		}
		fe := newFlowError(KindProviderRejected, ErrProviderRejected, code, re.ErrorDescription)
		if re.ErrorCode == "invalid_grant" && strings.Contains(strings.ToLower(re.ErrorDescription), "verifier") {
			fe.Kind = KindChallengeMismatch
			fe.Err = fmt.Errorf("%w: %w", ErrProviderRejected, ErrChallengeMismatch)
		}
		return fe
	}
	if errors.Is(err, errMissingAccessToken) || strings.Contains(err.Error(), "missing access_token") {
		return noSession(err)
	}
	fe := newFlowError(KindExchangeTransport, ErrExchangeTransport, "", "")
	fe.Err = fmt.Errorf("%w: %w", ErrExchangeTransport, err)
	return fe
}

func noSession(cause error) *FlowError {
	fe := newFlowError(KindNoSessionAfterExchange, ErrNoSessionAfterExchange, "", "")
	fe.Err = fmt.Errorf("%w: %w", ErrNoSessionAfterExchange, cause)
	return fe
}

func internalError(cause error) *FlowError {
	return &FlowError{Kind: KindInternal, Code: string(KindInternal), Err: cause}
}

// SignOut destroys the session. A missing session is not an error.
func (f *Flow) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	err := f.sessions.Delete(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (f *Flow) fail(ctx context.Context, attempt string, from FlowState, fe *FlowError) error {
	f.emit(ctx, Event{Attempt: attempt, From: from, To: StateError, ErrorKind: fe.Kind})
	return fe
}

func (f *Flow) emit(ctx context.Context, e Event) {
	e.Provider = f.cfg.Provider.Name
	if e.At.IsZero() {
		e.At = f.now()
	}
	f.observer.Observe(ctx, e)
}

// SanitizeRedirect returns target when it is a path on this site, fallback
// otherwise.
func SanitizeRedirect(target, fallback string) string {
	if target == "" || !strings.HasPrefix(target, "/") {
		return fallback
	}
	if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return fallback
	}
	if strings.ContainsAny(target, "\r\n\t\\") {
		return fallback
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return target
}
