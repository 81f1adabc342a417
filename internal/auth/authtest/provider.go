// Package authtest provides a fake OAuth 2.0 identity provider for tests.
// It enforces PKCE the way a real authorization server does: the code is
// bound to the challenge from the authorization request and the token
// endpoint recomputes S256(code_verifier).
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
)

type grant struct {
	challenge   string
	redirectURI string
}

// Provider is a running fake provider.
type Provider struct {
	Server *httptest.Server

	Subject string
	Email   string
	Name    string

	// SignIDTokens adds a signed id_token to token responses.
	SignIDTokens bool
	// TokenDelay stalls the token endpoint.
	TokenDelay time.Duration
	// TokenOverride, when set, answers every token request.
	TokenOverride http.HandlerFunc

	key   jwk.Key
	mu    sync.Mutex
	codes map[string]grant

	tokenCalls    int
	refreshCalls  int
	lastVerifier  string
	refreshSerial int
}

// New starts a provider that is closed when the test ends.
func New(t testing.TB) *Provider {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating signing key: %v", err)
	}
	key, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("wrapping signing key: %v", err)
	}
	_ = key.Set(jwk.KeyIDKey, "test-key")
	_ = key.Set(jwk.AlgorithmKey, jwa.RS256)

	p := &Provider{
		Subject: "user-123",
		Email:   "user@example.com",
		Name:    "Test User",
		key:     key,
		codes:   make(map[string]grant),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/userinfo", p.handleUserInfo)
	mux.HandleFunc("/jwks", p.handleJWKS)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

func (p *Provider) AuthURL() string     { return p.Server.URL + "/authorize" }
func (p *Provider) TokenURL() string    { return p.Server.URL + "/token" }
func (p *Provider) UserInfoURL() string { return p.Server.URL + "/userinfo" }
func (p *Provider) JWKSURL() string     { return p.Server.URL + "/jwks" }
func (p *Provider) Issuer() string      { return p.Server.URL }

// TokenCalls is the number of authorization_code requests received.
func (p *Provider) TokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

// RefreshCalls is the number of refresh_token requests received.
func (p *Provider) RefreshCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

// LastVerifier is the code_verifier of the latest token request.
func (p *Provider) LastVerifier() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastVerifier
}

// Authorize plays the user approving the request at authURL. It binds code
// to the request's challenge and returns the state to send back.
func (p *Provider) Authorize(authURL, code string) (string, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	switch {
	case q.Get("response_type") != "code":
		return "", fmt.Errorf("response_type = %q", q.Get("response_type"))
	case q.Get("client_id") != ClientID:
		return "", fmt.Errorf("client_id = %q", q.Get("client_id"))
	case q.Get("code_challenge_method") != "S256":
		return "", fmt.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	case q.Get("code_challenge") == "":
		return "", fmt.Errorf("missing code_challenge")
	case q.Get("state") == "":
		return "", fmt.Errorf("missing state")
	}

	p.mu.Lock()
	p.codes[code] = grant{challenge: q.Get("code_challenge"), redirectURI: q.Get("redirect_uri")}
	p.mu.Unlock()
	return q.Get("state"), nil
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.PostFormValue("client_id"), r.PostFormValue("client_secret")
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		p.mu.Lock()
		p.tokenCalls++
		p.lastVerifier = r.PostFormValue("code_verifier")
		p.mu.Unlock()
		if p.TokenDelay > 0 {
			select {
			case <-time.After(p.TokenDelay):
			case <-r.Context().Done():
				return
			}
		}
		if p.TokenOverride != nil {
			p.TokenOverride(w, r)
			return
		}
		if clientID != ClientID || clientSecret != ClientSecret {
			writeError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
			return
		}
		p.exchangeCode(w, r)
	case "refresh_token":
		p.mu.Lock()
		p.refreshCalls++
		p.refreshSerial++
		n := p.refreshSerial
		p.mu.Unlock()
		if r.PostFormValue("refresh_token") == "" {
			writeError(w, http.StatusBadRequest, "invalid_grant", "missing refresh token")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": fmt.Sprintf("at-refreshed-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (p *Provider) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")

	p.mu.Lock()
	g, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()

	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or was already used")
		return
	}
	if g.redirectURI != r.PostFormValue("redirect_uri") {
		writeError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	sum := sha256.Sum256([]byte(r.PostFormValue("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		writeError(w, http.StatusBadRequest, "invalid_grant", "PKCE code_verifier does not match the code_challenge")
		return
	}

	body := map[string]any{
		"access_token":  "at-" + code,
		"refresh_token": "rt-" + code,
		"token_type":    "Bearer",
		"expires_in":    3600,
	}
	if p.SignIDTokens {
		idToken, err := p.SignIDToken(p.Subject, ClientID, time.Now().Add(time.Hour))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		body["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, body)
}

// SignIDToken issues an id_token signed with the provider key.
func (p *Provider) SignIDToken(subject, audience string, expiry time.Time) (string, error) {
	tok, err := jwt.NewBuilder().
		Issuer(p.Issuer()).
		Subject(subject).
		Audience([]string{audience}).
		IssuedAt(time.Now()).
		Expiration(expiry).
		Claim("email", p.Email).
		Claim("name", p.Name).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, p.key))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer at-") {
		writeError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":   p.Subject,
		"email": p.Email,
		"name":  p.Name,
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	pub, err := jwk.PublicKeyOf(p.key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	set := jwk.NewSet()
	_ = set.AddKey(pub)
	writeJSON(w, http.StatusOK, set)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
