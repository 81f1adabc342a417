package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"

	"pkcelogin-go/internal/session"
)

var ErrNoIdentity = errors.New("token response carries no usable identity")

// IdentityResolver turns a fresh token response into the identity a session
// is bound to.
type IdentityResolver interface {
	Resolve(ctx context.Context, token *oauth2.Token) (*session.Identity, error)
}

// UserInfoResolver calls the provider's userinfo endpoint with the access
// token. It understands both OIDC claims and the GitHub user object.
type UserInfoResolver struct {
	provider string
	url      string
	client   *http.Client
}

// NewUserInfoResolver creates a resolver for the given provider.
func NewUserInfoResolver(p ProviderConfig, client *http.Client) *UserInfoResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &UserInfoResolver{provider: p.Name, url: p.UserInfoURL, client: client}
}

func (r *UserInfoResolver) Resolve(ctx context.Context, token *oauth2.Token) (*session.Identity, error) {
	if r.url == "" {
		return nil, fmt.Errorf("%w: no userinfo endpoint configured", ErrNoIdentity)
	}
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token", ErrNoIdentity)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building userinfo request: %w", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling userinfo endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("userinfo endpoint returned %d", resp.StatusCode)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return nil, fmt.Errorf("decoding userinfo: %w", err)
	}

	id := &session.Identity{
		Provider: r.provider,
		Subject:  firstClaim(claims, "sub", "id"),
		Email:    firstClaim(claims, "email"),
		Name:     firstClaim(claims, "name", "login"),
		Picture:  firstClaim(claims, "picture", "avatar_url"),
	}
	if id.Subject == "" {
		return nil, fmt.Errorf("%w: userinfo has no subject", ErrNoIdentity)
	}
	return id, nil
}

func firstClaim(claims map[string]any, names ...string) string {
	for _, name := range names {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// IDTokenResolver verifies the id_token returned alongside the access token
// against the provider's JWKS.
type IDTokenResolver struct {
	provider string
	issuer   string
	audience string
	jwksURL  string
	cache    *jwk.Cache
	skew     time.Duration
}

// NewIDTokenResolver registers the provider's JWKS in an auto-refreshing
// cache bound to ctx.
func NewIDTokenResolver(ctx context.Context, p ProviderConfig, client *http.Client) (*IDTokenResolver, error) {
	if p.JWKSURL == "" {
		return nil, fmt.Errorf("provider %s: jwks url is required for id token verification", p.Name)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	cache := jwk.NewCache(ctx)
	err := cache.Register(p.JWKSURL,
		jwk.WithMinRefreshInterval(15*time.Minute),
		jwk.WithHTTPClient(client),
	)
	if err != nil {
		return nil, fmt.Errorf("registering jwks %s: %w", p.JWKSURL, err)
	}

	return &IDTokenResolver{
		provider: p.Name,
		issuer:   p.Issuer,
		audience: p.ClientID,
		jwksURL:  p.JWKSURL,
		cache:    cache,
		skew:     time.Minute,
	}, nil
}

func (r *IDTokenResolver) Resolve(ctx context.Context, token *oauth2.Token) (*session.Identity, error) {
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return nil, fmt.Errorf("%w: no id_token in response", ErrNoIdentity)
	}

	keys, err := r.cache.Get(ctx, r.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("fetching signing keys: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAudience(r.audience),
		jwt.WithAcceptableSkew(r.skew),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	tok, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return nil, fmt.Errorf("verifying id_token: %w", err)
	}
	if tok.Subject() == "" {
		return nil, fmt.Errorf("%w: id_token has no subject", ErrNoIdentity)
	}

	return &session.Identity{
		Provider: r.provider,
		Subject:  tok.Subject(),
		Email:    stringClaim(tok, "email"),
		Name:     stringClaim(tok, "name"),
		Picture:  stringClaim(tok, "picture"),
	}, nil
}

func stringClaim(tok jwt.Token, name string) string {
	v, ok := tok.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ChainResolver tries each resolver in order and returns the first identity.
type ChainResolver []IdentityResolver

func (c ChainResolver) Resolve(ctx context.Context, token *oauth2.Token) (*session.Identity, error) {
	var errs []error
	for _, r := range c {
		id, err := r.Resolve(ctx, token)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoIdentity
	}
	return nil, errors.Join(errs...)
}

// ResolverFor picks the resolvers a provider supports: the ID token first
// when a JWKS is known, then userinfo.
func ResolverFor(ctx context.Context, p ProviderConfig, client *http.Client) (IdentityResolver, error) {
	var chain ChainResolver
	if p.JWKSURL != "" {
		r, err := NewIDTokenResolver(ctx, p, client)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}
	if p.UserInfoURL != "" {
		chain = append(chain, NewUserInfoResolver(p, client))
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("provider %s: needs a jwks url or a userinfo url", p.Name)
	}
	return chain, nil
}
