package auth

import (
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// ProviderConfig describes one identity provider. It is injected into the
// Flow; nothing in this package reads provider settings from globals.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	// AuthStyle is "params" (default) or "header" for HTTP basic auth.
	AuthStyle string

	// UserInfoURL is queried with the access token to resolve the identity.
	UserInfoURL string
	// JWKSURL and Issuer enable ID token verification.
	JWKSURL string
	Issuer  string

	// AuthParams are appended to every authorization URL.
	AuthParams map[string]string
}

// Preset returns the endpoints and scopes for a well-known provider. Client
// credentials and the redirect URL still have to be filled in.
func Preset(name string) (ProviderConfig, error) {
	switch strings.ToLower(name) {
	case "google":
		return ProviderConfig{
			Name:        "google",
			AuthURL:     google.Endpoint.AuthURL,
			TokenURL:    google.Endpoint.TokenURL,
			Scopes:      []string{"openid", "email", "profile"},
			UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
			JWKSURL:     "https://www.googleapis.com/oauth2/v3/certs",
			Issuer:      "https://accounts.google.com",
			AuthParams: map[string]string{
				"access_type": "offline",
				"prompt":      "consent",
			},
		}, nil
	case "github":
		return ProviderConfig{
			Name:        "github",
			AuthURL:     github.Endpoint.AuthURL,
			TokenURL:    github.Endpoint.TokenURL,
			Scopes:      []string{"read:user", "user:email"},
			UserInfoURL: "https://api.github.com/user",
		}, nil
	default:
		return ProviderConfig{}, fmt.Errorf("unknown provider preset %q", name)
	}
}

// Validate checks that the provider can run a flow.
func (p ProviderConfig) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("provider name is required")
	case p.ClientID == "":
		return fmt.Errorf("provider %s: client id is required", p.Name)
	case p.AuthURL == "" || p.TokenURL == "":
		return fmt.Errorf("provider %s: auth and token urls are required", p.Name)
	case p.RedirectURL == "":
		return fmt.Errorf("provider %s: redirect url is required", p.Name)
	}
	return nil
}

// OAuth2Config builds the x/oauth2 client configuration.
func (p ProviderConfig) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
		Scopes:       append([]string(nil), p.Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: p.authStyle(),
		},
	}
}

// authStyle never returns AuthStyleAutoDetect: auto detection repeats a
// failed token request, which would present the authorization code twice.
func (p ProviderConfig) authStyle() oauth2.AuthStyle {
	if strings.EqualFold(p.AuthStyle, "header") {
		return oauth2.AuthStyleInHeader
	}
	return oauth2.AuthStyleInParams
}

func (p ProviderConfig) authOptions() []oauth2.AuthCodeOption {
	opts := make([]oauth2.AuthCodeOption, 0, len(p.AuthParams))
	for k, v := range p.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return opts
}
