package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pkcelogin-go/internal/auth"
	"pkcelogin-go/internal/logging"
	"pkcelogin-go/internal/session"
	"pkcelogin-go/internal/storage"
)

// Config holds all configuration for the application.
type Config struct {
	// EncryptionKey is the root secret. Keys for token encryption and state
	// cookies are derived from it per purpose.
	EncryptionKey string `json:"encryption_key" yaml:"encryption_key" validate:"required,min=32"`

	Server       ServerConfig       `json:"server" yaml:"server"`
	Log          LogConfig          `json:"log" yaml:"log"`
	DB           DBConfig           `json:"db" yaml:"db"`
	Provider     ProviderConfig     `json:"provider" yaml:"provider"`
	Flow         FlowConfig         `json:"flow" yaml:"flow"`
	Session      SessionConfig      `json:"session" yaml:"session"`
	Housekeeping HousekeepingConfig `json:"housekeeping" yaml:"housekeeping"`
	RateLimit    RateLimitConfig    `json:"rate_limit" yaml:"rate_limit"`
	Worker       WorkerConfig       `json:"worker" yaml:"worker"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" validate:"required"`
	// MetricsAddr serves /metrics on its own listener. Empty disables it.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
	// PublicURL is the externally visible base URL; the callback is
	// PublicURL + /auth/callback.
	PublicURL       string   `json:"public_url" yaml:"public_url" validate:"required,url"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout" validate:"min=1s"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout" validate:"min=1s"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=1s"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=json text console"`
	Env    string `json:"env" yaml:"env"`
}

type DBConfig struct {
	Path         string   `json:"path" yaml:"path" validate:"required"`
	MaxOpenConns int      `json:"max_open_conns" yaml:"max_open_conns" validate:"min=1"`
	BusyTimeout  Duration `json:"busy_timeout" yaml:"busy_timeout" validate:"min=1ms"`
}

type ProviderConfig struct {
	// Preset is google, github or custom. Presets fill in endpoints and
	// scopes; any field set here overrides the preset.
	Preset       string            `json:"preset" yaml:"preset" validate:"oneof=google github custom"`
	Name         string            `json:"name" yaml:"name"`
	ClientID     string            `json:"client_id" yaml:"client_id" validate:"required"`
	ClientSecret string            `json:"client_secret" yaml:"client_secret"`
	AuthURL      string            `json:"auth_url" yaml:"auth_url" validate:"omitempty,url"`
	TokenURL     string            `json:"token_url" yaml:"token_url" validate:"omitempty,url"`
	UserInfoURL  string            `json:"userinfo_url" yaml:"userinfo_url" validate:"omitempty,url"`
	JWKSURL      string            `json:"jwks_url" yaml:"jwks_url" validate:"omitempty,url"`
	Issuer       string            `json:"issuer" yaml:"issuer"`
	Scopes       []string          `json:"scopes" yaml:"scopes"`
	AuthStyle    string            `json:"auth_style" yaml:"auth_style" validate:"omitempty,oneof=params header"`
	AuthParams   map[string]string `json:"auth_params" yaml:"auth_params"`
}

type FlowConfig struct {
	// StateStore selects where verifiers wait for the callback.
	StateStore      string   `json:"state_store" yaml:"state_store" validate:"oneof=memory sqlite cookie bolt valkey"`
	StateTTL        Duration `json:"state_ttl" yaml:"state_ttl" validate:"min=1s"`
	ExchangeTimeout Duration `json:"exchange_timeout" yaml:"exchange_timeout" validate:"min=100ms"`
	VerifierLength  int      `json:"verifier_length" yaml:"verifier_length" validate:"min=43,max=128"`
	DefaultRedirect string   `json:"default_redirect" yaml:"default_redirect" validate:"startswith=/"`
	BoltPath        string   `json:"bolt_path" yaml:"bolt_path" validate:"required_if=StateStore bolt"`
	ValkeyAddr      string   `json:"valkey_addr" yaml:"valkey_addr" validate:"required_if=StateStore valkey"`
}

type SessionConfig struct {
	Store      string   `json:"store" yaml:"store" validate:"oneof=memory sqlite"`
	TTL        Duration `json:"ttl" yaml:"ttl" validate:"min=1m"`
	UpdateAge  Duration `json:"update_age" yaml:"update_age" validate:"min=0"`
	CookieName string   `json:"cookie_name" yaml:"cookie_name" validate:"required"`
}

type HousekeepingConfig struct {
	Interval      Duration `json:"interval" yaml:"interval" validate:"min=1s"`
	RefreshLeeway Duration `json:"refresh_leeway" yaml:"refresh_leeway" validate:"min=0"`
	// InactiveUserRetention removes users idle for longer. Zero keeps them.
	InactiveUserRetention Duration `json:"inactive_user_retention" yaml:"inactive_user_retention" validate:"min=0"`
}

type RateLimitConfig struct {
	// RequestsPerSecond per client IP on /auth/*. Zero disables limiting.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" validate:"min=0"`
	Burst             int     `json:"burst" yaml:"burst" validate:"min=0"`
}

type WorkerConfig struct {
	NumWorkers int      `json:"num_workers" yaml:"num_workers" validate:"min=1"`
	QueueSize  int      `json:"queue_size" yaml:"queue_size" validate:"min=1"`
	MaxRetries int      `json:"max_retries" yaml:"max_retries" validate:"min=0"`
	RetryDelay Duration `json:"retry_delay" yaml:"retry_delay" validate:"min=0"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			PublicURL:       "http://localhost:8080",
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "json", Env: "prod"},
		DB: DBConfig{
			Path:         storage.DefaultConfig().Path,
			MaxOpenConns: storage.DefaultConfig().MaxOpenConns,
			BusyTimeout:  Duration{storage.DefaultConfig().BusyTimeout},
		},
		Provider: ProviderConfig{Preset: "google"},
		Flow: FlowConfig{
			StateStore:      "sqlite",
			StateTTL:        Duration{auth.DefaultStateTTL},
			ExchangeTimeout: Duration{auth.DefaultExchangeTimeout},
			VerifierLength:  auth.DefaultVerifierLength,
			DefaultRedirect: auth.DefaultRedirect,
		},
		Session: SessionConfig{
			Store:      "sqlite",
			TTL:        Duration{session.DefaultTTL},
			UpdateAge:  Duration{session.DefaultUpdateAge},
			CookieName: "session_id",
		},
		Housekeeping: HousekeepingConfig{
			Interval:      Duration{time.Minute},
			RefreshLeeway: Duration{auth.DefaultRefreshLeeway},
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 5, Burst: 10},
		Worker: WorkerConfig{
			NumWorkers: 2,
			QueueSize:  100,
			MaxRetries: 3,
			RetryDelay: Duration{5 * time.Second},
		},
	}
}

// Duration is a wrapper around time.Duration that reads "10m" style strings
// or integer nanoseconds from JSON and YAML.
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		return err
	default:
		return fmt.Errorf("invalid duration")
	}
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration")
	}
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		d.Duration = time.Duration(n)
		return nil
	}
	var err error
	d.Duration, err = time.ParseDuration(value.Value)
	return err
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// LoadEnvFiles loads .env files into the process environment. Variables
// already set win. A leading ~ is expanded to the home directory.
func LoadEnvFiles(files ...string) error {
	for _, file := range files {
		if strings.HasPrefix(file, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			file = strings.Replace(file, "~", home, 1)
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("loading env file %s: %w", file, err)
		}
	}
	return nil
}

// LoadFromFile reads configuration from a JSON or YAML file, chosen by
// extension, on top of the defaults and applies PKCE_* environment
// overrides. An empty path uses defaults and the environment only.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		case ".json":
			err = json.Unmarshal(data, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
		}
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables.
func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"PKCE_ENCRYPTION_KEY":   &c.EncryptionKey,
		"PKCE_HTTP_ADDR":        &c.Server.Addr,
		"PKCE_METRICS_ADDR":     &c.Server.MetricsAddr,
		"PKCE_PUBLIC_URL":       &c.Server.PublicURL,
		"PKCE_LOG_LEVEL":        &c.Log.Level,
		"PKCE_LOG_FORMAT":       &c.Log.Format,
		"PKCE_ENV":              &c.Log.Env,
		"PKCE_DB_PATH":          &c.DB.Path,
		"PKCE_PROVIDER":         &c.Provider.Preset,
		"PKCE_CLIENT_ID":        &c.Provider.ClientID,
		"PKCE_CLIENT_SECRET":    &c.Provider.ClientSecret,
		"PKCE_STATE_STORE":      &c.Flow.StateStore,
		"PKCE_BOLT_PATH":        &c.Flow.BoltPath,
		"PKCE_VALKEY_ADDR":      &c.Flow.ValkeyAddr,
		"PKCE_SESSION_STORE":    &c.Session.Store,
		"PKCE_SESSION_COOKIE":   &c.Session.CookieName,
		"PKCE_DEFAULT_REDIRECT": &c.Flow.DefaultRedirect,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"PKCE_STATE_TTL":             &c.Flow.StateTTL,
		"PKCE_EXCHANGE_TIMEOUT":      &c.Flow.ExchangeTimeout,
		"PKCE_SESSION_TTL":           &c.Session.TTL,
		"PKCE_HOUSEKEEPING_INTERVAL": &c.Housekeeping.Interval,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", key, err)
			}
			*dst = Duration{d}
		}
	}

	ints := map[string]*int{
		"PKCE_NUM_WORKERS":     &c.Worker.NumWorkers,
		"PKCE_VERIFIER_LENGTH": &c.Flow.VerifierLength,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", key, err)
			}
			*dst = n
		}
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validate := validator.New()

	// Register custom validation for Duration
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if duration, ok := field.Interface().(Duration); ok {
			return duration.Duration
		}
		return nil
	}, Duration{})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if _, err := c.AuthProvider(); err != nil {
		return err
	}
	return nil
}

// RedirectURL is the callback URL registered with the provider.
func (c *Config) RedirectURL() string {
	return strings.TrimRight(c.Server.PublicURL, "/") + "/auth/callback"
}

// SecureCookies reports whether cookies should carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	u, err := url.Parse(c.Server.PublicURL)
	return err == nil && u.Scheme == "https"
}

// AuthProvider resolves the preset and overrides into a provider config.
func (c *Config) AuthProvider() (auth.ProviderConfig, error) {
	p := c.Provider

	var out auth.ProviderConfig
	if p.Preset != "custom" {
		preset, err := auth.Preset(p.Preset)
		if err != nil {
			return auth.ProviderConfig{}, err
		}
		out = preset
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&out.Name, p.Name)
	override(&out.AuthURL, p.AuthURL)
	override(&out.TokenURL, p.TokenURL)
	override(&out.UserInfoURL, p.UserInfoURL)
	override(&out.JWKSURL, p.JWKSURL)
	override(&out.Issuer, p.Issuer)
	override(&out.AuthStyle, p.AuthStyle)
	if out.Name == "" {
		out.Name = p.Preset
	}
	if len(p.Scopes) > 0 {
		out.Scopes = p.Scopes
	}
	if len(p.AuthParams) > 0 {
		out.AuthParams = p.AuthParams
	}

	out.ClientID = p.ClientID
	out.ClientSecret = p.ClientSecret
	out.RedirectURL = c.RedirectURL()

	if err := out.Validate(); err != nil {
		return auth.ProviderConfig{}, err
	}
	return out, nil
}

// Storage returns the database settings.
func (c *Config) Storage() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Path = c.DB.Path
	cfg.MaxOpenConns = c.DB.MaxOpenConns
	if cfg.MaxIdleConns > cfg.MaxOpenConns {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	cfg.BusyTimeout = c.DB.BusyTimeout.Duration
	return cfg
}

// Logging returns the logger settings for service.
func (c *Config) Logging(service, version string) logging.Config {
	return logging.Config{
		Service: service,
		Version: version,
		Env:     c.Log.Env,
		Level:   c.Log.Level,
		Format:  c.Log.Format,
	}
}

// FlowConfig returns the login flow settings for provider.
func (c *Config) FlowConfig(provider auth.ProviderConfig) auth.FlowConfig {
	return auth.FlowConfig{
		Provider:        provider,
		StateTTL:        c.Flow.StateTTL.Duration,
		ExchangeTimeout: c.Flow.ExchangeTimeout.Duration,
		VerifierLength:  c.Flow.VerifierLength,
		SessionTTL:      c.Session.TTL.Duration,
		DefaultRedirect: c.Flow.DefaultRedirect,
	}
}
