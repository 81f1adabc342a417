package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
encryption_key: "`+testKey+`"
server:
  public_url: "https://login.example.com/"
provider:
  preset: github
  client_id: gh-client
  client_secret: gh-secret
flow:
  state_store: memory
  state_ttl: 5m
session:
  store: memory
  ttl: 2h
worker:
  num_workers: 4
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Flow.StateStore)
	assert.Equal(t, 5*time.Minute, cfg.Flow.StateTTL.Duration)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL.Duration)
	assert.Equal(t, 4, cfg.Worker.NumWorkers)
	assert.Equal(t, "https://login.example.com/auth/callback", cfg.RedirectURL())
	assert.True(t, cfg.SecureCookies())

	// Defaults survive for fields the file leaves out.
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 64, cfg.Flow.VerifierLength)

	p, err := cfg.AuthProvider()
	require.NoError(t, err)
	assert.Equal(t, "github", p.Name)
	assert.Equal(t, "gh-client", p.ClientID)
	assert.Equal(t, "https://api.github.com/user", p.UserInfoURL)
	assert.Equal(t, cfg.RedirectURL(), p.RedirectURL)

	fc := cfg.FlowConfig(p)
	assert.Equal(t, 5*time.Minute, fc.StateTTL)
	assert.Equal(t, 2*time.Hour, fc.SessionTTL)
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"encryption_key": "`+testKey+`",
		"provider": {
			"preset": "custom",
			"name": "corp",
			"client_id": "corp-client",
			"auth_url": "https://idp.example.com/authorize",
			"token_url": "https://idp.example.com/token",
			"userinfo_url": "https://idp.example.com/userinfo",
			"auth_style": "header",
			"scopes": ["openid", "email"]
		},
		"flow": {"exchange_timeout": "3s"},
		"housekeeping": {"interval": 30000000000}
	}`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Flow.ExchangeTimeout.Duration)
	assert.Equal(t, 30*time.Second, cfg.Housekeeping.Interval.Duration)
	assert.False(t, cfg.SecureCookies())

	p, err := cfg.AuthProvider()
	require.NoError(t, err)
	assert.Equal(t, "corp", p.Name)
	assert.Equal(t, "header", p.AuthStyle)
	assert.Equal(t, []string{"openid", "email"}, p.Scopes)
}

func TestLoadFromFile_Errors(t *testing.T) {
	valid := "encryption_key: \"" + testKey + "\"\nprovider:\n  client_id: id\n"

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "unknown extension", file: "config.toml", content: valid},
		{name: "bad yaml", file: "config.yaml", content: "server: [\n"},
		{name: "short key", file: "config.yaml", content: "encryption_key: short\nprovider:\n  client_id: id\n"},
		{name: "missing client id", file: "config.yaml", content: "encryption_key: \"" + testKey + "\"\n"},
		{name: "unknown state store", file: "config.yaml", content: valid + "flow:\n  state_store: disk\n"},
		{name: "bolt without path", file: "config.yaml", content: valid + "flow:\n  state_store: bolt\n"},
		{name: "verifier too short", file: "config.yaml", content: valid + "flow:\n  verifier_length: 42\n"},
		{name: "relative default redirect", file: "config.yaml", content: valid + "flow:\n  default_redirect: dashboard\n"},
		{name: "custom without endpoints", file: "config.yaml", content: "encryption_key: \"" + testKey + "\"\nprovider:\n  preset: custom\n  client_id: id\n"},
		{name: "bad duration", file: "config.yaml", content: valid + "flow:\n  state_ttl: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestLoadFromFile_EnvOverrides(t *testing.T) {
	t.Setenv("PKCE_ENCRYPTION_KEY", testKey)
	t.Setenv("PKCE_CLIENT_ID", "env-client")
	t.Setenv("PKCE_STATE_STORE", "valkey")
	t.Setenv("PKCE_VALKEY_ADDR", "localhost:6379")
	t.Setenv("PKCE_STATE_TTL", "2m")
	t.Setenv("PKCE_NUM_WORKERS", "7")

	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, "env-client", cfg.Provider.ClientID)
	assert.Equal(t, "valkey", cfg.Flow.StateStore)
	assert.Equal(t, 2*time.Minute, cfg.Flow.StateTTL.Duration)
	assert.Equal(t, 7, cfg.Worker.NumWorkers)

	t.Run("bad values", func(t *testing.T) {
		t.Setenv("PKCE_NUM_WORKERS", "many")
		_, err := LoadFromFile("")
		assert.Error(t, err)
	})
}

func TestLoadEnvFiles(t *testing.T) {
	path := writeFile(t, ".env", "PKCE_TEST_FROM_ENV_FILE=hello\n")
	t.Setenv("PKCE_TEST_FROM_ENV_FILE", "")
	os.Unsetenv("PKCE_TEST_FROM_ENV_FILE")

	require.NoError(t, LoadEnvFiles(path))
	assert.Equal(t, "hello", os.Getenv("PKCE_TEST_FROM_ENV_FILE"))

	assert.Error(t, LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env")))
}

func TestConfig_Storage(t *testing.T) {
	cfg := Default()
	cfg.DB.Path = "/tmp/x.db"
	cfg.DB.MaxOpenConns = 1

	sc := cfg.Storage()
	assert.Equal(t, "/tmp/x.db", sc.Path)
	assert.Equal(t, 1, sc.MaxOpenConns)
	assert.NoError(t, sc.Validate())
}
