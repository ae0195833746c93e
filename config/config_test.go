package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/config"
	"go.pilab.hu/ssoengine/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	path := writeFile(t, "config.yaml", `
ISSUER: https://sso.example.com
STORE_BACKEND: bbolt
ACCESS_TOKEN_TTL: 30m
CORS_ALLOWED_ORIGINS:
  - https://app.example.com
`)
	t.Setenv("SSO_LOG_LEVEL", "debug")
	t.Setenv("SSO_REFRESH_TOKEN_REUSE_INTERVAL", "3s")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://sso.example.com", cfg.Issuer)
	assert.Equal(t, config.BackendBBolt, cfg.StoreBackend)
	assert.Equal(t, config.BackendMemory, cfg.LockBackend)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 3*time.Second, cfg.RefreshTokenReuseInterval)

	opts := cfg.Options()
	require.NoError(t, opts.Validate())
	assert.Equal(t, 30*time.Minute, opts.ClientDefaults.AccessTokenLifetime)
	assert.Equal(t, 5*time.Minute, opts.ClientDefaults.AuthorizationCodeLifetime)
	assert.Equal(t, []string{"https://app.example.com"}, opts.CORS.AllowedOrigins)
	assert.Equal(t, "https://sso.example.com/device", opts.DeviceVerificationURI())
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig(writeFile(t, "empty.yaml", "{}\n"))
	require.NoError(t, err)

	opts := cfg.Options()
	require.NoError(t, opts.Validate())
	assert.Equal(t, config.DefaultOptions(cfg.Issuer).ClientDefaults, opts.ClientDefaults)
	assert.Equal(t, "RS256", opts.SigningAlgorithm)
}

func TestLoadConfig_BrokenFile(t *testing.T) {
	_, err := config.LoadConfig(writeFile(t, "broken.yaml", "ISSUER: [unterminated\n"))
	require.Error(t, err)
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Options)
	}{
		{"relative issuer", func(o *config.Options) { o.Issuer = "/sso" }},
		{"no signing algorithm", func(o *config.Options) { o.SigningAlgorithm = "" }},
		{"no access token lifetime", func(o *config.Options) { o.ClientDefaults.AccessTokenLifetime = 0 }},
		{"negative reuse interval", func(o *config.Options) { o.RefreshTokenReuseInterval = -time.Second }},
		{"no lock timeout", func(o *config.Options) { o.LockTimeout = 0 }},
		{"negative cache outlives positive", func(o *config.Options) { o.Caching.NegativeTTL = o.Caching.ClientTTL }},
		{"no user code charset", func(o *config.Options) { o.Device.UserCodeCharset = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := config.DefaultOptions("https://sso.example.com")
			require.NoError(t, opts.Validate())
			tt.mutate(&opts)
			assert.Error(t, opts.Validate())
		})
	}
}

func TestDefaultOptions_EndpointURL(t *testing.T) {
	opts := config.DefaultOptions("https://sso.example.com/")
	assert.Equal(t, "https://sso.example.com", opts.Issuer)
	assert.Equal(t, "https://sso.example.com/connect/token", opts.EndpointURL(opts.Endpoints.Token))
}

func TestParseSeed(t *testing.T) {
	seed, err := config.ParseSeed([]byte(`
clients:
  - client_id: web
    enabled: true
    require_client_secret: true
    allowed_grant_types: [authorization_code, refresh_token]
    allowed_scopes: [openid, api1.read]
    redirect_uris: [https://web.example.com/cb]
    access_token_lifetime: 15m
resources:
  identity_resources:
    - name: openid
      enabled: true
      required: true
      user_claims: [sub]
  api_scopes:
    - name: api1.read
      enabled: true
  api_resources:
    - name: api1
      enabled: true
      scopes: [api1.read]
`))
	require.NoError(t, err)
	require.Len(t, seed.Clients, 1)
	c := seed.Clients[0]
	assert.Equal(t, "web", c.ClientID)
	assert.True(t, c.AllowsGrantType(domain.GrantTypeRefreshToken))
	assert.Equal(t, 15*time.Minute, c.AccessTokenLifetime)
	assert.Len(t, seed.Resources.IdentityResources, 1)
	assert.Equal(t, []string{"api1.read"}, seed.Resources.APIResources[0].Scopes)
}

func TestParseSeed_Errors(t *testing.T) {
	tests := map[string]string{
		"unknown key":  "clients:\n  - client_id: a\n    colour: blue\n",
		"missing id":   "clients:\n  - enabled: true\n",
		"duplicate id": "clients:\n  - client_id: a\n  - client_id: a\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseSeed([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadSeed_MissingFile(t *testing.T) {
	_, err := config.LoadSeed(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
