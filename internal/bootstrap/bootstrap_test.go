package bootstrap_test

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/config"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/internal/bootstrap"
	"go.pilab.hu/ssoengine/keys"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/validation"
)

const seedDoc = `
clients:
  - client_id: machine
    enabled: true
    require_client_secret: true
    secrets:
      - type: shared_secret
        value: b13z1hoikMvamifVhPp+UJwoEdqP1n6rDcXDnDeJu34=
    allowed_grant_types: [client_credentials]
    allowed_scopes: [api1.read]
resources:
  api_scopes:
    - name: api1.read
      enabled: true
  api_resources:
    - name: api1
      enabled: true
      scopes: [api1.read]
`

func testConfig(t *testing.T) *config.ServerConfig {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("ISSUER: https://sso.example.com\n"), 0o600))
	seedPath := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(seedDoc), 0o600))

	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)
	cfg.SeedFile = seedPath
	cfg.SigningAlgorithm = "ES256"
	cfg.BBoltPath = filepath.Join(dir, "grants.db")
	return cfg
}

func writeKey(t *testing.T, alg string) string {
	t.Helper()
	priv, err := keys.GeneratePrivateKey(alg)
	require.NoError(t, err)
	pemBytes, err := keys.EncodePrivateKeyPEM(priv)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path
}

func TestLoadKeys_Generated(t *testing.T) {
	cfg := testConfig(t)
	now := time.Now()

	holder, err := bootstrap.LoadKeys(cfg, now)
	require.NoError(t, err)
	k, err := holder.Provider().SigningKey(now, nil)
	require.NoError(t, err)
	assert.Equal(t, "ES256", k.Algorithm)
}

func TestLoadKeys_Rotation(t *testing.T) {
	cfg := testConfig(t)
	cfg.SigningAlgorithm = "RS256"
	cfg.KeyGracePeriod = time.Hour
	cfg.SigningKeyFiles = []string{writeKey(t, "RS256"), writeKey(t, "ES256")}
	now := time.Now()

	holder, err := bootstrap.LoadKeys(cfg, now)
	require.NoError(t, err)
	p := holder.Provider()

	k, err := p.SigningKey(now, nil)
	require.NoError(t, err)
	assert.Equal(t, "RS256", k.Algorithm)

	_, err = p.SigningKey(now, []string{"ES256"})
	require.ErrorIs(t, err, keys.ErrNoSigningKeyAvailable, "retired keys no longer sign")

	assert.Len(t, p.PublicKeySet(now).Keys, 2)
	assert.Len(t, p.PublicKeySet(now.Add(2*time.Hour)).Keys, 1)
}

func TestLoadKeys_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.SigningKeyFiles = []string{filepath.Join(t.TempDir(), "missing.pem")}
	_, err := bootstrap.LoadKeys(cfg, time.Now())
	require.Error(t, err)

	cfg.SigningKeyFiles = []string{writeKey(t, "ES256")}
	cfg.SigningAlgorithm = "RS256"
	_, err = bootstrap.LoadKeys(cfg, time.Now())
	require.Error(t, err, "algorithm does not fit the key")
}

func TestNew_Backends(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name        string
		store       string
		lock        string
		wantCleanup bool
	}{
		{name: "memory", store: config.BackendMemory, lock: config.BackendMemory, wantCleanup: true},
		{name: "bbolt", store: config.BackendBBolt, lock: config.BackendMemory, wantCleanup: true},
		{name: "redis", store: config.BackendRedis, lock: config.BackendRedis},
		{name: "memory store with redis lock", store: config.BackendMemory, lock: config.BackendRedis, wantCleanup: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.StoreBackend = tt.store
			cfg.LockBackend = tt.lock
			cfg.RedisAddr = mr.Addr()
			ctx := context.Background()

			engine, err := bootstrap.New(ctx, cfg, log.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { require.NoError(t, engine.Close(ctx)) })

			assert.NotNil(t, engine.Registry)
			assert.Equal(t, tt.wantCleanup, engine.Cleanup != nil)
			assert.Contains(t, engine.Service.GrantTypes(), domain.GrantTypeClientCredentials)

			resp, err := engine.Service.Token(ctx, clientCredentials())
			require.NoError(t, err)
			assert.Equal(t, "api1.read", resp.Scope)
		})
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreBackend = "cassandra"
	_, err := bootstrap.New(context.Background(), cfg, log.NewNop())
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.LockBackend = "zookeeper"
	_, err = bootstrap.New(context.Background(), cfg, log.NewNop())
	require.Error(t, err)
}

func clientCredentials() validation.RawRequest {
	return validation.RawRequest{Form: url.Values{
		"grant_type":    {domain.GrantTypeClientCredentials},
		"client_id":     {"machine"},
		"client_secret": {"machine-secret"},
	}}
}
