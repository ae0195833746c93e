package validation_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/lock"
	"go.pilab.hu/ssoengine/store"
	"go.pilab.hu/ssoengine/store/memory"
	"go.pilab.hu/ssoengine/validation"
	testingclock "k8s.io/utils/clock/testing"
)

const testIssuer = "https://sso.example.com"

func ecKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return k
}

func jarClient(t *testing.T, pub *ecdsa.PublicKey) *domain.Client {
	t.Helper()
	jwk, err := json.Marshal(jose.JSONWebKey{Key: pub, KeyID: "k1", Algorithm: "ES256", Use: "sig"})
	require.NoError(t, err)
	return &domain.Client{
		ClientID: "jar",
		Secrets:  []domain.ClientSecret{{Type: domain.SecretTypeJSONWebKey, Value: string(jwk)}},
	}
}

func signRequestObject(t *testing.T, key *ecdsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(key)
	require.NoError(t, err)
	return raw
}

func newRequestObjectValidator(clk *testingclock.FakeClock) *validation.RequestObjectValidator {
	replay := store.NewReplayCache(memory.NewGrantStore(clk), lock.NewMemory(), clk, time.Second)
	return validation.NewRequestObjectValidator(testIssuer, replay, clk, time.Minute)
}

func TestRequestObjectValidator_Valid(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	key := ecKey(t)
	c := jarClient(t, &key.PublicKey)
	v := newRequestObjectValidator(clk)
	ctx := context.Background()

	raw := signRequestObject(t, key, jwt.MapClaims{
		"iss":           "jar",
		"aud":           testIssuer,
		"exp":           clk.Now().Add(5 * time.Minute).Unix(),
		"jti":           "req-1",
		"client_id":     "jar",
		"response_type": "code",
		"scope":         []any{"openid", "profile"},
		"max_age":       300,
		"redirect_uri":  "https://jar.example.com/cb",
	})

	params, err := v.Validate(ctx, c, raw)
	require.NoError(t, err)
	assert.Equal(t, "code", params.Get("response_type"))
	assert.Equal(t, "openid profile", params.Get("scope"))
	assert.Equal(t, "300", params.Get("max_age"))
	assert.Equal(t, "https://jar.example.com/cb", params.Get("redirect_uri"))
	assert.False(t, params.Has("iss"))
	assert.False(t, params.Has("jti"))

	_, err = v.Validate(ctx, c, raw)
	require.Error(t, err)
	assert.True(t, serrors.HasCode(err, serrors.InvalidRequestObject), "replayed request object")
}

func TestRequestObjectValidator_Rejections(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	key := ecKey(t)
	other := ecKey(t)
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":   "jar",
			"aud":   testIssuer,
			"exp":   clk.Now().Add(5 * time.Minute).Unix(),
			"scope": "openid",
		}
	}

	tests := []struct {
		name   string
		signer *ecdsa.PrivateKey
		mutate func(jwt.MapClaims)
		client func(*domain.Client)
	}{
		{name: "wrong audience", signer: key, mutate: func(c jwt.MapClaims) { c["aud"] = "https://other.example.com" }},
		{name: "wrong issuer", signer: key, mutate: func(c jwt.MapClaims) { c["iss"] = "someone" }},
		{name: "expired", signer: key, mutate: func(c jwt.MapClaims) { c["exp"] = clk.Now().Add(-2 * time.Minute).Unix() }},
		{name: "foreign key", signer: other},
		{name: "client_id mismatch", signer: key, mutate: func(c jwt.MapClaims) { c["client_id"] = "someone" }},
		{name: "nested request", signer: key, mutate: func(c jwt.MapClaims) { c["request"] = "x.y.z" }},
		{name: "nested request_uri", signer: key, mutate: func(c jwt.MapClaims) { c["request_uri"] = "urn:x" }},
		{name: "no registered keys", signer: key, client: func(c *domain.Client) { c.Secrets = nil }},
		{name: "expired key", signer: key, client: func(c *domain.Client) {
			exp := clk.Now().Add(-time.Hour)
			c.Secrets[0].Expiration = &exp
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := base()
			if tt.mutate != nil {
				tt.mutate(claims)
			}
			c := jarClient(t, &key.PublicKey)
			if tt.client != nil {
				tt.client(c)
			}
			_, err := newRequestObjectValidator(clk).Validate(context.Background(), c, signRequestObject(t, tt.signer, claims))
			require.Error(t, err)
			assert.True(t, serrors.HasCode(err, serrors.InvalidRequestObject), "got %v", err)
		})
	}
}
