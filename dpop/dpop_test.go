package dpop_test

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
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/dpop"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/keys"
	"go.pilab.hu/ssoengine/lock"
	"go.pilab.hu/ssoengine/store"
	"go.pilab.hu/ssoengine/store/memory"
	testingclock "k8s.io/utils/clock/testing"
)

const tokenURL = "https://sso.example.com/connect/token"

type proofBuilder struct {
	key    *ecdsa.PrivateKey
	header map[string]any
	claims jwt.MapClaims
}

func newProof(t *testing.T, key *ecdsa.PrivateKey, now time.Time) *proofBuilder {
	t.Helper()
	jwk, err := json.Marshal(jose.JSONWebKey{Key: &key.PublicKey})
	require.NoError(t, err)
	var header map[string]any
	require.NoError(t, json.Unmarshal(jwk, &header))

	return &proofBuilder{
		key:    key,
		header: map[string]any{"typ": "dpop+jwt", "jwk": header},
		claims: jwt.MapClaims{
			"jti": uuid.NewString(),
			"htm": "POST",
			"htu": tokenURL,
			"iat": now.Unix(),
		},
	}
}

func (b *proofBuilder) sign(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, b.claims)
	for k, v := range b.header {
		tok.Header[k] = v
	}
	raw, err := tok.SignedString(b.key)
	require.NoError(t, err)
	return raw
}

func newValidator(clk *testingclock.FakeClock) *dpop.Validator {
	replay := store.NewReplayCache(memory.NewGrantStore(clk), lock.NewMemory(), clk, time.Second)
	return dpop.NewValidator(dpop.Config{
		ProofValidity:       time.Minute,
		ClockSkew:           5 * time.Second,
		SupportedAlgorithms: []string{"ES256", "RS256"},
	}, replay, clk)
}

func TestValidator_Valid(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 1, 3, 3, 8, 6, 0, time.UTC))
	v := newValidator(clk)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	want, err := keys.Thumbprint(&key.PublicKey)
	require.NoError(t, err)

	raw := newProof(t, key, clk.Now()).sign(t)
	proof, err := v.Validate(context.Background(), dpop.Request{
		Proof:  raw,
		Method: "POST",
		URL:    "https://SSO.example.com:443/connect/token?x=1",
	})
	require.NoError(t, err)
	assert.Equal(t, want, proof.Thumbprint)

	_, err = v.Validate(context.Background(), dpop.Request{Proof: raw, Method: "POST", URL: tokenURL})
	assert.True(t, serrors.HasCode(err, serrors.InvalidDPoPProof), "replay is rejected")
}

func TestValidator_Rejections(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 1, 3, 3, 8, 6, 0, time.UTC))
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tests := map[string]struct {
		mutate func(b *proofBuilder)
		req    dpop.Request
	}{
		"wrong typ":        {mutate: func(b *proofBuilder) { b.header["typ"] = "JWT" }},
		"missing jwk":      {mutate: func(b *proofBuilder) { delete(b.header, "jwk") }},
		"wrong method":     {mutate: func(b *proofBuilder) { b.claims["htm"] = "GET" }},
		"wrong url":        {mutate: func(b *proofBuilder) { b.claims["htu"] = "https://sso.example.com/connect/other" }},
		"missing jti":      {mutate: func(b *proofBuilder) { delete(b.claims, "jti") }},
		"missing iat":      {mutate: func(b *proofBuilder) { delete(b.claims, "iat") }},
		"stale":            {mutate: func(b *proofBuilder) { b.claims["iat"] = clk.Now().Add(-2 * time.Minute).Unix() }},
		"from the future":  {mutate: func(b *proofBuilder) { b.claims["iat"] = clk.Now().Add(time.Minute).Unix() }},
		"ath mismatch":     {mutate: func(b *proofBuilder) { b.claims["ath"] = dpop.AccessTokenHash("other") }, req: dpop.Request{AccessToken: "at"}},
		"bound to another": {req: dpop.Request{Thumbprint: "not-this-key"}},
		"private jwk": {mutate: func(b *proofBuilder) {
			raw, _ := json.Marshal(jose.JSONWebKey{Key: key})
			var h map[string]any
			_ = json.Unmarshal(raw, &h)
			b.header["jwk"] = h
		}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			v := newValidator(clk)
			b := newProof(t, key, clk.Now())
			if tt.mutate != nil {
				tt.mutate(b)
			}
			req := tt.req
			req.Proof = b.sign(t)
			req.Method = "POST"
			req.URL = tokenURL
			_, err := v.Validate(context.Background(), req)
			assert.True(t, serrors.HasCode(err, serrors.InvalidDPoPProof), "got %v", err)
		})
	}
}

func TestValidator_AccessTokenHash(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 1, 3, 3, 8, 6, 0, time.UTC))
	v := newValidator(clk)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	b := newProof(t, key, clk.Now())
	b.claims["ath"] = dpop.AccessTokenHash("at-123")
	b.claims["htm"] = "GET"
	b.claims["htu"] = "https://api.example.com/resource"
	_, err = v.Validate(context.Background(), dpop.Request{
		Proof:       b.sign(t),
		Method:      "GET",
		URL:         "https://api.example.com/resource",
		AccessToken: "at-123",
	})
	assert.NoError(t, err)
}
