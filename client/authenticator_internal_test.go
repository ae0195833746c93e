package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/log"
	testingclock "k8s.io/utils/clock/testing"
)

// countCompares routes bcrypt comparisons through a counter for the duration of the test.
func countCompares(t *testing.T) *atomic.Int32 {
	t.Helper()
	var n atomic.Int32
	original := compareHash
	compareHash = func(hash, password []byte) error {
		n.Add(1)
		return original(hash, password)
	}
	t.Cleanup(func() { compareHash = original })
	return &n
}

func basic(id, secret string) Credentials {
	return Credentials{Authorization: "Basic " + base64.StdEncoding.EncodeToString([]byte(url.QueryEscape(id)+":"+url.QueryEscape(secret)))}
}

func signedAssertion(t *testing.T, key *ecdsa.PrivateKey, clientID string) Credentials {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": "https://sso.example.com/connect/token",
		"jti": "assertion-1",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	raw, err := tok.SignedString(key)
	require.NoError(t, err)
	return Credentials{Form: url.Values{
		"client_id":             {clientID},
		"client_assertion_type": {domain.ClientAssertionTypeJWTBearer},
		"client_assertion":      {raw},
	}}
}

func TestAuthenticator_RejectionsCostOneBcryptCompare(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())

	registered, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	foreign, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwk, err := json.Marshal(jose.JSONWebKey{Key: &registered.PublicKey, KeyID: "k1", Algorithm: "ES256", Use: "sig"})
	require.NoError(t, err)

	bcryptSecret, err := HashSecret("bcrypt-secret")
	require.NoError(t, err)
	shared := func(v string) []domain.ClientSecret {
		return []domain.ClientSecret{{Type: domain.SecretTypeSharedSecret, Value: v}}
	}

	clients := NewMemoryClientStore(
		&domain.Client{ClientID: "sha", Enabled: true, RequireClientSecret: true, Secrets: shared(HashSecretSHA256("sha-secret"))},
		&domain.Client{ClientID: "bcrypt", Enabled: true, RequireClientSecret: true, Secrets: shared(bcryptSecret)},
		&domain.Client{ClientID: "disabled", RequireClientSecret: true, Secrets: shared(HashSecretSHA256("sha-secret"))},
		&domain.Client{ClientID: "jwt", Enabled: true, RequireClientSecret: true, Secrets: []domain.ClientSecret{
			{Type: domain.SecretTypeJSONWebKey, Value: string(jwk)},
		}},
	)
	auth := NewAuthenticator(
		NewClientService(clients, domain.ClientDefaults{AccessTokenLifetime: time.Hour}),
		log.NewNop(),
		NewSharedSecretValidator(clk),
		NewPrivateKeyJWTValidator([]string{"https://sso.example.com/connect/token"}, nil, clk, 5*time.Second),
	)

	rejected := map[string]Credentials{
		"unknown client":              basic("ghost", "sha-secret"),
		"disabled client":             basic("disabled", "sha-secret"),
		"sha-256 secret, wrong value": basic("sha", "wrong"),
		"bcrypt secret, wrong value":  basic("bcrypt", "wrong"),
		"confidential without secret": {Form: url.Values{"client_id": {"sha"}}},
		"unknown assertion client":    signedAssertion(t, foreign, "ghost"),
		"assertion with foreign key":  signedAssertion(t, foreign, "jwt"),
	}
	for name, creds := range rejected {
		t.Run(name, func(t *testing.T) {
			compares := countCompares(t)
			_, err := auth.Authenticate(context.Background(), creds)
			require.Error(t, err)
			assert.Equal(t, int32(1), compares.Load())
		})
	}

	t.Run("sha-256 secret accepted without bcrypt", func(t *testing.T) {
		compares := countCompares(t)
		_, err := auth.Authenticate(context.Background(), basic("sha", "sha-secret"))
		require.NoError(t, err)
		assert.Zero(t, compares.Load())
	})
}
