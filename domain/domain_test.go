package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/domain"
)

func TestClient_Rules(t *testing.T) {
	c := &domain.Client{
		ClientID:          "web",
		AllowedGrantTypes: []string{domain.GrantTypeAuthorizationCode},
		AllowedScopes:     []string{"openid"},
		RedirectURIs:      []string{"https://app.example.com/cb"},
	}

	assert.True(t, c.IsPublic())
	assert.True(t, c.AllowsGrantType(domain.GrantTypeAuthorizationCode))
	assert.False(t, c.AllowsGrantType(domain.GrantTypeClientCredentials))
	assert.True(t, c.AllowsScope("openid"))
	assert.False(t, c.AllowsScope(domain.ScopeOfflineAccess))
	c.AllowOfflineAccess = true
	assert.True(t, c.AllowsScope(domain.ScopeOfflineAccess))

	assert.True(t, c.HasRedirectURI("https://app.example.com/cb"))
	assert.False(t, c.HasRedirectURI("https://app.example.com/cb/"))
	assert.False(t, c.HasRedirectURI("https://APP.example.com/cb"))
	assert.False(t, c.HasRedirectURI(""))
}

func TestClient_CloneIsDeep(t *testing.T) {
	exp := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &domain.Client{
		ClientID:      "web",
		Secrets:       []domain.ClientSecret{{Type: domain.SecretTypeSharedSecret, Value: "x", Expiration: &exp}},
		AllowedScopes: []string{"openid"},
	}
	cp := c.Clone()
	cp.AllowedScopes[0] = "profile"
	*cp.Secrets[0].Expiration = exp.Add(time.Hour)

	assert.Equal(t, "openid", c.AllowedScopes[0])
	assert.Equal(t, exp, *c.Secrets[0].Expiration)
	assert.Nil(t, (*domain.Client)(nil).Clone())
}

func TestClient_ApplyDefaults(t *testing.T) {
	c := &domain.Client{AccessTokenLifetime: 10 * time.Minute}
	c.ApplyDefaults(domain.ClientDefaults{
		AccessTokenLifetime:       time.Hour,
		AuthorizationCodeLifetime: 5 * time.Minute,
		PollingInterval:           5 * time.Second,
	})

	assert.Equal(t, 10*time.Minute, c.AccessTokenLifetime)
	assert.Equal(t, 5*time.Minute, c.AuthorizationCodeLifetime)
	assert.Equal(t, 5*time.Second, c.PollingInterval)
	assert.Equal(t, domain.AccessTokenTypeJWT, c.AccessTokenType)
	assert.Equal(t, domain.RefreshTokenOneTimeOnly, c.RefreshTokenUsage)
	assert.Equal(t, domain.RefreshTokenExpirationAbsolute, c.RefreshTokenExpiration)
}

func TestClientSecret_IsExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	assert.False(t, domain.ClientSecret{}.IsExpired(now))
	assert.True(t, domain.ClientSecret{Expiration: &past}.IsExpired(now))
	assert.True(t, domain.ClientSecret{Expiration: &now}.IsExpired(now))
}

func TestPersistedGrantFilter(t *testing.T) {
	g := &domain.PersistedGrant{
		Key:       "k",
		Type:      domain.GrantRefreshToken,
		ClientID:  "web",
		SubjectID: "alice",
		SessionID: "s1",
	}

	require.ErrorIs(t, domain.PersistedGrantFilter{}.Validate(), domain.ErrEmptyGrantFilter)
	assert.True(t, domain.PersistedGrantFilter{SubjectID: "alice"}.Matches(g))
	assert.True(t, domain.PersistedGrantFilter{SubjectID: "alice", ClientID: "web", Type: domain.GrantRefreshToken}.Matches(g))
	assert.False(t, domain.PersistedGrantFilter{SubjectID: "alice", SessionID: "s2"}.Matches(g))
	assert.False(t, domain.PersistedGrantFilter{Type: domain.GrantAuthorizationCode}.Matches(g))
}

func TestPersistedGrant_State(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Minute)
	g := &domain.PersistedGrant{Expiration: &exp}

	assert.False(t, g.IsExpired(now))
	assert.True(t, g.IsExpired(exp))
	assert.False(t, g.IsConsumed())

	cp := g.Clone()
	*cp.Expiration = now
	assert.Equal(t, exp, *g.Expiration)
}

func TestTokenClaims(t *testing.T) {
	var claims domain.TokenClaims
	claims.Set("sub", "alice")
	claims.Add("role", "admin")
	claims.Add("role", "auditor")
	claims.Add("role", "admin")
	claims.Set("sub", "bob")

	require.Equal(t, 2, claims.Len())
	role, ok := claims.Get("role")
	require.True(t, ok)
	assert.Equal(t, []string{"admin", "auditor"}, role)
	assert.Equal(t, "sub", claims.Items()[0].Name)

	raw, err := json.Marshal(claims)
	require.NoError(t, err)
	var decoded domain.TokenClaims
	require.NoError(t, json.Unmarshal(raw, &decoded))
	sub, _ := decoded.Get("sub")
	assert.Equal(t, "bob", sub)
	assert.Equal(t, []string{"sub", "role"}, []string{decoded.Items()[0].Name, decoded.Items()[1].Name})
}

func TestToken_JWTClaims(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	tok := &domain.Token{
		Issuer:       "https://sso.example.com",
		Audiences:    []string{"api1"},
		CreationTime: created,
		Lifetime:     time.Hour,
	}
	tok.Claims.Set("sub", "alice")

	claims := tok.JWTClaims()
	assert.Equal(t, "https://sso.example.com", claims["iss"])
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, "api1", claims["aud"])
	assert.Equal(t, created.Add(time.Hour).Unix(), claims["exp"])
	assert.NotContains(t, claims, "cnf")
	assert.Equal(t, "alice", tok.SubjectID())
	assert.Equal(t, created.Add(time.Hour), tok.Expiration())
}
