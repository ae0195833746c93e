package domain

import (
	"slices"
	"time"
)

// SecretType tags how a ClientSecret value is interpreted.
type SecretType string

const (
	// SecretTypeSharedSecret is a hashed shared secret (bcrypt or SHA-256).
	SecretTypeSharedSecret SecretType = "shared_secret"
	// SecretTypeJSONWebKey is a public JWK or JWK Set used for private_key_jwt.
	SecretTypeJSONWebKey SecretType = "jwk"
)

// ClientSecret is one credential registered for a client.
//
//nolint:tagliatelle
type ClientSecret struct {
	Type        SecretType `bson:"type" json:"type" yaml:"type"`
	Value       string     `bson:"value" json:"value" yaml:"value"`
	Description string     `bson:"description,omitempty" json:"description,omitempty" yaml:"description,omitempty"`
	Expiration  *time.Time `bson:"expiration,omitempty" json:"expiration,omitempty" yaml:"expiration,omitempty"`
}

// IsExpired reports whether the secret can no longer be used at now.
func (s ClientSecret) IsExpired(now time.Time) bool {
	return s.Expiration != nil && !now.Before(*s.Expiration)
}

// RefreshTokenUsage controls refresh token rotation.
type RefreshTokenUsage string

const (
	// RefreshTokenReUse keeps handing out the same refresh token handle.
	RefreshTokenReUse RefreshTokenUsage = "reuse"
	// RefreshTokenOneTimeOnly rotates the handle on every redemption.
	RefreshTokenOneTimeOnly RefreshTokenUsage = "one_time_only"
)

// RefreshTokenExpiration controls how the lifetime of a refresh token is computed.
type RefreshTokenExpiration string

const (
	RefreshTokenExpirationAbsolute RefreshTokenExpiration = "absolute"
	RefreshTokenExpirationSliding  RefreshTokenExpiration = "sliding"
)

// AccessTokenType selects the access token representation.
type AccessTokenType string

const (
	AccessTokenTypeJWT       AccessTokenType = "jwt"
	AccessTokenTypeReference AccessTokenType = "reference"
)

// Client represents a registered OAuth2 / OIDC client application.
//
//nolint:tagliatelle
type Client struct {
	ClientID            string         `bson:"_id" json:"client_id" yaml:"client_id"`
	ClientName          string         `bson:"client_name,omitempty" json:"client_name,omitempty" yaml:"client_name,omitempty"`
	Enabled             bool           `bson:"enabled" json:"enabled" yaml:"enabled"`
	Secrets             []ClientSecret `bson:"secrets,omitempty" json:"secrets,omitempty" yaml:"secrets,omitempty"`
	RequireClientSecret bool           `bson:"require_client_secret" json:"require_client_secret" yaml:"require_client_secret"`

	AllowedGrantTypes      []string `bson:"allowed_grant_types" json:"allowed_grant_types" yaml:"allowed_grant_types"`
	AllowedScopes          []string `bson:"allowed_scopes" json:"allowed_scopes" yaml:"allowed_scopes"`
	RedirectURIs           []string `bson:"redirect_uris,omitempty" json:"redirect_uris,omitempty" yaml:"redirect_uris,omitempty"`
	PostLogoutRedirectURIs []string `bson:"post_logout_redirect_uris,omitempty" json:"post_logout_redirect_uris,omitempty" yaml:"post_logout_redirect_uris,omitempty"`
	AllowedCORSOrigins     []string `bson:"allowed_cors_origins,omitempty" json:"allowed_cors_origins,omitempty" yaml:"allowed_cors_origins,omitempty"`

	RequirePKCE          bool `bson:"require_pkce" json:"require_pkce" yaml:"require_pkce"`
	AllowPlainTextPKCE   bool `bson:"allow_plain_text_pkce" json:"allow_plain_text_pkce" yaml:"allow_plain_text_pkce"`
	RequireRequestObject bool `bson:"require_request_object" json:"require_request_object" yaml:"require_request_object"`
	RequireDPoP          bool `bson:"require_dpop" json:"require_dpop" yaml:"require_dpop"`
	AllowOfflineAccess   bool `bson:"allow_offline_access" json:"allow_offline_access" yaml:"allow_offline_access"`

	AccessTokenType                  AccessTokenType        `bson:"access_token_type,omitempty" json:"access_token_type,omitempty" yaml:"access_token_type,omitempty"`
	AccessTokenLifetime              time.Duration          `bson:"access_token_lifetime,omitempty" json:"access_token_lifetime,omitempty" yaml:"access_token_lifetime,omitempty"`
	IdentityTokenLifetime            time.Duration          `bson:"identity_token_lifetime,omitempty" json:"identity_token_lifetime,omitempty" yaml:"identity_token_lifetime,omitempty"`
	AuthorizationCodeLifetime        time.Duration          `bson:"authorization_code_lifetime,omitempty" json:"authorization_code_lifetime,omitempty" yaml:"authorization_code_lifetime,omitempty"`
	AbsoluteRefreshTokenLifetime     time.Duration          `bson:"absolute_refresh_token_lifetime,omitempty" json:"absolute_refresh_token_lifetime,omitempty" yaml:"absolute_refresh_token_lifetime,omitempty"`
	SlidingRefreshTokenLifetime      time.Duration          `bson:"sliding_refresh_token_lifetime,omitempty" json:"sliding_refresh_token_lifetime,omitempty" yaml:"sliding_refresh_token_lifetime,omitempty"`
	RefreshTokenUsage                RefreshTokenUsage      `bson:"refresh_token_usage,omitempty" json:"refresh_token_usage,omitempty" yaml:"refresh_token_usage,omitempty"`
	RefreshTokenExpiration           RefreshTokenExpiration `bson:"refresh_token_expiration,omitempty" json:"refresh_token_expiration,omitempty" yaml:"refresh_token_expiration,omitempty"`
	DeviceCodeLifetime               time.Duration          `bson:"device_code_lifetime,omitempty" json:"device_code_lifetime,omitempty" yaml:"device_code_lifetime,omitempty"`
	PollingInterval                  time.Duration          `bson:"polling_interval,omitempty" json:"polling_interval,omitempty" yaml:"polling_interval,omitempty"`
	AllowedSigningAlgorithms         []string               `bson:"allowed_signing_algorithms,omitempty" json:"allowed_signing_algorithms,omitempty" yaml:"allowed_signing_algorithms,omitempty"`
	AlwaysIncludeUserClaimsInIDToken bool                   `bson:"always_include_user_claims_in_id_token" json:"always_include_user_claims_in_id_token" yaml:"always_include_user_claims_in_id_token"`

	Claims                 []Claim `bson:"claims,omitempty" json:"claims,omitempty" yaml:"claims,omitempty"`
	AlwaysSendClientClaims bool    `bson:"always_send_client_claims" json:"always_send_client_claims" yaml:"always_send_client_claims"`
	ClientClaimsPrefix     string  `bson:"client_claims_prefix,omitempty" json:"client_claims_prefix,omitempty" yaml:"client_claims_prefix,omitempty"`
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return !c.RequireClientSecret
}

// AllowsGrantType reports whether grantType is registered for the client.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// AllowsScope reports whether scope is registered for the client.
// offline_access additionally requires AllowOfflineAccess.
func (c *Client) AllowsScope(scope string) bool {
	if scope == ScopeOfflineAccess {
		return c.AllowOfflineAccess
	}
	return slices.Contains(c.AllowedScopes, scope)
}

// HasRedirectURI compares uri against the registered redirect URIs using exact string equality.
func (c *Client) HasRedirectURI(uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// SecretsOfType returns the registered secrets with the given type.
func (c *Client) SecretsOfType(t SecretType) []ClientSecret {
	var out []ClientSecret
	for _, s := range c.Secrets {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy of the client.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Secrets = slices.Clone(c.Secrets)
	for i := range cp.Secrets {
		if exp := cp.Secrets[i].Expiration; exp != nil {
			t := *exp
			cp.Secrets[i].Expiration = &t
		}
	}
	cp.AllowedGrantTypes = slices.Clone(c.AllowedGrantTypes)
	cp.AllowedScopes = slices.Clone(c.AllowedScopes)
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	cp.AllowedCORSOrigins = slices.Clone(c.AllowedCORSOrigins)
	cp.AllowedSigningAlgorithms = slices.Clone(c.AllowedSigningAlgorithms)
	cp.Claims = slices.Clone(c.Claims)
	return &cp
}

// ClientDefaults carries server-wide fallback values for unset client settings.
type ClientDefaults struct {
	AccessTokenLifetime          time.Duration
	IdentityTokenLifetime        time.Duration
	AuthorizationCodeLifetime    time.Duration
	AbsoluteRefreshTokenLifetime time.Duration
	SlidingRefreshTokenLifetime  time.Duration
	DeviceCodeLifetime           time.Duration
	PollingInterval              time.Duration
}

// ApplyDefaults fills zero-valued lifetimes and policies from d.
func (c *Client) ApplyDefaults(d ClientDefaults) {
	if c.AccessTokenLifetime <= 0 {
		c.AccessTokenLifetime = d.AccessTokenLifetime
	}
	if c.IdentityTokenLifetime <= 0 {
		c.IdentityTokenLifetime = d.IdentityTokenLifetime
	}
	if c.AuthorizationCodeLifetime <= 0 {
		c.AuthorizationCodeLifetime = d.AuthorizationCodeLifetime
	}
	if c.AbsoluteRefreshTokenLifetime <= 0 {
		c.AbsoluteRefreshTokenLifetime = d.AbsoluteRefreshTokenLifetime
	}
	if c.SlidingRefreshTokenLifetime <= 0 {
		c.SlidingRefreshTokenLifetime = d.SlidingRefreshTokenLifetime
	}
	if c.DeviceCodeLifetime <= 0 {
		c.DeviceCodeLifetime = d.DeviceCodeLifetime
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = d.PollingInterval
	}
	if c.AccessTokenType == "" {
		c.AccessTokenType = AccessTokenTypeJWT
	}
	if c.RefreshTokenUsage == "" {
		c.RefreshTokenUsage = RefreshTokenOneTimeOnly
	}
	if c.RefreshTokenExpiration == "" {
		c.RefreshTokenExpiration = RefreshTokenExpirationAbsolute
	}
}
