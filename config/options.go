package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.pilab.hu/ssoengine/domain"
)

// EndpointPaths are the paths, relative to the issuer, the host serves each endpoint on.
type EndpointPaths struct {
	Authorize           string
	Token               string
	DeviceAuthorization string
	Introspection       string
	Revocation          string
	PushedAuthorization string
	UserInfo            string
	EndSession          string
	JWKS                string
}

// CachingOptions configures the read-through caches in front of client and resource stores.
type CachingOptions struct {
	ClientTTL   time.Duration
	ResourceTTL time.Duration
	CORSTTL     time.Duration
	// NegativeTTL caches "client not found" results. Zero disables negative caching.
	NegativeTTL time.Duration
}

// CORSOptions configures the origin policy.
type CORSOptions struct {
	// CaseSensitive compares origins byte-for-byte. When false scheme and host compare case-insensitively.
	CaseSensitive  bool
	AllowedOrigins []string
}

// PKCEOptions contains PKCE-related settings
type PKCEOptions struct {
	AllowPlainChallengeMethod bool
	// RequireForAllClients forces PKCE even for confidential clients that do not ask for it.
	RequireForAllClients bool
}

// DeviceOptions configures the device authorization grant.
type DeviceOptions struct {
	VerificationURI string
	UserCodeLength  int
	UserCodeCharset string
	UserCodeChunk   int
	// Retention keeps expired device codes around so polls can report expired_token.
	Retention time.Duration
}

// DPoPOptions configures DPoP proof validation.
type DPoPOptions struct {
	ProofValidity       time.Duration
	ClockSkew           time.Duration
	SupportedAlgorithms []string
}

// Options is the runtime configuration of the token engine.
type Options struct {
	Issuer    string
	Endpoints EndpointPaths

	SigningAlgorithm string
	KeyGracePeriod   time.Duration

	ClientDefaults domain.ClientDefaults

	// RefreshTokenReuseInterval is the grace window after rotation during which the
	// superseded refresh token still resolves to its successor.
	RefreshTokenReuseInterval   time.Duration
	PushedAuthorizationLifetime time.Duration
	RequirePushedAuthorization  bool
	LockTimeout                 time.Duration
	JWTClockSkew                time.Duration
	ClientClaimsPrefix          string

	Caching CachingOptions
	CORS    CORSOptions
	PKCE    PKCEOptions
	Device  DeviceOptions
	DPoP    DPoPOptions

	// ExposeErrorDetails keeps descriptions on security failures. Leave off in production.
	ExposeErrorDetails bool
}

// DefaultOptions returns Options with sensible defaults for issuer.
func DefaultOptions(issuer string) Options {
	issuer = strings.TrimSuffix(issuer, "/")
	return Options{
		Issuer: issuer,
		Endpoints: EndpointPaths{
			Authorize:           "/connect/authorize",
			Token:               "/connect/token",
			DeviceAuthorization: "/connect/deviceauthorization",
			Introspection:       "/connect/introspect",
			Revocation:          "/connect/revocation",
			PushedAuthorization: "/connect/par",
			UserInfo:            "/connect/userinfo",
			EndSession:          "/connect/endsession",
			JWKS:                "/.well-known/openid-configuration/jwks",
		},
		SigningAlgorithm: "RS256",
		KeyGracePeriod:   24 * time.Hour,
		ClientDefaults: domain.ClientDefaults{
			AccessTokenLifetime:          time.Hour,
			IdentityTokenLifetime:        5 * time.Minute,
			AuthorizationCodeLifetime:    5 * time.Minute,
			AbsoluteRefreshTokenLifetime: 30 * 24 * time.Hour,
			SlidingRefreshTokenLifetime:  15 * 24 * time.Hour,
			DeviceCodeLifetime:           10 * time.Minute,
			PollingInterval:              5 * time.Second,
		},
		RefreshTokenReuseInterval:   10 * time.Second,
		PushedAuthorizationLifetime: 60 * time.Second,
		LockTimeout:                 5 * time.Second,
		JWTClockSkew:                5 * time.Minute,
		ClientClaimsPrefix:          "client_",
		Caching: CachingOptions{
			ClientTTL:   5 * time.Minute,
			ResourceTTL: 5 * time.Minute,
			CORSTTL:     time.Minute,
		},
		PKCE: PKCEOptions{},
		Device: DeviceOptions{
			UserCodeLength:  8,
			UserCodeCharset: "BCDFGHJKLMNPQRSTVWXZ",
			UserCodeChunk:   4,
			Retention:       10 * time.Minute,
		},
		DPoP: DPoPOptions{
			ProofValidity:       time.Minute,
			ClockSkew:           5 * time.Second,
			SupportedAlgorithms: []string{"RS256", "PS256", "ES256", "ES384"},
		},
	}
}

// EndpointURL joins the issuer with an endpoint path.
func (o Options) EndpointURL(path string) string {
	return o.Issuer + path
}

// DeviceVerificationURI returns the configured verification URI or the issuer-relative default.
func (o Options) DeviceVerificationURI() string {
	if o.Device.VerificationURI != "" {
		return o.Device.VerificationURI
	}
	return o.Issuer + "/device"
}

// Validate checks if the configuration is valid
func (o Options) Validate() error {
	var errs []error
	if o.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	} else if u, err := url.Parse(o.Issuer); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("issuer %q must be an absolute URL", o.Issuer))
	}
	if o.SigningAlgorithm == "" {
		errs = append(errs, errors.New("signing algorithm is required"))
	}
	if o.ClientDefaults.AccessTokenLifetime <= 0 {
		errs = append(errs, errors.New("access token lifetime must be positive"))
	}
	if o.ClientDefaults.AuthorizationCodeLifetime <= 0 {
		errs = append(errs, errors.New("authorization code lifetime must be positive"))
	}
	if o.RefreshTokenReuseInterval < 0 {
		errs = append(errs, errors.New("refresh token reuse interval cannot be negative"))
	}
	if o.LockTimeout <= 0 {
		errs = append(errs, errors.New("lock timeout must be positive"))
	}
	if o.Caching.NegativeTTL < 0 {
		errs = append(errs, errors.New("negative cache TTL cannot be negative"))
	}
	if o.Caching.NegativeTTL > 0 && o.Caching.NegativeTTL >= o.Caching.ClientTTL {
		errs = append(errs, errors.New("negative cache TTL must be shorter than the client cache TTL"))
	}
	if o.Device.UserCodeLength <= 0 || o.Device.UserCodeCharset == "" {
		errs = append(errs, errors.New("device user code length and charset are required"))
	}
	return errors.Join(errs...)
}
