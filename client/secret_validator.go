package client

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.pilab.hu/ssoengine/domain"
	"golang.org/x/crypto/bcrypt"
	"k8s.io/utils/clock"
)

// ErrInvalidCredential marks a credential that did not match any registered secret.
// Other validator errors are infrastructure failures.
var ErrInvalidCredential = errors.New("invalid client credential")

// SecretValidator checks a parsed credential against the secrets of a client.
type SecretValidator interface {
	// Methods lists the authentication methods the validator handles.
	Methods() []string
	Validate(ctx context.Context, c *domain.Client, secret *ParsedSecret) error
}

// HashSecret hashes a plain client secret with bcrypt for storage.
func HashSecret(plain string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(h), nil
}

// HashSecretSHA256 returns the base64 encoded SHA-256 digest of plain. It suits high
// entropy generated secrets where bcrypt's cost buys nothing.
func HashSecretSHA256(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func isBcryptHash(v string) bool {
	return strings.HasPrefix(v, "$2")
}

// compareHash is bcrypt.CompareHashAndPassword; tests count calls through it.
var compareHash = bcrypt.CompareHashAndPassword

// dummyHash is compared against on failures that involved no registered bcrypt secret,
// so every rejected attempt costs one bcrypt comparison whatever the client and its
// secret types.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("unknown-client"), bcrypt.DefaultCost)
	return h
})

func compareDummy(credential string) {
	_ = compareHash(dummyHash(), []byte(credential))
}

// SharedSecretValidator handles client_secret_basic and client_secret_post.
type SharedSecretValidator struct {
	clock clock.PassiveClock
}

func NewSharedSecretValidator(clk clock.PassiveClock) *SharedSecretValidator {
	return &SharedSecretValidator{clock: clk}
}

func (v *SharedSecretValidator) Methods() []string {
	return []string{AuthMethodBasic, AuthMethodPost}
}

// Validate rejects in bcrypt time even for clients with SHA-256 secrets or none at all.
func (v *SharedSecretValidator) Validate(_ context.Context, c *domain.Client, secret *ParsedSecret) (err error) {
	compared := false
	defer func() {
		if err != nil && !compared {
			compareDummy(secret.Credential)
		}
	}()

	if secret.Credential == "" {
		return fmt.Errorf("%w: empty secret", ErrInvalidCredential)
	}
	now := v.clock.Now()
	digest := HashSecretSHA256(secret.Credential)

	expiredOnly := false
	for _, s := range c.SecretsOfType(domain.SecretTypeSharedSecret) {
		if isBcryptHash(s.Value) {
			compared = true
			if compareHash([]byte(s.Value), []byte(secret.Credential)) != nil {
				continue
			}
		} else if subtle.ConstantTimeCompare([]byte(s.Value), []byte(digest)) != 1 {
			continue
		}
		if s.IsExpired(now) {
			expiredOnly = true
			continue
		}
		return nil
	}
	if expiredOnly {
		return fmt.Errorf("%w: secret expired", ErrInvalidCredential)
	}
	return fmt.Errorf("%w: no matching secret", ErrInvalidCredential)
}

// AssertionReplayCache records assertion identifiers until they expire.
type AssertionReplayCache interface {
	Add(ctx context.Context, purpose, handle string, expiration time.Time) (bool, error)
}

// PrivateKeyJWTValidator handles private_key_jwt (RFC 7523) client assertions signed
// with a key registered as a jwk secret.
type PrivateKeyJWTValidator struct {
	audiences   []string
	replay      AssertionReplayCache
	clock       clock.PassiveClock
	skew        time.Duration
	maxLifetime time.Duration
}

// DefaultAssertionLifetime bounds how far in the future an assertion may expire.
const DefaultAssertionLifetime = 10 * time.Minute

var assertionAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// NewPrivateKeyJWTValidator creates a validator accepting assertions addressed to any of
// audiences, usually the token endpoint URL and the issuer.
func NewPrivateKeyJWTValidator(audiences []string, replay AssertionReplayCache, clk clock.PassiveClock, skew time.Duration) *PrivateKeyJWTValidator {
	return &PrivateKeyJWTValidator{
		audiences:   audiences,
		replay:      replay,
		clock:       clk,
		skew:        skew,
		maxLifetime: DefaultAssertionLifetime,
	}
}

func (v *PrivateKeyJWTValidator) Methods() []string {
	return []string{AuthMethodPrivateKeyJWT}
}

// ParseJSONWebKeys reads a jwk secret value, which is either a single JWK or a JWK Set.
// Only public material is returned.
func ParseJSONWebKeys(value string) ([]jose.JSONWebKey, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(value), &set); err == nil && len(set.Keys) > 0 {
		return publicKeys(set.Keys)
	}
	var key jose.JSONWebKey
	if err := json.Unmarshal([]byte(value), &key); err != nil {
		return nil, fmt.Errorf("failed to parse JWK: %w", err)
	}
	return publicKeys([]jose.JSONWebKey{key})
}

func publicKeys(in []jose.JSONWebKey) ([]jose.JSONWebKey, error) {
	out := make([]jose.JSONWebKey, 0, len(in))
	for _, k := range in {
		if !k.Valid() {
			return nil, errors.New("invalid JWK")
		}
		if !k.IsPublic() {
			k = k.Public()
		}
		out = append(out, k)
	}
	return out, nil
}

func (v *PrivateKeyJWTValidator) clientKeys(c *domain.Client, now time.Time) []jose.JSONWebKey {
	var out []jose.JSONWebKey
	for _, s := range c.SecretsOfType(domain.SecretTypeJSONWebKey) {
		if s.IsExpired(now) {
			continue
		}
		keys, err := ParseJSONWebKeys(s.Value)
		if err != nil {
			continue
		}
		out = append(out, keys...)
	}
	return out
}

func (v *PrivateKeyJWTValidator) Validate(ctx context.Context, c *domain.Client, secret *ParsedSecret) (err error) {
	defer func() {
		if err != nil {
			compareDummy(secret.Credential)
		}
	}()

	now := v.clock.Now()
	keys := v.clientKeys(c, now)
	if len(keys) == 0 {
		return fmt.Errorf("%w: no usable client keys", ErrInvalidCredential)
	}

	claims, err := ParseSignedJWT(secret.Credential, keys, func() *jwt.RegisteredClaims { return &jwt.RegisteredClaims{} },
		jwt.WithValidMethods(assertionAlgorithms),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.skew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.ClientID),
		jwt.WithSubject(c.ClientID),
		jwt.WithAudience(v.audiences...),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	exp := claims.ExpiresAt.Time
	if exp.After(now.Add(v.maxLifetime + v.skew)) {
		return fmt.Errorf("%w: assertion lifetime too long", ErrInvalidCredential)
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: missing jti", ErrInvalidCredential)
	}

	fresh, err := v.replay.Add(ctx, "client_assertion:"+c.ClientID, claims.ID, exp.Add(v.skew))
	if err != nil {
		return fmt.Errorf("failed to record client assertion: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: assertion replayed", ErrInvalidCredential)
	}
	return nil
}

// ParseSignedJWT verifies raw with the keys matching its kid and alg header, trying each
// candidate until one produces a valid signature.
func ParseSignedJWT[C jwt.Claims](raw string, keys []jose.JSONWebKey, newClaims func() C, opts ...jwt.ParserOption) (C, error) {
	var zero C
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return zero, err
	}
	kid, _ := unverified.Header["kid"].(string)
	alg := unverified.Method.Alg()

	err = errors.New("no matching key")
	for _, k := range keys {
		if kid != "" && k.KeyID != "" && k.KeyID != kid {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		key := k.Key
		claims := newClaims()
		_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return key, nil }, opts...)
		if err == nil {
			return claims, nil
		}
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return zero, err
		}
	}
	return zero, err
}
