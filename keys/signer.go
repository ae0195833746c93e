package keys

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"
)

// ErrUnknownKeyID is returned when a token names a key that is not published.
var ErrUnknownKeyID = errors.New("unknown key id")

// Signer produces and verifies JWS compact tokens with the keys of a Holder.
type Signer struct {
	keys  *Holder
	clock clock.PassiveClock
}

// NewSigner creates a signer reading keys from h.
func NewSigner(h *Holder, clk clock.PassiveClock) *Signer {
	return &Signer{keys: h, clock: clk}
}

// Sign serializes claims with the first key allowed by algs and sets the typ header.
func (s *Signer) Sign(claims map[string]any, typ string, algs []string) (string, error) {
	key, err := s.keys.Provider().SigningKey(s.clock.Now(), algs)
	if err != nil {
		return "", err
	}
	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm: %s", key.Algorithm)
	}

	token := jwt.NewWithClaims(method, jwt.MapClaims(claims))
	token.Header["kid"] = key.KeyID
	if typ != "" {
		token.Header["typ"] = typ
	}

	signed, err := token.SignedString(key.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Algorithm returns the algorithm Sign would currently use for algs.
func (s *Signer) Algorithm(algs []string) (string, error) {
	key, err := s.keys.Provider().SigningKey(s.clock.Now(), algs)
	if err != nil {
		return "", err
	}
	return key.Algorithm, nil
}

// Verify checks a token signed by one of the published keys and returns its claims.
// Registered time claims are validated against the signer clock.
func (s *Signer) Verify(raw string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	now := s.clock.Now()
	provider := s.keys.Provider()

	parserOpts := append([]jwt.ParserOption{
		jwt.WithValidMethods(provider.Algorithms()),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}, opts...)

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		pub, alg, ok := provider.VerificationKey(kid, now)
		if !ok {
			return nil, ErrUnknownKeyID
		}
		if t.Method.Alg() != alg {
			return nil, fmt.Errorf("token algorithm %s does not match key algorithm %s", t.Method.Alg(), alg)
		}
		return pub, nil
	}, parserOpts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
