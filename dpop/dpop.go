// Package dpop validates DPoP proofs (RFC 9449).
package dpop

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/keys"
	"k8s.io/utils/clock"
)

// ReplayCache records proof identifiers until they expire.
type ReplayCache interface {
	Add(ctx context.Context, purpose, handle string, expiration time.Time) (bool, error)
}

// Config bounds proof freshness.
type Config struct {
	ProofValidity       time.Duration
	ClockSkew           time.Duration
	SupportedAlgorithms []string
}

// Validator checks DPoP proofs.
type Validator struct {
	cfg    Config
	replay ReplayCache
	clock  clock.PassiveClock
}

func NewValidator(cfg Config, replay ReplayCache, clk clock.PassiveClock) *Validator {
	return &Validator{cfg: cfg, replay: replay, clock: clk}
}

// SupportedAlgorithms lists the accepted proof signing algorithms.
func (v *Validator) SupportedAlgorithms() []string {
	return slices.Clone(v.cfg.SupportedAlgorithms)
}

// Request carries the proof and the request it was presented with.
type Request struct {
	Proof  string
	Method string
	URL    string
	// AccessToken is set when the proof accompanies a protected resource request.
	AccessToken string
	// Thumbprint, when set, is the key the proof must be signed with.
	Thumbprint string
}

// Proof is a validated DPoP proof.
type Proof struct {
	// Thumbprint is the RFC 7638 thumbprint of the proof key, the jkt confirmation value.
	Thumbprint string
	JTI        string
	IssuedAt   time.Time
}

type proofClaims struct {
	jwt.RegisteredClaims
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	ATH string `json:"ath,omitempty"`
}

// AccessTokenHash returns the ath value for an access token.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func invalid(format string, args ...any) *serrors.OAuth2Error {
	return serrors.NewInvalidDPoPProof(fmt.Sprintf(format, args...))
}

// Validate checks req.Proof and records its jti.
func (v *Validator) Validate(ctx context.Context, req Request) (*Proof, error) {
	if req.Proof == "" {
		return nil, invalid("missing DPoP proof")
	}
	if strings.Contains(req.Proof, ",") {
		return nil, invalid("multiple DPoP proofs")
	}

	var thumbprint string
	claims := proofClaims{}
	_, err := jwt.ParseWithClaims(req.Proof, &claims, func(t *jwt.Token) (any, error) {
		if typ, _ := t.Header["typ"].(string); typ != domain.JWTTypeDPoPProof {
			return nil, errors.New("typ must be " + domain.JWTTypeDPoPProof)
		}
		raw, ok := t.Header["jwk"]
		if !ok {
			return nil, errors.New("missing jwk header")
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(b); err != nil {
			return nil, fmt.Errorf("invalid jwk header: %w", err)
		}
		if !jwk.IsPublic() {
			return nil, errors.New("jwk header contains private key material")
		}
		if thumbprint, err = keys.Thumbprint(jwk.Key); err != nil {
			return nil, err
		}
		return jwk.Key, nil
	},
		jwt.WithValidMethods(v.cfg.SupportedAlgorithms),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithLeeway(v.cfg.ClockSkew),
	)
	if err != nil {
		return nil, invalid("invalid DPoP proof").WithCause(err)
	}

	if !strings.EqualFold(claims.HTM, req.Method) {
		return nil, invalid("htm does not match the request method")
	}
	if !sameTarget(claims.HTU, req.URL) {
		return nil, invalid("htu does not match the request URL")
	}
	if claims.ID == "" {
		return nil, invalid("missing jti")
	}
	if claims.IssuedAt == nil {
		return nil, invalid("missing iat")
	}
	now := v.clock.Now()
	iat := claims.IssuedAt.Time
	if iat.After(now.Add(v.cfg.ClockSkew)) || iat.Before(now.Add(-v.cfg.ProofValidity-v.cfg.ClockSkew)) {
		return nil, invalid("proof iat is outside the accepted window")
	}
	if req.AccessToken != "" && claims.ATH != AccessTokenHash(req.AccessToken) {
		return nil, invalid("ath does not match the access token")
	}
	if req.Thumbprint != "" && req.Thumbprint != thumbprint {
		return nil, invalid("proof key does not match the bound key")
	}

	fresh, err := v.replay.Add(ctx, "dpop", thumbprint+":"+claims.ID, iat.Add(v.cfg.ProofValidity+2*v.cfg.ClockSkew))
	if err != nil {
		return nil, serrors.NewTransient(err)
	}
	if !fresh {
		return nil, invalid("DPoP proof replayed")
	}

	return &Proof{Thumbprint: thumbprint, JTI: claims.ID, IssuedAt: iat}, nil
}

// sameTarget compares two URLs ignoring query and fragment, case of scheme and host, and
// default ports.
func sameTarget(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil || ub.Host == "" {
		return false
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) &&
		normalizedHost(ua) == normalizedHost(ub) &&
		ua.EscapedPath() == ub.EscapedPath()
}

func normalizedHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case port == "":
	case port == "443" && strings.EqualFold(u.Scheme, "https"):
	case port == "80" && strings.EqualFold(u.Scheme, "http"):
	default:
		host += ":" + port
	}
	return host
}
