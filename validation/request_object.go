package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"k8s.io/utils/clock"
)

var requestObjectAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// Claims of a request object that describe the JWT itself rather than the request.
var requestObjectEnvelopeClaims = map[string]bool{
	"iss": true, "aud": true, "exp": true, "iat": true, "nbf": true, "jti": true, "sub": true,
}

// ReplayCache records single-use identifiers until they expire.
type ReplayCache interface {
	Add(ctx context.Context, purpose, handle string, expiration time.Time) (bool, error)
}

// RequestObjectValidator verifies signed authorization request objects (RFC 9101).
type RequestObjectValidator struct {
	issuer string
	replay ReplayCache
	clock  clock.PassiveClock
	skew   time.Duration
}

func NewRequestObjectValidator(issuer string, replay ReplayCache, clk clock.PassiveClock, skew time.Duration) *RequestObjectValidator {
	return &RequestObjectValidator{issuer: issuer, replay: replay, clock: clk, skew: skew}
}

// Validate verifies raw with the client's registered keys and returns its parameters.
func (v *RequestObjectValidator) Validate(ctx context.Context, c *domain.Client, raw string) (url.Values, error) {
	now := v.clock.Now()

	var verificationKeys []jose.JSONWebKey
	for _, s := range c.SecretsOfType(domain.SecretTypeJSONWebKey) {
		if s.IsExpired(now) {
			continue
		}
		keys, err := client.ParseJSONWebKeys(s.Value)
		if err != nil {
			continue
		}
		verificationKeys = append(verificationKeys, keys...)
	}
	if len(verificationKeys) == 0 {
		return nil, serrors.NewInvalidRequestObject("client has no keys to verify request objects")
	}

	claims, err := client.ParseSignedJWT(raw, verificationKeys, func() jwt.MapClaims { return jwt.MapClaims{} },
		jwt.WithValidMethods(requestObjectAlgorithms),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.skew),
		jwt.WithIssuer(c.ClientID),
		jwt.WithAudience(v.issuer),
	)
	if err != nil {
		return nil, serrors.NewInvalidRequestObject("request object validation failed").WithCause(err)
	}

	if id, ok := claims["client_id"]; ok && id != c.ClientID {
		return nil, serrors.NewInvalidRequestObject("client_id in request object does not match")
	}
	if _, ok := claims["request"]; ok {
		return nil, serrors.NewInvalidRequestObject("request object must not contain request")
	}
	if _, ok := claims["request_uri"]; ok {
		return nil, serrors.NewInvalidRequestObject("request object must not contain request_uri")
	}

	if jti, _ := claims["jti"].(string); jti != "" {
		exp := now.Add(time.Hour)
		if e, err := claims.GetExpirationTime(); err == nil && e != nil {
			exp = e.Add(v.skew)
		}
		fresh, err := v.replay.Add(ctx, "request_object:"+c.ClientID, jti, exp)
		if err != nil {
			return nil, serrors.NewTransient(err)
		}
		if !fresh {
			return nil, serrors.NewInvalidRequestObject("request object replayed")
		}
	}

	params := url.Values{}
	for name, value := range claims {
		if requestObjectEnvelopeClaims[name] {
			continue
		}
		s, err := claimString(value)
		if err != nil {
			return nil, serrors.NewInvalidRequestObject(fmt.Sprintf("invalid %s claim", name)).WithCause(err)
		}
		params.Set(name, s)
	}
	return params, nil
}

func claimString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", errors.New("array claims must contain strings")
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " "), nil
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unsupported claim type %T", value)
	}
}
