// Package tokens assembles, serializes and validates access, identity and refresh tokens.
package tokens

import (
	"cmp"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/keys"
	"go.pilab.hu/ssoengine/store"
	"k8s.io/utils/clock"
)

// ErrInvalidToken is returned by ValidateAccessToken for tokens that are malformed,
// expired, revoked or not issued here.
var ErrInvalidToken = errors.New("invalid token")

// Claims that client claims and extension claims can never override.
var protectedClaims = []string{
	"iss", "sub", "aud", "exp", "iat", "nbf", "jti", "client_id", "scope", "cnf",
	"auth_time", "sid", "nonce", "at_hash", "c_hash",
}

// Service creates and serializes tokens.
type Service struct {
	issuer     string
	signer     *keys.Signer
	references *store.ReferenceTokenStore
	clock      clock.PassiveClock
	// clientClaimsPrefix is used for clients that do not set their own prefix.
	clientClaimsPrefix string
}

func NewService(issuer string, signer *keys.Signer, references *store.ReferenceTokenStore, clk clock.PassiveClock, clientClaimsPrefix string) *Service {
	return &Service{
		issuer:             issuer,
		signer:             signer,
		references:         references,
		clock:              clk,
		clientClaimsPrefix: clientClaimsPrefix,
	}
}

// Issuer returns the iss value of issued tokens.
func (s *Service) Issuer() string { return s.issuer }

// CreateAccessToken assembles the access token for req. Its audiences are the granted
// API resources.
func (s *Service) CreateAccessToken(_ context.Context, req *domain.TokenCreationRequest) (*domain.Token, error) {
	c := req.Client
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = c.AccessTokenLifetime
	}

	tok := &domain.Token{
		Kind:                     domain.TokenKindAccessToken,
		Issuer:                   s.issuer,
		ClientID:                 c.ClientID,
		CreationTime:             s.clock.Now().UTC().Truncate(time.Second),
		Lifetime:                 lifetime,
		AccessTokenType:          req.AccessTokenType,
		AllowedSigningAlgorithms: slices.Clone(c.AllowedSigningAlgorithms),
		Confirmation:             req.Confirmation,
	}
	if tok.AccessTokenType == "" {
		tok.AccessTokenType = c.AccessTokenType
	}
	if req.Resources != nil {
		tok.Audiences = req.Resources.Audiences()
	}

	tok.Claims.Set("client_id", c.ClientID)
	if sub := req.Subject; sub != nil {
		tok.Claims.Set("sub", sub.SubjectID)
		if !sub.AuthTime.IsZero() {
			tok.Claims.Set("auth_time", sub.AuthTime.Unix())
		}
		if sessionID := cmp.Or(req.SessionID, sub.SessionID); sessionID != "" {
			tok.Claims.Set("sid", sessionID)
		}
	}
	tok.Claims.Set("jti", uuid.NewString())
	if req.Resources != nil {
		if scopes := req.Resources.Scopes(); len(scopes) > 0 {
			tok.Claims.Set("scope", scopes)
		}
	}

	if req.Subject == nil || c.AlwaysSendClientClaims {
		prefix := c.ClientClaimsPrefix
		if prefix == "" {
			prefix = s.clientClaimsPrefix
		}
		for _, claim := range c.Claims {
			addClaim(&tok.Claims, prefix+claim.Type, claim.Value)
		}
	}
	if req.Subject != nil && req.Resources != nil {
		for _, claimType := range req.Resources.APIClaimTypes() {
			for _, v := range req.Subject.ClaimValues(claimType) {
				addClaim(&tok.Claims, claimType, v)
			}
		}
	}
	for _, claim := range req.ExtraClaims {
		addClaim(&tok.Claims, claim.Type, claim.Value)
	}
	return tok, nil
}

// CreateIdentityToken assembles the identity token for req. The audience is the client.
func (s *Service) CreateIdentityToken(_ context.Context, req *domain.TokenCreationRequest) (*domain.Token, error) {
	if req.Subject == nil {
		return nil, serrors.NewServerError("identity token requires a subject")
	}
	c := req.Client
	tok := &domain.Token{
		Kind:                     domain.TokenKindIdentityToken,
		Issuer:                   s.issuer,
		Audiences:                []string{c.ClientID},
		ClientID:                 c.ClientID,
		CreationTime:             s.clock.Now().UTC().Truncate(time.Second),
		Lifetime:                 c.IdentityTokenLifetime,
		AllowedSigningAlgorithms: slices.Clone(c.AllowedSigningAlgorithms),
	}

	alg, err := s.signer.Algorithm(c.AllowedSigningAlgorithms)
	if err != nil {
		return nil, serrors.NewConfigurationError("no signing key for the client's algorithms", err)
	}

	sub := req.Subject
	tok.Claims.Set("sub", sub.SubjectID)
	if !sub.AuthTime.IsZero() {
		tok.Claims.Set("auth_time", sub.AuthTime.Unix())
	}
	if sessionID := cmp.Or(req.SessionID, sub.SessionID); sessionID != "" {
		tok.Claims.Set("sid", sessionID)
	}
	if req.Nonce != "" {
		tok.Claims.Set("nonce", req.Nonce)
	}
	if req.AccessTokenToHash != "" {
		tok.Claims.Set("at_hash", leftHalfHash(alg, req.AccessTokenToHash))
	}
	if req.AuthorizationCodeToHash != "" {
		tok.Claims.Set("c_hash", leftHalfHash(alg, req.AuthorizationCodeToHash))
	}

	// User claims go into the identity token only when the client cannot fetch them with
	// an access token.
	if c.AlwaysIncludeUserClaimsInIDToken || req.AccessTokenToHash == "" {
		if req.Resources != nil {
			for _, claimType := range req.Resources.IdentityClaimTypes() {
				for _, v := range sub.ClaimValues(claimType) {
					addClaim(&tok.Claims, claimType, v)
				}
			}
		}
	}
	return tok, nil
}

// CreateSecurityToken serializes tok. Reference access tokens are stored and their handle
// returned; every other token is signed as a JWT.
func (s *Service) CreateSecurityToken(ctx context.Context, tok *domain.Token) (string, error) {
	if tok.Kind == domain.TokenKindAccessToken && tok.AccessTokenType == domain.AccessTokenTypeReference {
		handle, err := s.references.Store(ctx, tok)
		if err != nil {
			return "", serrors.NewTransient(err)
		}
		return handle, nil
	}

	typ := ""
	if tok.Kind == domain.TokenKindAccessToken {
		typ = domain.JWTTypeAccessToken
	}
	raw, err := s.signer.Sign(tok.JWTClaims(), typ, tok.AllowedSigningAlgorithms)
	if err != nil {
		if errors.Is(err, keys.ErrNoSigningKeyAvailable) {
			return "", serrors.NewConfigurationError("no signing key available", err)
		}
		return "", fmt.Errorf("failed to sign %s: %w", tok.Kind, err)
	}
	return raw, nil
}

// ValidateAccessToken resolves a JWT or reference access token to its claims.
func (s *Service) ValidateAccessToken(ctx context.Context, raw string) (map[string]any, error) {
	if strings.Count(raw, ".") == 2 {
		claims, err := s.signer.Verify(raw, jwt.WithIssuer(s.issuer))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		if _, ok := claims["client_id"]; !ok {
			// identity tokens carry no client_id and are not access tokens
			return nil, ErrInvalidToken
		}
		return claims, nil
	}

	tok, err := s.references.Get(ctx, raw)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, serrors.NewTransient(err)
	}
	return tok.JWTClaims(), nil
}

// RevokeReferenceToken removes a reference access token. Revoking an unknown handle is a no-op.
func (s *Service) RevokeReferenceToken(ctx context.Context, handle string, clientID string) (bool, error) {
	tok, err := s.references.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if tok.ClientID != clientID {
		return false, nil
	}
	return true, s.references.Remove(ctx, handle)
}

func addClaim(claims *domain.TokenClaims, name, value string) {
	if slices.Contains(protectedClaims, name) {
		return
	}
	claims.Add(name, value)
}

// leftHalfHash computes the at_hash and c_hash value for a token signed with alg.
func leftHalfHash(alg, value string) string {
	var h hash.Hash
	switch {
	case strings.HasSuffix(alg, "384"):
		h = sha512.New384()
	case strings.HasSuffix(alg, "512"):
		h = sha512.New()
	default:
		h = sha256.New()
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
