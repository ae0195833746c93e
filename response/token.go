// Package response builds protocol responses from validated requests.
package response

import (
	"context"
	"strings"
	"time"

	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/internal/metrics"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/tokens"
)

// TokenResponseGenerator issues tokens for validated token requests.
type TokenResponseGenerator struct {
	tokens  *tokens.Service
	refresh *tokens.RefreshTokenService
	metrics *metrics.Metrics
	logger  log.Logger
}

func NewTokenResponseGenerator(tokenService *tokens.Service, refresh *tokens.RefreshTokenService, m *metrics.Metrics, logger log.Logger) *TokenResponseGenerator {
	return &TokenResponseGenerator{tokens: tokenService, refresh: refresh, metrics: m, logger: logger}
}

// Generate creates the access token and, when the grant and scopes call for them, the
// identity and refresh tokens.
func (g *TokenResponseGenerator) Generate(ctx context.Context, req *domain.ValidatedTokenRequest) (*domain.TokenResponse, error) {
	creation := &domain.TokenCreationRequest{
		Subject:      req.Subject,
		Client:       req.Client,
		Resources:    req.Resources,
		GrantType:    req.GrantType,
		Nonce:        req.Nonce,
		SessionID:    req.SessionID,
		Confirmation: req.Confirmation,
		ExtraClaims:  req.ExtensionClaims,
	}

	at, err := g.tokens.CreateAccessToken(ctx, creation)
	if err != nil {
		return nil, err
	}
	accessToken, err := g.tokens.CreateSecurityToken(ctx, at)
	if err != nil {
		return nil, err
	}

	resp := &domain.TokenResponse{
		AccessToken: accessToken,
		TokenType:   domain.TokenTypeBearer,
		ExpiresIn:   int(at.Lifetime / time.Second),
		Scope:       strings.Join(req.Resources.Scopes(), " "),
	}
	if req.Confirmation != "" {
		resp.TokenType = domain.TokenTypeDPoP
	}

	switch {
	case req.GrantType == domain.GrantTypeRefreshToken:
		resp.RefreshToken = req.RefreshTokenHandle
	case req.Subject != nil && req.Resources.OfflineAccess:
		handle, err := g.refresh.Create(ctx, tokens.CreateRefreshTokenRequest{
			Client:       req.Client,
			Subject:      req.Subject,
			Scopes:       req.Resources.Scopes(),
			Confirmation: req.Confirmation,
		})
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = handle
	}

	if req.Subject != nil && req.Resources.HasOpenID() {
		creation.AccessTokenToHash = accessToken
		if req.GrantType == domain.GrantTypeAuthorizationCode {
			creation.AuthorizationCodeToHash = req.AuthorizationCodeHandle
		} else {
			creation.Nonce = ""
		}
		idt, err := g.tokens.CreateIdentityToken(ctx, creation)
		if err != nil {
			return nil, err
		}
		if resp.IDToken, err = g.tokens.CreateSecurityToken(ctx, idt); err != nil {
			return nil, err
		}
	}

	g.metrics.TokenIssued(req.GrantType)
	g.logger.Debug(ctx, "Tokens issued", log.Fields{
		"client_id":     req.Client.ClientID,
		"grant_type":    req.GrantType,
		"refresh_token": resp.RefreshToken != "",
		"id_token":      resp.IDToken != "",
	})
	return resp, nil
}
