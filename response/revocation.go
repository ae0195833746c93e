package response

import (
	"context"

	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/tokens"
	"go.pilab.hu/ssoengine/validation"
)

// RevocationResponseGenerator revokes refresh tokens and reference access tokens (RFC 7009).
type RevocationResponseGenerator struct {
	tokens  *tokens.Service
	refresh *tokens.RefreshTokenService
	logger  log.Logger
}

func NewRevocationResponseGenerator(tokenService *tokens.Service, refresh *tokens.RefreshTokenService, logger log.Logger) *RevocationResponseGenerator {
	return &RevocationResponseGenerator{tokens: tokenService, refresh: refresh, logger: logger}
}

// Revoke removes the token if the caller owns it. Unknown tokens, tokens of other clients
// and self-contained JWTs are accepted silently.
func (g *RevocationResponseGenerator) Revoke(ctx context.Context, req *validation.TokenOperationRequest) error {
	revokers := []func(context.Context, string, string) (bool, error){
		g.refresh.Revoke, g.tokens.RevokeReferenceToken,
	}
	if req.Hint == domain.TokenTypeHintAccessToken {
		revokers[0], revokers[1] = revokers[1], revokers[0]
	}

	for _, revoke := range revokers {
		revoked, err := revoke(ctx, req.Token, req.Client.ClientID)
		if err != nil {
			return serrors.NewTransient(err)
		}
		if revoked {
			g.logger.Info(ctx, "Token revoked", log.Fields{"client_id": req.Client.ClientID})
			return nil
		}
	}
	return nil
}
