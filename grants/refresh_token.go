package grants

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/resources"
	"go.pilab.hu/ssoengine/tokens"
)

// RefreshTokenProcessor redeems refresh tokens.
type RefreshTokenProcessor struct {
	refreshTokens *tokens.RefreshTokenService
	resources     *resources.Validator
}

func NewRefreshTokenProcessor(refreshTokens *tokens.RefreshTokenService, res *resources.Validator) *RefreshTokenProcessor {
	return &RefreshTokenProcessor{refreshTokens: refreshTokens, resources: res}
}

func (p *RefreshTokenProcessor) GrantType() string { return domain.GrantTypeRefreshToken }

// Process validates the token, the requested scope subset and the key binding, then
// rotates the token.
func (p *RefreshTokenProcessor) Process(ctx context.Context, req *domain.ValidatedTokenRequest) error {
	handle := req.Raw.Get("refresh_token")
	if handle == "" {
		return serrors.NewInvalidRequest("refresh_token is required")
	}

	rt, err := p.refreshTokens.Get(ctx, handle)
	if err != nil {
		return err
	}
	if rt.ClientID != req.Client.ClientID {
		return serrors.NewInvalidGrant("refresh token was issued to another client")
	}
	if rt.ProofKeyThumbprint != "" && req.Confirmation != rt.ProofKeyThumbprint {
		return serrors.NewInvalidDPoPProof("refresh token is bound to another DPoP key")
	}

	scopes := rt.Scopes
	if requested := strings.Fields(req.Raw.Get("scope")); len(requested) > 0 {
		for _, s := range requested {
			if !slices.Contains(rt.Scopes, s) {
				return serrors.NewInvalidScope(fmt.Sprintf("scope %q was not granted to the refresh token", s))
			}
		}
		scopes = requested
	}
	validated, err := p.resources.Validate(ctx, req.Client, scopes, resources.Options{
		IdentityAllowed:    true,
		ResourceIndicators: req.Raw["resource"],
	})
	if err != nil {
		return err
	}

	rotation, err := p.refreshTokens.Rotate(ctx, handle, req.Client)
	if err != nil {
		return err
	}

	req.RefreshTokenHandle = rotation.Handle
	req.RefreshToken = rotation.Token
	req.Subject = rotation.Token.Subject()
	req.SessionID = rotation.Token.SessionID
	req.Resources = validated
	req.RequestedScopes = validated.Scopes()
	return nil
}
