package grants

import (
	"context"
	"net/url"
	"strings"

	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/resources"
)

// ExtensionGrantResult is what an extension grant handler resolves a request to.
type ExtensionGrantResult struct {
	// Subject is nil for grants that act on behalf of the client only.
	Subject *domain.Subject
	// Claims are added to the access token.
	Claims []domain.Claim
}

// ExtensionGrantHandler implements a custom grant type. Validate returns an OAuth2 error
// to reject the request.
type ExtensionGrantHandler interface {
	GrantType() string
	Validate(ctx context.Context, c *domain.Client, params url.Values) (*ExtensionGrantResult, error)
}

// ExtensionGrantProcessor adapts an ExtensionGrantHandler to the token endpoint.
type ExtensionGrantProcessor struct {
	handler   ExtensionGrantHandler
	resources *resources.Validator
}

func NewExtensionGrantProcessor(handler ExtensionGrantHandler, res *resources.Validator) *ExtensionGrantProcessor {
	return &ExtensionGrantProcessor{handler: handler, resources: res}
}

func (p *ExtensionGrantProcessor) GrantType() string { return p.handler.GrantType() }

func (p *ExtensionGrantProcessor) Process(ctx context.Context, req *domain.ValidatedTokenRequest) error {
	result, err := p.handler.Validate(ctx, req.Client, req.Raw)
	if err != nil {
		return err
	}
	if result == nil {
		return serrors.NewInvalidGrant("extension grant was not accepted")
	}

	scopes := strings.Fields(req.Raw.Get("scope"))
	if len(scopes) == 0 {
		if scopes, err = p.resources.APIScopesFor(ctx, req.Client); err != nil {
			return err
		}
	}
	validated, err := p.resources.Validate(ctx, req.Client, scopes, resources.Options{
		IdentityAllowed:    result.Subject != nil,
		ResourceIndicators: req.Raw["resource"],
	})
	if err != nil {
		return err
	}

	req.Subject = result.Subject
	if result.Subject != nil {
		req.SessionID = result.Subject.SessionID
	}
	req.ExtensionClaims = result.Claims
	req.Resources = validated
	req.RequestedScopes = validated.Scopes()
	return nil
}
