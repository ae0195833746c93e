package grants

import (
	"context"
	"slices"
	"strings"

	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/resources"
)

// ClientCredentialsProcessor handles machine-to-machine requests. There is no subject
// and no grant lookup.
type ClientCredentialsProcessor struct {
	resources *resources.Validator
}

func NewClientCredentialsProcessor(res *resources.Validator) *ClientCredentialsProcessor {
	return &ClientCredentialsProcessor{resources: res}
}

func (p *ClientCredentialsProcessor) GrantType() string { return domain.GrantTypeClientCredentials }

func (p *ClientCredentialsProcessor) Process(ctx context.Context, req *domain.ValidatedTokenRequest) error {
	if req.Client.IsPublic() {
		return serrors.NewUnauthorizedClient("public clients cannot use client_credentials")
	}

	scopes := strings.Fields(req.Raw.Get("scope"))
	if slices.Contains(scopes, domain.ScopeOfflineAccess) {
		return serrors.NewInvalidScope("offline_access is not allowed for client_credentials")
	}
	if len(scopes) == 0 {
		var err error
		if scopes, err = p.resources.APIScopesFor(ctx, req.Client); err != nil {
			return err
		}
		if len(scopes) == 0 {
			return serrors.NewInvalidScope("client has no API scopes")
		}
	}

	validated, err := p.resources.Validate(ctx, req.Client, scopes, resources.Options{
		ResourceIndicators: req.Raw["resource"],
	})
	if err != nil {
		return err
	}
	req.Resources = validated
	req.RequestedScopes = validated.Scopes()
	return nil
}
