package validation

import (
	"context"
	"slices"
	"strings"

	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/resources"
)

// DeviceAuthorizationValidator validates device authorization requests (RFC 8628).
type DeviceAuthorizationValidator struct {
	auth      *client.Authenticator
	resources *resources.Validator
}

func NewDeviceAuthorizationValidator(auth *client.Authenticator, res *resources.Validator) *DeviceAuthorizationValidator {
	return &DeviceAuthorizationValidator{auth: auth, resources: res}
}

// Validate authenticates the client and resolves the requested scopes. Without a scope
// parameter every scope registered for the client is requested.
func (v *DeviceAuthorizationValidator) Validate(ctx context.Context, req RawRequest) (*domain.ValidatedDeviceAuthorizationRequest, error) {
	result, err := v.auth.Authenticate(ctx, req.credentials())
	if err != nil {
		return nil, err
	}
	c := result.Client
	if !c.AllowsGrantType(domain.GrantTypeDeviceCode) {
		return nil, serrors.NewUnauthorizedClient("client is not allowed to use the device flow")
	}

	scopes := strings.Fields(req.Form.Get("scope"))
	if len(scopes) == 0 {
		scopes = slices.Clone(c.AllowedScopes)
		if c.AllowOfflineAccess {
			scopes = append(scopes, domain.ScopeOfflineAccess)
		}
	}
	if len(scopes) == 0 {
		return nil, serrors.NewInvalidScope("no scopes requested")
	}

	validated, err := v.resources.Validate(ctx, c, scopes, resources.Options{
		IdentityAllowed:    true,
		ResourceIndicators: req.Form["resource"],
	})
	if err != nil {
		return nil, err
	}
	return &domain.ValidatedDeviceAuthorizationRequest{
		Client:          c,
		RequestedScopes: validated.Scopes(),
		Resources:       validated,
	}, nil
}
