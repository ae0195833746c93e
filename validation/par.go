package validation

import (
	"context"
	"maps"
	"net/url"

	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
)

// Parameters that authenticate the client and are never stored with a pushed request.
var clientCredentialParameters = []string{"client_secret", "client_assertion", "client_assertion_type"}

// RawRequest is a form-encoded back-channel request.
type RawRequest struct {
	Form          url.Values
	Authorization string
	// DPoPProof is the DPoP header value, when present.
	DPoPProof string
}

func (r RawRequest) credentials() client.Credentials {
	return client.Credentials{Authorization: r.Authorization, Form: r.Form}
}

// PushedAuthorizationValidator validates pushed authorization requests (RFC 9126).
type PushedAuthorizationValidator struct {
	auth      *client.Authenticator
	authorize *AuthorizeRequestValidator
}

func NewPushedAuthorizationValidator(auth *client.Authenticator, authorize *AuthorizeRequestValidator) *PushedAuthorizationValidator {
	return &PushedAuthorizationValidator{auth: auth, authorize: authorize}
}

// Validate authenticates the pushing client and validates the parameters exactly like an
// authorize request. Every failure is a direct response.
func (v *PushedAuthorizationValidator) Validate(ctx context.Context, req RawRequest) (*domain.ValidatedAuthorizeRequest, error) {
	result, err := v.auth.Authenticate(ctx, req.credentials())
	if err != nil {
		return nil, err
	}
	c := result.Client

	params := maps.Clone(req.Form)
	if params == nil {
		params = url.Values{}
	}
	for _, name := range clientCredentialParameters {
		delete(params, name)
	}
	if id := params.Get("client_id"); id != "" && id != c.ClientID {
		return nil, serrors.NewInvalidRequest("client_id does not match the authenticated client")
	}
	params.Set("client_id", c.ClientID)

	r, err := v.authorize.resolveParameters(ctx, c, params, false)
	if err != nil {
		return nil, withoutRedirect(err)
	}
	validated, err := v.authorize.validateParameters(ctx, c, r)
	if err != nil {
		return nil, withoutRedirect(err)
	}
	return validated, nil
}
