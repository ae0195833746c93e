package validation

import (
	"context"

	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
)

// TokenOperationRequest is a validated introspection or revocation request.
type TokenOperationRequest struct {
	Client *domain.Client
	Token  string
	Hint   string
}

// IntrospectionValidator validates introspection requests (RFC 7662). The caller must
// authenticate; an unknown token_type_hint is ignored.
type IntrospectionValidator struct {
	auth *client.Authenticator
}

func NewIntrospectionValidator(auth *client.Authenticator) *IntrospectionValidator {
	return &IntrospectionValidator{auth: auth}
}

func (v *IntrospectionValidator) Validate(ctx context.Context, req RawRequest) (*TokenOperationRequest, error) {
	result, err := v.auth.Authenticate(ctx, req.credentials())
	if err != nil {
		return nil, err
	}
	if result.Method == client.AuthMethodNone {
		return nil, serrors.NewInvalidClient("client authentication failed")
	}
	token := req.Form.Get("token")
	if token == "" {
		return nil, serrors.NewInvalidRequest("token is required")
	}
	hint := req.Form.Get("token_type_hint")
	if hint != domain.TokenTypeHintAccessToken && hint != domain.TokenTypeHintRefreshToken {
		hint = ""
	}
	return &TokenOperationRequest{Client: result.Client, Token: token, Hint: hint}, nil
}
