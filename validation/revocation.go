package validation

import (
	"context"
	"fmt"

	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
)

// RevocationValidator validates revocation requests (RFC 7009).
type RevocationValidator struct {
	auth *client.Authenticator
}

func NewRevocationValidator(auth *client.Authenticator) *RevocationValidator {
	return &RevocationValidator{auth: auth}
}

// Validate authenticates the client. Public clients may revoke their own tokens.
func (v *RevocationValidator) Validate(ctx context.Context, req RawRequest) (*TokenOperationRequest, error) {
	result, err := v.auth.Authenticate(ctx, req.credentials())
	if err != nil {
		return nil, err
	}
	token := req.Form.Get("token")
	if token == "" {
		return nil, serrors.NewInvalidRequest("token is required")
	}
	hint := req.Form.Get("token_type_hint")
	switch hint {
	case "", domain.TokenTypeHintAccessToken, domain.TokenTypeHintRefreshToken:
	default:
		return nil, serrors.NewUnsupportedTokenType(fmt.Sprintf("token_type_hint %q is not supported", hint))
	}
	return &TokenOperationRequest{Client: result.Client, Token: token, Hint: hint}, nil
}
