package validation

import (
	"context"
	"fmt"
	"net/http"

	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/dpop"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/log"
)

// GrantProcessor validates the grant-specific part of a token request. Process receives a
// request with GrantType, Client, ClientAuthentication, Confirmation and Raw already set
// and fills in the rest.
type GrantProcessor interface {
	GrantType() string
	Process(ctx context.Context, req *domain.ValidatedTokenRequest) error
}

// GrantProcessors looks up the processor registered for a grant type.
type GrantProcessors interface {
	Processor(grantType string) (GrantProcessor, bool)
}

// TokenRequestValidator validates token endpoint requests.
type TokenRequestValidator struct {
	auth     *client.Authenticator
	grants   GrantProcessors
	dpop     *dpop.Validator
	tokenURL string
	logger   log.Logger
}

func NewTokenRequestValidator(auth *client.Authenticator, grants GrantProcessors, proofs *dpop.Validator, tokenURL string, logger log.Logger) *TokenRequestValidator {
	return &TokenRequestValidator{
		auth:     auth,
		grants:   grants,
		dpop:     proofs,
		tokenURL: tokenURL,
		logger:   logger,
	}
}

// Validate authenticates the client, checks the grant type and delegates to the grant
// processor.
func (v *TokenRequestValidator) Validate(ctx context.Context, req RawRequest) (*domain.ValidatedTokenRequest, error) {
	result, err := v.auth.Authenticate(ctx, req.credentials())
	if err != nil {
		return nil, err
	}
	c := result.Client

	grantType := req.Form.Get("grant_type")
	if grantType == "" {
		return nil, serrors.NewInvalidRequest("grant_type is required")
	}
	processor, ok := v.grants.Processor(grantType)
	if !ok {
		return nil, serrors.NewUnsupportedGrantType()
	}
	if !c.AllowsGrantType(grantType) {
		return nil, serrors.NewUnauthorizedClient(fmt.Sprintf("client is not allowed to use grant type %s", grantType))
	}

	validated := &domain.ValidatedTokenRequest{
		GrantType:            grantType,
		Client:               c,
		ClientAuthentication: result.Method,
		Raw:                  req.Form,
	}

	switch {
	case req.DPoPProof != "":
		if v.dpop == nil {
			return nil, serrors.NewInvalidDPoPProof("DPoP is not supported")
		}
		proof, err := v.dpop.Validate(ctx, dpop.Request{
			Proof:  req.DPoPProof,
			Method: http.MethodPost,
			URL:    v.tokenURL,
		})
		if err != nil {
			return nil, err
		}
		validated.Confirmation = proof.Thumbprint
	case c.RequireDPoP:
		return nil, serrors.NewInvalidDPoPProof("client requires DPoP-bound tokens")
	}

	if err := processor.Process(ctx, validated); err != nil {
		oe := serrors.Classify(err)
		v.logger.Info(ctx, "Token request rejected", log.Fields{
			"client_id":  c.ClientID,
			"grant_type": grantType,
			"error":      oe.Code,
		})
		return nil, oe
	}
	return validated, nil
}
