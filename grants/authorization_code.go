package grants

import (
	"context"
	"errors"

	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/internal/metrics"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/resources"
	"go.pilab.hu/ssoengine/store"
	"go.pilab.hu/ssoengine/tokens"
	"go.pilab.hu/ssoengine/validation"
	"k8s.io/utils/clock"
)

// AuthorizationCodeProcessor redeems authorization codes.
type AuthorizationCodeProcessor struct {
	codes         *store.AuthorizationCodeStore
	refreshTokens *tokens.RefreshTokenService
	resources     *resources.Validator
	clock         clock.PassiveClock
	metrics       *metrics.Metrics
	logger        log.Logger
}

var _ validation.GrantProcessor = (*AuthorizationCodeProcessor)(nil)

func NewAuthorizationCodeProcessor(
	codes *store.AuthorizationCodeStore,
	refreshTokens *tokens.RefreshTokenService,
	res *resources.Validator,
	clk clock.PassiveClock,
	m *metrics.Metrics,
	logger log.Logger,
) *AuthorizationCodeProcessor {
	return &AuthorizationCodeProcessor{
		codes:         codes,
		refreshTokens: refreshTokens,
		resources:     res,
		clock:         clk,
		metrics:       m,
		logger:        logger,
	}
}

func (p *AuthorizationCodeProcessor) GrantType() string { return domain.GrantTypeAuthorizationCode }

// Process checks the code against the request and consumes it. Every check runs before
// the consume so a failed redemption leaves the code usable.
func (p *AuthorizationCodeProcessor) Process(ctx context.Context, req *domain.ValidatedTokenRequest) error {
	handle := req.Raw.Get("code")
	if handle == "" {
		return serrors.NewInvalidRequest("code is required")
	}

	code, g, err := p.codes.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return serrors.NewInvalidGrant("invalid authorization code")
		}
		return serrors.NewTransient(err)
	}

	if code.ClientID != req.Client.ClientID {
		p.logger.Warn(ctx, "Authorization code presented by another client", log.Fields{
			"client_id":      req.Client.ClientID,
			"code_client_id": code.ClientID,
		})
		return serrors.NewInvalidGrant("invalid authorization code")
	}
	if g.IsConsumed() {
		p.onReplay(ctx, code)
		return serrors.NewInvalidGrant("invalid authorization code")
	}
	if code.RedirectURI != "" && req.Raw.Get("redirect_uri") != code.RedirectURI {
		return serrors.NewInvalidGrant("redirect_uri does not match the authorization request")
	}

	verifier := req.Raw.Get("code_verifier")
	switch {
	case code.CodeChallenge == "" && verifier != "":
		return serrors.NewInvalidGrant("code_verifier was not expected")
	case code.CodeChallenge != "" && verifier == "":
		return serrors.NewInvalidGrant("code_verifier is required")
	case code.CodeChallenge != "" && !validation.VerifyPKCE(verifier, code.CodeChallenge, code.CodeChallengeMethod):
		return serrors.NewInvalidGrant("code_verifier does not match the code_challenge")
	}

	if code.DPoPKeyThumbprint != "" && req.Confirmation != code.DPoPKeyThumbprint {
		return serrors.NewInvalidDPoPProof("DPoP proof key does not match dpop_jkt")
	}

	validated, err := p.resources.Validate(ctx, req.Client, code.RequestedScopes, resources.Options{
		IdentityAllowed:    true,
		ResourceIndicators: req.Raw["resource"],
	})
	if err != nil {
		return err
	}

	if _, err := p.codes.Consume(ctx, handle, p.clock.Now()); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyConsumed):
			p.metrics.CodeReplayed()
			return serrors.NewInvalidGrant("invalid authorization code")
		case errors.Is(err, store.ErrNotFound):
			return serrors.NewInvalidGrant("invalid authorization code")
		default:
			return serrors.NewTransient(err)
		}
	}

	req.AuthorizationCodeHandle = handle
	req.AuthorizationCode = code
	req.Subject = code.Subject()
	req.SessionID = code.SessionID
	req.Nonce = code.Nonce
	req.Resources = validated
	req.RequestedScopes = validated.Scopes()
	return nil
}

// onReplay revokes the refresh tokens issued from the session that redeemed the code.
func (p *AuthorizationCodeProcessor) onReplay(ctx context.Context, code *domain.AuthorizationCode) {
	p.metrics.CodeReplayed()
	p.logger.Warn(ctx, "Consumed authorization code presented again", log.Fields{
		"client_id":  code.ClientID,
		"subject_id": code.SubjectID,
	})
	if err := p.refreshTokens.RemoveAll(ctx, code.SubjectID, code.ClientID, code.SessionID); err != nil {
		p.logger.Error(ctx, "Failed to revoke refresh tokens after code replay", err, log.Fields{
			"client_id": code.ClientID,
		})
	}
}
