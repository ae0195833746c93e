package client

import (
	"context"
	"errors"

	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/log"
)

// AuthenticationResult describes an authenticated client.
type AuthenticationResult struct {
	Client *domain.Client
	Method string
}

// Authenticator resolves and authenticates the client of a token-endpoint style request.
type Authenticator struct {
	clients    *ClientService
	validators map[string]SecretValidator
	logger     log.Logger
}

// NewAuthenticator creates an authenticator dispatching credentials to validators by method.
func NewAuthenticator(clients *ClientService, logger log.Logger, validators ...SecretValidator) *Authenticator {
	a := &Authenticator{
		clients:    clients,
		validators: make(map[string]SecretValidator),
		logger:     logger,
	}
	for _, v := range validators {
		for _, m := range v.Methods() {
			a.validators[m] = v
		}
	}
	return a
}

// SupportedMethods lists the authentication methods with a registered validator, plus none.
func (a *Authenticator) SupportedMethods() []string {
	out := []string{AuthMethodBasic, AuthMethodPost, AuthMethodPrivateKeyJWT}
	supported := out[:0]
	for _, m := range out {
		if _, ok := a.validators[m]; ok {
			supported = append(supported, m)
		}
	}
	return append(supported, AuthMethodNone)
}

// invalidClient is the single failure returned for unknown clients, disabled clients and
// bad credentials.
func invalidClient(cause error) *serrors.OAuth2Error {
	return serrors.NewInvalidClient("client authentication failed").WithCause(cause)
}

// Authenticate parses and verifies the client credentials in creds.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*AuthenticationResult, error) {
	secret, err := ParseSecret(creds)
	if err != nil {
		return nil, err
	}

	v, hasValidator := a.validators[secret.Method]

	c, err := a.clients.GetClient(ctx, secret.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			// Unknown and disabled clients go through the same validator against a client
			// without secrets, so they cost as much as a wrong credential.
			if hasValidator {
				_ = v.Validate(ctx, &domain.Client{ClientID: secret.ClientID}, secret)
			} else {
				compareDummy(secret.Credential)
			}
			a.logger.Info(ctx, "client authentication failed", log.Fields{"reason": "unknown client"})
			return nil, invalidClient(err)
		}
		return nil, serrors.NewTransient(err)
	}

	if secret.Method == AuthMethodNone {
		if c.RequireClientSecret {
			compareDummy("")
			a.logger.Info(ctx, "client authentication failed", log.Fields{"client_id": c.ClientID, "reason": "secret required"})
			return nil, invalidClient(errors.New("confidential client presented no credential"))
		}
		return &AuthenticationResult{Client: c, Method: AuthMethodNone}, nil
	}

	if !hasValidator {
		compareDummy(secret.Credential)
		return nil, invalidClient(errors.New("unsupported authentication method " + secret.Method))
	}
	if err := v.Validate(ctx, c, secret); err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			a.logger.Info(ctx, "client authentication failed", log.Fields{"client_id": c.ClientID, "method": secret.Method})
			return nil, invalidClient(err)
		}
		return nil, serrors.NewTransient(err)
	}

	a.logger.Debug(ctx, "client authenticated", log.Fields{"client_id": c.ClientID, "method": secret.Method})
	return &AuthenticationResult{Client: c, Method: secret.Method}, nil
}
