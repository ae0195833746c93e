// Package validation turns raw protocol requests into validated requests.
package validation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/config"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/resources"
	"go.pilab.hu/ssoengine/store"
	"k8s.io/utils/clock"
)

const (
	maxNonceLength = 300
	maxStateLength = 2000
)

var supportedPrompts = []string{"none", "login", "consent", "select_account"}

// AuthorizeRequestValidator validates authorize endpoint requests.
type AuthorizeRequestValidator struct {
	clients        *client.ClientService
	resources      *resources.Validator
	requestObjects *RequestObjectValidator
	pushed         *store.PushedAuthorizationStore
	opts           config.Options
	clock          clock.PassiveClock
	logger         log.Logger
}

func NewAuthorizeRequestValidator(
	clients *client.ClientService,
	res *resources.Validator,
	requestObjects *RequestObjectValidator,
	pushed *store.PushedAuthorizationStore,
	opts config.Options,
	clk clock.PassiveClock,
	logger log.Logger,
) *AuthorizeRequestValidator {
	return &AuthorizeRequestValidator{
		clients:        clients,
		resources:      res,
		requestObjects: requestObjects,
		pushed:         pushed,
		opts:           opts,
		clock:          clk,
		logger:         logger,
	}
}

// resolved holds the effective parameters after request_uri and request processing.
type resolved struct {
	params        url.Values
	requestObject string
	pushedURI     string
}

// Validate runs the authorize stages in order and stops at the first failure. Errors
// raised before the redirect_uri is accepted are never redirect-deliverable.
func (v *AuthorizeRequestValidator) Validate(ctx context.Context, params url.Values) (*domain.ValidatedAuthorizeRequest, error) {
	c, err := v.resolveClient(ctx, params.Get("client_id"))
	if err != nil {
		return nil, err
	}

	r, err := v.resolveParameters(ctx, c, params, true)
	if err != nil {
		return nil, err
	}

	return v.validateParameters(ctx, c, r)
}

func (v *AuthorizeRequestValidator) resolveClient(ctx context.Context, clientID string) (*domain.Client, error) {
	if clientID == "" {
		return nil, serrors.NewInvalidRequest("client_id is required")
	}
	if len(clientID) > client.MaxClientIDLength {
		return nil, serrors.NewInvalidRequest("client_id is too long")
	}
	c, err := v.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, client.ErrClientNotFound) {
			return nil, serrors.NewUnauthorizedClient("unknown client or client not enabled").WithCause(err)
		}
		return nil, serrors.NewTransient(err)
	}
	return c, nil
}

// resolveParameters replaces the query with the pushed request and applies a request
// object on top. allowPushed is false when validating a pushed request itself.
func (v *AuthorizeRequestValidator) resolveParameters(ctx context.Context, c *domain.Client, params url.Values, allowPushed bool) (*resolved, error) {
	r := &resolved{params: params}

	requestURI := params.Get("request_uri")
	if requestURI != "" {
		if !allowPushed {
			return nil, serrors.NewInvalidRequest("request_uri is not allowed in a pushed authorization request")
		}
		if params.Get("request") != "" {
			return nil, serrors.NewInvalidRequest("request and request_uri cannot both be present")
		}
		par, err := v.consumePushed(ctx, c, requestURI)
		if err != nil {
			return nil, err
		}
		r.params = url.Values(maps.Clone(par.Parameters))
		r.requestObject = par.RequestObject
		r.pushedURI = requestURI
	} else if allowPushed && v.opts.RequirePushedAuthorization {
		return nil, serrors.NewInvalidRequest("pushed authorization is required")
	}

	if raw := r.params.Get("request"); raw != "" {
		claims, err := v.requestObjects.Validate(ctx, c, raw)
		if err != nil {
			return nil, err
		}
		merged := maps.Clone(r.params)
		delete(merged, "request")
		for name, values := range claims {
			merged[name] = values
		}
		r.params = merged
		r.requestObject = raw
	}

	if c.RequireRequestObject && r.requestObject == "" {
		return nil, serrors.NewInvalidRequest("client requires a signed request object")
	}
	if id := r.params.Get("client_id"); id != "" && id != c.ClientID {
		return nil, serrors.NewInvalidRequest("client_id does not match the authenticated request")
	}
	return r, nil
}

func (v *AuthorizeRequestValidator) consumePushed(ctx context.Context, c *domain.Client, requestURI string) (*domain.PushedAuthorizationRequest, error) {
	handle, ok := strings.CutPrefix(requestURI, domain.PushedAuthorizationURNPrefix)
	if !ok || handle == "" {
		return nil, serrors.NewInvalidRequestURI("only pushed authorization request URIs are supported")
	}
	par, err := v.pushed.Consume(ctx, handle, v.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAlreadyConsumed) {
			return nil, serrors.NewInvalidRequestURI("request_uri is invalid, expired or already used").WithCause(err)
		}
		return nil, serrors.NewTransient(err)
	}
	if par.ClientID != c.ClientID {
		return nil, serrors.NewInvalidRequestURI("request_uri was pushed by another client")
	}
	return par, nil
}

func (v *AuthorizeRequestValidator) validateParameters(ctx context.Context, c *domain.Client, r *resolved) (*domain.ValidatedAuthorizeRequest, error) {
	params := r.params

	redirectURI := params.Get("redirect_uri")
	if redirectURI == "" {
		return nil, serrors.NewInvalidRequest("redirect_uri is required")
	}
	if !c.HasRedirectURI(redirectURI) {
		v.logger.Info(ctx, "Redirect URI mismatch", log.Fields{"client_id": c.ClientID})
		return nil, serrors.NewInvalidRequest("redirect_uri is not registered for this client")
	}

	state := params.Get("state")
	responseMode := params.Get("response_mode")
	errorMode := responseMode
	if !isResponseMode(errorMode) {
		errorMode = domain.ResponseModeQuery
	}
	fail := func(e *serrors.OAuth2Error) error {
		return e.WithRedirect(redirectURI, errorMode, state)
	}
	if len(state) > maxStateLength {
		return nil, fail(serrors.NewInvalidRequest("state is too long"))
	}

	responseType := params.Get("response_type")
	switch {
	case responseType == "":
		return nil, fail(serrors.NewInvalidRequest("response_type is required"))
	case responseType != domain.ResponseTypeCode:
		return nil, fail(serrors.NewUnsupportedResponseType(fmt.Sprintf("response_type %q is not supported", responseType)))
	case !c.AllowsGrantType(domain.GrantTypeAuthorizationCode):
		return nil, fail(serrors.NewUnauthorizedClient("client is not allowed to use the code flow"))
	}

	if responseMode == "" {
		responseMode = domain.ResponseModeQuery
	} else if !isResponseMode(responseMode) {
		return nil, fail(serrors.NewInvalidRequest(fmt.Sprintf("response_mode %q is not supported", responseMode)))
	}

	scopes := strings.Fields(params.Get("scope"))
	if len(scopes) == 0 {
		return nil, fail(serrors.NewInvalidScope("scope is required"))
	}
	validated, err := v.resources.Validate(ctx, c, scopes, resources.Options{
		IdentityAllowed:    true,
		ResourceIndicators: params["resource"],
	})
	if err != nil {
		return nil, fail(serrors.Classify(err))
	}

	challenge := params.Get("code_challenge")
	method := params.Get("code_challenge_method")
	if challenge == "" {
		if client.RequiresPKCE(c) || v.opts.PKCE.RequireForAllClients {
			return nil, fail(serrors.NewPKCERequired())
		}
		if method != "" {
			return nil, fail(serrors.NewInvalidRequest("code_challenge_method without code_challenge"))
		}
	} else {
		if method == "" {
			method = domain.CodeChallengeMethodPlain
		}
		switch method {
		case domain.CodeChallengeMethodS256:
		case domain.CodeChallengeMethodPlain:
			if !v.opts.PKCE.AllowPlainChallengeMethod && !c.AllowPlainTextPKCE {
				return nil, fail(serrors.NewInvalidRequest("transform algorithm not supported"))
			}
		default:
			return nil, fail(serrors.NewInvalidRequest(fmt.Sprintf("code_challenge_method %q is not supported", method)))
		}
		if err := ValidateCodeChallenge(challenge); err != nil {
			return nil, fail(serrors.NewInvalidRequest(err.Error()))
		}
	}

	nonce := params.Get("nonce")
	if len(nonce) > maxNonceLength {
		return nil, fail(serrors.NewInvalidRequest("nonce is too long"))
	}

	prompt := strings.Fields(params.Get("prompt"))
	for _, p := range prompt {
		if !slices.Contains(supportedPrompts, p) {
			return nil, fail(serrors.NewInvalidRequest(fmt.Sprintf("prompt %q is not supported", p)))
		}
	}
	if slices.Contains(prompt, "none") && len(prompt) > 1 {
		return nil, fail(serrors.NewInvalidRequest("prompt=none cannot be combined with other values"))
	}

	var maxAge *int
	if raw := params.Get("max_age"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fail(serrors.NewInvalidRequest("max_age must be a non-negative integer"))
		}
		maxAge = &n
	}

	return &domain.ValidatedAuthorizeRequest{
		Client:                 c,
		RedirectURI:            redirectURI,
		ResponseType:           responseType,
		ResponseMode:           responseMode,
		State:                  state,
		Nonce:                  nonce,
		RequestedScopes:        validated.Scopes(),
		Resources:              validated,
		CodeChallenge:          challenge,
		CodeChallengeMethod:    method,
		Prompt:                 prompt,
		MaxAge:                 maxAge,
		LoginHint:              params.Get("login_hint"),
		UILocales:              params.Get("ui_locales"),
		DPoPKeyThumbprint:      params.Get("dpop_jkt"),
		RequestObject:          r.requestObject,
		PushedAuthorizationURI: r.pushedURI,
		Raw:                    params,
	}, nil
}

func isResponseMode(mode string) bool {
	switch mode {
	case domain.ResponseModeQuery, domain.ResponseModeFragment, domain.ResponseModeFormPost:
		return true
	}
	return false
}

// withoutRedirect turns an error into a direct response, for endpoints that have no
// redirect channel.
func withoutRedirect(err error) error {
	oe, ok := serrors.AsOAuth2Error(err)
	if !ok || !oe.RedirectDeliverable {
		return err
	}
	cp := *oe
	cp.RedirectDeliverable = false
	cp.RedirectURI = ""
	cp.ResponseMode = ""
	cp.State = ""
	return &cp
}
