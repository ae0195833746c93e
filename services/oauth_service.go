// Package services exposes the token engine as a single facade the host binds to its
// transport.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/config"
	"go.pilab.hu/ssoengine/cors"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/dpop"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/grants"
	"go.pilab.hu/ssoengine/internal/metrics"
	"go.pilab.hu/ssoengine/keys"
	"go.pilab.hu/ssoengine/lock"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/resources"
	"go.pilab.hu/ssoengine/response"
	"go.pilab.hu/ssoengine/store"
	"go.pilab.hu/ssoengine/tokens"
	"go.pilab.hu/ssoengine/tracing"
	"go.pilab.hu/ssoengine/validation"
	"k8s.io/utils/clock"
)

// Dependencies are the collaborators the engine is assembled from.
type Dependencies struct {
	Options   config.Options
	Clients   client.ClientStore
	Resources resources.ResourceStore
	Grants    store.PersistedGrantStore
	Locker    lock.Locker
	Keys      *keys.Holder

	// ExtensionGrants registers additional grant types.
	ExtensionGrants []grants.ExtensionGrantHandler

	Clock   clock.PassiveClock
	Metrics *metrics.Metrics
	Logger  log.Logger
	Tracer  trace.Tracer
}

// OAuthService is the protocol engine: request validation, grant processing and token
// issuance.
type OAuthService struct {
	opts    config.Options
	clock   clock.PassiveClock
	metrics *metrics.Metrics
	logger  log.Logger
	tracer  trace.Tracer

	clientStore *client.CachingClientStore
	clients     *client.ClientService
	grants      *grants.Registry
	tokens      *tokens.Service
	refresh     *tokens.RefreshTokenService
	devices     *store.DeviceFlowStore
	consents    *store.ConsentStore
	references  *store.ReferenceTokenStore
	cors        *cors.Policy

	authorizeValidator     *validation.AuthorizeRequestValidator
	parValidator           *validation.PushedAuthorizationValidator
	tokenValidator         *validation.TokenRequestValidator
	deviceValidator        *validation.DeviceAuthorizationValidator
	introspectionValidator *validation.IntrospectionValidator
	revocationValidator    *validation.RevocationValidator

	authorizeResponses     *response.AuthorizeResponseGenerator
	parResponses           *response.PushedAuthorizationResponseGenerator
	tokenResponses         *response.TokenResponseGenerator
	deviceResponses        *response.DeviceAuthorizationResponseGenerator
	introspectionResponses *response.IntrospectionResponseGenerator
	revocationResponses    *response.RevocationResponseGenerator
	discovery              *response.DiscoveryGenerator
}

// NewOAuthService assembles the engine from deps.
func NewOAuthService(deps Dependencies) (*OAuthService, error) {
	o := deps.Options
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if deps.Clients == nil || deps.Resources == nil || deps.Grants == nil || deps.Keys == nil {
		return nil, errors.New("clients, resources, grants and keys are required")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = tracing.Tracer()
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewMemory()
	}
	m := deps.Metrics

	clientStore := client.NewCachingClientStore(deps.Clients, o.Caching.ClientTTL, o.Caching.NegativeTTL, clk, m)
	clients := client.NewClientService(clientStore, o.ClientDefaults)
	res := resources.NewValidator(resources.NewCachingResourceStore(deps.Resources, o.Caching.ResourceTTL, clk, m))

	replay := store.NewReplayCache(deps.Grants, locker, clk, o.LockTimeout)
	codes := store.NewAuthorizationCodeStore(deps.Grants)
	references := store.NewReferenceTokenStore(deps.Grants)
	pushed := store.NewPushedAuthorizationStore(deps.Grants)
	devices := store.NewDeviceFlowStore(deps.Grants, o.Device.Retention, locker, o.LockTimeout)

	tokenURL := o.EndpointURL(o.Endpoints.Token)
	audiences := []string{
		tokenURL,
		o.Issuer,
		o.EndpointURL(o.Endpoints.PushedAuthorization),
		o.EndpointURL(o.Endpoints.Introspection),
		o.EndpointURL(o.Endpoints.Revocation),
		o.EndpointURL(o.Endpoints.DeviceAuthorization),
	}
	auth := client.NewAuthenticator(clients, logger,
		client.NewSharedSecretValidator(clk),
		client.NewPrivateKeyJWTValidator(audiences, replay, clk, o.JWTClockSkew),
	)

	tokenService := tokens.NewService(o.Issuer, keys.NewSigner(deps.Keys, clk), references, clk, o.ClientClaimsPrefix)
	refresh := tokens.NewRefreshTokenService(store.NewRefreshTokenStore(deps.Grants), locker, clk,
		o.RefreshTokenReuseInterval, o.LockTimeout, m, logger)

	registry := grants.NewRegistry(
		grants.NewAuthorizationCodeProcessor(codes, refresh, res, clk, m, logger),
		grants.NewRefreshTokenProcessor(refresh, res),
		grants.NewClientCredentialsProcessor(res),
		grants.NewDeviceCodeProcessor(devices, res, grants.NewPollThrottle(clk), clk, logger),
	)
	for _, h := range deps.ExtensionGrants {
		if err := registry.Register(grants.NewExtensionGrantProcessor(h, res)); err != nil {
			return nil, err
		}
	}

	proofs := dpop.NewValidator(dpop.Config{
		ProofValidity:       o.DPoP.ProofValidity,
		ClockSkew:           o.DPoP.ClockSkew,
		SupportedAlgorithms: o.DPoP.SupportedAlgorithms,
	}, replay, clk)

	authorize := validation.NewAuthorizeRequestValidator(clients, res,
		validation.NewRequestObjectValidator(o.Issuer, replay, clk, o.JWTClockSkew), pushed, o, clk, logger)

	return &OAuthService{
		opts:        o,
		clock:       clk,
		metrics:     m,
		logger:      logger,
		tracer:      tracer,
		clientStore: clientStore,
		clients:     clients,
		grants:      registry,
		tokens:      tokenService,
		refresh:     refresh,
		devices:     devices,
		consents:    store.NewConsentStore(deps.Grants),
		references:  references,
		cors:        cors.NewPolicy(clientStore, o, clk, m, logger),

		authorizeValidator:     authorize,
		parValidator:           validation.NewPushedAuthorizationValidator(auth, authorize),
		tokenValidator:         validation.NewTokenRequestValidator(auth, registry, proofs, tokenURL, logger),
		deviceValidator:        validation.NewDeviceAuthorizationValidator(auth, res),
		introspectionValidator: validation.NewIntrospectionValidator(auth),
		revocationValidator:    validation.NewRevocationValidator(auth),

		authorizeResponses:     response.NewAuthorizeResponseGenerator(codes, o.Issuer, clk, logger),
		parResponses:           response.NewPushedAuthorizationResponseGenerator(pushed, o.PushedAuthorizationLifetime, clk, logger),
		tokenResponses:         response.NewTokenResponseGenerator(tokenService, refresh, m, logger),
		deviceResponses:        response.NewDeviceAuthorizationResponseGenerator(devices, o, clk, logger),
		introspectionResponses: response.NewIntrospectionResponseGenerator(tokenService, refresh, logger),
		revocationResponses:    response.NewRevocationResponseGenerator(tokenService, refresh, logger),
		discovery:              response.NewDiscoveryGenerator(o, res, registry, auth.SupportedMethods(), deps.Keys, clk),
	}, nil
}

func (s *OAuthService) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "OAuthService."+name, trace.WithAttributes(attrs...))
}

// fail records err on span and returns the error as it may be shown to the caller.
func (s *OAuthService) fail(span trace.Span, err error) error {
	oerr := serrors.Classify(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, oerr.Code)
	span.SetAttributes(attribute.String("oauth.error", oerr.Code))
	return oerr.Public(s.opts.ExposeErrorDetails)
}

// ValidateAuthorizeRequest validates the parameters of an authorize request. Errors carry
// the redirect target when they may be delivered to the client.
func (s *OAuthService) ValidateAuthorizeRequest(ctx context.Context, params url.Values) (*domain.ValidatedAuthorizeRequest, error) {
	ctx, span := s.start(ctx, "ValidateAuthorizeRequest")
	defer span.End()

	req, err := s.authorizeValidator.Validate(ctx, params)
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.String("oauth.client_id", req.Client.ClientID))
	return req, nil
}

// CreateAuthorizationCode issues a code once the host has authenticated subject and
// collected consent for grantedScopes. Nil grantedScopes grants every requested scope.
func (s *OAuthService) CreateAuthorizationCode(ctx context.Context, req *domain.ValidatedAuthorizeRequest, subject *domain.Subject, grantedScopes []string) (*response.AuthorizeResponse, error) {
	ctx, span := s.start(ctx, "CreateAuthorizationCode", attribute.String("oauth.client_id", req.Client.ClientID))
	defer span.End()

	resp, err := s.authorizeResponses.CreateAuthorizationCode(ctx, req, subject, grantedScopes)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return resp, nil
}

// PushAuthorizationRequest handles the PAR endpoint.
func (s *OAuthService) PushAuthorizationRequest(ctx context.Context, req validation.RawRequest) (*response.PushedAuthorizationResponse, error) {
	ctx, span := s.start(ctx, "PushAuthorizationRequest")
	defer span.End()

	validated, err := s.parValidator.Validate(ctx, req)
	if err != nil {
		return nil, s.fail(span, err)
	}
	resp, err := s.parResponses.Generate(ctx, validated)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return resp, nil
}

// ValidateTokenRequest authenticates the client and runs the grant processor.
func (s *OAuthService) ValidateTokenRequest(ctx context.Context, req validation.RawRequest) (*domain.ValidatedTokenRequest, error) {
	ctx, span := s.start(ctx, "ValidateTokenRequest", attribute.String("oauth.grant_type", req.Form.Get("grant_type")))
	defer span.End()

	validated, err := s.tokenValidator.Validate(ctx, req)
	if err != nil {
		s.metrics.TokenRequestFailed(serrors.Classify(err).Code)
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.String("oauth.client_id", validated.Client.ClientID))
	return validated, nil
}

// IssueTokens creates the tokens for a validated request.
func (s *OAuthService) IssueTokens(ctx context.Context, req *domain.ValidatedTokenRequest) (*domain.TokenResponse, error) {
	ctx, span := s.start(ctx, "IssueTokens",
		attribute.String("oauth.grant_type", req.GrantType),
		attribute.String("oauth.client_id", req.Client.ClientID),
	)
	defer span.End()

	resp, err := s.tokenResponses.Generate(ctx, req)
	if err != nil {
		s.metrics.TokenRequestFailed(serrors.Classify(err).Code)
		return nil, s.fail(span, err)
	}
	return resp, nil
}

// Token validates and answers a token endpoint request.
func (s *OAuthService) Token(ctx context.Context, req validation.RawRequest) (*domain.TokenResponse, error) {
	validated, err := s.ValidateTokenRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.IssueTokens(ctx, validated)
}

// DeviceAuthorization starts a device flow.
func (s *OAuthService) DeviceAuthorization(ctx context.Context, req validation.RawRequest) (*response.DeviceAuthorizationResponse, error) {
	ctx, span := s.start(ctx, "DeviceAuthorization")
	defer span.End()

	validated, err := s.deviceValidator.Validate(ctx, req)
	if err != nil {
		return nil, s.fail(span, err)
	}
	resp, err := s.deviceResponses.Generate(ctx, validated)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return resp, nil
}

// PendingDeviceAuthorization returns the device request behind userCode so the host can
// show what is being approved.
func (s *OAuthService) PendingDeviceAuthorization(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	ctx, span := s.start(ctx, "PendingDeviceAuthorization")
	defer span.End()

	data, err := s.pendingDevice(ctx, userCode)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return data, nil
}

func (s *OAuthService) pendingDevice(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	data, g, err := s.devices.FindByUserCode(ctx, userCode)
	if err != nil {
		return nil, deviceLookupError(err)
	}
	if g.IsConsumed() {
		return nil, deviceLookupError(store.ErrAlreadyConsumed)
	}
	if err := s.checkPending(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *OAuthService) checkPending(data *domain.DeviceCode) error {
	if data.Status != domain.DeviceCodeStatusPending {
		return serrors.NewInvalidRequest("user code has already been used")
	}
	if data.IsExpired(s.clock.Now()) {
		return serrors.NewExpiredToken()
	}
	return nil
}

// completeDevice moves a pending device authorization to its final status. The pending
// check is repeated under the device code lock.
func (s *OAuthService) completeDevice(ctx context.Context, userCode string, complete func(*domain.DeviceCode)) (*domain.DeviceCode, error) {
	data, err := s.devices.UpdateByUserCode(ctx, userCode, func(data *domain.DeviceCode) error {
		if err := s.checkPending(data); err != nil {
			return err
		}
		complete(data)
		return nil
	})
	if err != nil {
		return nil, deviceLookupError(err)
	}
	return data, nil
}

func deviceLookupError(err error) error {
	if _, ok := serrors.AsOAuth2Error(err); ok {
		return err
	}
	switch {
	case store.IsNotFound(err):
		return serrors.NewInvalidRequest("unknown user code")
	case errors.Is(err, store.ErrAlreadyConsumed):
		return serrors.NewInvalidRequest("user code has already been used")
	default:
		return serrors.NewTransient(err)
	}
}

// AuthorizeDevice approves the device request behind userCode for subject. Nil
// grantedScopes grants every requested scope.
func (s *OAuthService) AuthorizeDevice(ctx context.Context, userCode string, subject *domain.Subject, grantedScopes []string) error {
	ctx, span := s.start(ctx, "AuthorizeDevice")
	defer span.End()

	if subject == nil || subject.SubjectID == "" {
		return s.fail(span, serrors.NewInvalidRequest("an authenticated subject is required"))
	}
	data, err := s.pendingDevice(ctx, userCode)
	if err != nil {
		return s.fail(span, err)
	}
	scopes := data.RequestedScopes
	if grantedScopes != nil {
		for _, scope := range grantedScopes {
			if !slices.Contains(data.RequestedScopes, scope) {
				return s.fail(span, serrors.NewInvalidScope(fmt.Sprintf("scope %q was not requested", scope)))
			}
		}
		scopes = grantedScopes
	}

	data, err = s.completeDevice(ctx, userCode, func(dc *domain.DeviceCode) {
		dc.Status = domain.DeviceCodeStatusAuthorized
		dc.AuthorizedScope = slices.Clone(scopes)
		dc.SubjectID = subject.SubjectID
		dc.SessionID = subject.SessionID
		dc.AuthTime = subject.AuthTime
		dc.Claims = slices.Clone(subject.Claims)
	})
	if err != nil {
		return s.fail(span, err)
	}
	s.logger.Info(ctx, "Device authorized", log.Fields{"client_id": data.ClientID, "subject_id": subject.SubjectID})
	return nil
}

// DenyDevice rejects the device request behind userCode.
func (s *OAuthService) DenyDevice(ctx context.Context, userCode string) error {
	ctx, span := s.start(ctx, "DenyDevice")
	defer span.End()

	data, err := s.completeDevice(ctx, userCode, func(dc *domain.DeviceCode) {
		dc.Status = domain.DeviceCodeStatusDenied
	})
	if err != nil {
		return s.fail(span, err)
	}
	s.logger.Info(ctx, "Device authorization denied", log.Fields{"client_id": data.ClientID})
	return nil
}

// Introspect answers an introspection request (RFC 7662).
func (s *OAuthService) Introspect(ctx context.Context, req validation.RawRequest) (response.IntrospectionResponse, error) {
	ctx, span := s.start(ctx, "Introspect")
	defer span.End()

	validated, err := s.introspectionValidator.Validate(ctx, req)
	if err != nil {
		return nil, s.fail(span, err)
	}
	resp, err := s.introspectionResponses.Generate(ctx, validated)
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.Bool("oauth.token_active", resp.Active()))
	return resp, nil
}

// Revoke answers a revocation request (RFC 7009).
func (s *OAuthService) Revoke(ctx context.Context, req validation.RawRequest) error {
	ctx, span := s.start(ctx, "Revoke")
	defer span.End()

	validated, err := s.revocationValidator.Validate(ctx, req)
	if err != nil {
		return s.fail(span, err)
	}
	if err := s.revocationResponses.Revoke(ctx, validated); err != nil {
		return s.fail(span, err)
	}
	return nil
}

// GrantConsent remembers that subjectID granted scopes to clientID. A zero lifetime never
// expires.
func (s *OAuthService) GrantConsent(ctx context.Context, subjectID, clientID string, scopes []string, lifetime time.Duration) error {
	now := s.clock.Now().UTC()
	consent := &domain.Consent{
		SubjectID:    subjectID,
		ClientID:     clientID,
		Scopes:       slices.Clone(scopes),
		CreationTime: now,
	}
	if lifetime > 0 {
		exp := now.Add(lifetime)
		consent.Expiration = &exp
	}
	if err := s.consents.Store(ctx, consent); err != nil {
		return serrors.NewTransient(err)
	}
	return nil
}

// HasConsent reports whether subjectID already consented to every scope for clientID.
func (s *OAuthService) HasConsent(ctx context.Context, subjectID, clientID string, scopes []string) (bool, error) {
	consent, err := s.consents.Get(ctx, subjectID, clientID)
	if err != nil {
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, serrors.NewTransient(err)
	}
	for _, scope := range scopes {
		if !slices.Contains(consent.Scopes, scope) {
			return false, nil
		}
	}
	return true, nil
}

// RevokeConsent removes the consent and every refresh and reference token subjectID holds
// for clientID.
func (s *OAuthService) RevokeConsent(ctx context.Context, subjectID, clientID string) error {
	if err := s.consents.Remove(ctx, subjectID, clientID); err != nil && !store.IsNotFound(err) {
		return serrors.NewTransient(err)
	}
	if err := s.refresh.RemoveAll(ctx, subjectID, clientID, ""); err != nil {
		return serrors.NewTransient(err)
	}
	if err := s.references.RemoveAll(ctx, subjectID, clientID); err != nil {
		return serrors.NewTransient(err)
	}
	s.logger.Info(ctx, "Consent revoked", log.Fields{"client_id": clientID, "subject_id": subjectID})
	return nil
}

// Discovery returns the OpenID Connect discovery document.
func (s *OAuthService) Discovery(ctx context.Context) (*response.DiscoveryDocument, error) {
	ctx, span := s.start(ctx, "Discovery")
	defer span.End()

	doc, err := s.discovery.Discovery(ctx)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return doc, nil
}

// Jwks returns the published signing keys.
func (s *OAuthService) Jwks() jose.JSONWebKeySet {
	return s.discovery.Jwks()
}

// IsOriginAllowed is the CORS policy decision for origin.
func (s *OAuthService) IsOriginAllowed(ctx context.Context, origin string) bool {
	return s.cors.IsOriginAllowed(ctx, origin)
}

// InvalidateClient drops cached data for clientID after it was changed in the store.
func (s *OAuthService) InvalidateClient(clientID string) {
	s.clientStore.Invalidate(clientID)
	s.cors.Invalidate()
}

// GrantTypes lists the grant types the token endpoint accepts.
func (s *OAuthService) GrantTypes() []string {
	return s.grants.GrantTypes()
}
