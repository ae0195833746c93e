package response

import (
	"context"
	"slices"

	"github.com/go-jose/go-jose/v4"
	"go.pilab.hu/ssoengine/config"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/keys"
	"go.pilab.hu/ssoengine/resources"
	"k8s.io/utils/clock"
)

// Algorithms accepted for client assertions and request objects.
var assertionSigningAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// DiscoveryDocument is the OpenID Connect discovery document.
//
//nolint:tagliatelle
type DiscoveryDocument struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	DeviceAuthorizationEndpoint                string   `json:"device_authorization_endpoint,omitempty"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint,omitempty"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests"`
	EndSessionEndpoint                         string   `json:"end_session_endpoint,omitempty"`
	UserInfoEndpoint                           string   `json:"userinfo_endpoint,omitempty"`
	JwksURI                                    string   `json:"jwks_uri"`
	ScopesSupported                            []string `json:"scopes_supported"`
	ClaimsSupported                            []string `json:"claims_supported,omitempty"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	SubjectTypesSupported                      []string `json:"subject_types_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgSupported       []string `json:"token_endpoint_auth_signing_alg_values_supported,omitempty"`
	RevocationEndpoint                         string   `json:"revocation_endpoint,omitempty"`
	RevocationEndpointAuthMethodsSupported     []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint,omitempty"`
	IntrospectionEndpointAuthMethodsSupported  []string `json:"introspection_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	IDTokenSigningAlgValuesSupported           []string `json:"id_token_signing_alg_values_supported"`
	RequestObjectSigningAlgValuesSupported     []string `json:"request_object_signing_alg_values_supported,omitempty"`
	DPoPSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported,omitempty"`
	RequestParameterSupported                  bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported               bool     `json:"request_uri_parameter_supported"`
	RequireRequestURIRegistration              bool     `json:"require_request_uri_registration"`
	ClaimsParameterSupported                   bool     `json:"claims_parameter_supported"`
	AuthorizationResponseIssParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
}

// GrantTypeLister reports the grant types the token endpoint accepts.
type GrantTypeLister interface {
	GrantTypes() []string
}

// DiscoveryGenerator builds the discovery document and the JWKS.
type DiscoveryGenerator struct {
	opts        config.Options
	resources   *resources.Validator
	grantTypes  GrantTypeLister
	authMethods []string
	keys        *keys.Holder
	clock       clock.PassiveClock
}

func NewDiscoveryGenerator(opts config.Options, res *resources.Validator, grantTypes GrantTypeLister, authMethods []string, h *keys.Holder, clk clock.PassiveClock) *DiscoveryGenerator {
	return &DiscoveryGenerator{
		opts:        opts,
		resources:   res,
		grantTypes:  grantTypes,
		authMethods: slices.Clone(authMethods),
		keys:        h,
		clock:       clk,
	}
}

// Discovery builds the document from the current configuration, resources and keys.
func (g *DiscoveryGenerator) Discovery(ctx context.Context) (*DiscoveryDocument, error) {
	scopes, err := g.resources.SupportedScopes(ctx)
	if err != nil {
		return nil, err
	}
	claims, err := g.resources.SupportedClaims(ctx)
	if err != nil {
		return nil, err
	}

	o := g.opts
	pkceMethods := []string{domain.CodeChallengeMethodS256}
	if o.PKCE.AllowPlainChallengeMethod {
		pkceMethods = append(pkceMethods, domain.CodeChallengeMethodPlain)
	}

	doc := &DiscoveryDocument{
		Issuer:                                 o.Issuer,
		AuthorizationEndpoint:                  o.EndpointURL(o.Endpoints.Authorize),
		TokenEndpoint:                          o.EndpointURL(o.Endpoints.Token),
		PushedAuthorizationRequestEndpoint:     o.EndpointURL(o.Endpoints.PushedAuthorization),
		RequirePushedAuthorizationRequests:     o.RequirePushedAuthorization,
		EndSessionEndpoint:                     o.EndpointURL(o.Endpoints.EndSession),
		UserInfoEndpoint:                       o.EndpointURL(o.Endpoints.UserInfo),
		JwksURI:                                o.EndpointURL(o.Endpoints.JWKS),
		ScopesSupported:                        scopes,
		ClaimsSupported:                        claims,
		ResponseTypesSupported:                 []string{domain.ResponseTypeCode},
		ResponseModesSupported:                 []string{domain.ResponseModeQuery, domain.ResponseModeFragment, domain.ResponseModeFormPost},
		GrantTypesSupported:                    g.grantTypes.GrantTypes(),
		SubjectTypesSupported:                  []string{"public"},
		TokenEndpointAuthMethodsSupported:      g.authMethods,
		TokenEndpointAuthSigningAlgSupported:   assertionSigningAlgorithms,
		RevocationEndpoint:                     o.EndpointURL(o.Endpoints.Revocation),
		RevocationEndpointAuthMethodsSupported: g.authMethods,
		IntrospectionEndpoint:                  o.EndpointURL(o.Endpoints.Introspection),
		IntrospectionEndpointAuthMethodsSupported: slices.DeleteFunc(slices.Clone(g.authMethods), func(m string) bool {
			return m == "none"
		}),
		CodeChallengeMethodsSupported:          pkceMethods,
		IDTokenSigningAlgValuesSupported:       g.keys.Provider().Algorithms(),
		RequestObjectSigningAlgValuesSupported: assertionSigningAlgorithms,
		DPoPSigningAlgValuesSupported:          slices.Clone(o.DPoP.SupportedAlgorithms),
		RequestParameterSupported:              true,
		RequestURIParameterSupported:           true,
		RequireRequestURIRegistration:          true,
		AuthorizationResponseIssParameterSupported: true,
	}
	if slices.Contains(doc.GrantTypesSupported, domain.GrantTypeDeviceCode) {
		doc.DeviceAuthorizationEndpoint = o.EndpointURL(o.Endpoints.DeviceAuthorization)
	}
	return doc, nil
}

// Jwks returns the public signing keys currently published.
func (g *DiscoveryGenerator) Jwks() jose.JSONWebKeySet {
	return g.keys.Provider().PublicKeySet(g.clock.Now())
}
