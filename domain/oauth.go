package domain

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Response types, modes and PKCE methods.
const (
	ResponseTypeCode = "code"

	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"

	CodeChallengeMethodS256  = "S256"
	CodeChallengeMethodPlain = "plain"
)

// Well-known scopes.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// Token types used in responses, hints and JWT headers.
const (
	TokenTypeBearer = "Bearer"
	TokenTypeDPoP   = "DPoP"

	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"

	JWTTypeAccessToken = "at+jwt"
	JWTTypeDPoPProof   = "dpop+jwt"
)

// Client assertion and request URI constants.
const (
	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	PushedAuthorizationURNPrefix = "urn:ietf:params:oauth:request_uri:"
)

// Claim is a single subject or client claim.
type Claim struct {
	Type  string `bson:"type" json:"type" yaml:"type"`
	Value string `bson:"value" json:"value" yaml:"value"`
}
