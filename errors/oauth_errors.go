package errors

import (
	"context"
	goerrors "errors"
	"fmt"
)

// Kind classifies an OAuth2Error for logging and exposure decisions.
type Kind int

const (
	// KindProtocol is a malformed or disallowed request, safe to report as-is.
	KindProtocol Kind = iota
	// KindSecurity is a failed security check (PKCE mismatch, replay, bad signature).
	// Descriptions are suppressed unless explicitly exposed.
	KindSecurity
	// KindTransient is an infrastructure fault (store unreachable, lock timeout).
	KindTransient
	// KindConfiguration is a server-side misconfiguration (no signing key, broken client).
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindSecurity:
		return "security"
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// OAuth2Error represents a standardized OAuth 2.0 error
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`

	Kind Kind `json:"-"`
	// RedirectDeliverable is true once the redirect_uri has been validated, so the error
	// may be returned to the client through it.
	RedirectDeliverable bool   `json:"-"`
	RedirectURI         string `json:"-"`
	ResponseMode        string `json:"-"`

	cause error
}

func (e *OAuth2Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying cause.
func (e *OAuth2Error) Unwrap() error { return e.cause }

// Is matches another *OAuth2Error with the same code.
func (e *OAuth2Error) Is(target error) bool {
	t, ok := target.(*OAuth2Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy carrying err as the wrapped cause.
func (e *OAuth2Error) WithCause(err error) *OAuth2Error {
	cp := *e
	cp.cause = err
	return &cp
}

// WithRedirect returns a copy that may be delivered through redirectURI.
func (e *OAuth2Error) WithRedirect(redirectURI, responseMode, state string) *OAuth2Error {
	cp := *e
	cp.RedirectDeliverable = true
	cp.RedirectURI = redirectURI
	cp.ResponseMode = responseMode
	cp.State = state
	return &cp
}

// Public returns the externally visible form of the error. Security failures lose their
// description unless exposeDetails is set; transient and configuration faults always
// collapse into a generic server_error.
func (e *OAuth2Error) Public(exposeDetails bool) *OAuth2Error {
	out := &OAuth2Error{
		Code:                e.Code,
		Description:         e.Description,
		URI:                 e.URI,
		State:               e.State,
		Kind:                e.Kind,
		RedirectDeliverable: e.RedirectDeliverable,
		RedirectURI:         e.RedirectURI,
		ResponseMode:        e.ResponseMode,
	}
	switch e.Kind {
	case KindSecurity:
		if !exposeDetails {
			out.Description = ""
		}
	case KindTransient, KindConfiguration:
		out.Code = ServerError
		out.Description = "the server encountered an unexpected condition"
	}
	return out
}

// Standard OAuth2 error codes
const (
	InvalidRequest          = "invalid_request"
	UnauthorizedClient      = "unauthorized_client"
	AccessDenied            = "access_denied"
	UnsupportedResponseType = "unsupported_response_type"
	UnsupportedGrantType    = "unsupported_grant_type"
	UnsupportedTokenType    = "unsupported_token_type"
	InvalidScope            = "invalid_scope"
	InvalidClient           = "invalid_client"
	InvalidGrant            = "invalid_grant"
	InvalidTarget           = "invalid_target"
	ServerError             = "server_error"
	TemporarilyUnavailable  = "temporarily_unavailable"

	// RFC 8628
	AuthorizationPending = "authorization_pending"
	SlowDown             = "slow_down"
	ExpiredToken         = "expired_token"

	// RFC 9101 / RFC 9126
	InvalidRequestObject = "invalid_request_object"
	InvalidRequestURI    = "invalid_request_uri"

	// RFC 9449
	InvalidDPoPProof = "invalid_dpop_proof"
)

func newError(code, description string, kind Kind) *OAuth2Error {
	return &OAuth2Error{Code: code, Description: description, Kind: kind}
}

// Common error constructors
func NewInvalidRequest(description string) *OAuth2Error {
	return newError(InvalidRequest, description, KindProtocol)
}

// NewInvalidClient reports a failed client authentication. Every cause produces the
// same external signal.
func NewInvalidClient(description string) *OAuth2Error {
	return newError(InvalidClient, description, KindSecurity)
}

func NewInvalidGrant(description string) *OAuth2Error {
	return newError(InvalidGrant, description, KindSecurity)
}

func NewServerError(description string) *OAuth2Error {
	return newError(ServerError, description, KindConfiguration)
}

// PKCE specific errors
func NewPKCERequired() *OAuth2Error {
	return newError(InvalidRequest, "code challenge required", KindProtocol)
}

func NewInvalidPKCE(description string) *OAuth2Error {
	return newError(InvalidRequest, fmt.Sprintf("PKCE validation failed: %s", description), KindProtocol)
}

func NewInvalidScope(description string) *OAuth2Error {
	return newError(InvalidScope, description, KindProtocol)
}

func NewUnauthorizedClient(description string) *OAuth2Error {
	return newError(UnauthorizedClient, description, KindProtocol)
}

func NewUnsupportedGrantType() *OAuth2Error {
	return newError(UnsupportedGrantType, "The authorization grant type is not supported", KindProtocol)
}

func NewUnsupportedResponseType(description string) *OAuth2Error {
	return newError(UnsupportedResponseType, description, KindProtocol)
}

func NewUnsupportedTokenType(description string) *OAuth2Error {
	return newError(UnsupportedTokenType, description, KindProtocol)
}

func NewAccessDenied(description string) *OAuth2Error {
	return newError(AccessDenied, description, KindProtocol)
}

func NewInvalidTarget(description string) *OAuth2Error {
	return newError(InvalidTarget, description, KindProtocol)
}

// Device flow errors
func NewAuthorizationPending() *OAuth2Error {
	return newError(AuthorizationPending, "the authorization request is still pending", KindProtocol)
}

func NewSlowDown() *OAuth2Error {
	return newError(SlowDown, "polling too frequently, increase the interval", KindProtocol)
}

func NewExpiredToken() *OAuth2Error {
	return newError(ExpiredToken, "the device code has expired", KindProtocol)
}

// Request object errors
func NewInvalidRequestObject(description string) *OAuth2Error {
	return newError(InvalidRequestObject, description, KindSecurity)
}

func NewInvalidRequestURI(description string) *OAuth2Error {
	return newError(InvalidRequestURI, description, KindProtocol)
}

func NewInvalidDPoPProof(description string) *OAuth2Error {
	return newError(InvalidDPoPProof, description, KindSecurity)
}

// NewTransient wraps an infrastructure failure. It is surfaced as a server fault and never
// as a protocol error such as invalid_grant.
func NewTransient(err error) *OAuth2Error {
	return newError(ServerError, "temporary failure", KindTransient).WithCause(err)
}

// NewConfigurationError reports a server-side misconfiguration.
func NewConfigurationError(description string, err error) *OAuth2Error {
	return newError(ServerError, description, KindConfiguration).WithCause(err)
}

// AsOAuth2Error extracts an *OAuth2Error from err's chain.
func AsOAuth2Error(err error) (*OAuth2Error, bool) {
	var oe *OAuth2Error
	if goerrors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// Classify maps any error into the OAuth2 taxonomy. Errors that are not already OAuth2
// errors are infrastructure faults.
func Classify(err error) *OAuth2Error {
	if err == nil {
		return nil
	}
	if oe, ok := AsOAuth2Error(err); ok {
		return oe
	}
	if goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded) {
		return newError(TemporarilyUnavailable, "request cancelled", KindTransient).WithCause(err)
	}
	return NewTransient(err)
}

// HasCode reports whether err carries the given OAuth2 error code.
func HasCode(err error, code string) bool {
	oe, ok := AsOAuth2Error(err)
	return ok && oe.Code == code
}
