package domain

import (
	"net/url"
	"time"
)

// Subject is the authenticated end user on whose behalf tokens are issued.
type Subject struct {
	SubjectID string
	SessionID string
	AuthTime  time.Time
	Claims    []Claim
}

// ClaimValues returns every value of claimType carried by the subject.
func (s *Subject) ClaimValues(claimType string) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, c := range s.Claims {
		if c.Type == claimType {
			out = append(out, c.Value)
		}
	}
	return out
}

// ValidatedAuthorizeRequest is the normalized result of a successful authorize validation.
type ValidatedAuthorizeRequest struct {
	Client              *Client
	RedirectURI         string
	ResponseType        string
	ResponseMode        string
	State               string
	Nonce               string
	RequestedScopes     []string
	Resources           *ValidatedResources
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              []string
	MaxAge              *int
	LoginHint           string
	UILocales           string
	DPoPKeyThumbprint   string

	// RequestObject holds the verified JAR when one was presented.
	RequestObject string
	// PushedAuthorizationURI is set when the request was resolved from PAR.
	PushedAuthorizationURI string

	Raw url.Values
}

// ValidatedDeviceAuthorizationRequest is the result of validating a device authorization request.
type ValidatedDeviceAuthorizationRequest struct {
	Client          *Client
	RequestedScopes []string
	Resources       *ValidatedResources
}

// ValidatedTokenRequest is the normalized result of a successful token request validation.
type ValidatedTokenRequest struct {
	GrantType            string
	Client               *Client
	ClientAuthentication string
	RequestedScopes      []string
	Resources            *ValidatedResources
	Subject              *Subject
	SessionID            string
	Nonce                string

	AuthorizationCodeHandle string
	AuthorizationCode       *AuthorizationCode

	// RefreshTokenHandle is the handle to return to the client. For the refresh_token grant it
	// is decided while the rotation lock is held.
	RefreshTokenHandle string
	RefreshToken       *RefreshToken

	DeviceCodeHandle string
	DeviceCode       *DeviceCode

	// Confirmation is the RFC 7638 thumbprint of the DPoP key the tokens are bound to.
	Confirmation string

	// ExtensionClaims are added to the access token by extension grant handlers.
	ExtensionClaims []Claim

	Raw url.Values
}

// TokenCreationRequest is the input for assembling access and identity tokens.
type TokenCreationRequest struct {
	Subject         *Subject
	Client          *Client
	Resources       *ValidatedResources
	GrantType       string
	Nonce           string
	SessionID       string
	AccessTokenType AccessTokenType
	Lifetime        time.Duration
	Confirmation    string
	ExtraClaims     []Claim

	// AccessTokenToHash and AuthorizationCodeToHash feed the at_hash and c_hash identity token claims.
	AccessTokenToHash       string
	AuthorizationCodeToHash string
}

// TokenResponse is the successful token endpoint payload.
//
//nolint:tagliatelle
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
