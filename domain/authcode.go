package domain

import "time"

// AuthorizationCode is the payload stored behind an authorization code handle.
//
//nolint:tagliatelle
type AuthorizationCode struct {
	ClientID        string    `json:"client_id"`
	SubjectID       string    `json:"subject_id"`
	SessionID       string    `json:"session_id,omitempty"`
	RedirectURI     string    `json:"redirect_uri,omitempty"`
	RequestedScopes []string  `json:"requested_scopes"`
	Nonce           string    `json:"nonce,omitempty"`
	StateHash       string    `json:"state_hash,omitempty"`
	AuthTime        time.Time `json:"auth_time"`
	Claims          []Claim   `json:"claims,omitempty"`
	CreationTime    time.Time `json:"creation_time"`
	Lifetime        int       `json:"lifetime"` // seconds

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// DPoPKeyThumbprint binds the code to the key named by the dpop_jkt authorize parameter.
	DPoPKeyThumbprint string `json:"dpop_jkt,omitempty"`
}

// Subject rebuilds the authenticated subject that approved the code.
func (c *AuthorizationCode) Subject() *Subject {
	return &Subject{
		SubjectID: c.SubjectID,
		SessionID: c.SessionID,
		AuthTime:  c.AuthTime,
		Claims:    append([]Claim(nil), c.Claims...),
	}
}

// RefreshToken is the payload stored behind a refresh token handle.
//
//nolint:tagliatelle
type RefreshToken struct {
	FamilyID           string    `json:"family_id"`
	ClientID           string    `json:"client_id"`
	SubjectID          string    `json:"subject_id"`
	SessionID          string    `json:"session_id,omitempty"`
	Scopes             []string  `json:"scopes"`
	Claims             []Claim   `json:"claims,omitempty"`
	AuthTime           time.Time `json:"auth_time"`
	CreationTime       time.Time `json:"creation_time"`
	Lifetime           int       `json:"lifetime"` // seconds
	AbsoluteExpiration time.Time `json:"absolute_expiration"`
	ProofKeyThumbprint string    `json:"proof_jkt,omitempty"`

	// ReplacedByHandle is set when the token is rotated; the old row keeps it for the reuse interval.
	ReplacedByHandle string `json:"replaced_by,omitempty"`
}

// Subject rebuilds the subject the refresh token was issued to.
func (t *RefreshToken) Subject() *Subject {
	return &Subject{
		SubjectID: t.SubjectID,
		SessionID: t.SessionID,
		AuthTime:  t.AuthTime,
		Claims:    append([]Claim(nil), t.Claims...),
	}
}

// Consent records the scopes a subject granted to a client.
//
//nolint:tagliatelle
type Consent struct {
	SubjectID    string     `json:"subject_id"`
	ClientID     string     `json:"client_id"`
	Scopes       []string   `json:"scopes"`
	CreationTime time.Time  `json:"creation_time"`
	Expiration   *time.Time `json:"expiration,omitempty"`
}

// PushedAuthorizationRequest holds the parameters pushed to the PAR endpoint.
//
//nolint:tagliatelle
type PushedAuthorizationRequest struct {
	ClientID   string              `json:"client_id"`
	Parameters map[string][]string `json:"parameters"`
	// RequestObject is the request object the parameters were resolved from, already verified.
	RequestObject string `json:"request_object,omitempty"`
}
