package client

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
)

// Token endpoint authentication methods.
const (
	AuthMethodBasic         = "client_secret_basic"
	AuthMethodPost          = "client_secret_post"
	AuthMethodPrivateKeyJWT = "private_key_jwt"
	AuthMethodNone          = "none"
)

// Input length limits for client credentials.
const (
	MaxClientIDLength     = 100
	MaxClientSecretLength = 100
	MaxAssertionLength    = 50 * 1024
)

// Credentials is the raw client authentication material of one request.
type Credentials struct {
	// Authorization is the value of the Authorization header, if any.
	Authorization string
	// Form holds the request body parameters.
	Form url.Values
}

// ParsedSecret is the outcome of extracting client credentials from a request.
type ParsedSecret struct {
	ClientID   string
	Method     string
	Credential string
}

// ParseSecret extracts the client id and credential. Presenting more than one
// authentication method is rejected.
func ParseSecret(creds Credentials) (*ParsedSecret, error) {
	form := creds.Form
	if form == nil {
		form = url.Values{}
	}

	basic := strings.HasPrefix(strings.ToLower(creds.Authorization), "basic ")
	post := form.Has("client_secret")
	assertion := form.Has("client_assertion") || form.Has("client_assertion_type")

	methods := 0
	for _, present := range []bool{basic, post, assertion} {
		if present {
			methods++
		}
	}
	if methods > 1 {
		return nil, serrors.NewInvalidRequest("multiple client authentication methods used")
	}

	formClientID := form.Get("client_id")

	var parsed *ParsedSecret
	var err error
	switch {
	case basic:
		parsed, err = parseBasic(creds.Authorization[len("basic "):])
	case post:
		parsed = &ParsedSecret{ClientID: formClientID, Method: AuthMethodPost, Credential: form.Get("client_secret")}
	case assertion:
		parsed, err = parseAssertion(form)
	default:
		parsed = &ParsedSecret{ClientID: formClientID, Method: AuthMethodNone}
	}
	if err != nil {
		return nil, err
	}

	if parsed.ClientID == "" || len(parsed.ClientID) > MaxClientIDLength {
		return nil, serrors.NewInvalidClient("client authentication failed")
	}
	if formClientID != "" && formClientID != parsed.ClientID {
		return nil, serrors.NewInvalidRequest("client_id does not match the authenticated client")
	}
	if parsed.Method != AuthMethodPrivateKeyJWT && len(parsed.Credential) > MaxClientSecretLength {
		return nil, serrors.NewInvalidClient("client authentication failed")
	}
	return parsed, nil
}

func parseBasic(encoded string) (*ParsedSecret, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, serrors.NewInvalidClient("malformed basic authorization header").WithCause(err)
	}
	id, secret, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, serrors.NewInvalidClient("malformed basic authorization header")
	}
	// RFC 6749 section 2.3.1 form-encodes both parts before base64.
	if id, err = url.QueryUnescape(id); err != nil {
		return nil, serrors.NewInvalidClient("malformed basic authorization header").WithCause(err)
	}
	if secret, err = url.QueryUnescape(secret); err != nil {
		return nil, serrors.NewInvalidClient("malformed basic authorization header").WithCause(err)
	}
	return &ParsedSecret{ClientID: id, Method: AuthMethodBasic, Credential: secret}, nil
}

func parseAssertion(form url.Values) (*ParsedSecret, error) {
	if form.Get("client_assertion_type") != domain.ClientAssertionTypeJWTBearer {
		return nil, serrors.NewInvalidRequest("unsupported client_assertion_type")
	}
	raw := form.Get("client_assertion")
	if raw == "" || len(raw) > MaxAssertionLength {
		return nil, serrors.NewInvalidClient("client authentication failed")
	}

	clientID := form.Get("client_id")
	if clientID == "" {
		// The signature is checked later against the keys of the client named here.
		claims := jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
			return nil, serrors.NewInvalidClient("client authentication failed").WithCause(err)
		}
		clientID = claims.Subject
	}
	return &ParsedSecret{ClientID: clientID, Method: AuthMethodPrivateKeyJWT, Credential: raw}, nil
}
