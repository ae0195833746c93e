package response

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"time"

	"go.pilab.hu/ssoengine/cache"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/store"
	"k8s.io/utils/clock"
)

// AuthorizeResponse is delivered to the client's redirect URI.
type AuthorizeResponse struct {
	Code         string
	State        string
	Issuer       string
	RedirectURI  string
	ResponseMode string
}

// Parameters returns the response parameters, including iss (RFC 9207).
func (r *AuthorizeResponse) Parameters() url.Values {
	v := url.Values{}
	v.Set("code", r.Code)
	if r.State != "" {
		v.Set("state", r.State)
	}
	v.Set("iss", r.Issuer)
	return v
}

// RedirectURL builds the redirect for the query and fragment response modes. form_post
// responses are rendered by the host from Parameters.
func (r *AuthorizeResponse) RedirectURL() (string, error) {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect uri: %w", err)
	}
	params := r.Parameters()
	switch r.ResponseMode {
	case domain.ResponseModeFragment:
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + params.Encode(), nil
	case domain.ResponseModeFormPost:
		return "", fmt.Errorf("response mode %q cannot be delivered by redirect", r.ResponseMode)
	default:
		q := u.Query()
		for k, vs := range params {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// AuthorizeResponseGenerator issues authorization codes for validated requests.
type AuthorizeResponseGenerator struct {
	codes  *store.AuthorizationCodeStore
	issuer string
	clock  clock.PassiveClock
	logger log.Logger
}

func NewAuthorizeResponseGenerator(codes *store.AuthorizationCodeStore, issuer string, clk clock.PassiveClock, logger log.Logger) *AuthorizeResponseGenerator {
	return &AuthorizeResponseGenerator{codes: codes, issuer: issuer, clock: clk, logger: logger}
}

// CreateAuthorizationCode stores a code for subject. grantedScopes narrows the requested
// scopes after consent; nil grants everything requested.
func (g *AuthorizeResponseGenerator) CreateAuthorizationCode(ctx context.Context, req *domain.ValidatedAuthorizeRequest, subject *domain.Subject, grantedScopes []string) (*AuthorizeResponse, error) {
	if subject == nil || subject.SubjectID == "" {
		return nil, serrors.NewAccessDenied("no authenticated user").
			WithRedirect(req.RedirectURI, req.ResponseMode, req.State)
	}
	scopes := req.RequestedScopes
	if grantedScopes != nil {
		for _, s := range grantedScopes {
			if !slices.Contains(req.RequestedScopes, s) {
				return nil, serrors.NewInvalidScope(fmt.Sprintf("scope %q was not requested", s)).
					WithRedirect(req.RedirectURI, req.ResponseMode, req.State)
			}
		}
		scopes = grantedScopes
	}
	if len(scopes) == 0 {
		return nil, serrors.NewAccessDenied("no scopes were granted").
			WithRedirect(req.RedirectURI, req.ResponseMode, req.State)
	}

	c := req.Client
	code := &domain.AuthorizationCode{
		ClientID:            c.ClientID,
		SubjectID:           subject.SubjectID,
		SessionID:           subject.SessionID,
		RedirectURI:         req.RedirectURI,
		RequestedScopes:     slices.Clone(scopes),
		Nonce:               req.Nonce,
		AuthTime:            subject.AuthTime,
		Claims:              slices.Clone(subject.Claims),
		CreationTime:        g.clock.Now().UTC(),
		Lifetime:            int(c.AuthorizationCodeLifetime / time.Second),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		DPoPKeyThumbprint:   req.DPoPKeyThumbprint,
	}
	if req.State != "" {
		code.StateHash = cache.HashToken(req.State)
	}

	handle, err := g.codes.Store(ctx, code)
	if err != nil {
		return nil, serrors.NewTransient(err)
	}
	g.logger.Debug(ctx, "Authorization code issued", log.Fields{
		"client_id":  c.ClientID,
		"subject_id": subject.SubjectID,
	})

	mode := req.ResponseMode
	if mode == "" {
		mode = domain.ResponseModeQuery
	}
	return &AuthorizeResponse{
		Code:         handle,
		State:        req.State,
		Issuer:       g.issuer,
		RedirectURI:  req.RedirectURI,
		ResponseMode: mode,
	}, nil
}
