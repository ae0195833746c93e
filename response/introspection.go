package response

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/tokens"
	"go.pilab.hu/ssoengine/validation"
)

// IntrospectionResponse is the RFC 7662 payload. Inactive tokens carry only active=false.
type IntrospectionResponse map[string]any

func inactive() IntrospectionResponse {
	return IntrospectionResponse{"active": false}
}

// Active reports the active member.
func (r IntrospectionResponse) Active() bool {
	active, _ := r["active"].(bool)
	return active
}

// IntrospectionResponseGenerator resolves introspected tokens.
type IntrospectionResponseGenerator struct {
	tokens  *tokens.Service
	refresh *tokens.RefreshTokenService
	logger  log.Logger
}

func NewIntrospectionResponseGenerator(tokenService *tokens.Service, refresh *tokens.RefreshTokenService, logger log.Logger) *IntrospectionResponseGenerator {
	return &IntrospectionResponseGenerator{tokens: tokenService, refresh: refresh, logger: logger}
}

// Generate looks the token up as the hinted type first. Tokens the caller is neither the
// client nor an audience of are reported inactive.
func (g *IntrospectionResponseGenerator) Generate(ctx context.Context, req *validation.TokenOperationRequest) (IntrospectionResponse, error) {
	lookups := []func(context.Context, *validation.TokenOperationRequest) (IntrospectionResponse, error){
		g.accessToken, g.refreshToken,
	}
	if req.Hint == domain.TokenTypeHintRefreshToken {
		slices.Reverse(lookups)
	}
	for _, lookup := range lookups {
		resp, err := lookup(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Active() {
			return resp, nil
		}
	}
	return inactive(), nil
}

func (g *IntrospectionResponseGenerator) accessToken(ctx context.Context, req *validation.TokenOperationRequest) (IntrospectionResponse, error) {
	claims, err := g.tokens.ValidateAccessToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, tokens.ErrInvalidToken) {
			return inactive(), nil
		}
		return nil, serrors.Classify(err)
	}

	clientID, _ := claims["client_id"].(string)
	if clientID != req.Client.ClientID && !hasAudience(claims["aud"], req.Client.ClientID) {
		g.logger.Info(ctx, "Introspection of a token issued to another client", log.Fields{
			"client_id": req.Client.ClientID,
		})
		return inactive(), nil
	}

	resp := IntrospectionResponse{"active": true, "token_type": domain.TokenTypeBearer}
	for name, value := range claims {
		switch name {
		case "scope":
			resp["scope"] = joinScope(value)
		case "cnf":
			resp["cnf"] = value
			resp["token_type"] = domain.TokenTypeDPoP
		default:
			resp[name] = value
		}
	}
	return resp, nil
}

func (g *IntrospectionResponseGenerator) refreshToken(ctx context.Context, req *validation.TokenOperationRequest) (IntrospectionResponse, error) {
	rt, err := g.refresh.Lookup(ctx, req.Token)
	if err != nil {
		return nil, serrors.Classify(err)
	}
	if rt == nil || rt.ClientID != req.Client.ClientID {
		return inactive(), nil
	}
	exp := rt.CreationTime.Add(time.Duration(rt.Lifetime) * time.Second)
	return IntrospectionResponse{
		"active":    true,
		"client_id": rt.ClientID,
		"sub":       rt.SubjectID,
		"scope":     strings.Join(rt.Scopes, " "),
		"iat":       rt.CreationTime.Unix(),
		"exp":       exp.Unix(),
		"iss":       g.tokens.Issuer(),
	}, nil
}

func hasAudience(aud any, clientID string) bool {
	switch v := aud.(type) {
	case string:
		return v == clientID
	case []string:
		return slices.Contains(v, clientID)
	case []any:
		return slices.Contains(v, any(clientID))
	}
	return false
}

func joinScope(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, " ")
	case []any:
		parts := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}
