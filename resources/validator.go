package resources

import (
	"context"
	"fmt"
	"slices"

	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
)

// Options tunes one scope validation.
type Options struct {
	// IdentityAllowed permits identity scopes. It is false for grants without a user.
	IdentityAllowed bool
	// ResourceIndicators restricts the granted API resources (RFC 8707).
	ResourceIndicators []string
}

// Validator resolves requested scopes for a client.
type Validator struct {
	store ResourceStore
}

func NewValidator(store ResourceStore) *Validator {
	return &Validator{store: store}
}

// SupportedScopes lists every enabled scope plus offline_access, for discovery.
func (v *Validator) SupportedScopes(ctx context.Context) ([]string, error) {
	res, err := v.store.GetAllResources(ctx)
	if err != nil {
		return nil, serrors.NewTransient(err)
	}
	return append(res.ScopeNames(), domain.ScopeOfflineAccess), nil
}

// Validate resolves scopes for c. A scope that is unknown, disabled or not allowed for the
// client fails the whole request with invalid_scope; nothing is dropped silently.
func (v *Validator) Validate(ctx context.Context, c *domain.Client, scopes []string, opts Options) (*domain.ValidatedResources, error) {
	res, err := v.store.GetAllResources(ctx)
	if err != nil {
		return nil, serrors.NewTransient(err)
	}

	out := &domain.ValidatedResources{}
	seen := make(map[string]bool, len(scopes))
	for _, scope := range scopes {
		if scope == "" || seen[scope] {
			continue
		}
		seen[scope] = true

		if !c.AllowsScope(scope) {
			return nil, serrors.NewInvalidScope(fmt.Sprintf("scope %q is not allowed for this client", scope))
		}
		if scope == domain.ScopeOfflineAccess {
			out.OfflineAccess = true
			continue
		}

		if ir, ok := findIdentityResource(res, scope); ok {
			if !opts.IdentityAllowed {
				return nil, serrors.NewInvalidScope(fmt.Sprintf("identity scope %q requires a user", scope))
			}
			out.IdentityResources = append(out.IdentityResources, ir)
			continue
		}
		if s, ok := findAPIScope(res, scope); ok {
			out.APIScopes = append(out.APIScopes, s)
			for _, api := range res.APIResources {
				if api.Enabled && slices.Contains(api.Scopes, scope) && !hasAPIResource(out, api.Name) {
					out.APIResources = append(out.APIResources, api)
				}
			}
			continue
		}
		return nil, serrors.NewInvalidScope(fmt.Sprintf("scope %q is unknown", scope))
	}

	if len(out.IdentityResources) > 0 && !out.HasOpenID() {
		return nil, serrors.NewInvalidScope("identity scopes require the openid scope")
	}
	if len(opts.ResourceIndicators) > 0 {
		if err := restrictResources(out, opts.ResourceIndicators); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SupportedClaims lists the user claim types of the enabled identity resources.
func (v *Validator) SupportedClaims(ctx context.Context) ([]string, error) {
	res, err := v.store.GetAllResources(ctx)
	if err != nil {
		return nil, serrors.NewTransient(err)
	}
	out := []string{"sub"}
	for _, ir := range res.IdentityResources {
		if !ir.Enabled {
			continue
		}
		for _, claim := range ir.UserClaims {
			if !slices.Contains(out, claim) {
				out = append(out, claim)
			}
		}
	}
	return out, nil
}

// APIScopesFor returns the enabled API scopes registered for c, in client order.
func (v *Validator) APIScopesFor(ctx context.Context, c *domain.Client) ([]string, error) {
	res, err := v.store.GetAllResources(ctx)
	if err != nil {
		return nil, serrors.NewTransient(err)
	}
	var out []string
	for _, scope := range c.AllowedScopes {
		if _, ok := findAPIScope(res, scope); ok && !slices.Contains(out, scope) {
			out = append(out, scope)
		}
	}
	return out, nil
}

func restrictResources(out *domain.ValidatedResources, indicators []string) error {
	for _, ind := range indicators {
		if !hasAPIResource(out, ind) {
			return serrors.NewInvalidTarget(fmt.Sprintf("resource %q is not covered by the requested scopes", ind))
		}
	}
	out.APIResources = slices.DeleteFunc(out.APIResources, func(api domain.APIResource) bool {
		return !slices.Contains(indicators, api.Name)
	})
	out.APIScopes = slices.DeleteFunc(out.APIScopes, func(s domain.APIScope) bool {
		for _, api := range out.APIResources {
			if slices.Contains(api.Scopes, s.Name) {
				return false
			}
		}
		return true
	})
	return nil
}

func findIdentityResource(res *domain.Resources, name string) (domain.IdentityResource, bool) {
	for _, ir := range res.IdentityResources {
		if ir.Enabled && ir.Name == name {
			return ir, true
		}
	}
	return domain.IdentityResource{}, false
}

func findAPIScope(res *domain.Resources, name string) (domain.APIScope, bool) {
	for _, s := range res.APIScopes {
		if s.Enabled && s.Name == name {
			return s, true
		}
	}
	return domain.APIScope{}, false
}

func hasAPIResource(v *domain.ValidatedResources, name string) bool {
	for _, api := range v.APIResources {
		if api.Name == name {
			return true
		}
	}
	return false
}
