package domain

import "slices"

// IdentityResource is a named group of user claims requested through an OIDC scope.
//
//nolint:tagliatelle
type IdentityResource struct {
	Name        string   `bson:"_id" json:"name" yaml:"name"`
	DisplayName string   `bson:"display_name,omitempty" json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Enabled     bool     `bson:"enabled" json:"enabled" yaml:"enabled"`
	Required    bool     `bson:"required" json:"required" yaml:"required"`
	UserClaims  []string `bson:"user_claims,omitempty" json:"user_claims,omitempty" yaml:"user_claims,omitempty"`
}

// APIScope is a scope that grants access to one or more APIs.
//
//nolint:tagliatelle
type APIScope struct {
	Name        string   `bson:"_id" json:"name" yaml:"name"`
	DisplayName string   `bson:"display_name,omitempty" json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Enabled     bool     `bson:"enabled" json:"enabled" yaml:"enabled"`
	UserClaims  []string `bson:"user_claims,omitempty" json:"user_claims,omitempty" yaml:"user_claims,omitempty"`
}

// APIResource is a protected API; its Name becomes an access token audience.
//
//nolint:tagliatelle
type APIResource struct {
	Name       string         `bson:"_id" json:"name" yaml:"name"`
	Enabled    bool           `bson:"enabled" json:"enabled" yaml:"enabled"`
	Scopes     []string       `bson:"scopes" json:"scopes" yaml:"scopes"`
	UserClaims []string       `bson:"user_claims,omitempty" json:"user_claims,omitempty" yaml:"user_claims,omitempty"`
	Secrets    []ClientSecret `bson:"secrets,omitempty" json:"secrets,omitempty" yaml:"secrets,omitempty"`
}

// Resources is the full set of resource definitions known to the server.
//
//nolint:tagliatelle
type Resources struct {
	IdentityResources []IdentityResource `json:"identity_resources" yaml:"identity_resources"`
	APIResources      []APIResource      `json:"api_resources" yaml:"api_resources"`
	APIScopes         []APIScope         `json:"api_scopes" yaml:"api_scopes"`
}

// Clone returns a deep copy of the resource set.
func (r *Resources) Clone() *Resources {
	if r == nil {
		return nil
	}
	cp := &Resources{
		IdentityResources: make([]IdentityResource, len(r.IdentityResources)),
		APIResources:      make([]APIResource, len(r.APIResources)),
		APIScopes:         make([]APIScope, len(r.APIScopes)),
	}
	for i, ir := range r.IdentityResources {
		ir.UserClaims = slices.Clone(ir.UserClaims)
		cp.IdentityResources[i] = ir
	}
	for i, api := range r.APIResources {
		api.Scopes = slices.Clone(api.Scopes)
		api.UserClaims = slices.Clone(api.UserClaims)
		api.Secrets = slices.Clone(api.Secrets)
		cp.APIResources[i] = api
	}
	for i, s := range r.APIScopes {
		s.UserClaims = slices.Clone(s.UserClaims)
		cp.APIScopes[i] = s
	}
	return cp
}

// ScopeNames lists every enabled identity resource and API scope name.
func (r *Resources) ScopeNames() []string {
	var out []string
	for _, ir := range r.IdentityResources {
		if ir.Enabled {
			out = append(out, ir.Name)
		}
	}
	for _, s := range r.APIScopes {
		if s.Enabled {
			out = append(out, s.Name)
		}
	}
	return out
}

// ValidatedResources is the outcome of resolving requested scopes against resource definitions.
type ValidatedResources struct {
	IdentityResources []IdentityResource
	APIResources      []APIResource
	APIScopes         []APIScope
	OfflineAccess     bool
}

// Scopes returns the granted scope values in request order.
func (v *ValidatedResources) Scopes() []string {
	if v == nil {
		return nil
	}
	out := make([]string, 0, len(v.IdentityResources)+len(v.APIScopes)+1)
	for _, ir := range v.IdentityResources {
		out = append(out, ir.Name)
	}
	for _, s := range v.APIScopes {
		out = append(out, s.Name)
	}
	if v.OfflineAccess {
		out = append(out, ScopeOfflineAccess)
	}
	return out
}

// HasScope reports whether scope was granted.
func (v *ValidatedResources) HasScope(scope string) bool {
	return slices.Contains(v.Scopes(), scope)
}

// HasOpenID reports whether the openid identity scope was granted.
func (v *ValidatedResources) HasOpenID() bool {
	if v == nil {
		return false
	}
	for _, ir := range v.IdentityResources {
		if ir.Name == ScopeOpenID {
			return true
		}
	}
	return false
}

// Audiences returns the names of the granted API resources.
func (v *ValidatedResources) Audiences() []string {
	if v == nil {
		return nil
	}
	out := make([]string, 0, len(v.APIResources))
	for _, api := range v.APIResources {
		out = append(out, api.Name)
	}
	return out
}

// IdentityClaimTypes returns the user claim types requested through identity scopes.
func (v *ValidatedResources) IdentityClaimTypes() []string {
	var out []string
	for _, ir := range v.IdentityResources {
		out = appendUnique(out, ir.UserClaims...)
	}
	return out
}

// APIClaimTypes returns the user claim types requested by the granted APIs and API scopes.
func (v *ValidatedResources) APIClaimTypes() []string {
	var out []string
	for _, api := range v.APIResources {
		out = appendUnique(out, api.UserClaims...)
	}
	for _, s := range v.APIScopes {
		out = appendUnique(out, s.UserClaims...)
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
