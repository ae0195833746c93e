package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// Token kinds produced by the token service.
const (
	TokenKindAccessToken   = "access_token"
	TokenKindIdentityToken = "id_token"
)

// TokenClaim is one named claim of a Token.
type TokenClaim struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// TokenClaims is an insertion-ordered claim set with unique names.
type TokenClaims struct {
	items []TokenClaim
}

// Set stores value under name, replacing an existing value in place.
func (c *TokenClaims) Set(name string, value any) {
	for i := range c.items {
		if c.items[i].Name == name {
			c.items[i].Value = value
			return
		}
	}
	c.items = append(c.items, TokenClaim{Name: name, Value: value})
}

// Add appends value to name, turning the claim into a string array on the second value.
func (c *TokenClaims) Add(name, value string) {
	for i := range c.items {
		if c.items[i].Name != name {
			continue
		}
		switch existing := c.items[i].Value.(type) {
		case string:
			if existing != value {
				c.items[i].Value = []string{existing, value}
			}
		case []string:
			if !slices.Contains(existing, value) {
				c.items[i].Value = append(slices.Clone(existing), value)
			}
		default:
			c.items[i].Value = value
		}
		return
	}
	c.items = append(c.items, TokenClaim{Name: name, Value: value})
}

// Get returns the value stored under name.
func (c TokenClaims) Get(name string) (any, bool) {
	for _, it := range c.items {
		if it.Name == name {
			return it.Value, true
		}
	}
	return nil, false
}

// Items returns a copy of the ordered claims.
func (c TokenClaims) Items() []TokenClaim {
	return slices.Clone(c.items)
}

// Len returns the number of claims.
func (c TokenClaims) Len() int { return len(c.items) }

// MarshalJSON keeps claim order.
func (c TokenClaims) MarshalJSON() ([]byte, error) {
	if c.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.items)
}

// UnmarshalJSON restores an ordered claim set.
func (c *TokenClaims) UnmarshalJSON(b []byte) error {
	var items []TokenClaim
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	c.items = nil
	for _, it := range items {
		c.Set(it.Name, it.Value)
	}
	return nil
}

// Token is an access or identity token before serialization.
// Values are assembled once by the token service and never modified afterwards.
//
//nolint:tagliatelle
type Token struct {
	Kind                     string          `json:"kind"`
	Issuer                   string          `json:"issuer"`
	Audiences                []string        `json:"audiences"`
	ClientID                 string          `json:"client_id"`
	CreationTime             time.Time       `json:"creation_time"`
	Lifetime                 time.Duration   `json:"lifetime"`
	AccessTokenType          AccessTokenType `json:"access_token_type"`
	AllowedSigningAlgorithms []string        `json:"allowed_signing_algorithms,omitempty"`
	Confirmation             string          `json:"confirmation,omitempty"`
	Claims                   TokenClaims     `json:"claims"`
}

// Expiration returns CreationTime + Lifetime.
func (t *Token) Expiration() time.Time {
	return t.CreationTime.Add(t.Lifetime)
}

// SubjectID returns the sub claim, if any.
func (t *Token) SubjectID() string {
	if v, ok := t.Claims.Get("sub"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// JWTClaims flattens the token into a JWT payload: iss, the ordered claims, then aud, iat, nbf, exp and cnf.
func (t *Token) JWTClaims() map[string]any {
	out := make(map[string]any, t.Claims.Len()+6)
	out["iss"] = t.Issuer
	for _, c := range t.Claims.items {
		out[c.Name] = c.Value
	}
	switch len(t.Audiences) {
	case 0:
	case 1:
		out["aud"] = t.Audiences[0]
	default:
		out["aud"] = slices.Clone(t.Audiences)
	}
	out["iat"] = t.CreationTime.Unix()
	out["nbf"] = t.CreationTime.Unix()
	out["exp"] = t.Expiration().Unix()
	if t.Confirmation != "" {
		out["cnf"] = map[string]any{"jkt": t.Confirmation}
	}
	return out
}
