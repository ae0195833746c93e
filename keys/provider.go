// Package keys holds signing key material: loading, rotation and JWKS export.
package keys

import (
	"crypto"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// ErrNoSigningKeyAvailable is returned when no key matches the algorithm and usage window.
var ErrNoSigningKeyAvailable = errors.New("no signing key available")

// SigningKey is one private key with its usage window.
type SigningKey struct {
	// KeyID is the RFC 7638 thumbprint unless configured explicitly.
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	// NotBefore and Expires bound when the key may sign. Nil means unbounded.
	NotBefore *time.Time
	Expires   *time.Time
	CreatedAt time.Time
}

// UsableAt reports whether the key may sign at now.
func (k *SigningKey) UsableAt(now time.Time) bool {
	if k.NotBefore != nil && now.Before(*k.NotBefore) {
		return false
	}
	if k.Expires != nil && !now.Before(*k.Expires) {
		return false
	}
	return true
}

// publishedAt reports whether verifiers still need the public key at now.
func (k *SigningKey) publishedAt(now time.Time, grace time.Duration) bool {
	return k.Expires == nil || now.Before(k.Expires.Add(grace))
}

// NewSigningKey derives the key id and, when alg is empty, the algorithm.
func NewSigningKey(key crypto.Signer, alg string, createdAt time.Time) (*SigningKey, error) {
	kid, err := DeriveKeyID(key)
	if err != nil {
		return nil, err
	}
	if alg == "" {
		if alg, err = DeriveAlgorithm(key); err != nil {
			return nil, err
		}
	} else if err := ValidateAlgorithmForKey(alg, key); err != nil {
		return nil, err
	}
	return &SigningKey{KeyID: kid, Algorithm: alg, Key: key, CreatedAt: createdAt}, nil
}

// Provider is an immutable set of signing keys. Rotation builds a new Provider and
// swaps it into a Holder.
type Provider struct {
	keys        []SigningKey
	gracePeriod time.Duration
}

// NewProvider validates keys and returns a provider. Order matters: Sign picks the
// first eligible key.
func NewProvider(gracePeriod time.Duration, keys ...SigningKey) (*Provider, error) {
	seen := make(map[string]struct{}, len(keys))
	for i := range keys {
		k := &keys[i]
		if k.Key == nil {
			return nil, fmt.Errorf("signing key %d has no private key", i)
		}
		if k.KeyID == "" {
			return nil, fmt.Errorf("signing key %d has no key id", i)
		}
		if _, dup := seen[k.KeyID]; dup {
			return nil, fmt.Errorf("duplicate key id %s", k.KeyID)
		}
		seen[k.KeyID] = struct{}{}
		if err := ValidateAlgorithmForKey(k.Algorithm, k.Key); err != nil {
			return nil, fmt.Errorf("signing key %s: %w", k.KeyID, err)
		}
	}
	return &Provider{keys: slices.Clone(keys), gracePeriod: gracePeriod}, nil
}

// SigningKey returns the first key usable at now whose algorithm is in algs. An empty
// algs accepts any algorithm.
func (p *Provider) SigningKey(now time.Time, algs []string) (*SigningKey, error) {
	for i := range p.keys {
		k := &p.keys[i]
		if len(algs) > 0 && !slices.Contains(algs, k.Algorithm) {
			continue
		}
		if k.UsableAt(now) {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrNoSigningKeyAvailable
}

// Algorithms lists the distinct algorithms of all keys, in key order.
func (p *Provider) Algorithms() []string {
	var algs []string
	for _, k := range p.keys {
		if !slices.Contains(algs, k.Algorithm) {
			algs = append(algs, k.Algorithm)
		}
	}
	return algs
}

// PublicKeySet exposes the public halves of every key still relevant at now: active
// keys, keys that are not yet active and retired keys inside the grace period.
func (p *Provider) PublicKeySet(now time.Time) jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(p.keys))}
	for _, k := range p.keys {
		if !k.publishedAt(now, p.gracePeriod) {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.Key.Public(),
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set
}

// VerificationKey returns the public key for kid if it is still published at now.
func (p *Provider) VerificationKey(kid string, now time.Time) (crypto.PublicKey, string, bool) {
	for _, k := range p.keys {
		if k.KeyID == kid && k.publishedAt(now, p.gracePeriod) {
			return k.Key.Public(), k.Algorithm, true
		}
	}
	return nil, "", false
}

// Holder publishes the current Provider to concurrent readers.
type Holder struct {
	current atomic.Pointer[Provider]
}

// NewHolder creates a holder serving p.
func NewHolder(p *Provider) *Holder {
	h := &Holder{}
	h.current.Store(p)
	return h
}

// Provider returns the provider in effect.
func (h *Holder) Provider() *Provider {
	return h.current.Load()
}

// Rotate installs p. Readers holding the old provider finish with it.
func (h *Holder) Rotate(p *Provider) {
	h.current.Store(p)
}
