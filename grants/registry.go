// Package grants implements the token endpoint grant types.
package grants

import (
	"fmt"
	"slices"
	"sync"

	"go.pilab.hu/ssoengine/validation"
)

// Registry maps grant_type values to processors.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]validation.GrantProcessor
}

// NewRegistry creates a registry with processors. Later duplicates replace earlier ones.
func NewRegistry(processors ...validation.GrantProcessor) *Registry {
	r := &Registry{processors: make(map[string]validation.GrantProcessor, len(processors))}
	for _, p := range processors {
		r.processors[p.GrantType()] = p
	}
	return r
}

// Register adds p. Registering a grant type twice is an error.
func (r *Registry) Register(p validation.GrantProcessor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processors[p.GrantType()]; ok {
		return fmt.Errorf("grant type %s is already registered", p.GrantType())
	}
	r.processors[p.GrantType()] = p
	return nil
}

// Processor returns the processor for grantType.
func (r *Registry) Processor(grantType string) (validation.GrantProcessor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[grantType]
	return p, ok
}

// GrantTypes lists the registered grant types in sorted order.
func (r *Registry) GrantTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for gt := range r.processors {
		out = append(out, gt)
	}
	slices.Sort(out)
	return out
}
