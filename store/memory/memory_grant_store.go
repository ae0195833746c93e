// Package memory provides an in-process PersistedGrantStore.
package memory

import (
	"context"
	"sync"
	"time"

	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/store"
	"k8s.io/utils/clock"
)

// GrantStore keeps grants in a map guarded by a mutex. Expired rows are hidden on read
// and reclaimed by RemoveExpired.
type GrantStore struct {
	mu     sync.RWMutex
	grants map[string]*domain.PersistedGrant
	clock  clock.PassiveClock
}

var (
	_ store.PersistedGrantStore  = (*GrantStore)(nil)
	_ store.ExpiredGrantRemover = (*GrantStore)(nil)
)

// NewGrantStore creates an empty store.
func NewGrantStore(clk clock.PassiveClock) *GrantStore {
	return &GrantStore{
		grants: make(map[string]*domain.PersistedGrant),
		clock:  clk,
	}
}

// Get implements store.PersistedGrantStore.
func (s *GrantStore) Get(_ context.Context, key string) (*domain.PersistedGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[key]
	if !ok || g.IsExpired(s.clock.Now()) {
		return nil, store.ErrNotFound
	}
	return g.Clone(), nil
}

// GetAll implements store.PersistedGrantStore.
func (s *GrantStore) GetAll(_ context.Context, filter domain.PersistedGrantFilter) ([]*domain.PersistedGrant, error) {
	if err := store.ValidateFilter(filter); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	out := make([]*domain.PersistedGrant, 0)
	for _, g := range s.grants {
		if g.IsExpired(now) || !filter.Matches(g) {
			continue
		}
		out = append(out, g.Clone())
	}
	return out, nil
}

// Store implements store.PersistedGrantStore.
func (s *GrantStore) Store(_ context.Context, grant *domain.PersistedGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[grant.Key] = grant.Clone()
	return nil
}

// Remove implements store.PersistedGrantStore.
func (s *GrantStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.grants, key)
	return nil
}

// RemoveAll implements store.PersistedGrantStore.
func (s *GrantStore) RemoveAll(_ context.Context, filter domain.PersistedGrantFilter) error {
	if err := store.ValidateFilter(filter); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, g := range s.grants {
		if filter.Matches(g) {
			delete(s.grants, key)
		}
	}
	return nil
}

// Consume implements store.PersistedGrantStore.
func (s *GrantStore) Consume(_ context.Context, key string, at time.Time) (*domain.PersistedGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[key]
	if !ok || g.IsExpired(s.clock.Now()) {
		return nil, store.ErrNotFound
	}
	if g.IsConsumed() {
		return nil, store.ErrAlreadyConsumed
	}
	consumed := at.UTC()
	g.ConsumedTime = &consumed
	return g.Clone(), nil
}

// RemoveExpired implements store.ExpiredGrantRemover.
func (s *GrantStore) RemoveExpired(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, g := range s.grants {
		if g.IsExpired(before) {
			delete(s.grants, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored rows, including expired ones not yet reclaimed.
func (s *GrantStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.grants)
}
