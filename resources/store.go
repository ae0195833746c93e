// Package resources resolves requested scopes against identity and API resource definitions.
package resources

import (
	"context"
	"sync"
	"time"

	"go.pilab.hu/ssoengine/cache"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/internal/metrics"
	"k8s.io/utils/clock"
)

// ResourceStore returns the resource definitions known to the server.
type ResourceStore interface {
	GetAllResources(ctx context.Context) (*domain.Resources, error)
}

// MemoryResourceStore holds resource definitions in memory.
type MemoryResourceStore struct {
	mu        sync.RWMutex
	resources *domain.Resources
}

func NewMemoryResourceStore(res domain.Resources) *MemoryResourceStore {
	return &MemoryResourceStore{resources: res.Clone()}
}

func (s *MemoryResourceStore) GetAllResources(context.Context) (*domain.Resources, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources.Clone(), nil
}

// Replace swaps the whole definition set.
func (s *MemoryResourceStore) Replace(res domain.Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = res.Clone()
}

const allResourcesKey = "all"

// CachingResourceStore caches the definition set of another ResourceStore.
type CachingResourceStore struct {
	inner ResourceStore
	cache *cache.Cache[*domain.Resources]
}

func NewCachingResourceStore(inner ResourceStore, ttl time.Duration, clk clock.PassiveClock, m *metrics.Metrics) *CachingResourceStore {
	return &CachingResourceStore{
		inner: inner,
		cache: cache.New(cache.Options[*domain.Resources]{
			Name:    "resources",
			TTL:     ttl,
			Clone:   (*domain.Resources).Clone,
			Clock:   clk,
			Metrics: m,
		}),
	}
}

func (s *CachingResourceStore) GetAllResources(ctx context.Context) (*domain.Resources, error) {
	return s.cache.Get(ctx, allResourcesKey, s.inner.GetAllResources)
}
