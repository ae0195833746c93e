package client

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.pilab.hu/ssoengine/cache"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/internal/metrics"
	"k8s.io/utils/clock"
)

// ErrClientNotFound is returned when no client is registered under the requested id.
var ErrClientNotFound = errors.New("client not found")

// ClientStore resolves registered clients. Implementations return copies.
type ClientStore interface {
	FindClientByID(ctx context.Context, clientID string) (*domain.Client, error)
}

// CORSOriginLister is implemented by stores that can enumerate the CORS origins of all
// enabled clients.
type CORSOriginLister interface {
	AllowedCORSOrigins(ctx context.Context) ([]string, error)
}

// MemoryClientStore keeps clients in process memory.
type MemoryClientStore struct {
	mu      sync.RWMutex
	clients map[string]*domain.Client
}

// NewMemoryClientStore creates a store seeded with clients.
func NewMemoryClientStore(clients ...*domain.Client) *MemoryClientStore {
	s := &MemoryClientStore{clients: make(map[string]*domain.Client, len(clients))}
	for _, c := range clients {
		s.clients[c.ClientID] = c.Clone()
	}
	return s
}

func (s *MemoryClientStore) FindClientByID(_ context.Context, clientID string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c.Clone(), nil
}

// Upsert creates or replaces a client.
func (s *MemoryClientStore) Upsert(_ context.Context, c *domain.Client) error {
	if c == nil || c.ClientID == "" {
		return errors.New("client id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ClientID] = c.Clone()
	return nil
}

// Delete removes a client. Deleting an unknown client returns ErrClientNotFound.
func (s *MemoryClientStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return ErrClientNotFound
	}
	delete(s.clients, clientID)
	return nil
}

// AllowedCORSOrigins returns the distinct origins registered by enabled clients.
func (s *MemoryClientStore) AllowedCORSOrigins(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, c := range s.clients {
		if !c.Enabled {
			continue
		}
		for _, o := range c.AllowedCORSOrigins {
			if !slices.Contains(out, o) {
				out = append(out, o)
			}
		}
	}
	return out, nil
}

// CachingClientStore is a read-through cache in front of another ClientStore.
// Updates to the inner store become visible once the cached entry expires.
type CachingClientStore struct {
	inner ClientStore
	cache *cache.Cache[*domain.Client]
}

// NewCachingClientStore wraps inner. A positive negativeTTL also caches unknown client ids.
func NewCachingClientStore(inner ClientStore, ttl, negativeTTL time.Duration, clk clock.PassiveClock, m *metrics.Metrics) *CachingClientStore {
	return &CachingClientStore{
		inner: inner,
		cache: cache.New(cache.Options[*domain.Client]{
			Name:        "clients",
			TTL:         ttl,
			NegativeTTL: negativeTTL,
			IsNotFound:  func(err error) bool { return errors.Is(err, ErrClientNotFound) },
			Clone:       (*domain.Client).Clone,
			Clock:       clk,
			Metrics:     m,
		}),
	}
}

func (s *CachingClientStore) FindClientByID(ctx context.Context, clientID string) (*domain.Client, error) {
	return s.cache.Get(ctx, clientID, func(ctx context.Context) (*domain.Client, error) {
		return s.inner.FindClientByID(ctx, clientID)
	})
}

// Invalidate drops the cached entry for clientID.
func (s *CachingClientStore) Invalidate(clientID string) {
	s.cache.Invalidate(clientID)
}

// AllowedCORSOrigins delegates to the inner store when it can list origins.
func (s *CachingClientStore) AllowedCORSOrigins(ctx context.Context) ([]string, error) {
	lister, ok := s.inner.(CORSOriginLister)
	if !ok {
		return nil, nil
	}
	return lister.AllowedCORSOrigins(ctx)
}
