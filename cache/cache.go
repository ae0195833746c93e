// Package cache provides the read-through caching decorator used in front of client and
// resource stores.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.pilab.hu/ssoengine/internal/metrics"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// Options configures a Cache.
type Options[V any] struct {
	// Name labels the cache in metrics.
	Name string
	// TTL is the absolute lifetime of a loaded value.
	TTL time.Duration
	// NegativeTTL caches not-found results for this long. Zero disables negative caching.
	NegativeTTL time.Duration
	// IsNotFound classifies loader errors eligible for negative caching.
	IsNotFound func(error) bool
	// Clone copies a value before it is handed to a caller. Nil returns values as is.
	Clone func(V) V
	// Clock drives expiry. Defaults to the real clock.
	Clock clock.PassiveClock
	// Metrics records hits and misses. May be nil.
	Metrics *metrics.Metrics
	// LoadTimeout bounds a shared load. Defaults to DefaultLoadTimeout.
	LoadTimeout time.Duration
}

// DefaultLoadTimeout bounds a shared load when Options.LoadTimeout is unset.
const DefaultLoadTimeout = 10 * time.Second

type entry[V any] struct {
	value     V
	err       error
	expiresAt time.Time
}

// Cache is a read-through cache keyed by string. Concurrent misses for one key share a
// single load. Entries are never written through; staleness is bounded by the TTL.
type Cache[V any] struct {
	opts  Options[V]
	items *ttlcache.Cache[string, entry[V]]
	group singleflight.Group
}

// New creates a cache. The ttlcache janitor is not started; expired entries are
// replaced on access and evicted by ttlcache's own TTL.
func New[V any](opts Options[V]) *Cache[V] {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	return &Cache[V]{
		opts: opts,
		items: ttlcache.New(
			ttlcache.WithTTL[string, entry[V]](opts.TTL),
			ttlcache.WithDisableTouchOnHit[string, entry[V]](),
		),
	}
}

func (c *Cache[V]) copyOf(v V) V {
	if c.opts.Clone == nil {
		return v
	}
	return c.opts.Clone(v)
}

func (c *Cache[V]) lookup(key string) (entry[V], bool) {
	item := c.items.Get(key)
	if item == nil {
		return entry[V]{}, false
	}
	e := item.Value()
	if !c.opts.Clock.Now().Before(e.expiresAt) {
		return entry[V]{}, false
	}
	return e, true
}

// Get returns the value for key, invoking load on a miss.
func (c *Cache[V]) Get(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if e, ok := c.lookup(key); ok {
		c.opts.Metrics.CacheHit(c.opts.Name)
		if e.err != nil {
			var zero V
			return zero, e.err
		}
		return c.copyOf(e.value), nil
	}
	c.opts.Metrics.CacheMiss(c.opts.Name)

	ch := c.group.DoChan(key, func() (any, error) {
		if e, ok := c.lookup(key); ok {
			return e, nil
		}

		// The load serves every waiting caller and is detached from the one that started it.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LoadTimeout)
		defer cancel()
		v, err := load(loadCtx)
		now := c.opts.Clock.Now()
		switch {
		case err == nil:
			e := entry[V]{value: v, expiresAt: now.Add(c.opts.TTL)}
			c.items.Set(key, e, c.opts.TTL)
			return e, nil
		case c.opts.NegativeTTL > 0 && c.opts.IsNotFound != nil && c.opts.IsNotFound(err):
			e := entry[V]{err: err, expiresAt: now.Add(c.opts.NegativeTTL)}
			c.items.Set(key, e, c.opts.NegativeTTL)
			return e, nil
		default:
			return nil, err
		}
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
	if res.Err != nil {
		var zero V
		return zero, res.Err
	}

	e, ok := res.Val.(entry[V])
	if !ok {
		var zero V
		return zero, fmt.Errorf("unexpected cache entry type %T", res.Val)
	}
	if e.err != nil {
		var zero V
		return zero, e.err
	}
	return c.copyOf(e.value), nil
}

// Invalidate drops key so the next Get reloads it.
func (c *Cache[V]) Invalidate(key string) {
	c.items.Delete(key)
}

// Len returns the number of cached entries, including ones past their TTL.
func (c *Cache[V]) Len() int {
	return c.items.Len()
}
