// Package cors decides whether a browser origin may call the token endpoints.
package cors

import (
	"context"
	"net/url"
	"slices"
	"strings"

	"go.pilab.hu/ssoengine/cache"
	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/config"
	"go.pilab.hu/ssoengine/internal/metrics"
	"go.pilab.hu/ssoengine/log"
	"k8s.io/utils/clock"
)

const allOriginsKey = "origins"

// Policy allows the origins registered by enabled clients plus the configured ones.
type Policy struct {
	origins       client.CORSOriginLister
	configured    []string
	caseSensitive bool
	cache         *cache.Cache[[]string]
	logger        log.Logger
}

func NewPolicy(origins client.CORSOriginLister, opts config.Options, clk clock.PassiveClock, m *metrics.Metrics, logger log.Logger) *Policy {
	return &Policy{
		origins:       origins,
		configured:    slices.Clone(opts.CORS.AllowedOrigins),
		caseSensitive: opts.CORS.CaseSensitive,
		cache: cache.New(cache.Options[[]string]{
			Name:    "cors",
			TTL:     opts.Caching.CORSTTL,
			Clone:   func(v []string) []string { return slices.Clone(v) },
			Clock:   clk,
			Metrics: m,
		}),
		logger: logger,
	}
}

// IsOriginAllowed reports whether origin is allowed. Store failures deny the origin.
func (p *Policy) IsOriginAllowed(ctx context.Context, origin string) bool {
	if origin == "" || origin == "null" {
		return false
	}
	if p.matchesAny(p.configured, origin) {
		return true
	}
	if p.origins == nil {
		return false
	}

	registered, err := p.cache.Get(ctx, allOriginsKey, p.origins.AllowedCORSOrigins)
	if err != nil {
		p.logger.Error(ctx, "Failed to load allowed CORS origins", err)
		return false
	}
	allowed := p.matchesAny(registered, origin)
	if !allowed {
		p.logger.Debug(ctx, "CORS origin not allowed", log.Fields{"origin": origin})
	}
	return allowed
}

// Invalidate drops the cached client origins.
func (p *Policy) Invalidate() {
	p.cache.Invalidate(allOriginsKey)
}

func (p *Policy) matchesAny(allowed []string, origin string) bool {
	return slices.ContainsFunc(allowed, func(a string) bool {
		return p.matches(a, origin)
	})
}

func (p *Policy) matches(allowed, origin string) bool {
	if p.caseSensitive {
		return allowed == origin
	}
	return normalize(allowed) == normalize(origin)
}

// normalize lowercases scheme and host and drops a trailing slash.
func normalize(origin string) string {
	origin = strings.TrimSuffix(origin, "/")
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(origin)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
