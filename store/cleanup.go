package store

import (
	"context"
	"time"

	"go.pilab.hu/ssoengine/log"
	"k8s.io/utils/clock"
)

// TokenCleanup periodically reclaims expired grants on backends that support it.
type TokenCleanup struct {
	remover  ExpiredGrantRemover
	clock    clock.WithTicker
	interval time.Duration
	logger   log.Logger
}

// NewTokenCleanup creates the job. The store must implement ExpiredGrantRemover; ok is
// false when it does not.
func NewTokenCleanup(grants PersistedGrantStore, clk clock.WithTicker, interval time.Duration, logger log.Logger) (*TokenCleanup, bool) {
	remover, ok := grants.(ExpiredGrantRemover)
	if !ok {
		return nil, false
	}
	return &TokenCleanup{remover: remover, clock: clk, interval: interval, logger: logger}, true
}

// RemoveExpiredGrants runs one cleanup pass.
func (c *TokenCleanup) RemoveExpiredGrants(ctx context.Context) (int, error) {
	removed, err := c.remover.RemoveExpired(ctx, c.clock.Now())
	if err != nil {
		c.logger.Error(ctx, "Failed to remove expired grants", err)
		return removed, err
	}
	if removed > 0 {
		c.logger.Info(ctx, "Removed expired grants", log.Fields{"count": removed})
	}
	return removed, nil
}

// Run cleans up every interval until ctx is cancelled.
func (c *TokenCleanup) Run(ctx context.Context) {
	if c.interval <= 0 {
		c.logger.Warn(ctx, "Cleanup interval is zero or negative, not starting cleanup loop")
		return
	}
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			_, _ = c.RemoveExpiredGrants(ctx)
		}
	}
}
