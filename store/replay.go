package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/lock"
	"k8s.io/utils/clock"
)

// ReplayCache remembers single-use identifiers (assertion jti, DPoP proof jti) until they expire.
type ReplayCache struct {
	grants  PersistedGrantStore
	locker  lock.Locker
	clock   clock.PassiveClock
	timeout time.Duration
}

// NewReplayCache creates a replay cache on top of grants. The check-and-record step is
// serialized per identifier through locker.
func NewReplayCache(grants PersistedGrantStore, locker lock.Locker, clk clock.PassiveClock, timeout time.Duration) *ReplayCache {
	return &ReplayCache{grants: grants, locker: locker, clock: clk, timeout: timeout}
}

func (c *ReplayCache) key(purpose, handle string) string {
	return HashKey(purpose+":"+handle, domain.GrantReplayCache)
}

// Add records handle for purpose until expiration. It returns false when the handle was
// already recorded and has not expired yet.
func (c *ReplayCache) Add(ctx context.Context, purpose, handle string, expiration time.Time) (bool, error) {
	key := c.key(purpose, handle)

	unlock, err := c.locker.Lock(ctx, "replay:"+key, c.timeout)
	if err != nil {
		return false, fmt.Errorf("failed to lock replay cache entry: %w", err)
	}
	defer unlock()

	_, err = c.grants.Get(ctx, key)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, ErrNotFound):
		return false, err
	}

	exp := expiration.UTC()
	if err := c.grants.Store(ctx, &domain.PersistedGrant{
		Key:          key,
		Type:         domain.GrantReplayCache,
		ClientID:     purpose,
		CreationTime: c.clock.Now().UTC(),
		Expiration:   &exp,
	}); err != nil {
		return false, err
	}
	return true, nil
}
