package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var errLockHeld = errors.New("lock held by another owner")

// releaseScript deletes the lock only if it is still owned by the caller's token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every instance connected to the same Redis.
// Locks carry a lease so a crashed holder cannot block others forever.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	lease     time.Duration
}

// NewRedis creates a Redis-backed Locker. lease bounds how long a lock survives its holder.
func NewRedis(client redis.UniversalClient, keyPrefix string, lease time.Duration) *Redis {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Redis{client: client, keyPrefix: keyPrefix, lease: lease}
}

func (r *Redis) key(name string) string {
	return r.keyPrefix + "lock:" + name
}

// Lock retries SET NX with exponential backoff until timeout elapses.
func (r *Redis) Lock(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	key := r.key(name)
	token := uuid.NewString()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 5 * time.Millisecond
	expBackoff.MaxInterval = 100 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := r.client.SetNX(ctx, key, token, r.lease).Result()
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("failed to acquire lock %s: %w", name, err))
		}
		if !ok {
			return struct{}{}, errLockHeld
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return nil, ErrLockTimeout
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled; release must still happen.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
				log.Warn().Err(err).Str("lock", name).Msg("Failed to release lock, it will expire with its lease")
			}
		})
	}, nil
}
