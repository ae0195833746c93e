// Package redis provides a PersistedGrantStore on Redis, shared by every server instance.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/store"
	"k8s.io/utils/clock"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

const (
	fieldGrant    = "grant"
	fieldExp      = "exp"
	fieldConsumed = "consumed"
)

// consumeScript marks a grant consumed. Returns 0 when the grant is absent or expired,
// 2 when it was consumed before and 1 on success. HSETNX leaves the key TTL untouched.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local exp = redis.call('HGET', KEYS[1], 'exp')
if exp and tonumber(exp) <= tonumber(ARGV[2]) then
	return 0
end
if redis.call('HSETNX', KEYS[1], 'consumed', ARGV[1]) == 0 then
	return 2
end
return 1
`)

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// GrantStore stores each grant as a hash with a key TTL matching its expiration. Set
// indexes by subject, client, session and type back GetAll and RemoveAll.
type GrantStore struct {
	client    redis.UniversalClient
	keyPrefix string
	clock     clock.PassiveClock
}

var (
	_ store.PersistedGrantStore  = (*GrantStore)(nil)
	_ store.ExpiredGrantRemover = (*GrantStore)(nil)
)

// NewGrantStore creates a store on an existing client. Useful for testing with miniredis.
func NewGrantStore(client redis.UniversalClient, keyPrefix string, clk clock.PassiveClock) *GrantStore {
	return &GrantStore{client: client, keyPrefix: keyPrefix, clock: clk}
}

func (s *GrantStore) grantKey(key string) string {
	return s.keyPrefix + "grant:" + key
}

func (s *GrantStore) allIndex() string {
	return s.keyPrefix + "idx:all"
}

func (s *GrantStore) indexKey(field, value string) string {
	return s.keyPrefix + "idx:" + field + ":" + value
}

func (s *GrantStore) indexesOf(g *domain.PersistedGrant) []string {
	return s.filterIndexes(domain.PersistedGrantFilter{
		SubjectID: g.SubjectID,
		SessionID: g.SessionID,
		ClientID:  g.ClientID,
		Type:      g.Type,
	})
}

func (s *GrantStore) filterIndexes(f domain.PersistedGrantFilter) []string {
	var keys []string
	if f.SubjectID != "" {
		keys = append(keys, s.indexKey("sub", f.SubjectID))
	}
	if f.SessionID != "" {
		keys = append(keys, s.indexKey("session", f.SessionID))
	}
	if f.ClientID != "" {
		keys = append(keys, s.indexKey("client", f.ClientID))
	}
	if f.Type != "" {
		keys = append(keys, s.indexKey("type", string(f.Type)))
	}
	return keys
}

func toMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// decodeGrant rebuilds a grant from its hash fields. A nil result means the hash is gone.
func decodeGrant(fields map[string]string) (*domain.PersistedGrant, error) {
	raw, ok := fields[fieldGrant]
	if !ok {
		return nil, nil
	}
	var g domain.PersistedGrant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("failed to decode grant: %w", err)
	}
	if consumed, ok := fields[fieldConsumed]; ok {
		t, err := fromMillis(consumed)
		if err != nil {
			return nil, fmt.Errorf("failed to decode consumed time: %w", err)
		}
		g.ConsumedTime = &t
	}
	return &g, nil
}

func (s *GrantStore) load(ctx context.Context, key string) (*domain.PersistedGrant, error) {
	fields, err := s.client.HGetAll(ctx, s.grantKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read grant: %w", err)
	}
	return decodeGrant(fields)
}

// Get implements store.PersistedGrantStore.
func (s *GrantStore) Get(ctx context.Context, key string) (*domain.PersistedGrant, error) {
	g, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if g == nil || g.IsExpired(s.clock.Now()) {
		return nil, store.ErrNotFound
	}
	return g, nil
}

// GetAll implements store.PersistedGrantStore.
func (s *GrantStore) GetAll(ctx context.Context, filter domain.PersistedGrantFilter) ([]*domain.PersistedGrant, error) {
	if err := store.ValidateFilter(filter); err != nil {
		return nil, err
	}
	grants, err := s.scan(ctx, s.filterIndexes(filter)...)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	out := make([]*domain.PersistedGrant, 0, len(grants))
	for _, g := range grants {
		if g.IsExpired(now) || !filter.Matches(g) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// scan loads every grant named by the intersection of indexes and prunes members whose
// hash has already expired out of Redis.
func (s *GrantStore) scan(ctx context.Context, indexes ...string) ([]*domain.PersistedGrant, error) {
	members, err := s.client.SInter(ctx, indexes...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read grant index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, key := range members {
		cmds[i] = pipe.HGetAll(ctx, s.grantKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}

	var (
		grants   []*domain.PersistedGrant
		dangling []string
	)
	for i, cmd := range cmds {
		g, err := decodeGrant(cmd.Val())
		if err != nil {
			log.Warn().Err(err).Str("key", members[i]).Msg("Skipping undecodable grant")
			continue
		}
		if g == nil {
			dangling = append(dangling, members[i])
			continue
		}
		grants = append(grants, g)
	}

	if len(dangling) > 0 {
		pipe := s.client.Pipeline()
		for _, idx := range append(slices.Clone(indexes), s.allIndex()) {
			pipe.SRem(ctx, idx, toAny(dangling)...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			log.Warn().Err(err).Int("count", len(dangling)).Msg("Failed to prune grant index")
		}
	}
	return grants, nil
}

func toAny(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

// Store implements store.PersistedGrantStore.
func (s *GrantStore) Store(ctx context.Context, grant *domain.PersistedGrant) error {
	record := grant.Clone()
	consumed := record.ConsumedTime
	record.ConsumedTime = nil

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode grant: %w", err)
	}

	var ttl time.Duration
	if record.Expiration != nil {
		ttl = record.Expiration.Sub(s.clock.Now())
		if ttl <= 0 {
			return s.Remove(ctx, grant.Key)
		}
	}

	key := s.grantKey(grant.Key)
	previous, err := s.load(ctx, grant.Key)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		fields := []any{fieldGrant, string(raw)}
		if record.Expiration != nil {
			fields = append(fields, fieldExp, toMillis(*record.Expiration))
		}
		if consumed != nil {
			fields = append(fields, fieldConsumed, toMillis(*consumed))
		}
		pipe.HSet(ctx, key, fields...)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		if previous != nil {
			for _, idx := range s.indexesOf(previous) {
				pipe.SRem(ctx, idx, grant.Key)
			}
		}
		for _, idx := range append(s.indexesOf(record), s.allIndex()) {
			pipe.SAdd(ctx, idx, grant.Key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// Remove implements store.PersistedGrantStore.
func (s *GrantStore) Remove(ctx context.Context, key string) error {
	g, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.grantKey(key))
		pipe.SRem(ctx, s.allIndex(), key)
		if g != nil {
			for _, idx := range s.indexesOf(g) {
				pipe.SRem(ctx, idx, key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove grant: %w", err)
	}
	return nil
}

// RemoveAll implements store.PersistedGrantStore.
func (s *GrantStore) RemoveAll(ctx context.Context, filter domain.PersistedGrantFilter) error {
	if err := store.ValidateFilter(filter); err != nil {
		return err
	}
	grants, err := s.scan(ctx, s.filterIndexes(filter)...)
	if err != nil {
		return err
	}
	for _, g := range grants {
		if !filter.Matches(g) {
			continue
		}
		if err := s.Remove(ctx, g.Key); err != nil {
			return err
		}
	}
	return nil
}

// Consume implements store.PersistedGrantStore.
func (s *GrantStore) Consume(ctx context.Context, key string, at time.Time) (*domain.PersistedGrant, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.grantKey(key)},
		toMillis(at), toMillis(s.clock.Now())).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to consume grant: %w", err)
	}
	switch res {
	case 0:
		return nil, store.ErrNotFound
	case 2:
		return nil, store.ErrAlreadyConsumed
	}

	g, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, store.ErrNotFound
	}
	return g, nil
}

// RemoveExpired implements store.ExpiredGrantRemover. Redis evicts expired hashes by
// itself; this pass deletes rows whose TTL has not fired yet and prunes the indexes.
func (s *GrantStore) RemoveExpired(ctx context.Context, before time.Time) (int, error) {
	grants, err := s.scan(ctx, s.allIndex())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, g := range grants {
		if !g.IsExpired(before) {
			continue
		}
		if err := s.Remove(ctx, g.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
