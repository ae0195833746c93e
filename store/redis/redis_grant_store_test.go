package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/store"
	redisstore "go.pilab.hu/ssoengine/store/redis"
	"go.pilab.hu/ssoengine/store/storetest"
	testingclock "k8s.io/utils/clock/testing"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestGrantStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clk *testingclock.FakeClock) store.PersistedGrantStore {
		_, client := newTestClient(t)
		return redisstore.NewGrantStore(client, "test:", clk)
	})
}

func TestGrantStore_KeyTTLFollowsExpiration(t *testing.T) {
	mr, client := newTestClient(t)
	clk := testingclock.NewFakeClock(storetest.Epoch)
	s := redisstore.NewGrantStore(client, "test:", clk)
	ctx := context.Background()

	g := storetest.NewGrant(clk, domain.GrantAuthorizationCode, "client-a", "alice", "", 5*time.Minute)
	require.NoError(t, s.Store(ctx, g))
	assert.Equal(t, 5*time.Minute, mr.TTL("test:grant:"+g.Key))

	_, err := s.Consume(ctx, g.Key, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, mr.TTL("test:grant:"+g.Key), "consume must keep the TTL")

	mr.FastForward(6 * time.Minute)
	_, err = s.Get(ctx, g.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGrantStore_PrunesDanglingIndexMembers(t *testing.T) {
	mr, client := newTestClient(t)
	clk := testingclock.NewFakeClock(storetest.Epoch)
	s := redisstore.NewGrantStore(client, "test:", clk)
	ctx := context.Background()

	g := storetest.NewGrant(clk, domain.GrantRefreshToken, "client-a", "alice", "", time.Minute)
	require.NoError(t, s.Store(ctx, g))

	mr.FastForward(2 * time.Minute)
	all, err := s.GetAll(ctx, domain.PersistedGrantFilter{SubjectID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, all)

	members, err := mr.SMembers("test:idx:sub:alice")
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestGrantStore_StoreAlreadyExpired(t *testing.T) {
	_, client := newTestClient(t)
	clk := testingclock.NewFakeClock(storetest.Epoch)
	s := redisstore.NewGrantStore(client, "test:", clk)
	ctx := context.Background()

	g := storetest.NewGrant(clk, domain.GrantReplayCache, "client-a", "", "", time.Minute)
	clk.Step(time.Hour)
	require.NoError(t, s.Store(ctx, g))

	_, err := s.Get(ctx, g.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
