package bbolt_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/store"
	boltstore "go.pilab.hu/ssoengine/store/bbolt"
	"go.pilab.hu/ssoengine/store/storetest"
	testingclock "k8s.io/utils/clock/testing"
)

func openTestDB(t *testing.T, path string, clk *testingclock.FakeClock) *boltstore.GrantStore {
	t.Helper()
	s, err := boltstore.Open(path, clk)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func TestGrantStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clk *testingclock.FakeClock) store.PersistedGrantStore {
		return openTestDB(t, filepath.Join(t.TempDir(), "grants.db"), clk)
	})
}

func TestGrantStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "grants.db")
	clk := testingclock.NewFakeClock(storetest.Epoch)
	ctx := context.Background()

	s, err := boltstore.Open(path, clk)
	require.NoError(t, err)
	g := storetest.NewGrant(clk, domain.GrantRefreshToken, "client-a", "alice", "", time.Hour)
	require.NoError(t, s.Store(ctx, g))
	_, err = s.Consume(ctx, g.Key, clk.Now())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openTestDB(t, path, clk)
	got, err := reopened.Get(ctx, g.Key)
	require.NoError(t, err)
	assert.True(t, got.IsConsumed())
	assert.Equal(t, g.Data, got.Data)
}
