// Package storetest holds the conformance suite every PersistedGrantStore backend runs.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/store"
	testingclock "k8s.io/utils/clock/testing"
)

// Epoch is the fake clock start used by the suite. Whole seconds keep every backend's
// timestamp precision exact, and a future date keeps server-side TTL reapers away.
var Epoch = time.Date(2035, 1, 3, 3, 8, 6, 0, time.UTC)

// Factory builds an empty store reading time from clk.
type Factory func(t *testing.T, clk *testingclock.FakeClock) store.PersistedGrantStore

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("StoreAndGet", func(t *testing.T) { testStoreAndGet(t, newStore) })
	t.Run("GetReturnsCopies", func(t *testing.T) { testGetReturnsCopies(t, newStore) })
	t.Run("Upsert", func(t *testing.T) { testUpsert(t, newStore) })
	t.Run("RemoveMissingKey", func(t *testing.T) { testRemoveMissingKey(t, newStore) })
	t.Run("ExpiredGrantsAreAbsent", func(t *testing.T) { testExpiredGrantsAreAbsent(t, newStore) })
	t.Run("GetAllFilters", func(t *testing.T) { testGetAllFilters(t, newStore) })
	t.Run("EmptyFilterRejected", func(t *testing.T) { testEmptyFilterRejected(t, newStore) })
	t.Run("RemoveAll", func(t *testing.T) { testRemoveAll(t, newStore) })
	t.Run("ConsumeOnce", func(t *testing.T) { testConsumeOnce(t, newStore) })
	t.Run("ConcurrentConsume", func(t *testing.T) { testConcurrentConsume(t, newStore) })
	t.Run("RemoveExpired", func(t *testing.T) { testRemoveExpired(t, newStore) })
}

// NewGrant returns a grant expiring lifetime after the clock's current time.
func NewGrant(clk *testingclock.FakeClock, typ domain.PersistedGrantType, clientID, subjectID, sessionID string, lifetime time.Duration) *domain.PersistedGrant {
	now := clk.Now().UTC()
	g := &domain.PersistedGrant{
		Key:          uuid.NewString(),
		Type:         typ,
		ClientID:     clientID,
		SubjectID:    subjectID,
		SessionID:    sessionID,
		CreationTime: now,
		Data:         `{"value":"` + uuid.NewString() + `"}`,
	}
	if lifetime > 0 {
		exp := now.Add(lifetime)
		g.Expiration = &exp
	}
	return g
}

func setup(t *testing.T, newStore Factory) (store.PersistedGrantStore, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(Epoch)
	return newStore(t, clk), clk
}

func assertSameGrant(t *testing.T, want, got *domain.PersistedGrant) {
	t.Helper()
	assert.Equal(t, want.Key, got.Key)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.ClientID, got.ClientID)
	assert.Equal(t, want.SubjectID, got.SubjectID)
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.Equal(t, want.Data, got.Data)
	assert.True(t, want.CreationTime.Equal(got.CreationTime), "creation time %s != %s", want.CreationTime, got.CreationTime)
	if want.Expiration == nil {
		assert.Nil(t, got.Expiration)
	} else if assert.NotNil(t, got.Expiration) {
		assert.True(t, want.Expiration.Equal(*got.Expiration), "expiration %s != %s", want.Expiration, got.Expiration)
	}
}

func keysOf(grants []*domain.PersistedGrant) []string {
	keys := make([]string, 0, len(grants))
	for _, g := range grants {
		keys = append(keys, g.Key)
	}
	return keys
}

func testStoreAndGet(t *testing.T, newStore Factory) {
	s, clk := setup(t, newStore)
	ctx := context.Background()

	g := NewGrant(clk, domain.GrantAuthorizationCode, "client-a", "alice", "sess-1", 5*time.Minute)
	require.NoError(t, s.Store(ctx, g))

	got, err := s.Get(ctx, g.Key)
	require.NoError(t, err)
	assertSameGrant(t, g, got)
	assert.False(t, got.IsConsumed())

	never := NewGrant(clk, domain.GrantUserConsent, "client-a", "alice", "", 0)
	require.NoError(t, s.Store(ctx, never))
	got, err = s.Get(ctx, never.Key)
	require.NoError(t, err)
	assert.Nil(t, got.Expiration)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testGetReturnsCopies(t *testing.T, newStore Factory) {
	s, clk := setup(t, newStore)
	ctx := context.Background()

	g := NewGrant(clk, domain.GrantRefreshToken, "client-a", "alice", "", time.Hour)
	require.NoError(t, s.Store(ctx, g))
	g.Data = "mutated after store"

	got, err := s.Get(ctx, g.Key)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated after store", got.Data)

	got.ClientID = "mutated after get"
	again, err := s.Get(ctx, g.Key)
	require.NoError(t, err)
	assert.Equal(t, "client-a", again.ClientID)
}

func testUpsert(t *testing.T, newStore Factory) {
	s, clk := setup(t, newStore)
	ctx := context.Background()

	g := NewGrant(clk, domain.GrantRefreshToken, "client-a", "alice", "", time.Hour)
	require.NoError(t, s.Store(ctx, g))

	updated := g.Clone()
	updated.Data = `{"value":"second"}`
	updated.SubjectID = "bob"
	require.NoError(t, s.Store(ctx, updated))

	got, err := s.Get(ctx, g.Key)
	require.NoError(t, err)
	assert.Equal(t, `{"value":"second"}`, got.Data)
	assert.Equal(t, "bob", got.SubjectID)

	byAlice, err := s.GetAll(ctx, domain.PersistedGrantFilter{SubjectID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, byAlice)
}

func testRemoveMissingKey(t *testing.T, newStore Factory) {
	s, _ := setup(t, newStore)
	assert.NoError(t, s.Remove(context.Background(), "missing"))
}

func testExpiredGrantsAreAbsent(t *testing.T, newStore Factory) {
	s, clk := setup(t, newStore)
	ctx := context.Background()

	g := NewGrant(clk, domain.GrantAuthorizationCode, "client-a", "alice", "", time.Minute)
	require.NoError(t, s.Store(ctx, g))

	clk.Step(59 * time.Second)
	_, err := s.Get(ctx, g.Key)
	require.NoError(t, err)

	clk.Step(time.Second)
	_, err = s.Get(ctx, g.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	all, err := s.GetAll(ctx, domain.PersistedGrantFilter{ClientID: "client-a"})
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = s.Consume(ctx, g.Key, clk.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testGetAllFilters(t *testing.T, newStore Factory) {
	s, clk := setup(t, newStore)
	ctx := context.Background()

	a1 := NewGrant(clk, domain.GrantRefreshToken, "client-a", "alice", "sess-1", time.Hour)
	a2 := NewGrant(clk, domain.GrantAuthorizationCode, "client-a", "alice", "sess-2", time.Hour)
	b1 := NewGrant(clk, domain.GrantRefreshToken, "client-b", "alice", "sess-1", time.Hour)
	c1 := NewGrant(clk, domain.GrantRefreshToken, "client-a", "bob", "sess-3", time.Hour)
	for _, g := range []*domain.PersistedGrant{a1, a2, b1, c1} {
		require.NoError(t, s.Store(ctx, g))
	}

	tests := []struct {
		name   string
		filter domain.PersistedGrantFilter
		want   []string
	}{
		{"subject", domain.PersistedGrantFilter{SubjectID: "alice"}, []string{a1.Key, a2.Key, b1.Key}},
		{"client", domain.PersistedGrantFilter{ClientID: "client-a"}, []string{a1.Key, a2.Key, c1.Key}},
		{"session", domain.PersistedGrantFilter{SessionID: "sess-1"}, []string{a1.Key, b1.Key}},
		{"type", domain.PersistedGrantFilter{Type: domain.GrantAuthorizationCode}, []string{a2.Key}},
		{"subject and client and type", domain.PersistedGrantFilter{SubjectID: "alice", ClientID: "client-a", Type: domain.GrantRefreshToken}, []string{a1.Key}},
		{"no match", domain.PersistedGrantFilter{SubjectID: "carol"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetAll(ctx, tt.filter)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, keysOf(got))
		})
	}
}

func testEmptyFilterRejected(t *testing.T, newStore Factory) {
	s, _ := setup(t, newStore)
	ctx := context.Background()

	_, err := s.GetAll(ctx, domain.PersistedGrantFilter{})
	assert.ErrorIs(t, err, store.ErrInvalidFilter)
	assert.ErrorIs(t, s.RemoveAll(ctx, domain.PersistedGrantFilter{}), store.ErrInvalidFilter)
}

func testRemoveAll(t *testing.T, newStore Factory) {
	s, clk := setup(t, newStore)
	ctx := context.Background()

	keep := NewGrant(clk, domain.GrantRefreshToken, "client-b", "alice", "", time.Hour)
	drop1 := NewGrant(clk, domain.GrantRefreshToken, "client-a", "alice", "", time.Hour)
	drop2 := NewGrant(clk, domain.GrantRefreshToken, "client-a", "alice", "", time.Hour)
	for _, g := range []*domain.PersistedGrant{keep, drop1, drop2} {
		require.NoError(t, s.Store(ctx, g))
	}

	require.NoError(t, s.RemoveAll(ctx, domain.PersistedGrantFilter{SubjectID: "alice", ClientID: "client-a"}))

	left, err := s.GetAll(ctx, domain.PersistedGrantFilter{SubjectID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{keep.Key}, keysOf(left))

	_, err = s.Get(ctx, drop1.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConsumeOnce(t *testing.T, newStore Factory) {
	s, clk := setup(t, newStore)
	ctx := context.Background()

	g := NewGrant(clk, domain.GrantAuthorizationCode, "client-a", "alice", "", 5*time.Minute)
	require.NoError(t, s.Store(ctx, g))

	clk.Step(10 * time.Second)
	consumed, err := s.Consume(ctx, g.Key, clk.Now())
	require.NoError(t, err)
	require.NotNil(t, consumed.ConsumedTime)
	assert.True(t, clk.Now().Equal(*consumed.ConsumedTime))
	assert.Equal(t, g.Data, consumed.Data)

	_, err = s.Consume(ctx, g.Key, clk.Now())
	assert.ErrorIs(t, err, store.ErrAlreadyConsumed)

	got, err := s.Get(ctx, g.Key)
	require.NoError(t, err)
	assert.True(t, got.IsConsumed())

	_, err = s.Consume(ctx, "missing", clk.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentConsume(t *testing.T, newStore Factory) {
	s, clk := setup(t, newStore)
	ctx := context.Background()

	g := NewGrant(clk, domain.GrantAuthorizationCode, "client-a", "alice", "", 5*time.Minute)
	require.NoError(t, s.Store(ctx, g))

	const attempts = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		rejected  atomic.Int32
		start     = make(chan struct{})
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Consume(ctx, g.Key, clk.Now())
			switch {
			case err == nil:
				successes.Add(1)
			case assert.ErrorIs(t, err, store.ErrAlreadyConsumed):
				rejected.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(attempts-1), rejected.Load())
}

func testRemoveExpired(t *testing.T, newStore Factory) {
	s, clk := setup(t, newStore)
	remover, ok := s.(store.ExpiredGrantRemover)
	if !ok {
		t.Skip("store does not reclaim expired grants")
	}
	ctx := context.Background()

	short := NewGrant(clk, domain.GrantAuthorizationCode, "client-a", "alice", "", time.Minute)
	long := NewGrant(clk, domain.GrantRefreshToken, "client-a", "alice", "", time.Hour)
	never := NewGrant(clk, domain.GrantUserConsent, "client-a", "alice", "", 0)
	for _, g := range []*domain.PersistedGrant{short, long, never} {
		require.NoError(t, s.Store(ctx, g))
	}

	clk.Step(2 * time.Minute)
	removed, err := remover.RemoveExpired(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	left, err := s.GetAll(ctx, domain.PersistedGrantFilter{ClientID: "client-a"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{long.Key, never.Key}, keysOf(left))
}
