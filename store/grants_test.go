package store_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/lock"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/store"
	"go.pilab.hu/ssoengine/store/memory"
	testingclock "k8s.io/utils/clock/testing"
)

var now = time.Date(2025, 1, 3, 3, 8, 6, 0, time.UTC)

func newGrants(t *testing.T) (*memory.GrantStore, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(now)
	return memory.NewGrantStore(clk), clk
}

func TestHashKey(t *testing.T) {
	a := store.HashKey("handle", domain.GrantAuthorizationCode)
	assert.Len(t, a, 64)
	assert.Equal(t, a, store.HashKey("handle", domain.GrantAuthorizationCode))
	assert.NotEqual(t, a, store.HashKey("handle", domain.GrantRefreshToken))
	assert.NotContains(t, a, "handle")
}

func TestNewHandle(t *testing.T) {
	h1, err := store.NewHandle()
	require.NoError(t, err)
	h2, err := store.NewHandle()
	require.NoError(t, err)
	assert.Len(t, h1, 43)
	assert.NotEqual(t, h1, h2)
}

func TestAuthorizationCodeStore(t *testing.T) {
	grants, clk := newGrants(t)
	codes := store.NewAuthorizationCodeStore(grants)
	ctx := context.Background()

	code := &domain.AuthorizationCode{
		ClientID:        "web",
		SubjectID:       "alice",
		SessionID:       "sess-1",
		RedirectURI:     "https://app.example.com/cb",
		RequestedScopes: []string{"openid", "api1"},
		CreationTime:    clk.Now(),
		Lifetime:        300,
	}
	handle, err := codes.Store(ctx, code)
	require.NoError(t, err)

	t.Run("handle is not the storage key", func(t *testing.T) {
		_, err := grants.Get(ctx, handle)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("get returns payload and envelope", func(t *testing.T) {
		got, g, err := codes.Get(ctx, handle)
		require.NoError(t, err)
		assert.Equal(t, code.RedirectURI, got.RedirectURI)
		assert.Equal(t, "alice", g.SubjectID)
		require.NotNil(t, g.Expiration)
		assert.Equal(t, now.Add(5*time.Minute), *g.Expiration)
	})

	t.Run("consume once then replay is visible", func(t *testing.T) {
		_, err := codes.Consume(ctx, handle, clk.Now())
		require.NoError(t, err)
		_, err = codes.Consume(ctx, handle, clk.Now())
		assert.ErrorIs(t, err, store.ErrAlreadyConsumed)

		_, g, err := codes.Get(ctx, handle)
		require.NoError(t, err)
		assert.True(t, g.IsConsumed())
	})

	t.Run("expired code is absent", func(t *testing.T) {
		clk.Step(5 * time.Minute)
		_, _, err := codes.Get(ctx, handle)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("empty handle", func(t *testing.T) {
		_, _, err := codes.Get(ctx, "")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestRefreshTokenStore_RemoveFamily(t *testing.T) {
	grants, clk := newGrants(t)
	tokens := store.NewRefreshTokenStore(grants)
	ctx := context.Background()

	newToken := func(family string) *domain.RefreshToken {
		return &domain.RefreshToken{
			FamilyID:     family,
			ClientID:     "web",
			SubjectID:    "alice",
			CreationTime: clk.Now(),
			Lifetime:     3600,
		}
	}
	h1, err := tokens.Store(ctx, newToken("fam-1"))
	require.NoError(t, err)
	h2, err := tokens.Store(ctx, newToken("fam-1"))
	require.NoError(t, err)
	other, err := tokens.Store(ctx, newToken("fam-2"))
	require.NoError(t, err)

	removed, err := tokens.RemoveFamily(ctx, "alice", "web", "fam-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, h := range []string{h1, h2} {
		_, _, err := tokens.Get(ctx, h)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	_, _, err = tokens.Get(ctx, other)
	assert.NoError(t, err)
}

func TestRefreshTokenStore_PutKeepsConsumedMarker(t *testing.T) {
	grants, clk := newGrants(t)
	tokens := store.NewRefreshTokenStore(grants)
	ctx := context.Background()

	rt := &domain.RefreshToken{FamilyID: "fam", ClientID: "web", SubjectID: "alice", CreationTime: clk.Now(), Lifetime: 60}
	handle, err := tokens.Store(ctx, rt)
	require.NoError(t, err)

	rt.ReplacedByHandle = "next"
	consumed := clk.Now()
	require.NoError(t, tokens.Put(ctx, handle, rt, &consumed))

	got, g, err := tokens.Get(ctx, handle)
	require.NoError(t, err)
	assert.True(t, g.IsConsumed())
	assert.Equal(t, "next", got.ReplacedByHandle)
}

func TestReferenceTokenStore(t *testing.T) {
	grants, clk := newGrants(t)
	refs := store.NewReferenceTokenStore(grants)
	ctx := context.Background()

	tok := &domain.Token{
		Kind:         domain.TokenKindAccessToken,
		Issuer:       "https://sso.example.com",
		ClientID:     "api-client",
		CreationTime: clk.Now(),
		Lifetime:     10 * time.Minute,
	}
	tok.Claims.Set("sub", "alice")
	tok.Claims.Set("sid", "sess-1")

	handle, err := refs.Store(ctx, tok)
	require.NoError(t, err)

	got, err := refs.Get(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.SubjectID())

	all, err := grants.GetAll(ctx, domain.PersistedGrantFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, refs.RemoveAll(ctx, "alice", "api-client"))
	_, err = refs.Get(ctx, handle)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConsentStore(t *testing.T) {
	grants, clk := newGrants(t)
	consents := store.NewConsentStore(grants)
	ctx := context.Background()

	require.NoError(t, consents.Store(ctx, &domain.Consent{
		SubjectID: "alice", ClientID: "web", Scopes: []string{"openid"}, CreationTime: clk.Now(),
	}))
	require.NoError(t, consents.Store(ctx, &domain.Consent{
		SubjectID: "alice", ClientID: "web", Scopes: []string{"openid", "api1"}, CreationTime: clk.Now(),
	}))

	got, err := consents.Get(ctx, "alice", "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "api1"}, got.Scopes)

	require.NoError(t, consents.Remove(ctx, "alice", "web"))
	_, err = consents.Get(ctx, "alice", "web")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPushedAuthorizationStore(t *testing.T) {
	grants, clk := newGrants(t)
	par := store.NewPushedAuthorizationStore(grants)
	ctx := context.Background()

	handle, err := par.Store(ctx, &domain.PushedAuthorizationRequest{
		ClientID:   "web",
		Parameters: map[string][]string{"scope": {"openid"}},
	}, clk.Now(), time.Minute)
	require.NoError(t, err)

	req, err := par.Consume(ctx, handle, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"openid"}, req.Parameters["scope"])

	_, err = par.Consume(ctx, handle, clk.Now())
	assert.ErrorIs(t, err, store.ErrAlreadyConsumed)
}

func TestDeviceFlowStore(t *testing.T) {
	grants, clk := newGrants(t)
	devices := store.NewDeviceFlowStore(grants, 10*time.Minute, lock.NewMemory(), time.Second)
	ctx := context.Background()

	require.NoError(t, devices.StoreDeviceAuthorization(ctx, "device-handle", pendingDeviceCode(clk)))

	exists, err := devices.UserCodeExists(ctx, "bcdfghjk")
	require.NoError(t, err)
	assert.True(t, exists)

	found, _, err := devices.FindByUserCode(ctx, "bcdf ghjk")
	require.NoError(t, err)
	assert.Equal(t, "tv", found.ClientID)

	authorize := func(dc *domain.DeviceCode) error {
		dc.Status = domain.DeviceCodeStatusAuthorized
		dc.SubjectID = "alice"
		return nil
	}
	errRefused := errors.New("refused")
	_, err = devices.UpdateByUserCode(ctx, "BCDF-GHJK", func(*domain.DeviceCode) error { return errRefused })
	assert.ErrorIs(t, err, errRefused)
	updated, err := devices.UpdateByUserCode(ctx, "BCDF-GHJK", authorize)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceCodeStatusAuthorized, updated.Status)

	byDevice, g, err := devices.FindByDeviceCode(ctx, "device-handle")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceCodeStatusAuthorized, byDevice.Status)
	assert.Equal(t, "alice", g.SubjectID)
	require.NotNil(t, g.Expiration)
	assert.Equal(t, now.Add(20*time.Minute), *g.Expiration, "row outlives the code by the retention")

	_, err = devices.Consume(ctx, "device-handle", clk.Now())
	require.NoError(t, err)
	_, err = devices.Consume(ctx, "device-handle", clk.Now())
	assert.ErrorIs(t, err, store.ErrAlreadyConsumed)
	_, err = devices.UpdateByUserCode(ctx, "BCDF-GHJK", authorize)
	assert.ErrorIs(t, err, store.ErrAlreadyConsumed)

	require.NoError(t, devices.RemoveByDeviceCode(ctx, "device-handle"))
	exists, err = devices.UserCodeExists(ctx, "BCDF-GHJK")
	require.NoError(t, err)
	assert.False(t, exists)
}

func pendingDeviceCode(clk *testingclock.FakeClock) *domain.DeviceCode {
	return &domain.DeviceCode{
		UserCode:        "BCDF-GHJK",
		ClientID:        "tv",
		RequestedScopes: []string{"openid"},
		Status:          domain.DeviceCodeStatusPending,
		CreationTime:    clk.Now(),
		Lifetime:        600,
		Interval:        5,
	}
}

// pausingStore blocks the next device code write until release is closed.
type pausingStore struct {
	store.PersistedGrantStore
	armed   atomic.Bool
	paused  chan struct{}
	release chan struct{}
}

func (s *pausingStore) Store(ctx context.Context, g *domain.PersistedGrant) error {
	if g.Type == domain.GrantDeviceCode && s.armed.CompareAndSwap(true, false) {
		close(s.paused)
		<-s.release
	}
	return s.PersistedGrantStore.Store(ctx, g)
}

func TestDeviceFlowStore_ConsumeWaitsForUpdate(t *testing.T) {
	grants, clk := newGrants(t)
	slow := &pausingStore{PersistedGrantStore: grants, paused: make(chan struct{}), release: make(chan struct{})}
	devices := store.NewDeviceFlowStore(slow, 10*time.Minute, lock.NewMemory(), 5*time.Second)
	ctx := context.Background()

	require.NoError(t, devices.StoreDeviceAuthorization(ctx, "dev-1", pendingDeviceCode(clk)))
	slow.armed.Store(true)

	updated := make(chan error, 1)
	go func() {
		_, err := devices.UpdateByUserCode(ctx, "BCDF-GHJK", func(dc *domain.DeviceCode) error {
			dc.Status = domain.DeviceCodeStatusAuthorized
			dc.SubjectID = "alice"
			return nil
		})
		updated <- err
	}()
	<-slow.paused

	consumed := make(chan error, 1)
	go func() {
		_, err := devices.Consume(ctx, "dev-1", clk.Now())
		consumed <- err
	}()
	select {
	case err := <-consumed:
		t.Fatalf("consume finished while an update was being written: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(slow.release)
	require.NoError(t, <-updated)
	require.NoError(t, <-consumed)

	_, g, err := devices.FindByDeviceCode(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, g.IsConsumed(), "the delayed write must not clear the consumption")

	_, err = devices.Consume(ctx, "dev-1", clk.Now())
	assert.ErrorIs(t, err, store.ErrAlreadyConsumed)
	_, err = devices.UpdateByUserCode(ctx, "BCDF-GHJK", func(*domain.DeviceCode) error { return nil })
	assert.ErrorIs(t, err, store.ErrAlreadyConsumed)
}

func TestNormalizeUserCode(t *testing.T) {
	assert.Equal(t, "BCDFGHJK", store.NormalizeUserCode("bcdf-ghjk"))
	assert.Equal(t, "BCDFGHJK", store.NormalizeUserCode(" BCDF GHJK\t"))
}

func TestReplayCache(t *testing.T) {
	grants, clk := newGrants(t)
	cache := store.NewReplayCache(grants, lock.NewMemory(), clk, time.Second)
	ctx := context.Background()

	added, err := cache.Add(ctx, "client_assertion", "jti-1", clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = cache.Add(ctx, "client_assertion", "jti-1", clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, added, "second use is a replay")

	added, err = cache.Add(ctx, "dpop", "jti-1", clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, added, "purposes are independent")

	clk.Step(time.Minute)
	added, err = cache.Add(ctx, "client_assertion", "jti-1", clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, added, "expired entries no longer count")
}

func TestTokenCleanup(t *testing.T) {
	grants, clk := newGrants(t)
	ctx := context.Background()

	codes := store.NewAuthorizationCodeStore(grants)
	_, err := codes.Store(ctx, &domain.AuthorizationCode{ClientID: "web", SubjectID: "alice", CreationTime: clk.Now(), Lifetime: 60})
	require.NoError(t, err)

	cleanup, ok := store.NewTokenCleanup(grants, clk, time.Minute, log.NewNop())
	require.True(t, ok)

	removed, err := cleanup.RemoveExpiredGrants(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		cleanup.Run(runCtx)
		close(done)
	}()

	assert.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(2 * time.Minute)
	assert.Eventually(t, func() bool { return grants.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
