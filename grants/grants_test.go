package grants_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/grants"
	testingclock "k8s.io/utils/clock/testing"
)

func TestPollThrottle(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	throttle := grants.NewPollThrottle(clk)
	interval := 5 * time.Second

	assert.False(t, throttle.TooFast("device-1", interval), "first poll")
	assert.True(t, throttle.TooFast("device-1", interval))
	assert.False(t, throttle.TooFast("device-2", interval), "codes are tracked separately")

	// a too-fast poll still counts as the latest poll
	clk.Step(3 * time.Second)
	assert.True(t, throttle.TooFast("device-1", interval))
	clk.Step(4 * time.Second)
	assert.True(t, throttle.TooFast("device-1", interval))
	clk.Step(interval)
	assert.False(t, throttle.TooFast("device-1", interval))

	throttle.Forget("device-1")
	assert.False(t, throttle.TooFast("device-1", interval))
}

func TestPollThrottle_PollsAtTheInterval(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	throttle := grants.NewPollThrottle(clk)
	interval := 5 * time.Second

	for i, wait := range []time.Duration{0, interval, interval, 6 * time.Second, 30 * time.Second} {
		clk.Step(wait)
		assert.False(t, throttle.TooFast("device-1", interval), "poll %d after %s", i, wait)
	}
	clk.Step(interval - time.Second)
	assert.True(t, throttle.TooFast("device-1", interval))
}

type stubProcessor string

func (p stubProcessor) GrantType() string { return string(p) }

func (p stubProcessor) Process(context.Context, *domain.ValidatedTokenRequest) error { return nil }

func TestRegistry(t *testing.T) {
	r := grants.NewRegistry(stubProcessor(domain.GrantTypeRefreshToken), stubProcessor(domain.GrantTypeAuthorizationCode))

	p, ok := r.Processor(domain.GrantTypeAuthorizationCode)
	require.True(t, ok)
	assert.Equal(t, domain.GrantTypeAuthorizationCode, p.GrantType())

	_, ok = r.Processor("password")
	assert.False(t, ok)

	require.NoError(t, r.Register(stubProcessor("urn:example:grant")))
	require.Error(t, r.Register(stubProcessor(domain.GrantTypeRefreshToken)))

	assert.Equal(t, []string{domain.GrantTypeAuthorizationCode, domain.GrantTypeRefreshToken, "urn:example:grant"}, r.GrantTypes())
}
