package grants

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.pilab.hu/ssoengine/cache"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/resources"
	"go.pilab.hu/ssoengine/store"
	"k8s.io/utils/clock"
)

const minPollRetention = time.Minute

// PollThrottle remembers the last poll per device code.
type PollThrottle struct {
	clock clock.PassiveClock
	mu    sync.Mutex
	polls *ttlcache.Cache[string, time.Time]
}

func NewPollThrottle(clk clock.PassiveClock) *PollThrottle {
	return &PollThrottle{
		clock: clk,
		polls: ttlcache.New(ttlcache.WithDisableTouchOnHit[string, time.Time]()),
	}
}

// TooFast records a poll for deviceCode and reports whether it arrived less than interval
// after the previous one.
func (t *PollThrottle) TooFast(deviceCode string, interval time.Duration) bool {
	key := cache.HashToken(deviceCode)
	retention := max(2*interval, minPollRetention)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	// Set updates the cached item in place, so the previous time is read first.
	var last time.Time
	seen := false
	if it := t.polls.Get(key); it != nil {
		last, seen = it.Value(), true
	}
	t.polls.Set(key, now, retention)
	return seen && now.Sub(last) < interval
}

// Forget drops the poll history of deviceCode.
func (t *PollThrottle) Forget(deviceCode string) {
	t.polls.Delete(cache.HashToken(deviceCode))
}

// DeviceCodeProcessor redeems device codes (RFC 8628).
type DeviceCodeProcessor struct {
	devices   *store.DeviceFlowStore
	resources *resources.Validator
	throttle  *PollThrottle
	clock     clock.PassiveClock
	logger    log.Logger
}

func NewDeviceCodeProcessor(devices *store.DeviceFlowStore, res *resources.Validator, throttle *PollThrottle, clk clock.PassiveClock, logger log.Logger) *DeviceCodeProcessor {
	return &DeviceCodeProcessor{
		devices:   devices,
		resources: res,
		throttle:  throttle,
		clock:     clk,
		logger:    logger,
	}
}

func (p *DeviceCodeProcessor) GrantType() string { return domain.GrantTypeDeviceCode }

func (p *DeviceCodeProcessor) Process(ctx context.Context, req *domain.ValidatedTokenRequest) error {
	handle := req.Raw.Get("device_code")
	if handle == "" {
		return serrors.NewInvalidRequest("device_code is required")
	}

	dc, g, err := p.devices.FindByDeviceCode(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return serrors.NewInvalidGrant("invalid device code")
		}
		return serrors.NewTransient(err)
	}
	if dc.ClientID != req.Client.ClientID {
		return serrors.NewInvalidGrant("device code was issued to another client")
	}
	if g.IsConsumed() {
		return serrors.NewInvalidGrant("device code has already been used")
	}
	now := p.clock.Now()
	if dc.IsExpired(now) {
		p.throttle.Forget(handle)
		return serrors.NewExpiredToken()
	}

	switch dc.Status {
	case domain.DeviceCodeStatusDenied:
		p.throttle.Forget(handle)
		return serrors.NewAccessDenied("the user denied the authorization request")
	case domain.DeviceCodeStatusAuthorized:
	default:
		if p.throttle.TooFast(handle, time.Duration(dc.Interval)*time.Second) {
			return serrors.NewSlowDown()
		}
		return serrors.NewAuthorizationPending()
	}

	scopes := dc.AuthorizedScope
	if len(scopes) == 0 {
		scopes = dc.RequestedScopes
	}
	validated, err := p.resources.Validate(ctx, req.Client, scopes, resources.Options{IdentityAllowed: true})
	if err != nil {
		return err
	}

	if _, err := p.devices.Consume(ctx, handle, now); err != nil {
		if errors.Is(err, store.ErrAlreadyConsumed) || errors.Is(err, store.ErrNotFound) {
			return serrors.NewInvalidGrant("device code has already been used")
		}
		return serrors.NewTransient(err)
	}
	p.throttle.Forget(handle)
	p.logger.Debug(ctx, "Device code redeemed", log.Fields{"client_id": dc.ClientID})

	req.DeviceCodeHandle = handle
	req.DeviceCode = dc
	req.Subject = dc.Subject()
	req.SessionID = dc.SessionID
	req.Resources = validated
	req.RequestedScopes = validated.Scopes()
	return nil
}
