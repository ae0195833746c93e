package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	TokensIssuedTotal          *prometheus.CounterVec
	TokenRequestFailuresTotal  *prometheus.CounterVec
	AuthorizationCodeReplays   prometheus.Counter
	RefreshTokenReuseDetected  prometheus.Counter
	RefreshTokenRotationsTotal prometheus.Counter
	CacheRequestsTotal         *prometheus.CounterVec
	LockWaitSeconds            prometheus.Histogram
}

// New creates the collectors and registers them on reg. reg may be nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sso_tokens_issued_total",
			Help: "Total number of token responses issued, by grant type.",
		}, []string{"grant_type"}),
		TokenRequestFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sso_token_request_failures_total",
			Help: "Total number of failed token requests, by OAuth2 error code.",
		}, []string{"error"}),
		AuthorizationCodeReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sso_authorization_code_replays_total",
			Help: "Total number of redemption attempts for already consumed authorization codes.",
		}),
		RefreshTokenReuseDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sso_refresh_token_reuse_detected_total",
			Help: "Total number of rotated refresh tokens presented after the reuse interval.",
		}),
		RefreshTokenRotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sso_refresh_token_rotations_total",
			Help: "Total number of refresh token rotations.",
		}),
		CacheRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sso_cache_requests_total",
			Help: "Total number of cache lookups, by cache and result.",
		}, []string{"cache", "result"}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sso_lock_wait_seconds",
			Help:    "Time spent waiting for named locks.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}

	if reg == nil {
		log.Debug().Msg("Prometheus registry is nil, metrics are not exported.")
		return m
	}
	for name, c := range map[string]prometheus.Collector{
		"TokensIssuedTotal":          m.TokensIssuedTotal,
		"TokenRequestFailuresTotal":  m.TokenRequestFailuresTotal,
		"AuthorizationCodeReplays":   m.AuthorizationCodeReplays,
		"RefreshTokenReuseDetected":  m.RefreshTokenReuseDetected,
		"RefreshTokenRotationsTotal": m.RefreshTokenRotationsTotal,
		"CacheRequestsTotal":         m.CacheRequestsTotal,
		"LockWaitSeconds":            m.LockWaitSeconds,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to register metric")
		}
	}
	return m
}

func (m *Metrics) TokenIssued(grantType string) {
	if m == nil {
		return
	}
	m.TokensIssuedTotal.WithLabelValues(grantType).Inc()
}

func (m *Metrics) TokenRequestFailed(code string) {
	if m == nil {
		return
	}
	m.TokenRequestFailuresTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) CodeReplayed() {
	if m == nil {
		return
	}
	m.AuthorizationCodeReplays.Inc()
}

func (m *Metrics) RefreshReuseDetected() {
	if m == nil {
		return
	}
	m.RefreshTokenReuseDetected.Inc()
}

func (m *Metrics) RefreshRotated() {
	if m == nil {
		return
	}
	m.RefreshTokenRotationsTotal.Inc()
}

func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues(cache, "hit").Inc()
}

func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues(cache, "miss").Inc()
}

func (m *Metrics) LockWaited(seconds float64) {
	if m == nil {
		return
	}
	m.LockWaitSeconds.Observe(seconds)
}
