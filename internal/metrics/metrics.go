// Package metrics instruments the SSO flows for Prometheus scraping.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are histogram buckets in seconds for request durations.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks SSO and HTTP metrics. Each Collector owns its own
// registry, so constructing several in one process is safe.
type Collector struct {
	registry *prometheus.Registry

	ssoAttempts       prometheus.Counter
	ssoSuccesses      prometheus.Counter
	ssoFailures       *prometheus.CounterVec
	sessionChecks     *prometheus.CounterVec
	logoutRequests    prometheus.Counter
	metadataRefreshes *prometheus.CounterVec

	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec

	// Mirrored for the JSON stats endpoint.
	attempts      atomic.Uint64
	successes     atomic.Uint64
	failures      atomic.Uint64
	checks        atomic.Uint64
	denied        atomic.Uint64
	logouts       atomic.Uint64
	refreshes     atomic.Uint64
	refreshErrors atomic.Uint64
}

// NewCollector creates a collector with all instruments registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ssoAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tower_sso_attempts_total",
			Help: "Number of SSO logins initiated",
		}),
		ssoSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tower_sso_successes_total",
			Help: "Number of SSO logins that established a session",
		}),
		ssoFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tower_sso_failures_total",
			Help: "Number of rejected SAML responses by failure kind",
		}, []string{"kind"}),
		sessionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tower_session_checks_total",
			Help: "Number of session cookie verifications by result",
		}, []string{"result"}),
		logoutRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tower_logout_requests_total",
			Help: "Number of single logout requests handled",
		}),
		metadataRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tower_idp_metadata_refreshes_total",
			Help: "Number of IdP metadata refreshes by result",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tower_http_requests_total",
			Help: "Number of HTTP requests served",
		}, []string{"route", "method", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tower_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: DefaultBuckets,
		}, []string{"route"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.ssoAttempts,
		c.ssoSuccesses,
		c.ssoFailures,
		c.sessionChecks,
		c.logoutRequests,
		c.metadataRefreshes,
		c.httpRequests,
		c.httpDurations,
	)
	return c
}

// RecordSSOAttempt counts a login redirect sent to the IdP.
func (c *Collector) RecordSSOAttempt() {
	c.ssoAttempts.Inc()
	c.attempts.Add(1)
}

// RecordSSOSuccess counts a validated SAML response that minted a session.
func (c *Collector) RecordSSOSuccess() {
	c.ssoSuccesses.Inc()
	c.successes.Add(1)
}

// RecordSSOFailure counts a rejected SAML response under its failure kind.
func (c *Collector) RecordSSOFailure(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	c.ssoFailures.WithLabelValues(kind).Inc()
	c.failures.Add(1)
}

// RecordSessionCheck counts a session cookie verification.
func (c *Collector) RecordSessionCheck(ok bool) {
	result := "ok"
	if !ok {
		result = "unauthorized"
		c.denied.Add(1)
	}
	c.sessionChecks.WithLabelValues(result).Inc()
	c.checks.Add(1)
}

// RecordLogout counts a handled single logout request.
func (c *Collector) RecordLogout() {
	c.logoutRequests.Inc()
	c.logouts.Add(1)
}

// RecordMetadataRefresh counts one round of the IdP metadata refresh loop.
func (c *Collector) RecordMetadataRefresh(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
		c.refreshErrors.Add(1)
	}
	c.metadataRefreshes.WithLabelValues(result).Inc()
	c.refreshes.Add(1)
}

// RecordRequest records a completed HTTP request.
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.httpDurations.WithLabelValues(route).Observe(duration.Seconds())
}

// Handler serves the registry in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Snapshot holds point-in-time SSO counters for the JSON stats endpoint.
type Snapshot struct {
	SSOAttempts           uint64 `json:"sso_attempts"`
	SSOSuccesses          uint64 `json:"sso_successes"`
	SSOFailures           uint64 `json:"sso_failures"`
	SessionChecks         uint64 `json:"session_checks"`
	SessionDenied         uint64 `json:"session_denied"`
	LogoutRequests        uint64 `json:"logout_requests"`
	MetadataRefreshes     uint64 `json:"metadata_refreshes"`
	MetadataRefreshErrors uint64 `json:"metadata_refresh_errors"`
}

// Snapshot returns current counter values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		SSOAttempts:           c.attempts.Load(),
		SSOSuccesses:          c.successes.Load(),
		SSOFailures:           c.failures.Load(),
		SessionChecks:         c.checks.Load(),
		SessionDenied:         c.denied.Load(),
		LogoutRequests:        c.logouts.Load(),
		MetadataRefreshes:     c.refreshes.Load(),
		MetadataRefreshErrors: c.refreshErrors.Load(),
	}
}
