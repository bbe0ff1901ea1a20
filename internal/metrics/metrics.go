package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for keel.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Access control.
	AccessDecisionsTotal *prometheus.CounterVec
	SessionCacheTotal    *prometheus.CounterVec
	AuthFailuresTotal    *prometheus.CounterVec
	AuthSuccessesTotal   *prometheus.CounterVec

	// Upstream completion metrics.
	UpstreamRequestsTotal *prometheus.CounterVec
	UpstreamDuration      *prometheus.HistogramVec
	UpstreamErrorsTotal   *prometheus.CounterVec

	// Limits and metering.
	RateLimitRejectionsTotal prometheus.Counter
	LimitRejectionsTotal     *prometheus.CounterVec
	UsageFailuresTotal       prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		HTTPRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keel_http_request_size_bytes",
			Help:    "HTTP request size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keel_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		AccessDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_access_decisions_total",
			Help: "Access evaluations by resource, action and outcome.",
		}, []string{"resource", "action", "allowed", "status_code"}),

		SessionCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_session_cache_lookups_total",
			Help: "Session cache lookups by result.",
		}, []string{"result"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		UpstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_upstream_requests_total",
			Help: "Total number of completion requests sent to providers.",
		}, []string{"provider", "model", "status_code"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keel_upstream_duration_seconds",
			Help:    "Provider request duration in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_upstream_errors_total",
			Help: "Total number of provider request errors by error type.",
		}, []string{"error_type", "provider"}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_ratelimit_rejections_total",
			Help: "Total number of per-key rate limit rejections.",
		}),

		LimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_token_limit_rejections_total",
			Help: "Completions rejected by a token ceiling.",
		}, []string{"scope"}),

		UsageFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_usage_record_failures_total",
			Help: "Usage records that could not be stored.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keel_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.AccessDecisionsTotal,
		m.SessionCacheTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.UpstreamRequestsTotal,
		m.UpstreamDuration,
		m.UpstreamErrorsTotal,
		m.RateLimitRejectionsTotal,
		m.LimitRejectionsTotal,
		m.UsageFailuresTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// RecordAccessDecision counts one access evaluation.
func (m *Metrics) RecordAccessDecision(resource, action string, allowed bool, status int) {
	m.AccessDecisionsTotal.WithLabelValues(resource, action, strconv.FormatBool(allowed), strconv.Itoa(status)).Inc()
}

// RecordSessionCache counts a session cache hit or miss.
func (m *Metrics) RecordSessionCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SessionCacheTotal.WithLabelValues(result).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// IncUpstreamRequests counts a completed provider call.
func (m *Metrics) IncUpstreamRequests(provider, model string, statusCode int) {
	m.UpstreamRequestsTotal.WithLabelValues(provider, model, strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstreamDuration records the provider request duration.
func (m *Metrics) ObserveUpstreamDuration(provider, model string, seconds float64) {
	m.UpstreamDuration.WithLabelValues(provider, model).Observe(seconds)
}

// IncUpstreamError increments the upstream error counter with error type classification.
func (m *Metrics) IncUpstreamError(errorType, provider string) {
	m.UpstreamErrorsTotal.WithLabelValues(errorType, provider).Inc()
}

// IncRateLimitRejection increments the per-key rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection() {
	m.RateLimitRejectionsTotal.Inc()
}

// RecordLimitRejection counts a completion refused by a token ceiling.
func (m *Metrics) RecordLimitRejection(scope string) {
	m.LimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// RecordUsageFailures counts usage records that were lost.
func (m *Metrics) RecordUsageFailures(n int) {
	m.UsageFailuresTotal.Add(float64(n))
}
