// Package observability exposes the proxy's Prometheus metrics:
// requests, cache, rate limiting, security, circuit breakers, and
// backend retries, registered against a private registry and served
// by promhttp.
package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sbaradwaj/s3proxy/internal/cache"
)

// Metrics holds every metric family the pipeline reports.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec
	CacheSizeByLayer    *prometheus.GaugeVec
	CacheItemsByLayer   *prometheus.GaugeVec

	RateLimitExceededTotal *prometheus.CounterVec

	securityCounters     map[string]prometheus.Counter
	IPFilterBlockedTotal *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec

	S3RetryAttemptsTotal *prometheus.CounterVec
	S3ErrorsTotal        *prometheus.CounterVec

	ResourceLevel prometheus.Gauge

	evictionMu    sync.Mutex
	lastEvictions map[string]int64
}

// securityCounter builds one of the per-kind security counters; the
// family names are fixed API surface, scraped by dashboards.
func securityCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

// New registers and returns the full metric set against a fresh
// registry, so multiple Metrics instances (e.g. in tests) never
// collide on prometheus's default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests handled by the proxy, by bucket, method and status.",
		}, []string{"bucket", "method", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request handling latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"bucket", "method"}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits, by bucket and the layer that served the hit.",
		}, []string{"bucket", "layer"}),

		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache misses, by bucket and layer searched.",
		}, []string{"bucket", "layer"}),

		CacheEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Cache evictions, by layer.",
		}, []string{"layer"}),

		CacheSizeByLayer: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cache_size_by_layer",
			Help: "Current cache size in bytes, by layer.",
		}, []string{"layer"}),

		CacheItemsByLayer: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cache_items_by_layer",
			Help: "Current number of cached items, by layer.",
		}, []string{"layer"}),

		RateLimitExceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_exceeded_total",
			Help: "Requests rejected by the rate limiter, by scope.",
		}, []string{"scope"}),

		securityCounters: map[string]prometheus.Counter{
			"uri_too_long":            securityCounter("security_uri_too_long_total", "Requests rejected for an over-long URI."),
			"headers_too_large":       securityCounter("security_headers_too_large_total", "Requests rejected for an oversized header block."),
			"payload_too_large":       securityCounter("security_payload_too_large_total", "Requests rejected for an oversized body."),
			"path_traversal":          securityCounter("security_path_traversal_blocked_total", "Requests blocked for a path traversal attempt."),
			"sql_injection_suspected": securityCounter("security_sql_injection_blocked_total", "Requests blocked for a suspected SQL injection pattern."),
		},

		IPFilterBlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ip_filter_blocked_total",
			Help: "Requests blocked by IP allow/blocklist, by bucket.",
		}, []string{"bucket"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per replica: 0=closed, 1=open, 2=half-open.",
		}, []string{"bucket", "replica"}),

		S3RetryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3_retry_attempts_total",
			Help: "Backend retry attempts (re-issues after a transient failure), by bucket and replica.",
		}, []string{"bucket", "replica"}),

		S3ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3_errors_total",
			Help: "Backend request errors, by bucket, replica and status code.",
		}, []string{"bucket", "replica", "code"}),

		ResourceLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "resource_level",
			Help: "Resource monitor level: 0=normal, 1=warning, 2=critical, 3=exhausted.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
		m.CacheHitsTotal, m.CacheMissesTotal, m.CacheEvictionsTotal, m.CacheSizeByLayer, m.CacheItemsByLayer,
		m.RateLimitExceededTotal,
		m.IPFilterBlockedTotal,
		m.CircuitBreakerState,
		m.S3RetryAttemptsTotal, m.S3ErrorsTotal,
		m.ResourceLevel,
	)
	for _, c := range m.securityCounters {
		reg.MustRegister(c)
	}
	return m
}

// IncSecurityViolation increments the per-kind security counter for a
// validator violation code. Unknown codes are dropped rather than
// minting a new family at runtime.
func (m *Metrics) IncSecurityViolation(code string) {
	if c, ok := m.securityCounters[code]; ok {
		c.Inc()
	}
}

// SecurityViolations returns the counter for a known violation code,
// for tests asserting on specific families.
func (m *Metrics) SecurityViolations(code string) prometheus.Counter {
	return m.securityCounters[code]
}

// UpdateCacheGauges refreshes the per-layer size/item gauges and rolls
// the layers' eviction totals forward into the eviction counter from a
// tiered cache stats snapshot. Called on each /metrics scrape so the
// gauges track live layer state without the layers needing a reference
// back to this package.
func (m *Metrics) UpdateCacheGauges(stats cache.Stats) {
	m.evictionMu.Lock()
	defer m.evictionMu.Unlock()
	if m.lastEvictions == nil {
		m.lastEvictions = make(map[string]int64, len(stats.PerLayer))
	}
	for layer, s := range stats.PerLayer {
		m.CacheSizeByLayer.WithLabelValues(layer).Set(float64(s.Bytes))
		m.CacheItemsByLayer.WithLabelValues(layer).Set(float64(s.Items))
		if delta := s.Evictions - m.lastEvictions[layer]; delta > 0 {
			m.CacheEvictionsTotal.WithLabelValues(layer).Add(float64(delta))
		}
		m.lastEvictions[layer] = s.Evictions
	}
}

// Handler returns the /metrics HTTP handler. When enabled is false
// (resource pressure has disabled metrics collection), it responds 503
// instead of serving a snapshot. cacheStats, if non-nil, is sampled on
// each scrape to refresh the per-layer gauges.
func (m *Metrics) Handler(enabled func() bool, cacheStats func() cache.Stats) http.Handler {
	promHandler := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if enabled != nil && !enabled() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if cacheStats != nil {
			m.UpdateCacheGauges(cacheStats())
		}
		promHandler.ServeHTTP(w, r)
	})
}
