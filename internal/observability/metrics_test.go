package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbaradwaj/s3proxy/internal/cache"
)

func TestNewRegistersDistinctRegistry(t *testing.T) {
	a := New()
	b := New()
	assert.NotSame(t, a.Registry, b.Registry)
}

func TestHTTPRequestsTotalIncrements(t *testing.T) {
	m := New()
	m.HTTPRequestsTotal.WithLabelValues("assets", "GET", "200").Inc()
	m.HTTPRequestsTotal.WithLabelValues("assets", "GET", "200").Inc()

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("assets", "GET", "200"))
	assert.Equal(t, float64(2), got)
}

func TestSecurityCountersUsePerKindFamilies(t *testing.T) {
	m := New()
	m.IncSecurityViolation("path_traversal")
	m.IncSecurityViolation("path_traversal")
	m.IncSecurityViolation("uri_too_long")
	m.IncSecurityViolation("no_such_kind") // dropped, not a panic

	assert.Equal(t, float64(2), testutil.ToFloat64(m.SecurityViolations("path_traversal")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SecurityViolations("uri_too_long")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SecurityViolations("sql_injection_suspected")))
}

func TestUpdateCacheGaugesReflectsLayerStats(t *testing.T) {
	m := New()
	m.UpdateCacheGauges(cache.Stats{PerLayer: map[string]cache.LayerStats{
		"memory": {Items: 7, Bytes: 4096},
		"disk":   {Items: 2, Bytes: 1 << 20},
	}})

	assert.Equal(t, float64(7), testutil.ToFloat64(m.CacheItemsByLayer.WithLabelValues("memory")))
	assert.Equal(t, float64(4096), testutil.ToFloat64(m.CacheSizeByLayer.WithLabelValues("memory")))
	assert.Equal(t, float64(1<<20), testutil.ToFloat64(m.CacheSizeByLayer.WithLabelValues("disk")))
}

func TestHandlerServesPrometheusTextFormat(t *testing.T) {
	m := New()
	m.CacheHitsTotal.WithLabelValues("assets", "memory").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	m.Handler(func() bool { return true }, nil).ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	assert.True(t, strings.Contains(rw.Body.String(), "cache_hits_total"))
}

func TestHandlerRefreshesCacheGaugesOnScrape(t *testing.T) {
	m := New()
	stats := func() cache.Stats {
		return cache.Stats{PerLayer: map[string]cache.LayerStats{"memory": {Items: 3, Bytes: 100}}}
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	m.Handler(func() bool { return true }, stats).ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "cache_items_by_layer")
	assert.Equal(t, float64(3), testutil.ToFloat64(m.CacheItemsByLayer.WithLabelValues("memory")))
}

func TestHandlerReturns503WhenDisabled(t *testing.T) {
	m := New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	m.Handler(func() bool { return false }, nil).ServeHTTP(rw, req)

	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
}
