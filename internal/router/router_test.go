package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbaradwaj/s3proxy/internal/authn"
	"github.com/sbaradwaj/s3proxy/internal/authz"
	"github.com/sbaradwaj/s3proxy/internal/cache"
	"github.com/sbaradwaj/s3proxy/internal/cache/memory"
	"github.com/sbaradwaj/s3proxy/internal/observability"
	"github.com/sbaradwaj/s3proxy/internal/resource"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	log := zerolog.New(io.Discard)
	mem := memory.New(memory.Config{ShardCount: 4, MaxBytes: 1 << 20, MaxItemBytes: 1 << 16})
	tiered := cache.New(log, mem)
	return Deps{
		Logger:        log,
		Metrics:       observability.New(),
		Resource:      resource.New(4096, 1<<30),
		Cache:         tiered,
		Authenticator: authn.New(authn.Config{Enabled: false}),
		Authz:         authz.AllowAll{},
		Version:       "test",
		StartedAt:     time.Now(),
	}
}

func bucketHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	r := NewRouter(nil, testDeps(t))

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rw := httptest.NewRecorder()
		r.ServeHTTP(rw, req)
		assert.Equal(t, http.StatusOK, rw.Code, path)
	}
}

func TestMetricsEndpointServesWhenEnabled(t *testing.T) {
	r := NewRouter(nil, testDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)
}

func TestSecurityHeadersAlwaysSet(t *testing.T) {
	r := NewRouter(nil, testDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	assert.Equal(t, "nosniff", rw.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rw.Header().Get("X-Frame-Options"))
}

func TestBucketDispatchLongestPrefixWins(t *testing.T) {
	routes := []BucketRoute{
		{Name: "root", PathPrefix: "/", Handler: bucketHandler(201)},
		{Name: "assets", PathPrefix: "/assets", Handler: bucketHandler(202)},
		{Name: "assets-archive", PathPrefix: "/assets/archive", Handler: bucketHandler(203)},
	}
	r := NewRouter(routes, testDeps(t))

	req := httptest.NewRequest(http.MethodGet, "/assets/archive/file.bin", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, 203, rw.Code)

	req = httptest.NewRequest(http.MethodGet, "/assets/other.bin", nil)
	rw = httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, 202, rw.Code)
}

func TestBucketDispatchFirstDeclaredWinsTies(t *testing.T) {
	routes := []BucketRoute{
		{Name: "first", PathPrefix: "/shared", Handler: bucketHandler(210)},
		{Name: "second", PathPrefix: "/shared", Handler: bucketHandler(220)},
	}
	r := NewRouter(routes, testDeps(t))

	req := httptest.NewRequest(http.MethodGet, "/shared/file.bin", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, 210, rw.Code)
}

func TestBucketDispatchNotFound(t *testing.T) {
	r := NewRouter(nil, testDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusNotFound, rw.Code)
}

func TestAdminCacheStatsRequiresAuthWhenEnabled(t *testing.T) {
	deps := testDeps(t)
	deps.Authenticator = authn.New(authn.Config{Enabled: true, Secret: "s", Issuer: "i", Audience: "a"})
	r := NewRouter(nil, deps)

	req := httptest.NewRequest(http.MethodGet, "/admin/cache/stats", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestAdminCachePurgeAllowedForAuthenticatedIdentity(t *testing.T) {
	deps := testDeps(t)
	r := NewRouter(nil, deps)

	req := httptest.NewRequest(http.MethodPost, "/admin/cache/purge", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
}

func TestAdminCachePurgeForbiddenWhenAuthzDenies(t *testing.T) {
	deps := testDeps(t)
	deps.Authz = denyAll{}
	r := NewRouter(nil, deps)

	req := httptest.NewRequest(http.MethodPost, "/admin/cache/purge", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusForbidden, rw.Code)
}

type denyAll struct{}

func (denyAll) Authorize(_ context.Context, _ authn.Identity, _ string, _ authz.Action) error {
	return &authz.ErrForbidden{Reason: "denied"}
}
