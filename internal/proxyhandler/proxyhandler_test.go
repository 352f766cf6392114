package proxyhandler

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbaradwaj/s3proxy/internal/authn"
	"github.com/sbaradwaj/s3proxy/internal/cache"
	"github.com/sbaradwaj/s3proxy/internal/cache/memory"
	"github.com/sbaradwaj/s3proxy/internal/circuitbreaker"
	"github.com/sbaradwaj/s3proxy/internal/coalescer"
	"github.com/sbaradwaj/s3proxy/internal/observability"
	"github.com/sbaradwaj/s3proxy/internal/ratelimit"
	"github.com/sbaradwaj/s3proxy/internal/replica"
	"github.com/sbaradwaj/s3proxy/internal/retry"
	"github.com/sbaradwaj/s3proxy/internal/security"
)

func generousLimiter() *ratelimit.Limiter {
	cfg := ratelimit.Config{Capacity: 100_000, RefillPerSec: 100_000}
	return ratelimit.NewLimiter(cfg, cfg, cfg, []string{"b"}, 1000)
}

func testShared(t *testing.T) Shared {
	t.Helper()
	log := zerolog.New(io.Discard)
	mem := memory.New(memory.Config{ShardCount: 8, MaxBytes: 1 << 24, MaxItemBytes: 1 << 22})
	return Shared{
		Cache:     cache.New(log, mem),
		Coalescer: coalescer.New(16),
		Limiter:   generousLimiter(),
		Security:  security.DefaultLimits(),
		Metrics:   observability.New(),
		Logger:    log,
	}
}

func replicaConfig(name, endpoint string, priority uint8) replica.Config {
	return replica.Config{
		Name:     name,
		Bucket:   "b",
		Region:   "us-east-1",
		Endpoint: endpoint,
		Priority: priority,
		Timeout:  2 * time.Second,
		Breaker: circuitbreaker.Config{
			FailureThreshold:    3,
			SuccessThreshold:    1,
			ResetTimeout:        time.Second,
			HalfOpenMaxInFlight: 1,
		},
		RetryPolicy: retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
}

func testCredentials(names ...string) map[string]Credentials {
	creds := make(map[string]Credentials, len(names))
	for _, n := range names {
		creds[n] = Credentials{AccessKey: "AK", SecretKey: "SK", Region: "us-east-1", Service: "s3"}
	}
	return creds
}

func newTestHandler(t *testing.T, shared Shared, replicas ...replica.Config) *Handler {
	t.Helper()
	names := make([]string, len(replicas))
	for i, r := range replicas {
		names[i] = r.Name
	}
	set := replica.New("b", replicas, replica.DefaultPoolConfig(), shared.Logger)
	t.Cleanup(set.Close)
	return New(shared, Config{
		BucketName:  "b",
		PathPrefix:  "/b",
		Replicas:    set,
		Credentials: testCredentials(names...),
		DefaultTTL:  time.Minute,
	})
}

func TestColdMissIsCoalescedIntoOneOriginFetch(t *testing.T) {
	var originRequests atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originRequests.Add(1)
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("payload"))
	}))
	defer backend.Close()

	h := newTestHandler(t, testShared(t), replicaConfig("primary", backend.URL, 1))

	const clients = 10
	bodies := make([]string, clients)
	statuses := make([]int, clients)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/b/x.bin", nil)
			rw := httptest.NewRecorder()
			h.ServeHTTP(rw, req)
			statuses[i] = rw.Code
			bodies[i] = rw.Body.String()
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.Equal(t, int64(1), originRequests.Load(), "backend must see exactly one request")
	for i := 0; i < clients; i++ {
		assert.Equal(t, http.StatusOK, statuses[i])
		assert.Equal(t, "payload", bodies[i])
	}
	assert.Less(t, elapsed, time.Second, "coalesced fetches must not serialize")
}

func TestEveryResponseCarriesRequestID(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	h := newTestHandler(t, testShared(t), replicaConfig("primary", backend.URL, 1))

	for _, path := range []string{"/b/obj", "/b/../escape", "/b/obj"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		assert.NotEmpty(t, rw.Header().Get("X-Request-ID"), "path %s", path)
	}
}

func TestFailoverToBackupWhenPrimaryUnreachable(t *testing.T) {
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backup.Close()

	h := newTestHandler(t, testShared(t),
		replicaConfig("primary", "http://127.0.0.1:1", 1),
		replicaConfig("backup", backup.URL, 2),
	)

	req := httptest.NewRequest(http.MethodGet, "/b/file.txt", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "ok", rw.Body.String())
}

func TestAuthoritative404DoesNotTryBackupAndCountsNoRetries(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "NoSuchKey", http.StatusNotFound)
	}))
	defer primary.Close()

	var backupCalls atomic.Int64
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupCalls.Add(1)
		_, _ = w.Write([]byte("should never be served"))
	}))
	defer backup.Close()

	shared := testShared(t)
	h := newTestHandler(t, shared,
		replicaConfig("primary", primary.URL, 1),
		replicaConfig("backup", backup.URL, 2),
	)

	req := httptest.NewRequest(http.MethodGet, "/b/missing.txt", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusNotFound, rw.Code)
	assert.Equal(t, int64(0), backupCalls.Load(), "404 is authoritative; backup must not be tried")
	retries := testutil.ToFloat64(shared.Metrics.S3RetryAttemptsTotal.WithLabelValues("b", "primary"))
	assert.Equal(t, float64(0), retries, "an authoritative first-attempt answer is not a retry")
}

func TestAllReplicasExhaustedYields502(t *testing.T) {
	h := newTestHandler(t, testShared(t), replicaConfig("primary", "http://127.0.0.1:1", 1))

	req := httptest.NewRequest(http.MethodGet, "/b/file.txt", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusBadGateway, rw.Code)
}

func TestPathTraversalBlockedBeforeBackend(t *testing.T) {
	var originRequests atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originRequests.Add(1)
	}))
	defer backend.Close()

	shared := testShared(t)
	h := newTestHandler(t, shared, replicaConfig("primary", backend.URL, 1))

	req := httptest.NewRequest(http.MethodGet, "/b/../../../etc/passwd", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	require.Equal(t, http.StatusBadRequest, rw.Code)
	body := rw.Body.String()
	assert.Contains(t, body, "Bad Request")
	assert.Contains(t, body, "Path traversal attempt detected")
	assert.Equal(t, int64(0), originRequests.Load(), "security-denied request must never reach backend")
	blocked := testutil.ToFloat64(shared.Metrics.SecurityViolations("path_traversal"))
	assert.Equal(t, float64(1), blocked)
}

func TestRateLimitDenialNeverReachesBackend(t *testing.T) {
	var originRequests atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originRequests.Add(1)
		fmt.Fprintf(w, "body-%s", r.URL.Path)
	}))
	defer backend.Close()

	shared := testShared(t)
	tight := ratelimit.Config{Capacity: 10, RefillPerSec: 10}
	loose := ratelimit.Config{Capacity: 100_000, RefillPerSec: 100_000}
	shared.Limiter = ratelimit.NewLimiter(tight, loose, loose, []string{"b"}, 1000)
	h := newTestHandler(t, shared, replicaConfig("primary", backend.URL, 1))

	var ok, denied int
	for i := 0; i < 15; i++ {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/b/obj-%d", i), nil)
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		switch rw.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			denied++
			assert.NotEmpty(t, rw.Header().Get("Retry-After"))
		default:
			t.Fatalf("unexpected status %d", rw.Code)
		}
	}

	assert.Equal(t, 10, ok)
	assert.Equal(t, 5, denied)
	assert.Equal(t, int64(10), originRequests.Load(), "denied requests must not reach backend")
}

func TestRangeRequestsAgainstCachedEntry(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer backend.Close()

	h := newTestHandler(t, testShared(t), replicaConfig("primary", backend.URL, 1))

	// Populate the cache.
	req := httptest.NewRequest(http.MethodGet, "/b/data.bin", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	cases := []struct {
		header       string
		wantStatus   int
		wantBody     string
		wantCntRange string
	}{
		{"bytes=0-0", http.StatusPartialContent, "0", "bytes 0-0/10"},
		{"bytes=0-3", http.StatusPartialContent, "0123", "bytes 0-3/10"},
		{"bytes=7-", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"bytes=-2", http.StatusPartialContent, "89", "bytes 8-9/10"},
		{"bytes=50-60", http.StatusRequestedRangeNotSatisfiable, "", "bytes */10"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/b/data.bin", nil)
		req.Header.Set("Range", tc.header)
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		assert.Equal(t, tc.wantStatus, rw.Code, tc.header)
		assert.Equal(t, tc.wantCntRange, rw.Header().Get("Content-Range"), tc.header)
		if tc.wantBody != "" {
			assert.Equal(t, tc.wantBody, rw.Body.String(), tc.header)
		}
	}
}

func TestGzipVariantIsIndependentEntryWithVaryHeader(t *testing.T) {
	var originRequests atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originRequests.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello hello hello hello"))
	}))
	defer backend.Close()

	h := newTestHandler(t, testShared(t), replicaConfig("primary", backend.URL, 1))

	req := httptest.NewRequest(http.MethodGet, "/b/greeting.txt", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "gzip", rw.Header().Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", rw.Header().Get("Vary"))

	// An identity request for the same object is served from the
	// canonical entry without another origin fetch.
	req = httptest.NewRequest(http.MethodGet, "/b/greeting.txt", nil)
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Empty(t, rw.Header().Get("Content-Encoding"))
	assert.Equal(t, "hello hello hello hello", rw.Body.String())
	assert.Equal(t, int64(1), originRequests.Load())
}

func TestSuccessfulWriteInvalidatesCachedObject(t *testing.T) {
	var content atomic.Value
	content.Store("v1")
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			body, _ := io.ReadAll(r.Body)
			content.Store(string(body))
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = io.WriteString(w, content.Load().(string))
	}))
	defer backend.Close()

	h := newTestHandler(t, testShared(t), replicaConfig("primary", backend.URL, 1))

	get := func() string {
		req := httptest.NewRequest(http.MethodGet, "/b/doc.txt", nil)
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		require.Equal(t, http.StatusOK, rw.Code)
		return rw.Body.String()
	}

	assert.Equal(t, "v1", get())

	req := httptest.NewRequest(http.MethodPut, "/b/doc.txt", strings.NewReader("v2"))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	assert.Equal(t, "v2", get(), "write must invalidate the cached copy")
}

func TestAuthRequiredRejectsMissingAndInvalidCredentials(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}))
	defer backend.Close()

	shared := testShared(t)
	set := replica.New("b", []replica.Config{replicaConfig("primary", backend.URL, 1)}, replica.DefaultPoolConfig(), shared.Logger)
	t.Cleanup(set.Close)
	h := New(shared, Config{
		BucketName:    "b",
		PathPrefix:    "/b",
		Replicas:      set,
		Credentials:   testCredentials("primary"),
		AuthRequired:  true,
		Authenticator: authn.New(authn.Config{Enabled: true, Secret: "s", Issuer: "i", Audience: "a"}),
		DefaultTTL:    time.Minute,
	})

	req := httptest.NewRequest(http.MethodGet, "/b/file", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusUnauthorized, rw.Code, "missing credentials map to 401")

	req = httptest.NewRequest(http.MethodGet, "/b/file", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusForbidden, rw.Code, "present-but-rejected credentials map to 403")
}

func TestHeadRequestReturnsHeadersWithoutBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer backend.Close()

	h := newTestHandler(t, testShared(t), replicaConfig("primary", backend.URL, 1))

	req := httptest.NewRequest(http.MethodHead, "/b/data.bin", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "10", rw.Header().Get("Content-Length"))
	assert.Zero(t, rw.Body.Len())
}
