// Package router builds the top-level chi.Router: health/ready/metrics
// endpoints, admin cache-management endpoints gated by authn/authz,
// and longest-prefix-match dispatch to each bucket's proxyhandler.
package router

import (
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sbaradwaj/s3proxy/internal/authn"
	"github.com/sbaradwaj/s3proxy/internal/authz"
	"github.com/sbaradwaj/s3proxy/internal/cache"
	"github.com/sbaradwaj/s3proxy/internal/observability"
	"github.com/sbaradwaj/s3proxy/internal/resource"
)

// BucketRoute pairs one bucket's path_prefix with the handler that
// serves it.
type BucketRoute struct {
	Name       string
	PathPrefix string
	Handler    http.Handler
}

// Deps bundles the cross-cutting collaborators NewRouter wires into
// the admin and observability endpoints.
type Deps struct {
	Logger        zerolog.Logger
	Metrics       *observability.Metrics
	Resource      *resource.Monitor
	Cache         *cache.Tiered
	Authenticator *authn.Authenticator
	Authz         authz.Decider
	Version       string
	StartedAt     time.Time

	// Backends reports each bucket's replica breaker states
	// (bucket → replica → state) for the /ready health map.
	Backends func() map[string]map[string]string
}

// NewRouter returns a configured chi.Router with the full middleware
// chain, health/ready/metrics endpoints, admin endpoints, and
// longest-prefix-match bucket dispatch.
func NewRouter(routes []BucketRoute, deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(securityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(deps.Logger))

	r.Get("/health", healthHandler(deps))
	r.Get("/ready", readyHandler(deps))
	if deps.Metrics != nil {
		metricsEnabled := func() bool { return deps.Resource == nil || deps.Resource.MetricsEnabled() }
		var cacheStats func() cache.Stats
		if deps.Cache != nil {
			cacheStats = deps.Cache.Stats
		}
		r.Get("/metrics", deps.Metrics.Handler(metricsEnabled, cacheStats).ServeHTTP)
	}

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(adminAuthMiddleware(deps))
		ar.Post("/cache/purge", purgeAllHandler(deps))
		ar.Post("/cache/purge/{bucket}/*", purgeScopedHandler(deps))
		ar.Get("/cache/stats", statsHandler(deps, ""))
		ar.Get("/cache/stats/{bucket}", statsHandlerByBucket(deps))
	})

	dispatcher := newBucketDispatcher(routes)
	r.NotFound(dispatcher.ServeHTTP)
	r.MethodNotAllowed(dispatcher.ServeHTTP)
	r.Handle("/*", dispatcher)

	return r
}

// bucketDispatcher routes by longest-prefix match on PathPrefix, ties
// going to the first-declared bucket.
type bucketDispatcher struct {
	routes []BucketRoute
}

func newBucketDispatcher(routes []BucketRoute) *bucketDispatcher {
	sorted := make([]BucketRoute, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return &bucketDispatcher{routes: sorted}
}

func (d *bucketDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, route := range d.routes {
		if strings.HasPrefix(r.URL.Path, route.PathPrefix) {
			route.Handler.ServeHTTP(w, r)
			return
		}
	}
	http.Error(w, `{"error":"not_found","message":"no bucket matches this path","status":404}`, http.StatusNotFound)
}

// securityHeadersMiddleware sets the baseline hardening headers every
// response carries.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		})
	}
}

func healthHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(deps.StartedAt).Seconds())
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "healthy",
			"uptime_seconds": uptime,
			"version":        deps.Version,
		})
	}
}

// readyHandler reports 503 when resources are exhausted or when some
// bucket has every replica's breaker open (no healthy path to any
// backend), 200 otherwise, always carrying the per-backend health map.
func readyHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if deps.Resource != nil && !deps.Resource.ShouldAcceptRequest() {
			status = http.StatusServiceUnavailable
		}

		var backends map[string]map[string]string
		if deps.Backends != nil {
			backends = deps.Backends()
			for _, replicas := range backends {
				allOpen := len(replicas) > 0
				for _, state := range replicas {
					if state != "open" {
						allOpen = false
						break
					}
				}
				if allOpen {
					status = http.StatusServiceUnavailable
				}
			}
		}

		writeJSON(w, status, map[string]any{
			"status":   map[bool]string{true: "ready", false: "not_ready"}[status == http.StatusOK],
			"threads":  runtime.NumGoroutine(),
			"backends": backends,
		})
	}
}
