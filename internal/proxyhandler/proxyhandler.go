// Package proxyhandler wires every core subsystem into the end-to-end
// request pipeline: security validation, rate limiting, resource
// admission, authentication, tiered cache lookup, coalesced
// origin fetch through the replica set, and response streaming back to
// the client. One Handler instance is built per configured bucket;
// the router dispatches to the instance whose path_prefix matches.
package proxyhandler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sbaradwaj/s3proxy/internal/apierror"
	"github.com/sbaradwaj/s3proxy/internal/authn"
	"github.com/sbaradwaj/s3proxy/internal/cache"
	"github.com/sbaradwaj/s3proxy/internal/cachecontrol"
	"github.com/sbaradwaj/s3proxy/internal/circuitbreaker"
	"github.com/sbaradwaj/s3proxy/internal/coalescer"
	"github.com/sbaradwaj/s3proxy/internal/ipfilter"
	"github.com/sbaradwaj/s3proxy/internal/observability"
	"github.com/sbaradwaj/s3proxy/internal/ratelimit"
	"github.com/sbaradwaj/s3proxy/internal/replica"
	"github.com/sbaradwaj/s3proxy/internal/resource"
	"github.com/sbaradwaj/s3proxy/internal/security"
)

// Credentials is the SigV4 identity used to sign requests to one
// replica.
type Credentials struct {
	AccessKey string
	SecretKey string
	Region    string
	Service   string
}

// Shared bundles every cross-bucket collaborator the pipeline needs.
// One Shared instance is constructed once at startup and handed to
// every bucket's Handler.
type Shared struct {
	Cache     *cache.Tiered
	Coalescer *coalescer.Coalescer
	Limiter   *ratelimit.Limiter
	Security  security.Limits
	Resource  *resource.Monitor
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// Handler serves requests routed to one configured bucket.
type Handler struct {
	shared Shared

	bucketName string
	pathPrefix string

	replicas      *replica.Set
	credentials   map[string]Credentials
	ipFilter      *ipfilter.Filter
	authRequired  bool
	authenticator *authn.Authenticator
	defaultTTL    time.Duration

	logger zerolog.Logger
}

// Config configures a single bucket's Handler.
type Config struct {
	BucketName    string
	PathPrefix    string
	Replicas      *replica.Set
	Credentials   map[string]Credentials
	IPFilter      *ipfilter.Filter
	AuthRequired  bool
	Authenticator *authn.Authenticator
	DefaultTTL    time.Duration
}

// New builds a bucket Handler.
func New(shared Shared, cfg Config) *Handler {
	ipf := cfg.IPFilter
	if ipf == nil {
		ipf = ipfilter.AllowAll()
	}
	if shared.Metrics != nil && cfg.Replicas != nil {
		m, bucket := shared.Metrics, cfg.BucketName
		cfg.Replicas.Observe(replica.Observer{
			OnRetry: func(name string) {
				m.S3RetryAttemptsTotal.WithLabelValues(bucket, name).Inc()
			},
			OnError: func(name string, status int) {
				m.S3ErrorsTotal.WithLabelValues(bucket, name, strconv.Itoa(status)).Inc()
			},
			OnState: func(name string, state circuitbreaker.State) {
				m.CircuitBreakerState.WithLabelValues(bucket, name).Set(breakerGauge(state))
			},
		})
	}
	return &Handler{
		shared:        shared,
		bucketName:    cfg.BucketName,
		pathPrefix:    cfg.PathPrefix,
		replicas:      cfg.Replicas,
		credentials:   cfg.Credentials,
		ipFilter:      ipf,
		authRequired:  cfg.AuthRequired,
		authenticator: cfg.Authenticator,
		defaultTTL:    cfg.DefaultTTL,
		logger:        shared.Logger.With().Str("component", "proxy_handler").Str("bucket", cfg.BucketName).Logger(),
	}
}

// clientIP extracts the caller's address, preferring the leftmost
// X-Forwarded-For hop set by the trusted edge proxy, falling back to
// the raw remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// ServeHTTP runs the full request pipeline: IP filter, security
// validator, rate limiter, resource admission, auth, then method
// dispatch.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := requestID(r)
	w.Header().Set("X-Request-ID", reqID)
	ip := clientIP(r)
	log := h.logger.With().Str("request_id", reqID).Str("client_ip", ip).Logger()

	status := 0
	defer func() {
		if h.shared.Metrics != nil && status != 0 {
			h.shared.Metrics.HTTPRequestsTotal.WithLabelValues(h.bucketName, r.Method, strconv.Itoa(status)).Inc()
			h.shared.Metrics.HTTPRequestDuration.WithLabelValues(h.bucketName, r.Method).Observe(time.Since(start).Seconds())
		}
	}()

	if h.ipFilter.IsConfigured() {
		if allowed, err := h.ipFilter.IsAllowedStr(ip); err != nil || !allowed {
			if h.shared.Metrics != nil {
				h.shared.Metrics.IPFilterBlockedTotal.WithLabelValues(h.bucketName).Inc()
			}
			status = http.StatusForbidden
			apierror.WriteJSON(w, reqID, apierror.ErrForbidden)
			return
		}
	}

	if v := h.shared.Security.Validate(securityRequest(r)); v != nil {
		log.Info().Str("violation", v.Code).Msg("security validator rejected request")
		if h.shared.Metrics != nil {
			h.shared.Metrics.IncSecurityViolation(v.Code)
		}
		status = v.Status
		apierror.WriteJSON(w, reqID, apierror.New(v.Status, http.StatusText(v.Status), v.Message))
		return
	}

	if res := h.shared.Limiter.TryAcquire(h.bucketName, ip); !res.Admitted {
		if h.shared.Metrics != nil {
			h.shared.Metrics.RateLimitExceededTotal.WithLabelValues(string(res.DeniedScope)).Inc()
		}
		w.Header().Set("Retry-After", "1")
		status = http.StatusTooManyRequests
		apierror.WriteJSON(w, reqID, apierror.ErrRateLimited)
		return
	}

	if h.shared.Resource != nil && !h.shared.Resource.ShouldAcceptRequest() {
		status = http.StatusServiceUnavailable
		apierror.WriteJSON(w, reqID, apierror.ErrServiceUnavailable)
		return
	}

	var identity authn.Identity
	if h.authRequired {
		id, err := h.authenticator.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			if errors.Is(err, authn.ErrMissingCredentials) {
				status = http.StatusUnauthorized
				apierror.WriteJSON(w, reqID, apierror.ErrMissingCredentials)
			} else {
				status = http.StatusForbidden
				apierror.WriteJSON(w, reqID, apierror.ErrForbidden)
			}
			return
		}
		identity = id
	}
	ctx := authn.WithIdentity(r.Context(), identity)
	r = r.WithContext(ctx)

	objectKey := strings.TrimPrefix(r.URL.Path, h.pathPrefix)
	objectKey = strings.TrimPrefix(objectKey, "/")

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		status = h.handleRead(w, r, reqID, objectKey)
	case http.MethodPut, http.MethodPost, http.MethodDelete:
		status = h.handleWrite(w, r, reqID, objectKey)
	default:
		status = http.StatusMethodNotAllowed
		apierror.WriteJSON(w, reqID, apierror.New(http.StatusMethodNotAllowed, "method_not_allowed", "method not supported by this proxy"))
	}
}

func securityRequest(r *http.Request) security.Request {
	values := make([]string, 0, len(r.URL.Query()))
	for _, vs := range r.URL.Query() {
		values = append(values, vs...)
	}
	var headerBytes int64
	for k, vs := range r.Header {
		headerBytes += int64(len(k))
		for _, v := range vs {
			headerBytes += int64(len(v))
		}
	}
	return security.Request{
		RawURI:        r.URL.RequestURI(),
		HeaderBytes:   headerBytes,
		ContentLength: r.ContentLength,
		QueryValues:   values,
	}
}

// variantFor decides the cache variant for a GET, based on whether the
// client accepts gzip encoding. Only gzip is offered as a negotiated
// variant; br/deflate are accepted as cachekey.Key variants but not
// produced on the fly by this proxy.
func variantFor(r *http.Request) string {
	ae := r.Header.Get("Accept-Encoding")
	if strings.Contains(strings.ToLower(ae), "gzip") {
		return "gzip"
	}
	return ""
}

func addVary(h http.Header, field string) {
	existing := h.Get("Vary")
	if existing == "" {
		h.Set("Vary", field)
		return
	}
	for _, part := range strings.Split(existing, ",") {
		if strings.EqualFold(strings.TrimSpace(part), field) {
			return
		}
	}
	h.Set("Vary", existing+", "+field)
}

// shouldStoreEntry reports storability from the origin response's
// parsed Cache-Control, used when deciding whether a freshly built
// Entry should be written through to the tiered cache.
func shouldStoreEntry(cc cachecontrol.CacheControl) bool {
	return cc.ShouldStore()
}

// breakerGauge encodes a breaker state for the circuit_breaker_state
// gauge: 0=closed, 1=open, 2=half-open.
func breakerGauge(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.Open:
		return 1
	case circuitbreaker.HalfOpen:
		return 2
	default:
		return 0
	}
}

// mapBackendErr maps an error from replica.Set.TryRequest to the
// client-facing apierror taxonomy.
func mapBackendErr(err error) *apierror.Error {
	switch {
	case errors.Is(err, replica.ErrAllReplicasExhausted):
		return apierror.ErrBadGateway
	case errors.Is(err, replica.ErrNoHealthyReplica):
		return apierror.ErrServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return apierror.ErrGatewayTimeout
	default:
		return apierror.ErrBadGateway
	}
}
