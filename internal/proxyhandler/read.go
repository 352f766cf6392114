package proxyhandler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/sbaradwaj/s3proxy/internal/apierror"
	"github.com/sbaradwaj/s3proxy/internal/cache"
	"github.com/sbaradwaj/s3proxy/internal/cachecontrol"
	"github.com/sbaradwaj/s3proxy/internal/cachekey"
)

// fetchResult carries a successful origin fetch's entry alongside the
// storability decision, kept separate from cache.Entry itself since
// shouldStore/ttl are fetch-time decisions, not entry-intrinsic state.
type fetchResult struct {
	entry       cache.Entry
	shouldStore bool
	ttl         time.Duration
	status      int
	headers     http.Header
	body        []byte
}

// handleRead serves GET and HEAD requests through the tiered cache,
// coalescing concurrent misses and falling back to the replica set on
// a cold cache. It returns the HTTP status ultimately written, for
// the caller's metrics recording.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, reqID, objectKey string) int {
	ctx := r.Context()
	variant := variantFor(r)
	key := cachekey.Key{Bucket: h.bucketName, ObjectKey: objectKey, Variant: variant}
	canonicalKey := cachekey.Key{Bucket: h.bucketName, ObjectKey: objectKey}

	now := time.Now()

	if entry, layer, ok, _ := h.shared.Cache.GetWithSource(ctx, key.String()); ok && !entry.Expired(now) {
		h.recordCacheHit(layer)
		return h.serveEntry(w, r, entry)
	}

	// A gzip-variant miss with a fresh canonical entry is served by
	// compressing the cached body instead of re-fetching the origin;
	// the compressed copy becomes its own independent cache entry.
	if variant == "gzip" {
		if canonical, layer, ok, _ := h.shared.Cache.GetWithSource(ctx, canonicalKey.String()); ok && !canonical.Expired(now) {
			if compressed, cok := h.compressEntry(canonical); cok {
				h.storeEntry(ctx, key, compressed, time.Until(canonical.ExpiresAt))
				h.recordCacheHit(layer)
				return h.serveEntry(w, r, compressed)
			}
		}
	}

	slot := h.shared.Coalescer.Acquire(key.String())
	if slot.IsLeader {
		defer slot.Release()
		h.recordCacheMiss()
		return h.fetchAndServe(w, r, reqID, objectKey, key, canonicalKey, variant)
	}

	slot.Wait()
	slot.Release()
	if entry, layer, ok, _ := h.shared.Cache.GetWithSource(ctx, key.String()); ok && !entry.Expired(time.Now()) {
		h.recordCacheHit(layer)
		return h.serveEntry(w, r, entry)
	}

	// Follower observed a still-missing cache (leader's write failed, or
	// raced past expiry); it retries rather than blocking forever. One
	// direct, uncoalesced fetch bounds that retry.
	h.recordCacheMiss()
	return h.fetchAndServe(w, r, reqID, objectKey, key, canonicalKey, variant)
}

func (h *Handler) fetchAndServe(w http.ResponseWriter, r *http.Request, reqID, objectKey string, key, canonicalKey cachekey.Key, variant string) int {
	ctx := r.Context()
	fr, err := h.fetchOrigin(ctx, http.MethodGet, objectKey)
	if err != nil {
		apiErr := mapBackendErr(err)
		apierror.WriteJSON(w, reqID, apiErr)
		return apiErr.Status
	}
	if fr.status != http.StatusOK {
		return h.relayNonSuccess(w, reqID, fr.status, fr.headers, fr.body)
	}

	if fr.shouldStore {
		h.storeEntry(ctx, canonicalKey, fr.entry, fr.ttl)
	}
	servable := fr.entry
	if variant == "gzip" {
		if compressed, ok := h.compressEntry(fr.entry); ok {
			if fr.shouldStore {
				h.storeEntry(ctx, key, compressed, fr.ttl)
			}
			servable = compressed
		}
	}
	return h.serveEntry(w, r, servable)
}

func (h *Handler) recordCacheHit(layer string) {
	if h.shared.Metrics == nil {
		return
	}
	h.shared.Metrics.CacheHitsTotal.WithLabelValues(h.bucketName, layer).Inc()
}

// recordCacheMiss counts the miss against every layer searched: an
// overall miss means each configured tier was consulted and came up
// empty.
func (h *Handler) recordCacheMiss() {
	if h.shared.Metrics == nil {
		return
	}
	for _, layer := range h.shared.Cache.LayerNames() {
		h.shared.Metrics.CacheMissesTotal.WithLabelValues(h.bucketName, layer).Inc()
	}
}

// fetchOrigin issues method against the bucket's replica set and, for
// a 200 response, builds a cache.Entry from the response bytes and
// headers. Non-200 responses carry their raw status/headers/body for
// the caller to relay untouched (origin error bodies, typically S3
// XML, must not be reinterpreted as JSON).
func (h *Handler) fetchOrigin(ctx context.Context, method, objectKey string) (fetchResult, error) {
	breq := backendRequest{
		Method:  method,
		Path:    "/" + objectKey,
		Query:   url.Values{},
		Headers: http.Header{},
	}
	result, err := h.replicas.TryRequest(ctx, h.issuerFor(breq))
	if err != nil {
		return fetchResult{}, err
	}

	var body []byte
	var headers http.Header
	if result.Response != nil {
		headers = result.Response.Header
		body, _ = io.ReadAll(result.Response.Body)
		result.Response.Body.Close()
	}

	if result.Status != http.StatusOK {
		return fetchResult{status: result.Status, headers: headers, body: body}, nil
	}

	entry := cache.Entry{
		Body:        body,
		ETag:        headers.Get("ETag"),
		ContentType: headers.Get("Content-Type"),
		StoredAt:    time.Now(),
	}
	cc := cachecontrol.Parse(headers.Get("Cache-Control"))
	ttl := cc.EffectiveTTL(h.defaultTTL)
	entry.ExpiresAt = entry.StoredAt.Add(ttl)
	entry.Revalidate = cc.RequiresRevalidation()

	shouldStore := shouldStoreEntry(cc)
	// A declared Content-Length that disagrees with the bytes actually
	// read marks a truncated or corrupted transfer; serve it once but
	// never cache it.
	if declared := headers.Get("Content-Length"); declared != "" {
		if n, perr := strconv.ParseInt(declared, 10, 64); perr == nil && n != int64(len(body)) {
			shouldStore = false
		}
	}

	return fetchResult{
		entry:       entry,
		shouldStore: shouldStore,
		ttl:         ttl,
		status:      http.StatusOK,
		headers:     headers,
		body:        body,
	}, nil
}

func (h *Handler) storeEntry(ctx context.Context, key cachekey.Key, entry cache.Entry, ttl time.Duration) {
	if err := h.shared.Cache.Set(ctx, key.String(), entry, ttl); err != nil {
		h.logger.Debug().Err(err).Str("key", key.String()).Msg("cache write failed, serving uncached")
	}
}

// compressEntry produces a gzip-encoded variant of entry, used when a
// client sends Accept-Encoding: gzip and the canonical entry is not
// already compressed.
func (h *Handler) compressEntry(entry cache.Entry) (cache.Entry, bool) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(entry.Body); err != nil {
		return cache.Entry{}, false
	}
	if err := gw.Close(); err != nil {
		return cache.Entry{}, false
	}
	compressed := entry
	compressed.Body = buf.Bytes()
	return compressed, true
}

// serveEntry writes entry to the client, honoring Range requests, and
// returns the status code written.
func (h *Handler) serveEntry(w http.ResponseWriter, r *http.Request, entry cache.Entry) int {
	total := uint64(len(entry.Body))
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	if entry.ETag != "" {
		w.Header().Set("ETag", entry.ETag)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	addVary(w.Header(), "Accept-Encoding")
	if variantFor(r) == "gzip" {
		w.Header().Set("Content-Encoding", "gzip")
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatUint(total, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(entry.Body)
		}
		return http.StatusOK
	}

	rng, err := cachekey.ParseRange(rangeHeader)
	if err != nil {
		w.Header().Set("Content-Range", cachekey.UnsatisfiableContentRangeHeader(total))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return http.StatusRequestedRangeNotSatisfiable
	}
	start, end, err := rng.Resolve(total)
	if err != nil {
		w.Header().Set("Content-Range", cachekey.UnsatisfiableContentRangeHeader(total))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return http.StatusRequestedRangeNotSatisfiable
	}

	w.Header().Set("Content-Range", cachekey.ContentRangeHeader(start, end, total))
	w.Header().Set("Content-Length", strconv.FormatUint(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Body[start : end+1])
	}
	return http.StatusPartialContent
}

// relayNonSuccess forwards a non-2xx backend response verbatim:
// backend permanent errors are surfaced immediately, not rewritten.
func (h *Handler) relayNonSuccess(w http.ResponseWriter, reqID string, status int, headers http.Header, body []byte) int {
	if status == 0 {
		apierror.WriteJSON(w, reqID, apierror.ErrBadGateway)
		return http.StatusBadGateway
	}
	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(status)
	_, _ = w.Write(body)
	return status
}
