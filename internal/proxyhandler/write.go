package proxyhandler

import (
	"io"
	"net/http"
	"net/url"

	"github.com/sbaradwaj/s3proxy/internal/apierror"
	"github.com/sbaradwaj/s3proxy/internal/cachekey"
)

// handleWrite passes PUT/POST/DELETE straight through to the replica
// set: only the GET path is cached. A successful mutation invalidates
// any cached copy of the object so the next GET re-fetches current
// content.
func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request, reqID, objectKey string) int {
	ctx := r.Context()

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, h.shared.Security.MaxBodyBytes))
		if err != nil {
			apierror.WriteJSON(w, reqID, apierror.ErrBadRequest)
			return http.StatusBadRequest
		}
	}

	breq := backendRequest{
		Method:  r.Method,
		Path:    "/" + objectKey,
		Query:   url.Values(r.URL.Query()),
		Headers: r.Header.Clone(),
		Body:    body,
	}

	result, err := h.replicas.TryRequest(ctx, h.issuerFor(breq))
	if err != nil {
		apiErr := mapBackendErr(err)
		apierror.WriteJSON(w, reqID, apiErr)
		return apiErr.Status
	}

	var respBody []byte
	var headers http.Header
	if result.Response != nil {
		headers = result.Response.Header
		respBody, _ = io.ReadAll(result.Response.Body)
		result.Response.Body.Close()
	}

	if result.Status >= 200 && result.Status < 300 {
		for _, variant := range []string{"", "gzip", "br", "deflate"} {
			key := cachekey.Key{Bucket: h.bucketName, ObjectKey: objectKey, Variant: variant}
			_, _ = h.shared.Cache.Delete(ctx, key.String())
		}
	}

	return h.relayNonSuccess(w, reqID, result.Status, headers, respBody)
}
