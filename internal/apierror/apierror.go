// Package apierror maps the proxy's internal error taxonomy onto the
// {error, message, status} JSON body every client-facing failure
// returns.
package apierror

import (
	"encoding/json"
	"net/http"
)

// Error is a client-facing API error: an HTTP status plus a short code
// and a human-readable message. It deliberately carries no stack trace
// or internal detail; that stays in the structured log line the caller
// emits alongside it.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// New constructs an Error.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Well-known errors for the proxy's failure taxonomy. Handlers may also
// construct ad hoc errors with New for cases (security violations,
// range errors) that carry a dynamic message.
var (
	ErrMissingCredentials = New(http.StatusUnauthorized, "unauthorized", "missing credentials")
	ErrForbidden          = New(http.StatusForbidden, "forbidden", "credentials rejected")
	ErrNotFound           = New(http.StatusNotFound, "not_found", "object not found")
	ErrRangeNotSatisfiable = New(http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", "requested range is not satisfiable")
	ErrRateLimited        = New(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	ErrBadGateway         = New(http.StatusBadGateway, "bad_gateway", "all backend replicas exhausted")
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, "service_unavailable", "service temporarily unavailable")
	ErrGatewayTimeout     = New(http.StatusGatewayTimeout, "gateway_timeout", "request deadline exceeded")
	ErrBadRequest         = New(http.StatusBadRequest, "bad_request", "malformed request")
)

// WriteJSON writes e as the JSON response body with the matching
// status code and a Content-Type header. requestID, if non-empty, is
// also set as the X-Request-ID response header so every error response
// carries it.
func WriteJSON(w http.ResponseWriter, requestID string, e *Error) {
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}

// FromStatus builds a generic Error for an upstream status this proxy
// did not originate (e.g. an authoritative 404 relayed from a replica).
func FromStatus(status int, message string) *Error {
	code := http.StatusText(status)
	if code == "" {
		code = "error"
	}
	return New(status, code, message)
}
