package router

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sbaradwaj/s3proxy/internal/apierror"
	"github.com/sbaradwaj/s3proxy/internal/authn"
	"github.com/sbaradwaj/s3proxy/internal/authz"
	"github.com/sbaradwaj/s3proxy/internal/cachekey"
)

// adminAuthMiddleware requires a valid identity for every /admin
// route; admin-claim checks for mutating endpoints are applied by the
// individual handlers below, since /admin/cache/stats requires only
// authentication.
func adminAuthMiddleware(deps Deps) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if deps.Authenticator == nil {
				next.ServeHTTP(w, r)
				return
			}
			identity, err := deps.Authenticator.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				if err == authn.ErrMissingCredentials {
					apierror.WriteJSON(w, "", apierror.ErrMissingCredentials)
				} else {
					apierror.WriteJSON(w, "", apierror.ErrForbidden)
				}
				return
			}
			ctx := authn.WithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requireAdmin(w http.ResponseWriter, r *http.Request, deps Deps, bucket string) bool {
	if deps.Authz == nil {
		return true
	}
	identity, _ := authn.IdentityFromContext(r.Context())
	if err := deps.Authz.Authorize(r.Context(), identity, bucket, authz.ActionCachePurge); err != nil {
		apierror.WriteJSON(w, "", apierror.ErrForbidden)
		return false
	}
	return true
}

func purgeAllHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(w, r, deps, "") {
			return
		}
		if err := deps.Cache.PurgeAll(r.Context()); err != nil {
			apierror.WriteJSON(w, "", apierror.New(http.StatusInternalServerError, "cache_purge_failed", err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "purged", "scope": "all"})
	}
}

func purgeScopedHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bucket := chi.URLParam(r, "bucket")
		if !requireAdmin(w, r, deps, bucket) {
			return
		}
		path := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		// Compressed variants are independent entries under the same
		// (bucket, object) pair; a purge must remove all of them.
		var found bool
		for _, variant := range []string{"", "gzip", "br", "deflate"} {
			key := cachekey.Key{Bucket: bucket, ObjectKey: path, Variant: variant}
			ok, err := deps.Cache.Delete(r.Context(), key.String())
			if err != nil {
				apierror.WriteJSON(w, "", apierror.New(http.StatusInternalServerError, "cache_purge_failed", err.Error()))
				return
			}
			found = found || ok
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "purged", "bucket": bucket, "path": path, "found": found})
	}
}

func statsHandlerByBucket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bucket := chi.URLParam(r, "bucket")
		statsHandler(deps, bucket)(w, r)
	}
}

func statsHandler(deps Deps, _ string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := deps.Cache.Stats()
		writeJSON(w, http.StatusOK, stats)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
