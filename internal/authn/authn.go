// Package authn implements bearer-token authentication: JWT
// verification via golang-jwt/jwt/v5, with a TTL cache of validated
// identities so the same token is not re-parsed on every request.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller's resolved claims, the subset
// the pipeline and authz care about.
type Identity struct {
	Subject string
	Claims  map[string]any
}

type contextKey string

const identityContextKey contextKey = "authn_identity"

// WithIdentity attaches an Identity to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext retrieves the Identity attached by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// ErrMissingCredentials is returned when no Authorization header (or
// configured token source) is present at all; it maps to 401.
var ErrMissingCredentials = errors.New("missing credentials")

// ErrInvalidCredentials is returned when credentials are present but
// rejected; it maps to 403.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Config configures JWT verification.
type Config struct {
	Enabled  bool
	Secret   string
	Issuer   string
	Audience string
	// CacheTTL bounds how long a validated token's identity is cached.
	CacheTTL time.Duration
}

// Authenticator verifies bearer tokens and caches validated identities
// for CacheTTL, avoiding re-parsing the same token on every request.
type Authenticator struct {
	cfg Config

	cache sync.Map // raw token -> cachedIdentity
}

type cachedIdentity struct {
	identity  Identity
	expiresAt time.Time
}

// New creates an Authenticator. If cfg.Enabled is false, Authenticate
// always succeeds with an anonymous Identity — useful for local/dev
// deployments that front the proxy with an external auth layer.
func New(cfg Config) *Authenticator {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Authenticator{cfg: cfg}
}

// extractBearer pulls the token out of an Authorization header value,
// accepting both "Bearer <token>" and a bare token.
func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// Authenticate validates the Authorization header value, returning the
// resolved Identity or a sentinel error mapping to 401/403.
func (a *Authenticator) Authenticate(authHeader string) (Identity, error) {
	if !a.cfg.Enabled {
		return Identity{Subject: "anonymous"}, nil
	}

	token := extractBearer(authHeader)
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}

	if cached, ok := a.cache.Load(token); ok {
		ci := cached.(cachedIdentity)
		if time.Now().Before(ci.expiresAt) {
			return ci.identity, nil
		}
		a.cache.Delete(token)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.Secret), nil
	},
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(a.cfg.Audience),
	)
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidCredentials
	}

	subject, _ := claims.GetSubject()
	identity := Identity{Subject: subject, Claims: map[string]any(claims)}
	a.cache.Store(token, cachedIdentity{identity: identity, expiresAt: time.Now().Add(a.cfg.CacheTTL)})
	return identity, nil
}
