// Package authz makes the admin/cache-management authorization decision
// for an authenticated identity. The authorization engine itself (OPA,
// OpenFGA, or similar) is an external collaborator; this package only
// defines the narrow interface the router calls through and a
// permissive default implementation driven by the bucket's configured
// admin claim requirements.
package authz

import (
	"context"

	"github.com/sbaradwaj/s3proxy/internal/authn"
	"github.com/sbaradwaj/s3proxy/internal/config"
)

// Action names the operation being authorized.
type Action string

const (
	ActionCachePurge Action = "cache:purge"
	ActionCacheStats Action = "cache:stats"
)

// Decider is the seam between the router and whatever policy engine a
// deployment wires in. A real deployment might implement this over
// OPA or OpenFGA; ClaimMatchDecider below is the built-in default.
type Decider interface {
	Authorize(ctx context.Context, identity authn.Identity, bucket string, action Action) error
}

// ErrForbidden is returned when an identity is authenticated but lacks
// the claims required for the action; it maps to 403.
type ErrForbidden struct {
	Reason string
}

func (e *ErrForbidden) Error() string { return "forbidden: " + e.Reason }

// ClaimMatchDecider authorizes by requiring the identity's JWT claims
// to match every key/value pair in the bucket's AdminClaims config. A
// bucket with no AdminClaims configured has no admin restriction and
// permits any authenticated identity.
type ClaimMatchDecider struct {
	buckets map[string]config.AuthorizationConfig
}

// NewClaimMatchDecider indexes each bucket's AuthorizationConfig by
// bucket name for O(1) lookup during Authorize.
func NewClaimMatchDecider(buckets []config.BucketConfig) *ClaimMatchDecider {
	m := make(map[string]config.AuthorizationConfig, len(buckets))
	for _, b := range buckets {
		m[b.Name] = b.Authorization
	}
	return &ClaimMatchDecider{buckets: m}
}

// Authorize implements Decider.
func (d *ClaimMatchDecider) Authorize(_ context.Context, identity authn.Identity, bucket string, _ Action) error {
	rules, ok := d.buckets[bucket]
	if !ok || len(rules.AdminClaims) == 0 {
		return nil
	}
	for key, want := range rules.AdminClaims {
		got, ok := identity.Claims[key]
		if !ok {
			return &ErrForbidden{Reason: "missing claim " + key}
		}
		if gotStr, ok := got.(string); !ok || gotStr != want {
			return &ErrForbidden{Reason: "claim " + key + " does not match required value"}
		}
	}
	return nil
}

// AllowAll is a Decider that never rejects, for deployments that front
// admin endpoints with an external gateway.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, authn.Identity, string, Action) error { return nil }
