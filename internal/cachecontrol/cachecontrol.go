// Package cachecontrol parses HTTP Cache-Control header directives from
// backend responses and answers the storability/freshness questions the
// tiered cache needs.
package cachecontrol

import (
	"strconv"
	"strings"
	"time"
)

// CacheControl holds the parsed directives from a Cache-Control header
// value. Unset durations are nil.
type CacheControl struct {
	MaxAge               *time.Duration
	SMaxAge              *time.Duration
	StaleWhileRevalidate *time.Duration
	StaleIfError         *time.Duration

	NoStore         bool
	NoCache         bool
	Private         bool
	Public          bool
	MustRevalidate  bool
	ProxyRevalidate bool
	NoTransform     bool
	Immutable       bool
}

// Parse parses a raw Cache-Control header value. Unknown directives are
// silently ignored, matching RFC 7234's extensibility requirement.
func Parse(header string) CacheControl {
	var cc CacheControl

	for _, raw := range strings.Split(header, ",") {
		directive := strings.ToLower(strings.TrimSpace(raw))
		if directive == "" {
			continue
		}

		if name, value, ok := strings.Cut(directive, "="); ok {
			name = strings.TrimSpace(name)
			value = strings.Trim(strings.TrimSpace(value), `"`)
			secs, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				continue
			}
			d := time.Duration(secs) * time.Second
			switch name {
			case "max-age":
				cc.MaxAge = &d
			case "s-maxage":
				cc.SMaxAge = &d
			case "stale-while-revalidate":
				cc.StaleWhileRevalidate = &d
			case "stale-if-error":
				cc.StaleIfError = &d
			}
			continue
		}

		switch directive {
		case "no-store":
			cc.NoStore = true
		case "no-cache":
			cc.NoCache = true
		case "private":
			cc.Private = true
		case "public":
			cc.Public = true
		case "must-revalidate":
			cc.MustRevalidate = true
		case "proxy-revalidate":
			cc.ProxyRevalidate = true
		case "no-transform":
			cc.NoTransform = true
		case "immutable":
			cc.Immutable = true
		}
	}

	return cc
}

// EffectiveMaxAge returns s-maxage if present, else max-age, else nil.
func (cc CacheControl) EffectiveMaxAge() *time.Duration {
	if cc.SMaxAge != nil {
		return cc.SMaxAge
	}
	return cc.MaxAge
}

// IsCacheableBySharedCache reports whether a shared cache (like this
// proxy) may store the response at all.
func (cc CacheControl) IsCacheableBySharedCache() bool {
	return !cc.NoStore && !cc.Private
}

// ShouldStore reports whether the tiered cache should insert an entry
// for this response.
func (cc CacheControl) ShouldStore() bool {
	if !cc.IsCacheableBySharedCache() {
		return false
	}
	if max := cc.EffectiveMaxAge(); max != nil && *max == 0 && cc.StaleWhileRevalidate == nil {
		return false
	}
	return true
}

// EffectiveTTL returns the TTL to assign to a new cache entry, falling
// back to defaultTTL when no max-age directive is present.
func (cc CacheControl) EffectiveTTL(defaultTTL time.Duration) time.Duration {
	if max := cc.EffectiveMaxAge(); max != nil {
		return *max
	}
	return defaultTTL
}

// RequiresRevalidation reports whether a stale entry must be
// revalidated with the origin before being served.
func (cc CacheControl) RequiresRevalidation() bool {
	return cc.MustRevalidate || cc.ProxyRevalidate || cc.NoCache
}
