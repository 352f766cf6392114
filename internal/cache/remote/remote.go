// Package remote implements the tiered cache's shared remote layer: a
// Redis-backed key-value store shared across proxy instances, with
// TTL passed through to Redis so eviction is server-side. Wiring
// follows the same redis.ParseURL + go-redis client construction the
// gateway's redisclient package uses.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sbaradwaj/s3proxy/internal/cache"
)

// Config configures the Redis connection and key namespace.
type Config struct {
	URL       string
	KeyPrefix string
}

// Layer is the shared-remote cache tier.
type Layer struct {
	client    redis.UniversalClient
	keyPrefix string

	hits   atomic.Int64
	misses atomic.Int64
}

type wireEntry struct {
	Body           []byte    `json:"body"`
	ETag           string    `json:"etag"`
	ContentType    string    `json:"content_type"`
	StoredAt       time.Time `json:"stored_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Revalidate     bool      `json:"revalidate"`
}

// New parses cfg.URL with redis.ParseURL and constructs a client-backed
// layer. Returns an error if the URL is malformed.
func New(cfg Config) (*Layer, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opt), cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client, letting tests inject a
// miniredis-backed client instead of dialing a real server.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Layer {
	return &Layer{client: client, keyPrefix: keyPrefix}
}

func (l *Layer) Name() string { return "remote" }

func (l *Layer) namespacedKey(key string) string {
	return l.keyPrefix + key
}

// Get fetches and decodes the entry. A missing key or an expired entry
// (defense in depth alongside Redis's own TTL expiry) is reported as a
// miss, never an error.
func (l *Layer) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	data, err := l.client.Get(ctx, l.namespacedKey(key)).Bytes()
	if err == redis.Nil {
		l.misses.Add(1)
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, err
	}

	var we wireEntry
	if err := json.Unmarshal(data, &we); err != nil {
		return cache.Entry{}, false, err
	}
	if time.Now().After(we.ExpiresAt) {
		l.misses.Add(1)
		return cache.Entry{}, false, nil
	}
	l.hits.Add(1)
	return cache.Entry{
		Body:           we.Body,
		ETag:           we.ETag,
		ContentType:    we.ContentType,
		StoredAt:       we.StoredAt,
		ExpiresAt:      we.ExpiresAt,
		LastAccessedAt: time.Now(),
		Revalidate:     we.Revalidate,
	}, true, nil
}

// Set encodes the entry and writes it with Redis's own TTL, so
// eviction of the remote layer is entirely server-side.
func (l *Layer) Set(ctx context.Context, key string, entry cache.Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	we := wireEntry{
		Body:           entry.Body,
		ETag:           entry.ETag,
		ContentType:    entry.ContentType,
		StoredAt:       entry.StoredAt,
		ExpiresAt:      time.Now().Add(ttl),
		LastAccessedAt: entry.LastAccessedAt,
		Revalidate:     entry.Revalidate,
	}
	data, err := json.Marshal(we)
	if err != nil {
		return err
	}
	return l.client.Set(ctx, l.namespacedKey(key), data, ttl).Err()
}

// Clear deletes every key under this layer's namespace, scanning in
// batches rather than KEYS so a large namespace does not block the
// Redis server.
func (l *Layer) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, l.keyPrefix+"*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := l.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Delete removes key, reporting whether it was present.
func (l *Layer) Delete(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Del(ctx, l.namespacedKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Stats reports hit/miss counters. Items/Bytes are left at zero: Redis
// does not cheaply expose a namespaced key count or byte total without
// an expensive SCAN, and aggregate stats tolerate layers that do not
// report sizes.
func (l *Layer) Stats() cache.LayerStats {
	return cache.LayerStats{
		Hits:   l.hits.Load(),
		Misses: l.misses.Load(),
	}
}
