// Package memory implements the tiered cache's primary layer: a
// sharded, size-bounded LRU with per-item max size and on-read TTL
// expiry. Sharding keeps Get/Set off a single global lock under high
// concurrency, the same rationale used by the request coalescer.
package memory

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sbaradwaj/s3proxy/internal/cache"
)

// Config bounds the layer's footprint.
type Config struct {
	ShardCount   int
	MaxBytes     int64 // total budget across all shards
	MaxItemBytes int64 // a single entry larger than this is never stored
}

// Layer is the memory cache tier.
type Layer struct {
	cfg    Config
	shards []shard
	mask   uint32

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type shard struct {
	mu        sync.Mutex
	ll        *list.List
	items     map[string]*list.Element
	bytes     int64
	maxBytes  int64
}

type record struct {
	key   string
	entry cache.Entry
	size  int64
}

// New creates a memory layer with cfg.ShardCount shards (rounded up to
// a power of two), each budgeted an equal share of cfg.MaxBytes.
func New(cfg Config) *Layer {
	n := nextPowerOfTwo(cfg.ShardCount)
	perShard := cfg.MaxBytes / int64(n)
	if perShard < 1 {
		perShard = 1
	}
	l := &Layer{cfg: cfg, shards: make([]shard, n), mask: uint32(n - 1)}
	for i := range l.shards {
		l.shards[i].ll = list.New()
		l.shards[i].items = make(map[string]*list.Element)
		l.shards[i].maxBytes = perShard
	}
	return l
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (l *Layer) shardFor(key string) *shard {
	return &l.shards[fnv32(key)&l.mask]
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (l *Layer) Name() string { return "memory" }

// Get returns the entry if present and not expired. An expired entry
// is evicted on read and reported as a miss.
func (l *Layer) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	sh := l.shardFor(key)
	sh.mu.Lock()
	el, ok := sh.items[key]
	if !ok {
		sh.mu.Unlock()
		l.misses.Add(1)
		return cache.Entry{}, false, nil
	}
	rec := el.Value.(*record)
	if rec.entry.Expired(time.Now()) {
		sh.removeElement(el)
		sh.mu.Unlock()
		l.misses.Add(1)
		l.evictions.Add(1)
		return cache.Entry{}, false, nil
	}
	rec.entry.LastAccessedAt = time.Now()
	sh.ll.MoveToFront(el)
	entry := rec.entry
	sh.mu.Unlock()
	l.hits.Add(1)
	return entry, true, nil
}

// Set stores entry, evicting LRU items as needed to stay within the
// shard's byte budget. Entries larger than MaxItemBytes are silently
// not stored (treated as a successful no-op write-through skip).
func (l *Layer) Set(ctx context.Context, key string, entry cache.Entry, ttl time.Duration) error {
	size := int64(len(entry.Body))
	if l.cfg.MaxItemBytes > 0 && size > l.cfg.MaxItemBytes {
		return nil
	}
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}

	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if el, ok := sh.items[key]; ok {
		old := el.Value.(*record)
		sh.bytes -= old.size
		el.Value = &record{key: key, entry: entry, size: size}
		sh.bytes += size
		sh.ll.MoveToFront(el)
	} else {
		el := sh.ll.PushFront(&record{key: key, entry: entry, size: size})
		sh.items[key] = el
		sh.bytes += size
	}

	for sh.bytes > sh.maxBytes {
		back := sh.ll.Back()
		if back == nil {
			break
		}
		sh.removeElement(back)
		l.evictions.Add(1)
	}
	return nil
}

func (sh *shard) removeElement(el *list.Element) {
	rec := el.Value.(*record)
	sh.ll.Remove(el)
	delete(sh.items, rec.key)
	sh.bytes -= rec.size
}

// Clear empties every shard, discarding all entries.
func (l *Layer) Clear(ctx context.Context) error {
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		sh.ll.Init()
		sh.items = make(map[string]*list.Element)
		sh.bytes = 0
		sh.mu.Unlock()
	}
	return nil
}

// Delete removes key, reporting whether it was present.
func (l *Layer) Delete(ctx context.Context, key string) (bool, error) {
	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	el, ok := sh.items[key]
	if !ok {
		return false, nil
	}
	sh.removeElement(el)
	return true, nil
}

// Stats reports aggregate counters across all shards.
func (l *Layer) Stats() cache.LayerStats {
	var items, bytes int64
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		items += int64(sh.ll.Len())
		bytes += sh.bytes
		sh.mu.Unlock()
	}
	return cache.LayerStats{
		Hits:      l.hits.Load(),
		Misses:    l.misses.Load(),
		Evictions: l.evictions.Load(),
		Items:     items,
		Bytes:     bytes,
	}
}
