// Package coalescer deduplicates concurrent cache misses on the same
// key so the backend sees at most one in-flight fetch per key at a
// time. Callers acquire either a Leader slot (fetch and populate the
// cache) or a Follower slot (wait, then re-read the cache).
package coalescer

import "sync"

// Slot is a scoped handle returned by Acquire. Exactly one of the
// Leader/Follower roles applies; callers branch on IsLeader.
type Slot struct {
	IsLeader bool

	entry *entry
	coal  *Coalescer
	key   string
}

// entry is the per-key record shared by the leader and its followers.
type entry struct {
	done        chan struct{}
	waiterCount int
}

// Coalescer is a sharded map of in-flight per-key entries. Sharding
// keeps the hot path (Acquire/Release) from taking a single global lock
// under high concurrency; callers size the shard count off the CPU
// count at construction time.
type Coalescer struct {
	shards []shard
	mask   uint32
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Coalescer with the given number of shards, rounded up
// to the next power of two. shardCount should be at least four times
// the CPU count to keep shard contention negligible.
func New(shardCount int) *Coalescer {
	n := nextPowerOfTwo(shardCount)
	c := &Coalescer{
		shards: make([]shard, n),
		mask:   uint32(n - 1),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry)
	}
	return c
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

func (c *Coalescer) shardFor(key string) *shard {
	return &c.shards[fnv32(key)&c.mask]
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Acquire returns a Leader slot if no fetch for key is currently
// in-flight (the caller must perform the origin fetch and then call
// Release), or a Follower slot if one is already in-flight (the caller
// should call Wait, then re-check the cache).
func (c *Coalescer) Acquire(key string) *Slot {
	sh := c.shardFor(key)
	sh.mu.Lock()
	e, exists := sh.entries[key]
	if !exists {
		e = &entry{done: make(chan struct{})}
		sh.entries[key] = e
		sh.mu.Unlock()
		return &Slot{IsLeader: true, entry: e, coal: c, key: key}
	}
	e.waiterCount++
	sh.mu.Unlock()
	return &Slot{IsLeader: false, entry: e, coal: c, key: key}
}

// Wait blocks until the leader for this key releases its slot. Callers
// must only call this on a Follower slot.
func (s *Slot) Wait() {
	<-s.entry.done
}

// Release unblocks all followers for this key and removes the
// coalescer entry so the next Acquire for this key becomes a fresh
// Leader. Safe to call from a deferred Leader release even after a
// panic: the entry is unconditionally removed from the map and the
// done channel unconditionally closed, exactly once.
//
// Followers call Release too, after Wait returns. A follower's Release
// decrements waiterCount only while the entry it joined is still in the
// map; once the leader has released, the entry is gone and the call
// changes nothing. Followers never close the channel or remove the entry.
func (s *Slot) Release() {
	if s.IsLeader {
		sh := s.coal.shardFor(s.key)
		sh.mu.Lock()
		if e, ok := sh.entries[s.key]; ok && e == s.entry {
			delete(sh.entries, s.key)
		}
		sh.mu.Unlock()
		close(s.entry.done)
		return
	}
	sh := s.coal.shardFor(s.key)
	sh.mu.Lock()
	if e, ok := sh.entries[s.key]; ok && e == s.entry {
		e.waiterCount--
	}
	sh.mu.Unlock()
}
