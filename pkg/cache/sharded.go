// Package cache provides a process-wide sharded cache with TTL
// expiration and LRU eviction. Entries are published atomically: a
// reader sees either the whole value or a miss, never a torn entry.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	lastAccess time.Time
}

type shard[V any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[V]
}

// Sharded is a fixed-shard cache keyed by string. Lookups take a shard
// read lock; insertions take the shard write lock. Values are stored as
// given, so callers must not mutate cached values after Set.
type Sharded[V any] struct {
	shards       [shardCount]*shard[V]
	ttl          time.Duration
	maxPerShard  int
	hits, misses uint64
	statMu       sync.Mutex
}

// NewSharded creates a cache bounded to maxEntries with the given TTL.
func NewSharded[V any](maxEntries int, ttl time.Duration) *Sharded[V] {
	if maxEntries < shardCount {
		maxEntries = shardCount
	}
	c := &Sharded[V]{
		ttl:         ttl,
		maxPerShard: maxEntries / shardCount,
	}
	for i := range c.shards {
		c.shards[i] = &shard[V]{entries: make(map[string]*entry[V])}
	}
	return c
}

func (c *Sharded[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the cached value for key if present and unexpired.
func (c *Sharded[V]) Get(key string) (V, bool) {
	var zero V
	s := c.shardFor(key)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		c.recordMiss()
		return zero, false
	}

	s.mu.Lock()
	e.lastAccess = time.Now()
	s.mu.Unlock()

	c.recordHit()
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry
// in the shard when full.
func (c *Sharded[V]) Set(key string, value V) {
	now := time.Now()
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= c.maxPerShard {
		evictOldest(s)
	}
	s.entries[key] = &entry[V]{
		value:      value,
		expiresAt:  now.Add(c.ttl),
		lastAccess: now,
	}
}

// Remove deletes the entry for key if present.
func (c *Sharded[V]) Remove(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len returns the number of entries, including any not yet reaped
// expired ones.
func (c *Sharded[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns cumulative hit and miss counts.
func (c *Sharded[V]) Stats() (hits, misses uint64) {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	return c.hits, c.misses
}

// Cleanup removes expired entries. Intended to be run periodically.
func (c *Sharded[V]) Cleanup() {
	now := time.Now()
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// StartCleanup launches a goroutine that reaps expired entries every
// interval until stop is closed.
func (c *Sharded[V]) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}

func evictOldest[V any](s *shard[V]) {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range s.entries {
		if first || e.lastAccess.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.lastAccess
			first = false
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

func (c *Sharded[V]) recordHit() {
	c.statMu.Lock()
	c.hits++
	c.statMu.Unlock()
}

func (c *Sharded[V]) recordMiss() {
	c.statMu.Lock()
	c.misses++
	c.statMu.Unlock()
}
