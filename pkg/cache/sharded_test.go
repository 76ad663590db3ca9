package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedGetSet(t *testing.T) {
	c := NewSharded[string](64, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", "alpha")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	// Overwrite publishes the new value.
	c.Set("a", "beta")
	v, ok = c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "beta", v)
}

func TestShardedTTLExpiry(t *testing.T) {
	c := NewSharded[int](64, 10*time.Millisecond)

	c.Set("k", 42)
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry should expire after TTL")
}

func TestShardedLRUEviction(t *testing.T) {
	// 16 entries total = 1 entry per shard; a second insert into the
	// same shard must evict the first.
	c := NewSharded[int](16, time.Minute)

	for i := 0; i < 200; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i)
	}
	assert.LessOrEqual(t, c.Len(), 16)
}

func TestShardedCleanup(t *testing.T) {
	c := NewSharded[int](64, 5*time.Millisecond)
	c.Set("a", 1)
	c.Set("b", 2)

	time.Sleep(10 * time.Millisecond)
	c.Cleanup()
	assert.Equal(t, 0, c.Len())
}

func TestShardedStats(t *testing.T) {
	c := NewSharded[int](64, time.Minute)
	c.Set("a", 1)

	c.Get("a")
	c.Get("nope")

	hits, misses := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestShardedConcurrentAccess(t *testing.T) {
	c := NewSharded[int](1024, time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("key-%d", i%100)
				c.Set(key, i)
				if v, ok := c.Get(key); ok {
					// Values are never torn: any published int is valid.
					assert.GreaterOrEqual(t, v, 0)
				}
			}
		}(g)
	}
	wg.Wait()
}
