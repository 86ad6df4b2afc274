package service_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/steveiliop56/tinytrust/internal/service"

	"gotest.tools/v3/assert"
)

func TestTTLCache(t *testing.T) {
	clock := newTestClock()

	newCache := func(maxSize int) *service.TTLCache[string, int] {
		return service.NewTTLCache[string, int](service.TTLCacheConfig{
			TTL:     time.Minute,
			MaxSize: maxSize,
			Now:     clock.Now,
		})
	}

	t.Run("Entries expire at their deadline", func(t *testing.T) {
		cache := newCache(10)
		cache.Set("a", 1)

		clock.Advance(59 * time.Second)
		value, ok := cache.Get("a")
		assert.Assert(t, ok)
		assert.Equal(t, 1, value)

		clock.Advance(time.Second)
		_, ok = cache.Get("a")
		assert.Assert(t, !ok)
		assert.Equal(t, 0, cache.Len())
	})

	t.Run("Per entry TTL overrides the default", func(t *testing.T) {
		cache := newCache(10)
		cache.SetWithTTL("short", 1, time.Second)
		cache.Set("long", 2)

		clock.Advance(2 * time.Second)

		_, ok := cache.Get("short")
		assert.Assert(t, !ok)
		_, ok = cache.Get("long")
		assert.Assert(t, ok)
	})

	t.Run("GetWithAge reports when the entry was stored", func(t *testing.T) {
		cache := newCache(10)
		stored := clock.Now()
		cache.Set("a", 1)

		clock.Advance(10 * time.Second)

		_, storedAt, ok := cache.GetWithAge("a")
		assert.Assert(t, ok)
		assert.Equal(t, stored, storedAt)
	})

	t.Run("Full cache evicts the least recently used entry", func(t *testing.T) {
		cache := newCache(3)
		for i := range 3 {
			cache.Set(fmt.Sprintf("k%d", i), i)
			clock.Advance(time.Second)
		}

		// Touch k0 so k1 becomes the oldest
		_, ok := cache.Get("k0")
		assert.Assert(t, ok)
		clock.Advance(time.Second)

		cache.Set("k3", 3)

		assert.Equal(t, 3, cache.Len())
		_, ok = cache.Get("k1")
		assert.Assert(t, !ok)
		_, ok = cache.Get("k0")
		assert.Assert(t, ok)
		_, ok = cache.Get("k3")
		assert.Assert(t, ok)
	})

	t.Run("Expired entries are evicted before live ones", func(t *testing.T) {
		cache := newCache(2)
		cache.SetWithTTL("stale", 1, time.Second)
		cache.Set("live", 2)

		clock.Advance(2 * time.Second)
		cache.Set("new", 3)

		_, ok := cache.Get("live")
		assert.Assert(t, ok)
		_, ok = cache.Get("new")
		assert.Assert(t, ok)
	})

	t.Run("Overwriting a key does not evict", func(t *testing.T) {
		cache := newCache(2)
		cache.Set("a", 1)
		cache.Set("b", 2)
		cache.Set("a", 3)

		value, ok := cache.Get("a")
		assert.Assert(t, ok)
		assert.Equal(t, 3, value)
		_, ok = cache.Get("b")
		assert.Assert(t, ok)
	})

	t.Run("Delete and clear", func(t *testing.T) {
		cache := newCache(10)
		cache.Set("a", 1)
		cache.Set("b", 2)

		cache.Delete("a")
		assert.Equal(t, 1, cache.Len())

		cache.Clear()
		assert.Equal(t, 0, cache.Len())
	})
}

func TestOIDCCache(t *testing.T) {
	cache := service.NewOIDCCache(service.OIDCCacheConfig{})

	assert.Assert(t, cache.SelfTest())
	assert.DeepEqual(t, map[string]int{"discovery": 0, "endpoints": 0, "jwks": 0}, cache.Sizes())
}
