package service

import (
	"sync"
	"time"
)

type cacheItem[V any] struct {
	value      V
	storedAt   time.Time
	expiresAt  time.Time
	lastAccess time.Time
}

type TTLCacheConfig struct {
	TTL     time.Duration
	MaxSize int
	// Now is used instead of time.Now when set.
	Now func() time.Time
}

// TTLCache is a bounded key/value store. Expired entries are dropped when
// they are read and whenever a write needs room; there is no background sweeper.
type TTLCache[K comparable, V any] struct {
	config TTLCacheConfig
	mutex  sync.Mutex
	items  map[K]*cacheItem[V]
}

func NewTTLCache[K comparable, V any](config TTLCacheConfig) *TTLCache[K, V] {
	if config.MaxSize <= 0 {
		config.MaxSize = 100
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &TTLCache[K, V]{
		config: config,
		items:  make(map[K]*cacheItem[V]),
	}
}

func (cache *TTLCache[K, V]) Get(key K) (V, bool) {
	value, _, ok := cache.GetWithAge(key)
	return value, ok
}

// GetWithAge also returns when the entry was stored.
func (cache *TTLCache[K, V]) GetWithAge(key K) (V, time.Time, bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	var zero V
	now := cache.config.Now()

	item, exists := cache.items[key]
	if !exists {
		return zero, time.Time{}, false
	}

	if !now.Before(item.expiresAt) {
		delete(cache.items, key)
		return zero, time.Time{}, false
	}

	item.lastAccess = now
	return item.value, item.storedAt, true
}

func (cache *TTLCache[K, V]) Set(key K, value V) {
	cache.SetWithTTL(key, value, cache.config.TTL)
}

func (cache *TTLCache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	now := cache.config.Now()

	if _, exists := cache.items[key]; !exists && len(cache.items) >= cache.config.MaxSize {
		cache.evictLocked(now)
	}

	cache.items[key] = &cacheItem[V]{
		value:      value,
		storedAt:   now,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
}

// Replace swaps the value of a live entry without extending its lifetime.
// It returns false when the key is missing or expired.
func (cache *TTLCache[K, V]) Replace(key K, value V) bool {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	item, exists := cache.items[key]
	if !exists || !cache.config.Now().Before(item.expiresAt) {
		return false
	}

	item.value = value
	return true
}

func (cache *TTLCache[K, V]) Delete(key K) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	delete(cache.items, key)
}

func (cache *TTLCache[K, V]) Len() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return len(cache.items)
}

func (cache *TTLCache[K, V]) Clear() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.items = make(map[K]*cacheItem[V])
}

// evictLocked removes expired entries and, if the cache is still full, the
// least recently used one.
func (cache *TTLCache[K, V]) evictLocked(now time.Time) {
	for key, item := range cache.items {
		if !now.Before(item.expiresAt) {
			delete(cache.items, key)
		}
	}

	if len(cache.items) < cache.config.MaxSize {
		return
	}

	var oldestKey K
	var oldest time.Time
	first := true

	for key, item := range cache.items {
		if first || item.lastAccess.Before(oldest) {
			oldestKey = key
			oldest = item.lastAccess
			first = false
		}
	}

	delete(cache.items, oldestKey)
}

type OIDCCacheConfig struct {
	DiscoveryTTL time.Duration
	JWKSTTL      time.Duration
	MaxSize      int
	Now          func() time.Time
}

// OIDCCache groups the caches shared by the discovery and token services.
type OIDCCache struct {
	Discovery *TTLCache[string, DiscoveryDocument]
	Endpoints *TTLCache[string, EndpointConfiguration]
	JWKS      *TTLCache[string, jwksEntry]
}

func NewOIDCCache(config OIDCCacheConfig) *OIDCCache {
	if config.DiscoveryTTL <= 0 {
		config.DiscoveryTTL = time.Hour
	}
	if config.JWKSTTL <= 0 {
		config.JWKSTTL = time.Hour
	}
	return &OIDCCache{
		Discovery: NewTTLCache[string, DiscoveryDocument](TTLCacheConfig{
			TTL:     config.DiscoveryTTL,
			MaxSize: config.MaxSize,
			Now:     config.Now,
		}),
		Endpoints: NewTTLCache[string, EndpointConfiguration](TTLCacheConfig{
			TTL:     config.DiscoveryTTL,
			MaxSize: config.MaxSize,
			Now:     config.Now,
		}),
		JWKS: NewTTLCache[string, jwksEntry](TTLCacheConfig{
			TTL:     config.JWKSTTL,
			MaxSize: config.MaxSize,
			Now:     config.Now,
		}),
	}
}

// SelfTest writes, reads and deletes a sentinel entry.
func (c *OIDCCache) SelfTest() bool {
	const sentinelKey = "__health_check__"
	sentinel := EndpointConfiguration{AuthorizationURL: "sentinel", TokenURL: "sentinel"}

	c.Endpoints.Set(sentinelKey, sentinel)
	got, ok := c.Endpoints.Get(sentinelKey)
	c.Endpoints.Delete(sentinelKey)

	return ok && got.AuthorizationURL == sentinel.AuthorizationURL
}

func (c *OIDCCache) Sizes() map[string]int {
	return map[string]int{
		"discovery": c.Discovery.Len(),
		"endpoints": c.Endpoints.Len(),
		"jwks":      c.JWKS.Len(),
	}
}
