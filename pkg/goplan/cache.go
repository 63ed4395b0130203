package goplan

import (
	"sync"
	"time"
)

const (
	defaultCacheTTL        = 30 * time.Second
	defaultCacheMaxEntries = 1000
	cacheTypeEntitlement   = "entitlement"
)

// Cache holds recently read entitlements keyed by identity key.
type Cache interface {
	// Get returns a cached entitlement and true if present and fresh.
	Get(identityKey string) (*PlanEntitlement, bool)

	// Set stores an entitlement with the given TTL.
	Set(identityKey string, ent *PlanEntitlement, ttl time.Duration)

	// Invalidate removes an entry.
	Invalidate(identityKey string)

	// Clear removes all entries.
	Clear()

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	value      *PlanEntitlement
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopCache is used when caching is disabled.
type NoopCache struct{}

func (c *NoopCache) Get(_ string) (*PlanEntitlement, bool)           { return nil, false }
func (c *NoopCache) Set(_ string, _ *PlanEntitlement, _ time.Duration) {}
func (c *NoopCache) Invalidate(_ string)                               {}
func (c *NoopCache) Clear()                                            {}
func (c *NoopCache) Stats() CacheStats                                 { return CacheStats{} }

// LRUCache is an in-memory TTL cache that evicts the least recently used
// entry once it holds maxEntries items.
type LRUCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64
	now        func() time.Time
}

// NewLRUCache creates a cache bounded to maxEntries (default 1000).
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheMaxEntries
	}
	return &LRUCache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *LRUCache) Get(identityKey string) (*PlanEntitlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[identityKey]
	if !ok || entry.isExpired(now) {
		if ok {
			delete(c.entries, identityKey)
		}
		c.misses++
		return nil, false
	}

	c.sequence++
	entry.accessTime = now
	entry.sequence = c.sequence
	c.hits++
	return entry.value.Clone(), true
}

func (c *LRUCache) Set(identityKey string, ent *PlanEntitlement, ttl time.Duration) {
	if ent == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[identityKey]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.sequence++
	c.entries[identityKey] = &cacheEntry{
		value:      ent.Clone(),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   c.sequence,
	}
}

func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldest *cacheEntry
	for k, e := range c.entries {
		if oldest == nil ||
			e.accessTime.Before(oldest.accessTime) ||
			(e.accessTime.Equal(oldest.accessTime) && e.sequence < oldest.sequence) {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) Invalidate(identityKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, identityKey)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
