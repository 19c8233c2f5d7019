package collector

import (
	"sync"
	"sync/atomic"
	"time"
)

// KeyCache is a TTL-based in-memory cache for authenticated ingest
// clients. Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: when an entry expires, Get still returns the
// stale value immediately and signals that a background refresh is
// needed, so no upload ever blocks on DB + bcrypt after the first cold
// start.
type KeyCache struct {
	store sync.Map      // map[string]*cacheEntry
	ttl   time.Duration // default 30s
}

type cacheEntry struct {
	client     *ClientContext
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewKeyCache creates a cache with the given TTL.
func NewKeyCache(ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &KeyCache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Client       *ClientContext
	Hit          bool // a value was found (fresh or stale)
	NeedsRefresh bool // the entry is expired and should refresh in the background
}

// Get looks up the ingest key in the cache. On a stale hit the
// refreshing flag is swapped atomically so only one goroutine refreshes
// per key.
func (c *KeyCache) Get(key string) GetResult {
	val, ok := c.store.Load(key)
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Client: entry.client, Hit: true}
	}
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return GetResult{
		Client:       entry.client,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a client context with the configured TTL.
func (c *KeyCache) Set(key string, client *ClientContext) {
	c.store.Store(key, &cacheEntry{
		client:    client,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *KeyCache) Delete(key string) {
	c.store.Delete(key)
}
