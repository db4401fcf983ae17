// Package cratecache caches the crates.io API's dl_path lookup for a short
// TTL, so a burst of requests for the same crate/version doesn't hammer the
// crates.io API for metadata the proxy already resolved moments ago.
//
// Trimmed down from _examples/block-cachew/internal/cache/memory.go: that
// cache is a generic byte-blob store with LRU eviction and namespacing,
// sized for arbitrary cached artifacts. spec.md's Non-goals rule out
// artifact-blob caching entirely, so this keeps only the part of Memory's
// shape that still has a job here — a mutex-guarded map with per-entry TTL —
// and drops the eviction/namespace/size-limit machinery that has nothing
// left to manage once values are a few bytes of URL string.
package cratecache

import (
	"sync"
	"time"
)

const defaultTTL = 60 * time.Second

type entry struct {
	dlPath    string
	expiresAt time.Time
}

// Cache maps "{crate}/{version}" to its crates.io-resolved dl_path.
type Cache struct {
	ttl time.Duration
	mu  sync.RWMutex
	m   map[string]entry
}

func New() *Cache {
	return &Cache{ttl: defaultTTL, m: make(map[string]entry)}
}

func key(crate, version string) string { return crate + "/" + version }

// Get returns the cached dl_path for crate@version, if present and unexpired.
func (c *Cache) Get(crate, version string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.m[key(crate, version)]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.dlPath, true
}

// Set stores dlPath for crate@version for the cache's TTL.
func (c *Cache) Set(crate, version, dlPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.m[key(crate, version)] = entry{dlPath: dlPath, expiresAt: time.Now().Add(c.ttl)}
}
