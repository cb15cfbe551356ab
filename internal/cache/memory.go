// Package cache provides a small in-process TTL cache used to memoise
// repeated rule-candidate searches for the same article title.
package cache

import (
	"sync"
	"time"
)

// TTLCache is a concurrency-safe map with per-entry expiry. Expired
// entries are dropped lazily on access.
type TTLCache struct {
	data map[string]entry
	mu   sync.Mutex
}

type entry struct {
	value     any
	expiresAt time.Time
}

// NewTTLCache creates an empty cache.
func NewTTLCache() *TTLCache {
	return &TTLCache{data: make(map[string]entry)}
}

// Get retrieves a cached value if present and not expired.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(c.data, key)
		return nil, false
	}
	return e.value, true
}

// Set stores a value. A non-positive ttl means no expiry.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.data[key] = entry{value: value, expiresAt: expires}
}

// Delete removes an entry.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Len reports the number of stored entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
