// ABOUTME: TTL cache of provider message ids used to drop webhook redeliveries
// ABOUTME: Backed by go-cache, whose Add is an atomic check-and-mark

package dedupe

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a message id is remembered.
const DefaultTTL = 10 * time.Minute

// Cache remembers recently seen message ids.
type Cache struct {
	items *gocache.Cache
	ttl   time.Duration
}

// New creates a cache whose entries expire after ttl. Expired entries are
// swept every ttl.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		items: gocache.New(ttl, ttl),
		ttl:   ttl,
	}
}

// CheckAndMark reports whether key was already seen and marks it if not.
// An empty key is never a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	if key == "" {
		return false
	}
	return c.items.Add(key, struct{}{}, gocache.DefaultExpiration) != nil
}

// Close drops every entry.
func (c *Cache) Close() {
	c.items.Flush()
}
