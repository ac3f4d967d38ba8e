package contacts

import (
	"sync"
	"time"
)

// Profile lookups are slow and rarely change, so results are kept for a
// while.  Empty values are never served from the cache.

const sweepAt = 4096

type cacheEntry struct {
	val    string
	expiry time.Time
}

type ttlCache struct {
	mu  sync.RWMutex
	m   map[string]cacheEntry
	ttl time.Duration
	now func() time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{m: map[string]cacheEntry{}, ttl: ttl, now: time.Now}
}

func (c *ttlCache) get(key string) (string, bool) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if ok && now.Before(e.expiry) && e.val != "" {
		return e.val, true
	}
	return "", false
}

// put stores val; expired entries are dropped once the cache grows past
// sweepAt.
func (c *ttlCache) put(key, val string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.m) >= sweepAt {
		for k, e := range c.m {
			if !now.Before(e.expiry) {
				delete(c.m, k)
			}
		}
	}
	c.m[key] = cacheEntry{val: val, expiry: now.Add(c.ttl)}
}
