package store

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CacheObserver receives lookup-cache activity; a nil observer disables it.
type CacheObserver interface {
	CacheHit(n int)
	CacheMiss(n int)
	CacheExpired()
	CacheEvicted(bytes int64)
	CacheSize(total int64)
}

// Approximate per-pair overhead for map buckets and string headers, counted
// on top of the key and value byte lengths.
const pairOverhead = 48

type orgEntry struct {
	refs        map[string]string // email → doc id
	bytes       int64
	populatedAt time.Time
	expiresAt   time.Time
}

// LookupCache holds per-organization email → document-id maps resolved by
// earlier IN queries. Entries expire after a TTL; when accounted bytes
// exceed the cap, least-recently-populated organizations are evicted whole.
type LookupCache struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	ttl      time.Duration
	maxBytes int64
	bytes    int64
	orgs     map[string]*orgEntry
	obs      CacheObserver
}

// NewLookupCache builds the cache. A nil clock means wall clock.
func NewLookupCache(ttl time.Duration, maxSizeMB int, clock clockwork.Clock, obs CacheObserver) *LookupCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LookupCache{
		clock:    clock,
		ttl:      ttl,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		orgs:     make(map[string]*orgEntry),
		obs:      obs,
	}
}

// Lookup splits emails into cached resolutions and misses. An entry at or
// past its TTL counts as absent and is dropped.
func (c *LookupCache) Lookup(orgID string, emails []string) (map[string]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.orgs[orgID]
	if e != nil && !c.clock.Now().Before(e.expiresAt) {
		c.dropLocked(orgID, e)
		if c.obs != nil {
			c.obs.CacheExpired()
		}
		e = nil
	}

	found := make(map[string]string)
	var missing []string
	for _, email := range emails {
		if e != nil {
			if id, ok := e.refs[email]; ok {
				found[email] = id
				continue
			}
		}
		missing = append(missing, email)
	}
	if c.obs != nil {
		if n := len(found); n > 0 {
			c.obs.CacheHit(n)
		}
		if n := len(missing); n > 0 {
			c.obs.CacheMiss(n)
		}
	}
	return found, missing
}

// Populate merges resolved references into the organization's entry,
// restarting its TTL, then evicts oldest entries while over the byte cap.
func (c *LookupCache) Populate(orgID string, refs map[string]string) {
	if len(refs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e := c.orgs[orgID]
	if e == nil {
		e = &orgEntry{refs: make(map[string]string)}
		c.orgs[orgID] = e
	}
	for email, id := range refs {
		if old, ok := e.refs[email]; ok {
			delta := int64(len(id)) - int64(len(old))
			e.bytes += delta
			c.bytes += delta
		} else {
			sz := int64(len(email)+len(id)) + pairOverhead
			e.bytes += sz
			c.bytes += sz
		}
		e.refs[email] = id
	}
	e.populatedAt = now
	e.expiresAt = now.Add(c.ttl)

	for c.bytes > c.maxBytes && len(c.orgs) > 0 {
		oldestID := ""
		var oldest *orgEntry
		for id, cand := range c.orgs {
			if oldest == nil || cand.populatedAt.Before(oldest.populatedAt) {
				oldestID, oldest = id, cand
			}
		}
		c.dropLocked(oldestID, oldest)
		if c.obs != nil {
			c.obs.CacheEvicted(oldest.bytes)
		}
	}
	if c.obs != nil {
		c.obs.CacheSize(c.bytes)
	}
}

func (c *LookupCache) dropLocked(orgID string, e *orgEntry) {
	c.bytes -= e.bytes
	delete(c.orgs, orgID)
}

// Invalidate drops one organization's entry, typically after a cached
// reference proved stale against the store.
func (c *LookupCache) Invalidate(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.orgs[orgID]
	if e == nil {
		return
	}
	c.dropLocked(orgID, e)
	if c.obs != nil {
		c.obs.CacheSize(c.bytes)
	}
}

// Bytes reports the accounted cache size.
func (c *LookupCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Flush drops every entry. Called on graceful shutdown so observers see the
// final size.
func (c *LookupCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orgs = make(map[string]*orgEntry)
	c.bytes = 0
	if c.obs != nil {
		c.obs.CacheSize(0)
	}
}
