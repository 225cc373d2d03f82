package store

import (
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type recordingObserver struct {
	hits    int
	misses  int
	expired int
	evicted int
	size    int64
}

func (o *recordingObserver) CacheHit(n int) { o.hits += n }

func (o *recordingObserver) CacheMiss(n int) { o.misses += n }

func (o *recordingObserver) CacheExpired() { o.expired++ }

func (o *recordingObserver) CacheEvicted(bytes int64) { o.evicted++ }

func (o *recordingObserver) CacheSize(total int64) { o.size = total }

func TestLookupCacheHitMiss(t *testing.T) {
	clock := clockwork.NewFakeClock()
	obs := &recordingObserver{}
	c := NewLookupCache(5*time.Minute, 100, clock, obs)

	c.Populate("acme", map[string]string{"a@x.com": "id-a"})

	found, missing := c.Lookup("acme", []string{"a@x.com", "b@x.com"})
	if found["a@x.com"] != "id-a" {
		t.Fatalf("found = %v, want a@x.com resolved", found)
	}
	if len(missing) != 1 || missing[0] != "b@x.com" {
		t.Fatalf("missing = %v, want [b@x.com]", missing)
	}
	if obs.hits != 1 || obs.misses != 1 {
		t.Errorf("observer hits/misses = %d/%d, want 1/1", obs.hits, obs.misses)
	}
}

func TestLookupCacheExpiresAtExactTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	obs := &recordingObserver{}
	ttl := 300 * time.Second
	c := NewLookupCache(ttl, 100, clock, obs)

	c.Populate("acme", map[string]string{"a@x.com": "id-a"})

	clock.Advance(ttl - time.Millisecond)
	if found, _ := c.Lookup("acme", []string{"a@x.com"}); len(found) != 1 {
		t.Fatalf("entry expired before TTL elapsed")
	}

	clock.Advance(time.Millisecond)
	found, missing := c.Lookup("acme", []string{"a@x.com"})
	if len(found) != 0 || len(missing) != 1 {
		t.Fatalf("entry at exactly TTL should be expired: found=%v missing=%v", found, missing)
	}
	if obs.expired != 1 {
		t.Errorf("expired count = %d, want 1", obs.expired)
	}
}

func TestLookupCacheEvictsOldestWhenOverCap(t *testing.T) {
	clock := clockwork.NewFakeClock()
	obs := &recordingObserver{}
	c := NewLookupCache(time.Hour, 1, clock, obs) // 1 MB cap

	big := strings.Repeat("x", 600_000)
	c.Populate("org-old", map[string]string{"a@x.com": big})
	clock.Advance(time.Second)
	c.Populate("org-new", map[string]string{"b@x.com": big})

	if _, missing := c.Lookup("org-old", []string{"a@x.com"}); len(missing) != 1 {
		t.Fatalf("oldest entry should have been evicted")
	}
	if found, _ := c.Lookup("org-new", []string{"b@x.com"}); len(found) != 1 {
		t.Fatalf("newest entry should have survived eviction")
	}
	if obs.evicted != 1 {
		t.Errorf("evicted count = %d, want 1", obs.evicted)
	}
	if c.Bytes() > 1024*1024 {
		t.Errorf("cache bytes %d above cap after eviction", c.Bytes())
	}
	if obs.size != c.Bytes() {
		t.Errorf("observer size %d != accounted bytes %d", obs.size, c.Bytes())
	}
}

func TestLookupCacheInvalidate(t *testing.T) {
	c := NewLookupCache(time.Minute, 100, clockwork.NewFakeClock(), nil)
	c.Populate("acme", map[string]string{"a@x.com": "id-a"})
	c.Populate("globex", map[string]string{"b@x.com": "id-b"})

	c.Invalidate("acme")
	c.Invalidate("unknown")

	if found, _ := c.Lookup("acme", []string{"a@x.com"}); len(found) != 0 {
		t.Fatalf("invalidated org still resolves: %v", found)
	}
	if found, _ := c.Lookup("globex", []string{"b@x.com"}); len(found) != 1 {
		t.Fatalf("unrelated org was dropped")
	}
}

func TestLookupCacheFlush(t *testing.T) {
	c := NewLookupCache(time.Minute, 100, clockwork.NewFakeClock(), nil)
	c.Populate("acme", map[string]string{"a@x.com": "id-a"})
	c.Flush()
	if c.Bytes() != 0 {
		t.Fatalf("bytes after flush = %d, want 0", c.Bytes())
	}
	if found, _ := c.Lookup("acme", []string{"a@x.com"}); len(found) != 0 {
		t.Fatalf("entries survived flush: %v", found)
	}
}
