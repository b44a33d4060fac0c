package dnsbl

import (
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
)

// Verdict is the complete per-IP screening result.
type Verdict struct {
	IP           string
	Results      []Result
	ListedCount  int
	TotalChecked int
	TotalTimeMs  int64
	IsMalicious  bool
	CachedAt     time.Time
}

// CacheStats mirrors the teacher's StatsManager counter style but scoped
// to the DNSBL cache.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is the TTL+LRU store of per-IP screening verdicts.  It wraps
// github.com/bluele/gcache's LRU, which supports per-key expiration and
// targeted eviction by key - so unlike the source's broken multi-level
// cache, there is no promotion problem to solve here.
type Cache struct {
	lru gcache.Cache

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewCache returns a Cache bounded to maxEntries.
func NewCache(maxEntries int) *Cache {
	c := &Cache{}
	c.lru = gcache.New(maxEntries).
		LRU().
		EvictedFunc(func(_, _ interface{}) { c.evictions.Add(1) }).
		Build()
	return c
}

// Get returns the cached verdict for ip, if present and unexpired.
func (c *Cache) Get(ip string) (Verdict, bool) {
	v, err := c.lru.Get(ip)
	if err != nil {
		c.misses.Add(1)
		return Verdict{}, false
	}
	c.hits.Add(1)
	return v.(Verdict), true
}

// Put stores verdict with a TTL: base for a clean verdict, doubled for a
// malicious one so repeated checks of bad actors are amortized.
func (c *Cache) Put(verdict Verdict, baseTTL time.Duration) {
	ttl := baseTTL
	if verdict.IsMalicious {
		ttl *= 2
	}
	verdict.CachedAt = time.Now()
	// A cache write error degrades to uncached operation for this entry;
	// it never fails the calling check.
	_ = c.lru.SetWithExpire(verdict.IP, verdict, ttl)
}

// Stats returns cumulative cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
