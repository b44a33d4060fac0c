// Package dnsbl implements the DNSBL screening engine: a concurrent DNS
// query fan-out over priority-ordered blocklists, with early termination
// once a malicious threshold is reached, and a TTL+LRU result cache.
package dnsbl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sync/semaphore"
)

// Config is the checker's policy knobs, matching the CLI's --dnsbl-*
// flags.
type Config struct {
	Timeout            time.Duration
	MaxConcurrent      int64
	CacheTTL           time.Duration
	MaliciousThreshold int
	SpecificLists      []string
	ExcludedLists      []string
	CacheSize          int
	Resolver           string
}

// DefaultConfig returns the screening engine's documented defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:            2 * time.Second,
		MaxConcurrent:      10,
		CacheTTL:           time.Hour,
		MaliciousThreshold: 2,
		CacheSize:          10000,
	}
}

// Checker orchestrates list selection, concurrent fan-out, early
// termination, and cache insert/read for one IP at a time.
type Checker struct {
	cfg   Config
	lists *Lists
	cache *Cache
	dns   *Client
}

// NewChecker returns a Checker for cfg.
func NewChecker(cfg Config) *Checker {
	return &Checker{
		cfg:   cfg,
		lists: NewLists(),
		cache: NewCache(cfg.CacheSize),
		dns:   NewClient(cfg.Resolver),
	}
}

// Check screens ip and always returns a verdict (possibly with some lists
// marked as query failures), except when ip is not a valid IPv4 address.
func (c *Checker) Check(ctx context.Context, ip string) (Verdict, error) {
	if _, err := ReverseLabel(ip); err != nil {
		return Verdict{}, err
	}

	if v, ok := c.cache.Get(ip); ok {
		return v, nil
	}

	start := time.Now()
	lists := c.lists.Effective(c.cfg.SpecificLists, c.cfg.ExcludedLists)
	if len(lists) == 0 {
		v := Verdict{IP: ip, TotalChecked: 0, IsMalicious: false}
		c.cache.Put(v, c.cfg.CacheTTL)
		return v, nil
	}

	results := c.fanOut(ctx, ip, lists)

	sort.Slice(results, func(i, j int) bool { return results[i].ListID < results[j].ListID })

	listed := 0
	for _, r := range results {
		if r.Listed {
			listed++
		}
	}

	v := Verdict{
		IP:           ip,
		Results:      results,
		ListedCount:  listed,
		TotalChecked: len(results),
		TotalTimeMs:  time.Since(start).Milliseconds(),
		IsMalicious:  listed >= c.cfg.MaliciousThreshold,
	}
	c.cache.Put(v, c.cfg.CacheTTL)
	return v, nil
}

// fanOut launches one task per list guarded by a semaphore of
// MaxConcurrent and drains results as they complete, stopping early once
// the malicious threshold is reached.  Pending tasks may be abandoned:
// their goroutines still run to completion (they hold no lock across
// I/O) but their results are discarded.
func (c *Checker) fanOut(ctx context.Context, ip string, lists []List) []Result {
	sem := semaphore.NewWeighted(c.cfg.MaxConcurrent)
	resultCh := make(chan Result, len(lists))

	var wg sync.WaitGroup
	for _, list := range lists {
		list := list
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				resultCh <- Result{ListID: list.ID, Listed: false, Reason: "semaphore: " + err.Error()}
				return
			}
			defer sem.Release(1)

			res, err := c.dns.Query(ctx, ip, list, c.cfg.Timeout)
			if err != nil {
				log.Debug("dnsbl: query %s for %s failed: %v", list.Zone, ip, err)
				resultCh <- Result{ListID: list.ID, Listed: false, Reason: fmt.Sprintf("query failed: %v", err)}
				return
			}
			resultCh <- res
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var (
		results []Result
		listed  int
	)
	for res := range resultCh {
		results = append(results, res)
		if res.Listed {
			listed++
			if listed >= int(c.cfg.MaliciousThreshold) {
				// Early termination: stop consuming. The remaining
				// goroutines still run (they hold no shared state other
				// than the buffered channel) but we no longer wait on
				// them - the channel is large enough to absorb every
				// remaining send so none leak.
				break
			}
		}
	}

	return results
}

// CheckMany runs unordered concurrent checks for every ip.
func (c *Checker) CheckMany(ctx context.Context, ips []string) []Verdict {
	out := make([]Verdict, len(ips))
	var wg sync.WaitGroup
	for i, ip := range ips {
		i, ip := i, ip
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Check(ctx, ip)
			if err != nil {
				out[i] = Verdict{IP: ip}
				return
			}
			out[i] = v
		}()
	}
	wg.Wait()
	return out
}

// IsMalicious is a convenience wrapper around Check.
func (c *Checker) IsMalicious(ctx context.Context, ip string) (bool, error) {
	v, err := c.Check(ctx, ip)
	if err != nil {
		return false, err
	}
	return v.IsMalicious, nil
}

// ListsStats exposes registry statistics.
func (c *Checker) ListsStats() Stats {
	return c.lists.Stats()
}

// CacheStats exposes cache counters.
func (c *Checker) CacheStats() CacheStats {
	return c.cache.Stats()
}
