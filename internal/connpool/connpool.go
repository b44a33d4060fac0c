// Package connpool implements the Connection Pool: a bounded set of idle
// upstream-proxy connections reused across requests, with a periodic
// sweep that evicts stale or unhealthy entries.
package connpool

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// Config holds the pool's tunables.
type Config struct {
	MaxPerUpstream      int
	MaxIdleTime         time.Duration
	MaxTotalConnections int
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration
}

// DefaultConfig returns the documented connection-pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerUpstream:      4,
		MaxIdleTime:         90 * time.Second,
		MaxTotalConnections: 2000,
		ConnectTimeout:      5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// entry wraps one pooled connection with its bookkeeping.
type entry struct {
	conn       net.Conn
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int
	healthy    bool
}

// Stats mirrors the teacher's counter style, scoped to connection reuse.
type Stats struct {
	CacheHits          int64
	CacheMisses        int64
	ConnectionsCreated int64
	ConnectionsReused  int64
	Evictions          int64
}

// Pool is the process-wide connection pool, indexed by upstream address.
type Pool struct {
	cfg Config

	mux   sync.Mutex
	idle  map[string][]*entry
	total int

	hits, misses, created, reused, evictions atomic.Int64

	dial func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error)
}

// New constructs a Pool from cfg.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:  cfg,
		idle: make(map[string][]*entry),
		dial: dialTCP,
	}
}

func dialTCP(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	return d.DialContext(dialCtx, "tcp", addr)
}

// Acquire returns an idle, unexpired, healthy connection to upstreamAddr
// if one exists, otherwise dials a new one bounded by ConnectTimeout.
// useCount and createdAt describe the returned connection's cumulative
// history and must be threaded back into Release unchanged except for
// whatever use the caller itself makes of the connection, so the pool's
// age/use-count bookkeeping accumulates across reuses instead of
// resetting on every round trip.
func (p *Pool) Acquire(ctx context.Context, upstreamAddr string) (conn net.Conn, useCount int, createdAt time.Time, err error) {
	if c, uc, ca, ok := p.takeIdle(upstreamAddr); ok {
		p.hits.Add(1)
		p.reused.Add(1)
		return c, uc, ca, nil
	}
	p.misses.Add(1)

	conn, err = p.dial(ctx, upstreamAddr, p.cfg.ConnectTimeout)
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	p.created.Add(1)
	return conn, 1, time.Now(), nil
}

func (p *Pool) takeIdle(upstreamAddr string) (conn net.Conn, useCount int, createdAt time.Time, ok bool) {
	p.mux.Lock()
	defer p.mux.Unlock()

	now := time.Now()
	var live []*entry
	for _, e := range p.idle[upstreamAddr] {
		if !e.healthy || now.Sub(e.lastUsedAt) > p.cfg.MaxIdleTime {
			_ = e.conn.Close()
			p.total--
			p.evictions.Add(1)
			continue
		}
		live = append(live, e)
	}
	entries := live
	if len(entries) == 0 {
		delete(p.idle, upstreamAddr)
		return nil, 0, time.Time{}, false
	}

	best := selectBest(entries)
	if best < 0 {
		return nil, 0, time.Time{}, false
	}

	chosen := entries[best]
	entries = append(entries[:best], entries[best+1:]...)
	if len(entries) == 0 {
		delete(p.idle, upstreamAddr)
	} else {
		p.idle[upstreamAddr] = entries
	}
	p.total--

	chosen.useCount++
	chosen.lastUsedAt = time.Now()
	return chosen.conn, chosen.useCount, chosen.createdAt, true
}

// selectBest returns the index of the entry with the highest
// (age_since_last_use_seconds - use_count), preferring older-but-fresher
// connections over hot-spun ones. Returns -1 for an empty slice.
func selectBest(entries []*entry) int {
	if len(entries) == 0 {
		return -1
	}
	now := time.Now()
	bestIdx := 0
	bestScore := score(entries[0], now)
	for i := 1; i < len(entries); i++ {
		s := score(entries[i], now)
		if s > bestScore {
			bestScore = s
			bestIdx = i
		}
	}
	return bestIdx
}

func score(e *entry, now time.Time) float64 {
	age := now.Sub(e.lastUsedAt).Seconds()
	return age - float64(e.useCount)
}

// Release returns conn to the pool for upstreamAddr iff per-upstream and
// total capacity allow it and the connection passes a non-blocking
// liveness peek. It never returns an error: an unusable connection is
// silently closed and dropped.
func (p *Pool) Release(upstreamAddr string, conn net.Conn, useCount int, createdAt time.Time) {
	if !isAlive(conn) {
		_ = conn.Close()
		return
	}

	p.mux.Lock()
	defer p.mux.Unlock()

	if len(p.idle[upstreamAddr]) >= p.cfg.MaxPerUpstream || p.total >= p.cfg.MaxTotalConnections {
		_ = conn.Close()
		p.evictions.Add(1)
		return
	}

	now := time.Now()
	e := &entry{
		conn:       conn,
		createdAt:  createdAt,
		lastUsedAt: now,
		useCount:   useCount,
		healthy:    true,
	}
	if e.createdAt.IsZero() {
		e.createdAt = now
	}
	p.idle[upstreamAddr] = append(p.idle[upstreamAddr], e)
	p.total++
}

// isAlive performs a non-blocking read peek: a successful zero-byte or
// EOF-free read attempt with an immediate deadline indicates the peer
// hasn't closed the connection out from under us.
func isAlive(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	one := make([]byte, 1)
	_, err := conn.Read(one)
	if err == nil {
		// Unexpected stray bytes; peer sent something we didn't ask for -
		// safest to treat the connection as contaminated.
		return false
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Sweep drops every idle entry whose last_used_at+MaxIdleTime has
// elapsed, or that is marked unhealthy. Call this periodically (the
// caller is expected to gate it on HealthCheckInterval, e.g. via a
// gocron job).
func (p *Pool) Sweep() {
	p.mux.Lock()
	defer p.mux.Unlock()

	now := time.Now()
	dropped := 0
	for addr, entries := range p.idle {
		var kept []*entry
		for _, e := range entries {
			if !e.healthy || now.Sub(e.lastUsedAt) > p.cfg.MaxIdleTime {
				_ = e.conn.Close()
				dropped++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(p.idle, addr)
		} else {
			p.idle[addr] = kept
		}
	}
	p.total -= dropped
	p.evictions.Add(int64(dropped))
	if dropped > 0 {
		log.Debug("connpool: swept %d stale connections", dropped)
	}
}

// Stats returns cumulative pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		CacheHits:          p.hits.Load(),
		CacheMisses:        p.misses.Load(),
		ConnectionsCreated: p.created.Load(),
		ConnectionsReused:  p.reused.Load(),
		Evictions:          p.evictions.Load(),
	}
}

// IdleCounts returns the number of idle connections held per upstream,
// keyed by address, for observability.
func (p *Pool) IdleCounts() map[string]int {
	p.mux.Lock()
	defer p.mux.Unlock()

	out := make(map[string]int, len(p.idle))
	for addr, entries := range p.idle {
		out[addr] = len(entries)
	}
	return out
}

// upstreams returns the sorted set of addresses currently holding idle
// connections; used by tests to assert on deterministic iteration.
func (p *Pool) upstreams() []string {
	p.mux.Lock()
	defer p.mux.Unlock()

	out := make([]string, 0, len(p.idle))
	for addr := range p.idle {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
