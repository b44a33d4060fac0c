package connpool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestAcquireDialsWhenNoIdleEntry(t *testing.T) {
	a, _ := pipePair(t)

	p := New(DefaultConfig())
	p.dial = func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
		return a, nil
	}

	conn, useCount, createdAt, err := p.Acquire(context.Background(), "proxy.example:8080")
	require.NoError(t, err)
	assert.Equal(t, a, conn)
	assert.Equal(t, 1, useCount)
	assert.False(t, createdAt.IsZero())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.ConnectionsCreated)
}

func TestReleaseThenAcquireReusesConnection(t *testing.T) {
	a, _ := pipePair(t)

	p := New(DefaultConfig())
	firstCreatedAt := time.Now().Add(-time.Minute)
	p.Release("proxy.example:8080", a, 3, firstCreatedAt)

	dialed := false
	p.dial = func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
		dialed = true
		return nil, assert.AnError
	}

	conn, useCount, createdAt, err := p.Acquire(context.Background(), "proxy.example:8080")
	require.NoError(t, err)
	assert.Equal(t, a, conn)
	assert.False(t, dialed, "should have reused the idle connection instead of dialing")

	// useCount/createdAt must accumulate across reuses, not reset: this
	// was the 4th use (3 prior + this one) of a connection created a
	// minute ago, not a fresh connection with useCount 1.
	assert.Equal(t, 4, useCount)
	assert.True(t, createdAt.Equal(firstCreatedAt))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.ConnectionsReused)
}

func TestReleaseRejectsOverCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerUpstream = 1
	p := New(cfg)

	a, _ := pipePair(t)
	b, _ := pipePair(t)

	p.Release("u:1", a, 0, time.Now())
	p.Release("u:1", b, 0, time.Now())

	counts := p.IdleCounts()
	assert.Equal(t, 1, counts["u:1"])
	assert.Equal(t, int64(1), p.Stats().Evictions)
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIdleTime = 10 * time.Millisecond
	p := New(cfg)

	a, _ := pipePair(t)
	p.Release("u:1", a, 0, time.Now())

	time.Sleep(20 * time.Millisecond)
	p.Sweep()

	counts := p.IdleCounts()
	assert.Equal(t, 0, counts["u:1"])
	assert.Equal(t, int64(1), p.Stats().Evictions)
}

func TestSelectBestPrefersOlderFresherConnection(t *testing.T) {
	now := time.Now()
	entries := []*entry{
		{lastUsedAt: now.Add(-5 * time.Second), useCount: 10}, // hot-spun: score = 5-10 = -5
		{lastUsedAt: now.Add(-60 * time.Second), useCount: 1}, // older, fresh: score = 60-1 = 59
	}
	idx := selectBest(entries)
	assert.Equal(t, 1, idx)
}

func TestUpstreamsSorted(t *testing.T) {
	p := New(DefaultConfig())
	b, _ := pipePair(t)
	c, _ := pipePair(t)
	p.Release("zeta:1", b, 0, time.Now())
	p.Release("alpha:1", c, 0, time.Now())

	assert.Equal(t, []string{"alpha:1", "zeta:1"}, p.upstreams())
}
