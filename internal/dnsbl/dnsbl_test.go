package dnsbl

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReverseLabel(t *testing.T) {
	label, err := ReverseLabel("192.168.1.1")
	require.NoError(t, err)
	assert.Equal(t, "1.1.168.192", label)

	_, err = ReverseLabel("not-an-ip")
	assert.Error(t, err)

	_, err = ReverseLabel("::1")
	assert.Error(t, err)
}

func TestListsEffective(t *testing.T) {
	lists := NewLists()

	def := lists.Effective(nil, nil)
	require.NotEmpty(t, def)
	for i := 1; i < len(def); i++ {
		assert.True(t, def[i-1].Priority <= def[i].Priority)
	}
	for _, l := range def {
		assert.True(t, l.DefaultEnabled)
	}

	specific := lists.Effective([]string{"sbl", "zen"}, nil)
	require.Len(t, specific, 2)
	assert.Equal(t, "zen", specific[0].ID) // zen priority 1 sorts first

	excluded := lists.Effective(nil, []string{"zen"})
	for _, l := range excluded {
		assert.NotEqual(t, "zen", l.ID)
	}
}

func TestCachePutGet(t *testing.T) {
	c := NewCache(8)

	_, ok := c.Get("1.2.3.4")
	assert.False(t, ok)

	v := Verdict{IP: "1.2.3.4", ListedCount: 0, TotalChecked: 2, IsMalicious: false}
	c.Put(v, time.Minute)

	got, ok := c.Get("1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, v.IP, got.IP)
	assert.False(t, got.CachedAt.IsZero())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCacheMaliciousDoublesTTL(t *testing.T) {
	c := NewCache(8)
	c.Put(Verdict{IP: "6.6.6.6", IsMalicious: true}, 10*time.Millisecond)

	_, ok := c.Get("6.6.6.6")
	require.True(t, ok)

	time.Sleep(15 * time.Millisecond)
	_, ok = c.Get("6.6.6.6")
	assert.True(t, ok, "malicious verdicts get a doubled TTL so should still be cached")
}

// startFakeDNSServer answers A/TXT queries for reversed-label DNSBL lookups
// with canned verdicts keyed by zone, letting checker tests run without a
// real resolver. listedZones maps a zone to the reversed label it
// considers listed.
func startFakeDNSServer(t *testing.T, listedZones map[string]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}

			resp := new(dns.Msg)
			resp.SetReply(req)

			if len(req.Question) == 1 {
				q := req.Question[0]
				name := q.Name
				for zone, label := range listedZones {
					fq := dns.Fqdn(label + "." + zone)
					if name == fq {
						switch q.Qtype {
						case dns.TypeA:
							rr, _ := dns.NewRR(name + " 60 IN A 127.0.0.2")
							resp.Answer = append(resp.Answer, rr)
						case dns.TypeTXT:
							rr, _ := dns.NewRR(name + ` 60 IN TXT "listed"`)
							resp.Answer = append(resp.Answer, rr)
						}
					}
				}
			}

			out, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(out, addr)
		}
	}()

	t.Cleanup(func() { _ = pc.Close() })
	return pc.LocalAddr().String()
}

func TestCheckerNotListed(t *testing.T) {
	addr := startFakeDNSServer(t, nil)

	cfg := DefaultConfig()
	cfg.Resolver = addr
	cfg.Timeout = time.Second
	cfg.MaliciousThreshold = 2
	checker := NewChecker(cfg)

	v, err := checker.Check(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.False(t, v.IsMalicious)
	assert.Equal(t, 0, v.ListedCount)
	assert.True(t, v.TotalChecked > 0)
}

func TestCheckerMaliciousEarlyTermination(t *testing.T) {
	label, err := ReverseLabel("6.6.6.6")
	require.NoError(t, err)

	addr := startFakeDNSServer(t, map[string]string{
		"zen.spamhaus.org":       label,
		"b.barracudacentral.org": label,
		"dnsbl.dronebl.org":      label,
	})

	cfg := DefaultConfig()
	cfg.Resolver = addr
	cfg.Timeout = time.Second
	cfg.MaliciousThreshold = 2
	checker := NewChecker(cfg)

	v, err := checker.Check(context.Background(), "6.6.6.6")
	require.NoError(t, err)
	assert.True(t, v.IsMalicious)
	assert.True(t, v.ListedCount >= 2)
}

func TestCheckerCachesResult(t *testing.T) {
	addr := startFakeDNSServer(t, nil)

	cfg := DefaultConfig()
	cfg.Resolver = addr
	cfg.Timeout = time.Second
	checker := NewChecker(cfg)

	ctx := context.Background()
	_, err := checker.Check(ctx, "9.9.9.9")
	require.NoError(t, err)

	v2, err := checker.Check(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.False(t, v2.CachedAt.IsZero())

	stats := checker.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
}

func TestCheckerRejectsIPv6(t *testing.T) {
	checker := NewChecker(DefaultConfig())
	_, err := checker.Check(context.Background(), "::1")
	assert.Error(t, err)
}

func TestCheckerCheckMany(t *testing.T) {
	addr := startFakeDNSServer(t, nil)

	cfg := DefaultConfig()
	cfg.Resolver = addr
	cfg.Timeout = time.Second
	checker := NewChecker(cfg)

	verdicts := checker.CheckMany(context.Background(), []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"})
	require.Len(t, verdicts, 3)
	for i, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		assert.Equal(t, ip, verdicts[i].IP)
	}
}
