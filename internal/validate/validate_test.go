package validate

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxypool/proxypool/internal/domain"
	"github.com/proxypool/proxypool/internal/provider"
)

// fakeSOCKS4Server accepts one connection and replies with a SOCKS4
// success response, letting the engine's probe path run end to end
// without a real upstream proxy.
func fakeSOCKS4Server(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 9)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0})
	}()

	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

func TestEngineAdmitsSOCKS4Candidate(t *testing.T) {
	addr := fakeSOCKS4Server(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	policy := DefaultPolicy()
	policy.ExpectedProtocols = []domain.Protocol{domain.ProtoSOCKS4}
	policy.PerProbeTimeout = 2 * time.Second
	policy.MaxConcurrent = 10

	engine := NewEngine(policy, nil, nil, nil, "")

	src := provider.NewStatic([]domain.Candidate{
		{Host: host, Port: port},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []domain.Proxy
	for p := range engine.Run(ctx, src) {
		got = append(got, p)
	}

	require.Len(t, got, 1)
	assert.True(t, got[0].SupportsProtocol(domain.ProtoSOCKS4))
	assert.Equal(t, host, got[0].ResolvedIPv4)
}

func TestEngineDropsUnreachableCandidate(t *testing.T) {
	policy := DefaultPolicy()
	policy.ExpectedProtocols = []domain.Protocol{domain.ProtoSOCKS4}
	policy.PerProbeTimeout = 200 * time.Millisecond
	policy.MaxTries = 1

	engine := NewEngine(policy, nil, nil, nil, "")

	src := provider.NewStatic([]domain.Candidate{
		{Host: "203.0.113.1", Port: 1}, // TEST-NET-3, nothing listens
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var got []domain.Proxy
	for p := range engine.Run(ctx, src) {
		got = append(got, p)
	}
	assert.Empty(t, got)
}

func TestEngineDedupsRepeatedCandidate(t *testing.T) {
	var connCount int32
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&connCount, 1)
			buf := make([]byte, 9)
			_, _ = conn.Read(buf)
			_, _ = conn.Write([]byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0})
			conn.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	policy := DefaultPolicy()
	policy.ExpectedProtocols = []domain.Protocol{domain.ProtoSOCKS4}
	policy.PerProbeTimeout = 2 * time.Second
	policy.MaxConcurrent = 10

	engine := NewEngine(policy, nil, nil, nil, "")

	src := provider.NewStatic([]domain.Candidate{
		{Host: host, Port: port},
		{Host: host, Port: port},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []domain.Proxy
	for p := range engine.Run(ctx, src) {
		got = append(got, p)
	}

	assert.Len(t, got, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&connCount))
}

func TestEngineDropsMalformedCandidate(t *testing.T) {
	engine := NewEngine(DefaultPolicy(), nil, nil, nil, "")
	src := provider.NewStatic([]domain.Candidate{
		{Host: "", Port: 80},
		{Host: "example.com", Port: -1},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []domain.Proxy
	for p := range engine.Run(ctx, src) {
		got = append(got, p)
	}
	assert.Empty(t, got)
}

func TestClassifyFromResponseDetectsTransparentByRealIP(t *testing.T) {
	anon, ok := classifyFromResponse("your ip is 203.0.113.9", "", "", "203.0.113.9")
	require.True(t, ok)
	assert.Equal(t, domain.Transparent, anon)
}

func TestClassifyFromResponseIgnoresJudgeHostname(t *testing.T) {
	// The body mentions the judge's own hostname, not the real client IP -
	// this must never be mistaken for a leak of the real IP.
	anon, ok := classifyFromResponse("served by judge.example.com", "", "", "203.0.113.9")
	require.True(t, ok)
	assert.Equal(t, domain.High, anon)
}

func TestClassifyFromResponseWithoutRealIPNeverClaimsTransparent(t *testing.T) {
	anon, ok := classifyFromResponse("anything at all, even empty real ip checks", "", "", "")
	require.True(t, ok)
	assert.NotEqual(t, domain.Transparent, anon)
}

func TestClassifyFromResponseDetectsAnonymousViaHeader(t *testing.T) {
	anon, ok := classifyFromResponse("no ip leaked here", "1.1 proxy.example.com", "", "203.0.113.9")
	require.True(t, ok)
	assert.Equal(t, domain.Anonymous, anon)
}

func TestClassifyFromResponseDetectsHighAnonymity(t *testing.T) {
	anon, ok := classifyFromResponse("nothing revealing in this body", "", "", "203.0.113.9")
	require.True(t, ok)
	assert.Equal(t, domain.High, anon)
}

func TestContainsFoldAndAnonymity(t *testing.T) {
	assert.True(t, containsFold([]string{"us", "DE"}, "de"))
	assert.False(t, containsFold([]string{"us"}, "fr"))
	assert.True(t, containsAnonymity([]domain.AnonymityLevel{domain.High}, domain.High))
	assert.False(t, containsAnonymity([]domain.AnonymityLevel{domain.High}, domain.Transparent))
}
