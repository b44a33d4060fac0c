package poolmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxypool/proxypool/internal/domain"
)

func sampleProxy(host string) domain.Proxy {
	return domain.Proxy{
		Host:              host,
		Port:              8080,
		ResolvedIPv4:      "198.51.100.1",
		VerifiedProtocols: []domain.Protocol{domain.ProtoHTTP},
		Latencies:         []domain.LatencySample{{Protocol: domain.ProtoHTTP, RTT: 100 * time.Millisecond}},
		CreatedAt:         time.Now(),
	}
}

func TestAdmitAndSelect(t *testing.T) {
	p := New(DefaultConfig())
	ref := p.Admit(sampleProxy("10.0.0.1"))

	got, ok := p.Select(domain.ProtoHTTP)
	require.True(t, ok)
	assert.Equal(t, ref, got)
}

func TestSelectRespectsMaxAvgRespTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAvgRespTime = 50 * time.Millisecond
	p := New(cfg)
	p.Admit(sampleProxy("10.0.0.2")) // 100ms avg latency, over the ceiling

	_, ok := p.Select(domain.ProtoHTTP)
	assert.False(t, ok)
}

func TestSelectReturnsFalseForUnknownProtocol(t *testing.T) {
	p := New(DefaultConfig())
	p.Admit(sampleProxy("10.0.0.3"))

	_, ok := p.Select(domain.ProtoSOCKS5)
	assert.False(t, ok)
}

func TestRecordOutcomeUpdatesCounters(t *testing.T) {
	p := New(DefaultConfig())
	ref := p.Admit(sampleProxy("10.0.0.4"))

	p.RecordOutcome(ref, domain.ProtoHTTP, true, 20*time.Millisecond)
	proxy, ok := p.Get(ref)
	require.True(t, ok)
	assert.Equal(t, int64(1), proxy.RequestCount)
	assert.Equal(t, int64(0), proxy.ErrorCount)

	p.RecordOutcome(ref, domain.ProtoHTTP, false, 0)
	proxy, _ = p.Get(ref)
	assert.Equal(t, int64(2), proxy.RequestCount)
	assert.Equal(t, int64(1), proxy.ErrorCount)
}

func TestRecordOutcomeEvictsChronicFailer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 3
	p := New(cfg)
	ref := p.Admit(sampleProxy("10.0.0.5"))

	for i := 0; i < 3; i++ {
		p.RecordOutcome(ref, domain.ProtoHTTP, false, 0)
	}

	_, ok := p.Get(ref)
	assert.False(t, ok, "chronic failer should have been evicted")

	_, ok = p.Select(domain.ProtoHTTP)
	assert.False(t, ok)
}

func TestRecordOutcomeResetsFailureStreakOnSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 3
	p := New(cfg)
	ref := p.Admit(sampleProxy("10.0.0.6"))

	p.RecordOutcome(ref, domain.ProtoHTTP, false, 0)
	p.RecordOutcome(ref, domain.ProtoHTTP, false, 0)
	p.RecordOutcome(ref, domain.ProtoHTTP, true, 10*time.Millisecond)
	p.RecordOutcome(ref, domain.ProtoHTTP, false, 0)
	p.RecordOutcome(ref, domain.ProtoHTTP, false, 0)

	_, ok := p.Get(ref)
	assert.True(t, ok, "success should have reset the consecutive-failure streak")
}

func TestAdmitEvictsWorstWhenOverCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCapacity = 1
	p := New(cfg)

	first := p.Admit(sampleProxy("10.0.0.7"))
	p.Admit(sampleProxy("10.0.0.8"))

	assert.Equal(t, 1, p.Size())
	_, ok := p.Get(first)
	assert.False(t, ok, "admitting over capacity should evict the pre-existing record")
}

func TestCompositeScoreFavorsLowerLatencyAndHigherSuccess(t *testing.T) {
	fast := sampleProxy("10.0.1.1")
	fast.Latencies = []domain.LatencySample{{Protocol: domain.ProtoHTTP, RTT: 10 * time.Millisecond}}

	slow := sampleProxy("10.0.1.2")
	slow.Latencies = []domain.LatencySample{{Protocol: domain.ProtoHTTP, RTT: 500 * time.Millisecond}}

	assert.Greater(t, compositeScore(&fast, domain.ProtoHTTP), compositeScore(&slow, domain.ProtoHTTP))
}
