// Package poolmgr implements the Proxy Pool: admission of validated
// records, per-protocol selection with composite scoring, and outcome
// accounting that evicts chronic failers.
package poolmgr

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/proxypool/proxypool/internal/domain"
)

// ProxyRef is an opaque handle to one pooled proxy record, returned by
// Select and required by RecordOutcome.
type ProxyRef string

// Config holds the pool's admission and eviction tunables.
type Config struct {
	// MaxAvgRespTime excludes records whose average latency for the
	// requested protocol exceeds this ceiling from selection.
	MaxAvgRespTime time.Duration

	// MaxConsecutiveFailures is the small fixed k: a record with this many
	// consecutive failed outcomes is evicted.
	MaxConsecutiveFailures int

	// MaxCapacity caps the pool size; once exceeded, the record with the
	// lowest composite score is evicted to make room for a new one.
	MaxCapacity int
}

// DefaultConfig returns the documented pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxAvgRespTime:         3 * time.Second,
		MaxConsecutiveFailures: 5,
		MaxCapacity:            10000,
	}
}

// record is the pool's internal bookkeeping wrapper around a domain.Proxy.
type record struct {
	proxy               domain.Proxy
	consecutiveFailures int
}

// Pool is the admitted-proxy registry, indexed by supported protocol.
type Pool struct {
	cfg Config

	mux     sync.RWMutex
	byRef   map[ProxyRef]*record
	byProto map[domain.Protocol][]ProxyRef

	rng *rand.Rand
}

// New constructs an empty Pool.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:     cfg,
		byRef:   make(map[ProxyRef]*record),
		byProto: make(map[domain.Protocol][]ProxyRef),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Admit registers p, indexing it under every protocol it verified. The
// invariant that VerifiedProtocols is non-empty is the caller's
// responsibility (the Validation Engine only emits records that satisfy
// it).
func (p *Pool) Admit(proxy domain.Proxy) ProxyRef {
	ref := ProxyRef(uuid.NewString())

	p.mux.Lock()
	defer p.mux.Unlock()

	if p.cfg.MaxCapacity > 0 && len(p.byRef) >= p.cfg.MaxCapacity {
		p.evictWorstLocked()
	}

	p.byRef[ref] = &record{proxy: proxy}
	for _, proto := range proxy.VerifiedProtocols {
		p.byProto[proto] = append(p.byProto[proto], ref)
	}
	return ref
}

// Select returns the ref of an eligible record for protocol, drawn at
// random with probability proportional to its composite score, or false
// if none qualify. Concurrent selection may return the same ref (no
// exclusive lease).
func (p *Pool) Select(protocol domain.Protocol) (ProxyRef, bool) {
	p.mux.RLock()
	defer p.mux.RUnlock()

	refs := p.byProto[protocol]
	if len(refs) == 0 {
		return "", false
	}

	type candidate struct {
		ref   ProxyRef
		score float64
	}
	var eligible []candidate
	for _, ref := range refs {
		rec, ok := p.byRef[ref]
		if !ok {
			continue
		}
		if p.cfg.MaxAvgRespTime > 0 {
			if avg := rec.proxy.AverageLatency(protocol); avg > p.cfg.MaxAvgRespTime {
				continue
			}
		}
		eligible = append(eligible, candidate{ref: ref, score: compositeScore(&rec.proxy, protocol)})
	}
	if len(eligible) == 0 {
		return "", false
	}
	if len(eligible) == 1 {
		return eligible[0].ref, true
	}

	weights := make([]float64, len(eligible))
	for i, c := range eligible {
		// sampleuv.NewWeighted requires strictly positive weights; floor
		// every score so a middling proxy still has a (small) chance of
		// being picked, spreading load instead of always routing to the
		// single top scorer.
		w := c.score
		if w < 0.01 {
			w = 0.01
		}
		weights[i] = w
	}

	sampler := sampleuv.NewWeighted(weights, p.rng)
	idx, ok := sampler.Take()
	if !ok {
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].score > eligible[j].score })
		return eligible[0].ref, true
	}
	return eligible[idx].ref, true
}

// compositeScore favors higher success rate, lower average latency, and
// lower current request_count (load spreading).
func compositeScore(proxy *domain.Proxy, protocol domain.Protocol) float64 {
	successRate := proxy.SuccessRate()

	avgMs := float64(proxy.AverageLatency(protocol).Milliseconds())
	latencyScore := 1.0
	if avgMs > 0 {
		latencyScore = 1000.0 / avgMs
		if latencyScore > 10 {
			latencyScore = 10
		}
	}

	loadPenalty := 1.0 / (1.0 + float64(proxy.RequestCount)/100.0)

	return successRate * latencyScore * loadPenalty
}

// RecordOutcome updates request/error counters and latency for ref.
// Chronic failers (MaxConsecutiveFailures consecutive errors) are
// evicted from the pool entirely.
func (p *Pool) RecordOutcome(ref ProxyRef, proto domain.Protocol, ok bool, latency time.Duration) {
	p.mux.Lock()
	defer p.mux.Unlock()

	rec, found := p.byRef[ref]
	if !found {
		return
	}

	rec.proxy.RequestCount++
	rec.proxy.LastUsedAt = time.Now()
	if !ok {
		rec.proxy.ErrorCount++
		rec.consecutiveFailures++
	} else {
		rec.consecutiveFailures = 0
		if latency > 0 {
			rec.proxy.Latencies = append(rec.proxy.Latencies, domain.LatencySample{Protocol: proto, RTT: latency})
		}
	}

	if rec.consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
		log.Info("poolmgr: evicting %s:%d after %d consecutive failures", rec.proxy.Host, rec.proxy.Port, rec.consecutiveFailures)
		p.evictLocked(ref)
	}
}

// evictWorstLocked drops the single lowest-scoring record across the
// whole pool, used to make room under MaxCapacity. Caller holds mux.
func (p *Pool) evictWorstLocked() {
	var worstRef ProxyRef
	worstScore := 0.0
	first := true
	for ref, rec := range p.byRef {
		s := overallScore(&rec.proxy)
		if first || s < worstScore {
			worstScore = s
			worstRef = ref
			first = false
		}
	}
	if !first {
		p.evictLocked(worstRef)
	}
}

func overallScore(proxy *domain.Proxy) float64 {
	var sum float64
	for _, proto := range proxy.VerifiedProtocols {
		sum += compositeScore(proxy, proto)
	}
	if len(proxy.VerifiedProtocols) == 0 {
		return 0
	}
	return sum / float64(len(proxy.VerifiedProtocols))
}

// evictLocked removes ref from both indexes. Caller holds mux.
func (p *Pool) evictLocked(ref ProxyRef) {
	rec, ok := p.byRef[ref]
	if !ok {
		return
	}
	delete(p.byRef, ref)
	for _, proto := range rec.proxy.VerifiedProtocols {
		refs := p.byProto[proto]
		for i, r := range refs {
			if r == ref {
				p.byProto[proto] = append(refs[:i], refs[i+1:]...)
				break
			}
		}
	}
}

// Get returns a copy of the proxy record for ref.
func (p *Pool) Get(ref ProxyRef) (domain.Proxy, bool) {
	p.mux.RLock()
	defer p.mux.RUnlock()

	rec, ok := p.byRef[ref]
	if !ok {
		return domain.Proxy{}, false
	}
	return rec.proxy, true
}

// Size returns the number of admitted records.
func (p *Pool) Size() int {
	p.mux.RLock()
	defer p.mux.RUnlock()
	return len(p.byRef)
}
