// Package validate implements the Proxy Validation Engine: it consumes
// raw candidates from a Provider, probes each requested protocol with
// the negotiate package's handshakes, screens with dnsbl, classifies
// anonymity via the judge package, and emits admitted domain.Proxy
// records on a bounded channel.
package validate

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/log"
	collset "github.com/golang-collections/collections/set"
	"golang.org/x/sync/semaphore"

	"github.com/proxypool/proxypool/internal/dnsbl"
	"github.com/proxypool/proxypool/internal/domain"
	"github.com/proxypool/proxypool/internal/geo"
	"github.com/proxypool/proxypool/internal/judge"
	"github.com/proxypool/proxypool/internal/negotiate"
	"github.com/proxypool/proxypool/internal/provider"
	"github.com/proxypool/proxypool/utils"
)

// Policy governs which candidates the engine accepts and how hard it
// tries before giving up on one.
type Policy struct {
	ExpectedProtocols []domain.Protocol
	ExpectedAnonymity []domain.AnonymityLevel // empty = any
	ExpectedCountries []string                // ISO codes; empty = any

	MaxTries        int
	PerProbeTimeout time.Duration
	SupportCookies  bool
	SupportReferer  bool

	DNSBLEnabled bool

	MaxConcurrent int64 // global in-flight probe permits
	Limit         int   // 0 = unbounded
}

// DefaultPolicy returns the documented engine defaults.
func DefaultPolicy() Policy {
	return Policy{
		ExpectedProtocols: []domain.Protocol{domain.ProtoHTTP},
		MaxTries:          2,
		PerProbeTimeout:   5 * time.Second,
		MaxConcurrent:     2000,
	}
}

// Engine runs the validation pipeline.
type Engine struct {
	policy    Policy
	judges    *judge.Manager
	dnsbl     *dnsbl.Checker
	geo       geo.Lookup
	realExtIP string
	sem       *semaphore.Weighted
	resolve   func(ctx context.Context, host string) (string, error)
}

// NewEngine constructs an Engine. judges and checker may be nil if the
// corresponding feature is disabled by policy; geoLookup defaults to
// geo.Disabled{} if nil. realExtIP is the local machine's real external
// IP (see judge.Manager.DiscoverRealIP), used to tell a transparent proxy
// (one that leaks it to the judge) from one that doesn't; with an empty
// realExtIP a proxy is never classified Transparent (only Anonymous or
// High), since an empty needle would otherwise always match.
func NewEngine(policy Policy, judges *judge.Manager, checker *dnsbl.Checker, geoLookup geo.Lookup, realExtIP string) *Engine {
	if geoLookup == nil {
		geoLookup = geo.Disabled{}
	}
	maxConcurrent := policy.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Engine{
		policy:    policy,
		judges:    judges,
		dnsbl:     checker,
		geo:       geoLookup,
		realExtIP: realExtIP,
		sem:       semaphore.NewWeighted(maxConcurrent),
		resolve:   resolveIPv4,
	}
}

func resolveIPv4(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
		return "", fmt.Errorf("%w: %q is not IPv4", domain.ErrDNSResolution, host)
	}

	var resolver net.Resolver
	addrs, err := resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return "", fmt.Errorf("%w: resolving %q: %s", domain.ErrDNSResolution, host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: no A records for %q", domain.ErrDNSResolution, host)
	}
	return addrs[0].String(), nil
}

// Run drains src, sending admitted proxies on the returned channel. The
// channel is closed once src is exhausted, ctx is cancelled, or
// policy.Limit proxies have been emitted. Callers must keep draining the
// channel until it closes to avoid leaking the Engine's internal
// goroutine.
func (e *Engine) Run(ctx context.Context, src provider.Provider) <-chan domain.Proxy {
	out := make(chan domain.Proxy)

	go func() {
		defer close(out)

		done := ctx.Done()
		var emitted atomic.Int64
		seen := collset.New()
		var wg sync.WaitGroup

		for {
			if e.policy.Limit > 0 && emitted.Load() >= int64(e.policy.Limit) {
				break
			}

			cand, ok := src.Next(done)
			if !ok {
				break
			}
			if err := cand.Validate(); err != nil {
				log.Debug("validate: dropping malformed candidate: %v", err)
				continue
			}
			key := fmt.Sprintf("%s:%d", cand.Host, cand.Port)
			if seen.Has(key) {
				continue
			}
			seen.Insert(key)

			select {
			case <-done:
				wg.Wait()
				return
			default:
			}

			wg.Add(1)
			go func(c domain.Candidate) {
				defer wg.Done()
				if p, ok := e.validateCandidate(ctx, c); ok {
					if e.policy.Limit > 0 && emitted.Add(1) > int64(e.policy.Limit) {
						return
					}
					select {
					case out <- p:
					case <-done:
					}
				}
			}(cand)
		}

		wg.Wait()
	}()

	return out
}

// validateCandidate runs the full per-candidate algorithm, returning the
// admitted Proxy and true iff at least one protocol verified and the
// policy's anonymity/country constraints are satisfied.
func (e *Engine) validateCandidate(ctx context.Context, cand domain.Candidate) (domain.Proxy, bool) {
	ip, err := e.resolve(ctx, cand.Host)
	if err != nil {
		log.Debug("validate: %v", err)
		return domain.Proxy{}, false
	}

	g, err := e.geo.Lookup(ip)
	if err != nil {
		log.Debug("validate: geo lookup failed for %s: %v", ip, err)
	}
	if len(e.policy.ExpectedCountries) > 0 && !containsFold(e.policy.ExpectedCountries, g.CountryISO) {
		return domain.Proxy{}, false
	}

	dnsblStatus := domain.DNSBLUnknown
	if e.policy.DNSBLEnabled && e.dnsbl != nil {
		verdict, err := e.dnsbl.Check(ctx, ip)
		if err != nil {
			log.Debug("validate: dnsbl check failed for %s: %v", ip, err)
		} else if verdict.IsMalicious {
			log.Info("validate: dropping %s:%d - listed on %d blocklists", cand.Host, cand.Port, verdict.ListedCount)
			return domain.Proxy{}, false
		} else {
			dnsblStatus = domain.DNSBLSafe
		}
	}

	proxy := domain.Proxy{
		Host:         cand.Host,
		Port:         cand.Port,
		ResolvedIPv4: ip,
		Geo:          g,
		DNSBLSafe:    dnsblStatus,
		CreatedAt:    time.Now(),
	}

	protocols := e.policy.ExpectedProtocols
	if len(protocols) == 0 {
		protocols = []domain.Protocol{domain.ProtoHTTP}
	}

	var anonymity domain.AnonymityLevel
	haveAnonymity := false

	for _, proto := range protocols {
		ok, sample, anon, gotAnon := e.probeProtocolWithRetries(ctx, cand, ip, proto)
		if !ok {
			continue
		}
		proxy.VerifiedProtocols = append(proxy.VerifiedProtocols, proto)
		proxy.Latencies = append(proxy.Latencies, sample)
		if gotAnon {
			anonymity = anon
			haveAnonymity = true
		}
	}

	if len(proxy.VerifiedProtocols) == 0 {
		return domain.Proxy{}, false
	}

	if haveAnonymity {
		proxy.AnonymityLevel = anonymity
		if len(e.policy.ExpectedAnonymity) > 0 && !containsAnonymity(e.policy.ExpectedAnonymity, anonymity) {
			return domain.Proxy{}, false
		}
	}

	return proxy, true
}

func (e *Engine) probeProtocolWithRetries(
	ctx context.Context,
	cand domain.Candidate,
	ip string,
	proto domain.Protocol,
) (ok bool, sample domain.LatencySample, anon domain.AnonymityLevel, gotAnon bool) {
	tries := e.policy.MaxTries
	if tries < 1 {
		tries = 1
	}

	for i := 0; i < tries; i++ {
		if i > 0 {
			if jitterMs, err := utils.RandomInt64(10, 100); err == nil {
				select {
				case <-time.After(time.Duration(jitterMs) * time.Millisecond):
				case <-ctx.Done():
					return false, domain.LatencySample{}, "", false
				}
			}
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return false, domain.LatencySample{}, "", false
		}
		ok, sample, anon, gotAnon = e.probeOnce(ctx, cand, ip, proto)
		e.sem.Release(1)
		if ok {
			return ok, sample, anon, gotAnon
		}
	}
	return false, domain.LatencySample{}, "", false
}

func (e *Engine) probeOnce(
	ctx context.Context,
	cand domain.Candidate,
	ip string,
	proto domain.Protocol,
) (bool, domain.LatencySample, domain.AnonymityLevel, bool) {
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, e.policy.PerProbeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", cand.Host, cand.Port))
	if err != nil {
		return false, domain.LatencySample{}, "", false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(e.policy.PerProbeTimeout))

	negotiator, target, judgeClass := negotiatorFor(proto)
	if negotiator == nil {
		return false, domain.LatencySample{}, "", false
	}
	if target == nil {
		target = &negotiate.Target{Host: ip, Port: 80}
	}

	if !negotiator.Negotiate(conn, *target) {
		return false, domain.LatencySample{}, "", false
	}

	rtt := time.Since(start)
	sample := domain.LatencySample{Protocol: proto, RTT: rtt}

	if proto != domain.ProtoHTTP && proto != domain.ProtoHTTPS {
		return true, sample, "", false
	}

	anon, gotAnon := e.classifyAnonymity(conn, judgeClass)
	return true, sample, anon, gotAnon
}


func negotiatorFor(proto domain.Protocol) (negotiate.Negotiator, *negotiate.Target, judge.Class) {
	timeout := 5 * time.Second
	switch proto {
	case domain.ProtoSOCKS4:
		return &negotiate.SOCKS4{HandshakeTimeout: timeout}, &negotiate.Target{Host: "1.1.1.1", Port: 80}, judge.ClassHTTP
	case domain.ProtoSOCKS5:
		return &negotiate.SOCKS5{HandshakeTimeout: timeout}, &negotiate.Target{Host: "1.1.1.1", Port: 80}, judge.ClassHTTP
	case domain.ProtoConnect80:
		return &negotiate.HTTPConnect{HandshakeTimeout: timeout}, nil, judge.ClassHTTP
	case domain.ProtoConnect25:
		return &negotiate.HTTPConnect{HandshakeTimeout: timeout}, &negotiate.Target{Host: "smtp.gmail.com", Port: 25}, judge.ClassSMTP
	case domain.ProtoHTTP, domain.ProtoHTTPS:
		// HTTP/HTTPS proxies need no tunnel negotiation: the probe GETs a
		// judge URL directly through the proxy.
		return passthroughNegotiator{}, nil, judge.ClassHTTP
	default:
		return nil, nil, ""
	}
}

// passthroughNegotiator always succeeds: the protocol's real check
// happens in classifyAnonymity's judge GET, not a tunnel handshake.
type passthroughNegotiator struct{}

func (passthroughNegotiator) Negotiate(negotiate.Stream, negotiate.Target) bool { return true }

// classifyAnonymity issues a judge GET through conn (already connected to
// the candidate proxy) and inspects the echoed body/headers to derive an
// anonymity level. conn is used as a raw byte pipe: the proxy is assumed
// to forward whatever plain-HTTP bytes it receives on the open socket.
// Transparent is only detectable when e.realExtIP is known - without it,
// classification degrades to Anonymous/High based on Via/X-Forwarded-For
// alone, since there is nothing to compare the echoed body against.
func (e *Engine) classifyAnonymity(conn net.Conn, class judge.Class) (domain.AnonymityLevel, bool) {
	if e.judges == nil {
		return "", false
	}
	j, ok := e.judges.Best(string(class))
	if !ok {
		return "", false
	}

	req := fmt.Sprintf(
		"GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: proxypool-probe/1.0\r\nConnection: close\r\n\r\n",
		j.URL, j.Host,
	)
	if _, err := conn.Write([]byte(req)); err != nil {
		return "", false
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	body := make([]byte, 8192)
	n, _ := resp.Body.Read(body)
	bodyStr := strings.ToLower(string(body[:n]))

	return classifyFromResponse(bodyStr, resp.Header.Get("Via"), resp.Header.Get("X-Forwarded-For"), e.realExtIP)
}

// classifyFromResponse derives an anonymity level from an already-fetched
// judge response: Transparent if the body leaks realExtIP, Anonymous if
// it leaks that a proxy is in the path without leaking the real IP, High
// otherwise. realExtIP == "" means the real IP is unknown, so Transparent
// can never be concluded - an empty needle would otherwise trivially
// match any body.
func classifyFromResponse(bodyStr, viaHeader, xff, realExtIP string) (domain.AnonymityLevel, bool) {
	switch {
	case realExtIP != "" && strings.Contains(bodyStr, strings.ToLower(realExtIP)):
		return domain.Transparent, true
	case viaHeader != "" || xff != "" || strings.Contains(bodyStr, "via") || strings.Contains(bodyStr, "x-forwarded-for"):
		return domain.Anonymous, true
	default:
		return domain.High, true
	}
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func containsAnonymity(haystack []domain.AnonymityLevel, needle domain.AnonymityLevel) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
