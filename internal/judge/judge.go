// Package judge maintains the health-ranked set of probe endpoints used
// by the Validation Engine to determine a candidate proxy's real egress
// IP, echoed headers, and anonymity level.
package judge

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/proxypool/proxypool/internal/domain"
	"github.com/proxypool/proxypool/utils"
)

// Class groups judges by the protocol family they serve.
type Class string

// Protocol classes a judge is scoped to.
const (
	ClassHTTP Class = "http" // HTTP, HTTPS, CONNECT:80
	ClassSMTP Class = "smtp" // SMTP, CONNECT:25
)

func classFor(protocol string) Class {
	switch strings.ToUpper(protocol) {
	case "HTTP", "HTTPS", "CONNECT:80":
		return ClassHTTP
	case "SMTP", "CONNECT:25":
		return ClassSMTP
	default:
		return ""
	}
}

// Judge is one probe endpoint's health record.
type Judge struct {
	URL          string
	Scheme       string
	Host         string
	Class        Class
	ResponseTime time.Duration
	IsWorking    bool
	SuccessRate  float64
	LastChecked  time.Time
	Marks        map[string]int
}

// HealthScore is min(1000/ms, 10) * success_rate; a non-working judge
// scores zero regardless of stale history.
func (j *Judge) HealthScore() float64 {
	if !j.IsWorking {
		return 0
	}
	ms := float64(j.ResponseTime.Milliseconds())
	if ms <= 0 {
		ms = 1
	}
	timeScore := 1000.0 / ms
	if timeScore > 10 {
		timeScore = 10
	}
	return timeScore * j.SuccessRate
}

func newJudge(rawURL string) (*Judge, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Judge{
		URL:          u.String(),
		Scheme:       strings.ToUpper(u.Scheme),
		Host:         u.Hostname(),
		ResponseTime: time.Second,
		Marks:        map[string]int{"via": 0, "proxy": 0},
	}, nil
}

// defaultHTTPJudges are the stock high-performance echo endpoints. Pool
// operators may override this set via configuration.
var defaultHTTPJudges = []string{
	"http://httpbin.org/get?show_env",
	"https://httpbin.org/get?show_env",
	"http://httpheader.net/azenv.php",
	"https://httpheader.net/azenv.php",
	"http://azenv.net/",
}

// defaultSMTPJudges are reachability-only targets: connecting is itself
// the signal since SMTP judges don't echo the caller's IP to us.
var defaultSMTPJudges = []string{
	"smtp://smtp.gmail.com:587",
	"smtp://aspmx.l.google.com:25",
}

// realIPEchoEndpoints answer a direct (never proxied) GET with nothing but
// the caller's IP as plain text, used once at startup to discover the
// local machine's real external IP before Pretest and candidate probing
// begin.
var realIPEchoEndpoints = []string{
	"https://api.ipify.org",
	"https://icanhazip.com",
	"https://ifconfig.me/ip",
}

// Manager holds the judge registry, protected by a single mutex the way
// the pool's other registries are - writers only ever touch in-memory
// state, never hold the lock across network I/O.
type Manager struct {
	httpClient *http.Client

	mux        sync.Mutex
	httpJudges []*Judge
	smtpJudges []*Judge
}

// Config configures judge pretest behavior.
type Config struct {
	HTTPJudgeURLs   []string
	SMTPJudgeAddrs  []string
	PretestTimeout  time.Duration
	InsecureSkipTLS bool
}

// DefaultConfig returns the documented judge defaults.
func DefaultConfig() Config {
	return Config{
		HTTPJudgeURLs:   defaultHTTPJudges,
		SMTPJudgeAddrs:  defaultSMTPJudges,
		PretestTimeout:  2 * time.Second,
		InsecureSkipTLS: true,
	}
}

// NewManager constructs a Manager from cfg; judges are registered but
// not yet probed until Pretest runs.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		httpClient: &http.Client{
			Timeout: cfg.PretestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipTLS}, //nolint:gosec
			},
		},
	}

	for _, raw := range cfg.HTTPJudgeURLs {
		j, err := newJudge(raw)
		if err != nil {
			log.Error("judge: skipping invalid judge url %q: %v", raw, err)
			continue
		}
		j.Class = ClassHTTP
		m.httpJudges = append(m.httpJudges, j)
	}
	for _, raw := range cfg.SMTPJudgeAddrs {
		j, err := newJudge(raw)
		if err != nil {
			log.Error("judge: skipping invalid judge addr %q: %v", raw, err)
			continue
		}
		j.Class = ClassSMTP
		m.smtpJudges = append(m.smtpJudges, j)
	}

	return m, nil
}

// DiscoverRealIP issues a direct GET (never through a candidate proxy) to
// each of realIPEchoEndpoints in turn until one answers with a parseable
// IPv4 address, returning the local machine's real external IP. This is
// the value Pretest and the validation engine's anonymity classification
// both need in order to tell a transparent proxy (one that leaks it) from
// an anonymous or high-anonymity one (one that doesn't).
func (m *Manager) DiscoverRealIP(ctx context.Context, timeout time.Duration) (string, error) {
	var lastErr error
	for _, endpoint := range realIPEchoEndpoints {
		ip, err := m.fetchPlainIP(ctx, endpoint, timeout)
		if err != nil {
			lastErr = err
			log.Debug("judge: real IP discovery via %s failed: %v", endpoint, err)
			continue
		}
		return ip, nil
	}
	return "", fmt.Errorf("%w: no IP echo endpoint reachable: %s", domain.ErrNetwork, lastErr)
}

func (m *Manager) fetchPlainIP(ctx context.Context, endpointURL string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}

	ipStr := strings.TrimSpace(string(body))
	if ip := net.ParseIP(ipStr); ip != nil && ip.To4() != nil {
		return ip.String(), nil
	}
	return "", fmt.Errorf("%q is not a plain IPv4 address", ipStr)
}

// Pretest runs a one-shot parallel probe of every registered judge from
// the local machine, recording is_working/response_time/marks, then
// re-sorts each class descending by health score. It never fails:
// degrading to "no judges" is acceptable, per the documented contract.
func (m *Manager) Pretest(ctx context.Context, realExtIP string, timeout time.Duration) {
	m.mux.Lock()
	httpJudges := make([]*Judge, len(m.httpJudges))
	copy(httpJudges, m.httpJudges)
	smtpJudges := make([]*Judge, len(m.smtpJudges))
	copy(smtpJudges, m.smtpJudges)
	m.mux.Unlock()

	var wg sync.WaitGroup
	for _, j := range httpJudges {
		j := j
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probeHTTPJudge(ctx, j, realExtIP, timeout)
		}()
	}
	for _, j := range smtpJudges {
		j := j
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probeSMTPJudge(ctx, j, timeout)
		}()
	}
	wg.Wait()

	m.mux.Lock()
	defer m.mux.Unlock()
	sortByHealth(m.httpJudges)
	sortByHealth(m.smtpJudges)

	workingHTTP, workingSMTP := 0, 0
	for _, j := range m.httpJudges {
		if j.IsWorking {
			workingHTTP++
		}
	}
	for _, j := range m.smtpJudges {
		if j.IsWorking {
			workingSMTP++
		}
	}
	log.Info("judge: pretested %d HTTP (%d working), %d SMTP (%d working)",
		len(m.httpJudges), workingHTTP, len(m.smtpJudges), workingSMTP)
	if workingHTTP == 0 {
		log.Warn("judge: no working HTTP judges - anonymity classification will be degraded")
	}
}

func sortByHealth(js []*Judge) {
	sort.SliceStable(js, func(i, k int) bool { return js[i].HealthScore() > js[k].HealthScore() })
}

func (m *Manager) probeHTTPJudge(ctx context.Context, j *Judge, realExtIP string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.URL, nil)
	if err != nil {
		j.IsWorking = false
		return
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; proxypool-judge/1.0)")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "keep-alive")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Debug("judge: probe %s failed: %v", j.Host, err)
		j.IsWorking = false
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	elapsed := time.Since(start)
	if err != nil || resp.StatusCode != http.StatusOK {
		j.IsWorking = false
		return
	}

	j.ResponseTime = elapsed
	j.LastChecked = time.Now()

	bodyStr := strings.ToLower(string(body))
	j.IsWorking = strings.Contains(bodyStr, strings.ToLower(realExtIP))
	if j.IsWorking {
		j.Marks["via"] = strings.Count(bodyStr, "via")
		j.Marks["proxy"] = strings.Count(bodyStr, "proxy")
		j.SuccessRate = 1.0
	}
	log.Debug("judge: probed %s in %dms working=%v body=%q", j.Host, elapsed.Milliseconds(), j.IsWorking, utils.ShortText(bodyStr, 200))
}

// probeSMTPJudge treats a clean TCP connect plus an initial greeting
// line as "working" - SMTP judges don't echo the caller's IP back, so
// reachability is the only signal available.
func (m *Manager) probeSMTPJudge(ctx context.Context, j *Judge, timeout time.Duration) {
	addr := strings.TrimPrefix(j.URL, "smtp://")
	d := net.Dialer{Timeout: timeout}

	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		j.IsWorking = false
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	elapsed := time.Since(start)
	if err != nil || !strings.HasPrefix(line, "220") {
		j.IsWorking = false
		return
	}

	j.ResponseTime = elapsed
	j.LastChecked = time.Now()
	j.IsWorking = true
	j.SuccessRate = 1.0
}

// Best returns the highest health-scored working judge for protocol, if
// any.
func (m *Manager) Best(protocol string) (*Judge, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()

	for _, j := range m.byClass(classFor(protocol)) {
		if j.IsWorking {
			return j, true
		}
	}
	return nil, false
}

// Working returns up to n working judges for protocol, ordered by
// health score, for validation load-spreading.
func (m *Manager) Working(protocol string, n int) []*Judge {
	m.mux.Lock()
	defer m.mux.Unlock()

	var out []*Judge
	for _, j := range m.byClass(classFor(protocol)) {
		if !j.IsWorking {
			continue
		}
		out = append(out, j)
		if len(out) >= n {
			break
		}
	}
	return out
}

func (m *Manager) byClass(class Class) []*Judge {
	switch class {
	case ClassHTTP:
		return m.httpJudges
	case ClassSMTP:
		return m.smtpJudges
	default:
		return nil
	}
}

// Stats summarizes judge-registry health, matching the pool's other
// Stats() observability shape.
type Stats struct {
	Total         int
	Working       int
	AvgResponseMs int64
}

// Stats returns the combined HTTP+SMTP registry stats.
func (m *Manager) Stats() Stats {
	m.mux.Lock()
	defer m.mux.Unlock()

	var total, working int
	var sum time.Duration
	for _, j := range append(append([]*Judge{}, m.httpJudges...), m.smtpJudges...) {
		total++
		if j.IsWorking {
			working++
			sum += j.ResponseTime
		}
	}
	var avg int64
	if working > 0 {
		avg = (sum / time.Duration(working)).Milliseconds()
	}
	return Stats{Total: total, Working: working, AvgResponseMs: avg}
}
