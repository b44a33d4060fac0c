package dnsbl

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
	"github.com/proxypool/proxypool/internal/domain"
)

// defaultResolver is the DNS server the reversed-label lookups are sent to
// when Config.Resolver is empty.
const defaultResolver = "1.1.1.1:53"

// Result is the per-list outcome of one DNSBL query.
type Result struct {
	ListID     string
	Listed     bool
	Reason     string
	ResponseMs int64
}

// Client performs a single reversed-IP A/TXT query against one blocklist
// zone, wrapping github.com/miekg/dns the way the teacher wraps it for
// upstream resolution.
type Client struct {
	// Resolver is the "host:port" of the DNS server queries are sent to.
	Resolver string

	dnsClient *dns.Client
}

// NewClient returns a Client bound to resolver, or the package default if
// resolver is empty.
func NewClient(resolver string) *Client {
	if resolver == "" {
		resolver = defaultResolver
	}
	return &Client{
		Resolver:  resolver,
		dnsClient: new(dns.Client),
	}
}

// Query runs a single list's DNSBL lookup for ip, bounded by timeout.  It
// never returns an error for ordinary DNS-level negatives (NXDOMAIN): that
// is simply "not listed". It does surface transport-level failures
// (timeouts, connection refused) so the checker can record them without
// counting them toward the malicious threshold.
func (c *Client) Query(ctx context.Context, ip string, list List, timeout time.Duration) (Result, error) {
	label, err := ReverseLabel(ip)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrInvalidInput, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch list.ResponseFormat {
	case FormatTXT:
		return c.queryTXT(ctx, label, list)
	case FormatBoth:
		res, err := c.queryA(ctx, label, list)
		if err == nil && !res.Listed {
			return c.queryTXT(ctx, label, list)
		}
		return res, err
	default:
		return c.queryA(ctx, label, list)
	}
}

func (c *Client) queryA(ctx context.Context, label string, list List) (Result, error) {
	start := time.Now()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(label+"."+list.Zone), dns.TypeA)

	resp, err := c.exchange(ctx, m)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Result{}, errors.Annotate(err, "querying %s: %w", list.Zone)
	}

	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip4 := a.A.To4()
		if ip4 == nil {
			continue
		}
		reason := reasonFor(list.Zone, ip4[3], a.A.String())
		return Result{ListID: list.ID, Listed: true, Reason: reason, ResponseMs: elapsed}, nil
	}

	return Result{ListID: list.ID, Listed: false, ResponseMs: elapsed}, nil
}

func (c *Client) queryTXT(ctx context.Context, label string, list List) (Result, error) {
	start := time.Now()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(label+"."+list.Zone), dns.TypeTXT)

	resp, err := c.exchange(ctx, m)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Result{}, errors.Annotate(err, "querying %s: %w", list.Zone)
	}

	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		reason := strings.Join(txt.Txt, " ")
		return Result{ListID: list.ID, Listed: true, Reason: reason, ResponseMs: elapsed}, nil
	}

	return Result{ListID: list.ID, Listed: false, ResponseMs: elapsed}, nil
}

func (c *Client) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	resp, _, err := c.dnsClient.ExchangeContext(ctx, m, c.Resolver)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("unexpected rcode %s", dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}

// ReverseLabel implements ip_to_dnsbl_format: it turns an IPv4 dotted
// address into its reversed-octet DNSBL label, e.g. "192.168.1.1" ->
// "1.1.168.192". IPv6 is explicitly unsupported.
func ReverseLabel(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("%w: %q is not an IP address", domain.ErrInvalidInput, ip)
	}
	ip4 := parsed.To4()
	if ip4 == nil {
		return "", fmt.Errorf("%w: IPv6 not supported", domain.ErrInvalidInput)
	}

	octets := make([]string, 4)
	for i := 0; i < 4; i++ {
		octets[3-i] = strconv.Itoa(int(ip4[i]))
	}
	return strings.Join(octets, "."), nil
}
