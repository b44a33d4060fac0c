// Package negotiate implements the proxy protocol handshakes (SOCKS4,
// SOCKS5, HTTP CONNECT) as pure state machines driven over an abstract
// full-duplex byte stream.  None of the negotiators open sockets
// themselves; callers dial the stream and hand it in.
package negotiate

import (
	"io"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// Stream is the abstract full-duplex byte stream a negotiator is driven
// over.  *net.TCPConn, net.Pipe halves, and any io.ReadWriter wrapped with
// a deadline satisfy it.
type Stream interface {
	io.Reader
	io.Writer
	SetDeadline(t time.Time) error
}

// Target is the (host, port) the client wants the proxy to reach.
type Target struct {
	Host string
	Port uint16
}

// Outcome is a normalized negotiation failure code, logged by every
// negotiator instead of a free-form error so that callers can count
// specific failure classes across candidates.
type Outcome string

// Normalized outcome codes.
const (
	OutcomeOK                      Outcome = "ok"
	OutcomeInvalidResponseVersion  Outcome = "invalid_response_version"
	OutcomeRequestFailed           Outcome = "request_failed"
	OutcomeAuthRequired            Outcome = "auth_is_required"
	OutcomeInvalidData             Outcome = "invalid_data"
)

// Negotiator is the closed set of capability implementations the
// Validation Engine drives.  The set of implementations is fixed at
// compile time; internal/validate picks one with a switch over Protocol
// and calls it through this interface.
type Negotiator interface {
	// Negotiate performs the handshake over stream for target and
	// reports whether the proxy accepted the request.  It never panics
	// on malformed peer input; all parse failures resolve to false plus
	// a logged Outcome.
	Negotiate(stream Stream, target Target) bool
}

func logOutcome(proto string, o Outcome) {
	log.Debug("negotiate: %s handshake outcome=%s", proto, o)
}

// parseIPv4 returns the 4-byte representation of host, or nil if host is
// not a literal IPv4 address.
func parseIPv4(host string) net.IP {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return ip.To4()
}
