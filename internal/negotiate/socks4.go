package negotiate

import (
	"encoding/binary"
	"io"
	"time"
)

// SOCKS4 implements the SOCKS4 CONNECT handshake.  It requires the target
// host to be a literal IPv4 address; SOCKS4 has no name-resolution
// extension.
type SOCKS4 struct {
	// HandshakeTimeout bounds the read/write deadline set on the stream.
	// Zero means the caller's own deadline (if any) is left untouched.
	HandshakeTimeout time.Duration
}

var _ Negotiator = SOCKS4{}

// Negotiate implements Negotiator.
func (n SOCKS4) Negotiate(stream Stream, target Target) bool {
	if n.HandshakeTimeout > 0 {
		_ = stream.SetDeadline(time.Now().Add(n.HandshakeTimeout))
	}

	ip4 := parseIPv4(target.Host)
	if ip4 == nil {
		logOutcome("socks4", OutcomeInvalidData)
		return false
	}

	req := make([]byte, 9)
	req[0] = 0x04
	req[1] = 0x01
	binary.BigEndian.PutUint16(req[2:4], target.Port)
	copy(req[4:8], ip4)
	req[8] = 0x00

	if _, err := stream.Write(req); err != nil {
		logOutcome("socks4", OutcomeRequestFailed)
		return false
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(stream, resp); err != nil {
		logOutcome("socks4", OutcomeRequestFailed)
		return false
	}

	if resp[0] != 0x00 {
		logOutcome("socks4", OutcomeInvalidResponseVersion)
		return false
	}
	if resp[1] != 0x5A {
		logOutcome("socks4", OutcomeRequestFailed)
		return false
	}

	logOutcome("socks4", OutcomeOK)
	return true
}
