package negotiate

import (
	"encoding/binary"
	"io"
	"time"
)

// SOCKS5 implements the no-auth SOCKS5 CONNECT handshake: a greeting
// advertising "no authentication required", followed by the CONNECT
// request for an IPv4 target.
type SOCKS5 struct {
	HandshakeTimeout time.Duration
}

var _ Negotiator = SOCKS5{}

// Negotiate implements Negotiator.
func (n SOCKS5) Negotiate(stream Stream, target Target) bool {
	if n.HandshakeTimeout > 0 {
		_ = stream.SetDeadline(time.Now().Add(n.HandshakeTimeout))
	}

	if _, err := stream.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		logOutcome("socks5", OutcomeRequestFailed)
		return false
	}

	greet := make([]byte, 2)
	if _, err := io.ReadFull(stream, greet); err != nil {
		logOutcome("socks5", OutcomeRequestFailed)
		return false
	}
	if greet[0] != 0x05 {
		logOutcome("socks5", OutcomeInvalidResponseVersion)
		return false
	}
	if greet[1] == 0xFF {
		logOutcome("socks5", OutcomeAuthRequired)
		return false
	}
	if greet[1] != 0x00 {
		logOutcome("socks5", OutcomeAuthRequired)
		return false
	}

	ip4 := parseIPv4(target.Host)
	if ip4 == nil {
		logOutcome("socks5", OutcomeInvalidData)
		return false
	}

	req := make([]byte, 10)
	req[0] = 0x05
	req[1] = 0x01
	req[2] = 0x00
	req[3] = 0x01
	copy(req[4:8], ip4)
	binary.BigEndian.PutUint16(req[8:10], target.Port)

	if _, err := stream.Write(req); err != nil {
		logOutcome("socks5", OutcomeRequestFailed)
		return false
	}

	resp := make([]byte, 10)
	if _, err := io.ReadFull(stream, resp); err != nil {
		logOutcome("socks5", OutcomeRequestFailed)
		return false
	}
	if resp[0] != 0x05 {
		logOutcome("socks5", OutcomeInvalidResponseVersion)
		return false
	}
	if resp[1] != 0x00 {
		logOutcome("socks5", OutcomeRequestFailed)
		return false
	}

	logOutcome("socks5", OutcomeOK)
	return true
}
