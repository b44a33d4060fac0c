package negotiate

import (
	"bufio"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HTTPConnect implements the HTTP CONNECT tunnel handshake used by the
// validation engine's CONNECT:80 and CONNECT:25 probes. The forwarding
// server writes its own CONNECT request and does not use it.
type HTTPConnect struct {
	HandshakeTimeout time.Duration
}

var _ Negotiator = HTTPConnect{}

// Negotiate implements Negotiator.
func (n HTTPConnect) Negotiate(stream Stream, target Target) bool {
	if n.HandshakeTimeout > 0 {
		_ = stream.SetDeadline(time.Now().Add(n.HandshakeTimeout))
	}

	hostport := target.Host + ":" + strconv.Itoa(int(target.Port))
	req := fmt.Sprintf(
		"CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: Keep-Alive\r\n\r\n",
		hostport, hostport,
	)

	if _, err := stream.Write([]byte(req)); err != nil {
		logOutcome("connect", OutcomeRequestFailed)
		return false
	}

	resp, err := http.ReadResponse(bufio.NewReader(stream), nil)
	if err != nil {
		logOutcome("connect", OutcomeInvalidData)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logOutcome("connect", OutcomeRequestFailed)
		return false
	}

	logOutcome("connect", OutcomeOK)
	return true
}
