package domain

import "github.com/AdguardTeam/golibs/errors"

// Sentinel errors for the taxonomy in the error-handling design.  Each
// subsystem wraps one of these with fmt.Errorf's %w verb so callers can
// still match with errors.Is.
const (
	// ErrNetwork covers connect/read/write/timeout failures.
	ErrNetwork errors.Error = "network error"

	// ErrDNSResolution covers name lookup failures.
	ErrDNSResolution errors.Error = "dns resolution error"

	// ErrProtocol covers negotiator rejection of a peer's response.
	ErrProtocol errors.Error = "protocol error"

	// ErrInvalidInput covers malformed IPs, ports, and unsupported
	// address families (IPv6 for DNSBL).
	ErrInvalidInput errors.Error = "invalid input"

	// ErrResourceExhausted covers semaphore or pool saturation past a
	// deadline.
	ErrResourceExhausted errors.Error = "resource exhausted"

	// ErrConfig covers invalid section payloads, invalid TOML, or
	// unknown sections.
	ErrConfig errors.Error = "config error"

	// ErrShutdown names cancellation in the taxonomy. No operation in this
	// module returns it: cancelled long-lived operations stop without an
	// error (validate.Engine.Run closes its channel,
	// forward.Server.ListenAndServe returns nil).
	ErrShutdown errors.Error = "shutdown requested"
)
