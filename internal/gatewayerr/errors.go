// Package gatewayerr defines the gateway's error taxonomy (kinds, not
// concrete types) so callers across the proxy/backend/session boundary
// can classify a failure with errors.Is/errors.As without depending on
// the package that produced it.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error into one of the taxonomy buckets.
type Kind string

const (
	// KindConfig covers malformed config, unknown referenced backend, cycles.
	KindConfig Kind = "config"
	// KindTransport covers ConnectFailed, PeerClosed, Timeout, ProtocolError.
	KindTransport Kind = "transport"
	// KindBackend covers handshake rejected, tool listing rejected, PeerError.
	KindBackend Kind = "backend"
	// KindProxy covers proxy not Running, backend not Verified, method/tool not exposed.
	KindProxy Kind = "proxy"
	// KindSession covers unknown session, queue overflow, admission rejected.
	KindSession Kind = "session"
	// KindCompliance covers a message failing normalization.
	KindCompliance Kind = "compliance"
)

// TransportReason further classifies a KindTransport error.
type TransportReason string

const (
	ReasonConnectFailed  TransportReason = "connect_failed"
	ReasonProtocolError  TransportReason = "protocol_error"
	ReasonPeerClosed     TransportReason = "peer_closed"
	ReasonTimeout        TransportReason = "timeout"
	ReasonPeerError      TransportReason = "peer_error"
)

// Error is the gateway's common error envelope. It wraps an underlying
// cause and tags it with a Kind (and, for transport errors, a Reason) so
// propagation policy (spec §7) can be implemented with a type switch at
// the boundary instead of string matching.
type Error struct {
	Kind   Kind
	Reason TransportReason
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, gatewayerr.KindProxy) style matching against a
// bare Kind by wrapping it first with New(kind, "", nil).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return true
}

// New wraps err with the given Kind/op, suitable at any boundary crossing.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transport wraps err as a KindTransport error with a specific reason.
func Transport(op string, reason TransportReason, err error) *Error {
	return &Error{Kind: KindTransport, Reason: reason, Op: op, Err: err}
}

// Sentinel returns a bare comparison error for use with errors.Is, e.g.
// errors.Is(err, gatewayerr.Sentinel(gatewayerr.KindProxy)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// SentinelReason returns a bare comparison error for a transport reason.
func SentinelReason(reason TransportReason) error {
	return &Error{Kind: KindTransport, Reason: reason}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is a
// *Error; ok is false otherwise.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
