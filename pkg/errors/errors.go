package errors

import (
	"errors"
	"fmt"

	"peermesh/internal/core/domain"
)

// Kind classifies a session error by its blast radius: what the caller
// is allowed to tear down in response.
type Kind string

const (
	// KindTransportFatal: the local endpoint itself failed; triggers
	// full reconnection backoff.
	KindTransportFatal Kind = "TRANSPORT_FATAL"
	// KindPeerUnavailable: one target id is unreachable; logged, no
	// retry, no global effect.
	KindPeerUnavailable Kind = "PEER_UNAVAILABLE"
	// KindPeerLiveness: heartbeat timeout or ping send failure;
	// triggers only that peer's reconnection.
	KindPeerLiveness Kind = "PEER_LIVENESS"
	// KindMedia: call-level failure; stream removed, connection intact.
	KindMedia Kind = "MEDIA"
	// KindCapture: device acquisition failure; retried once at lowest
	// preset, else surfaced.
	KindCapture Kind = "CAPTURE"
)

// SessionError wraps a failure with its kind, the operation that
// produced it and, when relevant, the peer involved.
type SessionError struct {
	Kind   Kind
	Op     string
	PeerID domain.PeerID
	Err    error
}

func (e *SessionError) Error() string {
	if e.PeerID != "" {
		return fmt.Sprintf("%s: %s (peer %s): %v", e.Kind, e.Op, e.PeerID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func TransportFatal(op string, err error) *SessionError {
	return &SessionError{Kind: KindTransportFatal, Op: op, Err: err}
}

func PeerUnavailable(op string, peerID domain.PeerID, err error) *SessionError {
	return &SessionError{Kind: KindPeerUnavailable, Op: op, PeerID: peerID, Err: err}
}

func PeerLiveness(op string, peerID domain.PeerID, err error) *SessionError {
	return &SessionError{Kind: KindPeerLiveness, Op: op, PeerID: peerID, Err: err}
}

func Media(op string, peerID domain.PeerID, err error) *SessionError {
	return &SessionError{Kind: KindMedia, Op: op, PeerID: peerID, Err: err}
}

func Capture(op string, err error) *SessionError {
	return &SessionError{Kind: KindCapture, Op: op, Err: err}
}

// KindOf returns the kind of the first SessionError in the chain, or
// an empty kind when there is none.
func KindOf(err error) Kind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
