package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionError_KindAndUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := TransportFatal("open endpoint", cause)

	assert.Equal(t, KindTransportFatal, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "TRANSPORT_FATAL")
}

func TestSessionError_PeerScoped(t *testing.T) {
	err := PeerLiveness("heartbeat", "peer-7", errors.New("ping timeout"))

	assert.Equal(t, KindPeerLiveness, KindOf(err))
	assert.Contains(t, err.Error(), "peer-7")
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestKindOf_WrappedChain(t *testing.T) {
	inner := Capture("getUserMedia", errors.New("device busy"))
	outer := errors.Join(errors.New("outer"), inner)
	assert.Equal(t, KindCapture, KindOf(outer))
}
