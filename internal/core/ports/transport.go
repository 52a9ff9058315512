package ports

import (
	"context"
	"time"

	"peermesh/internal/core/domain"
)

// TransportStats is a snapshot of the transport's statistics for one
// media call. Fields that the platform has not produced yet are nil;
// absence means "not measured", never zero.
type TransportStats struct {
	BytesSent     uint64
	BytesReceived uint64
	PacketsSent   *uint64
	PacketsLost   *uint64
	RoundTripTime *time.Duration
	Jitter        *time.Duration
	// AvailableBandwidthKbps is the transport's own estimate when it
	// has one (e.g. from REMB); the monitor's probe supplements it.
	AvailableBandwidthKbps *int
}

// DataChannel is a reliable message channel to one remote peer.
type DataChannel interface {
	PeerID() domain.PeerID
	Open() bool
	Send(payload []byte) error
	OnOpen(fn func())
	OnMessage(fn func(payload []byte))
	OnClose(fn func())
	OnError(fn func(err error))
	Close() error
}

// MediaCall is a media connection to one remote peer, placed or
// answered alongside an existing data channel.
type MediaCall interface {
	PeerID() domain.PeerID
	// Answer accepts an inbound call. A nil stream answers
	// receive-only.
	Answer(local MediaStream) error
	OnStream(fn func(remote MediaStream))
	OnClose(fn func())
	Stats() (TransportStats, error)
	// SetMaxVideoBitrate adjusts the outbound video bitrate ceiling in
	// bits per second; used by quality presets and bandwidth probes.
	SetMaxVideoBitrate(bps int) error
	MaxVideoBitrate() int
	Close() error
}

// Transport is the peer-transport collaborator: it performs address
// negotiation and carries media/data once a logical connection is
// requested.
type Transport interface {
	// Open binds the local endpoint to selfID. It returns once the
	// endpoint is usable; errors before that reject initialization.
	// Later failures are reported via OnDisconnected/OnError.
	Open(ctx context.Context, selfID domain.PeerID) error
	Connected() bool
	Reconnect(ctx context.Context) error
	Connect(ctx context.Context, peerID domain.PeerID) (DataChannel, error)
	Call(ctx context.Context, peerID domain.PeerID, local MediaStream) (MediaCall, error)
	OnConnection(fn func(ch DataChannel))
	OnCall(fn func(call MediaCall))
	OnDisconnected(fn func())
	OnError(fn func(err error))
	Close() error
}

// Signaling is the room-membership collaborator.
type Signaling interface {
	JoinRoom(ctx context.Context, roomID domain.RoomID, selfID domain.PeerID) error
	LeaveRoom(ctx context.Context) error
	OnUserJoined(fn func(peerID domain.PeerID))
	OnUserLeft(fn func(peerID domain.PeerID))
	OnParticipants(fn func(peerIDs []domain.PeerID))
	Close() error
}
