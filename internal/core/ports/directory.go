package ports

import "peermesh/internal/core/domain"

// PeerDirectory is the network monitor's view of the connection
// registry: which peers are live, their media calls, and a way to send
// liveness pings.
type PeerDirectory interface {
	PeerIDs() []domain.PeerID
	MediaCall(peerID domain.PeerID) (MediaCall, bool)
	SendPing(peerID domain.PeerID) error
}
