package events

import (
	"sync"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
)

// Type names are the public contract consumed by the UI layer.
type Type string

const (
	PeerConnected      Type = "peer_connected"
	PeerDisconnected   Type = "peer_disconnected"
	Stream             Type = "stream"
	StreamRemoved      Type = "stream_removed"
	ParticipantUpdated Type = "participant_updated"
	ConnectionQuality  Type = "connection_quality"
	QualityUpdate      Type = "quality_update"
	QualityDowngrade   Type = "quality_downgrade"
	QualityUpgrade     Type = "quality_upgrade"
	LocalStream        Type = "local_stream"
	VideoQualityChange Type = "video_quality_changed"
	NetworkError       Type = "network_error"
	Reconnecting       Type = "reconnecting"
	Reconnected        Type = "reconnected"
	RoomJoined         Type = "room_joined"
	RoomLeft           Type = "room_left"
	Destroyed          Type = "destroyed"
	Data               Type = "data"
)

// Event carries the payload for one emission. Only the fields relevant
// to the type are set.
type Event struct {
	Type        Type
	PeerID      domain.PeerID
	RoomID      domain.RoomID
	Participant *domain.RoomParticipant
	Stream      ports.MediaStream
	Quality     domain.QualityTier
	Preset      string
	Attempt     int
	Err         error
	Payload     []byte
}

// Handler receives events synchronously on the emitting goroutine.
type Handler func(Event)

// Emitter fans events out to any number of subscribers; emission order
// equals registration order.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[Type][]Handler)}
}

func (e *Emitter) On(t Type, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = append(e.handlers[t], h)
}

func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	hs := make([]Handler, len(e.handlers[ev.Type]))
	copy(hs, e.handlers[ev.Type])
	e.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}
