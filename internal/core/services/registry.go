package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/events"
	"peermesh/internal/core/ports"
	pmerrors "peermesh/pkg/errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Data-channel message tags. Anything else is forwarded upward as a
// generic data event rather than dropped.
const (
	msgUserInfo = "user_info"
	msgPing     = "ping"
	msgPong     = "pong"
)

type wireMessage struct {
	Type        string                    `json:"type"`
	Timestamp   int64                     `json:"timestamp,omitempty"` // unix millis, ping/pong only
	Participant *domain.RoomParticipant   `json:"participant,omitempty"`
	Payload     json.RawMessage           `json:"payload,omitempty"`
}

// PeerConnection pairs the data channel and optional media call for
// one remote participant. At most one exists per participant id; the
// registry enforces the invariant by tearing down any existing record
// before creating a second.
type PeerConnection struct {
	ParticipantID domain.PeerID
	Channel       ports.DataChannel
	Call          ports.MediaCall
	RemoteStream  ports.MediaStream
	AudioEnabled  bool
	VideoEnabled  bool
}

// ConnectionRegistry owns the set of live per-peer connections, the
// participant records behind them, and the cached "last known self
// info" snapshot that is announced on connect and re-broadcast after
// reconnections.
type ConnectionRegistry struct {
	transport ports.Transport
	emitter   *events.Emitter
	logger    *zap.SugaredLogger

	mu           sync.RWMutex
	conns        map[domain.PeerID]*PeerConnection
	participants map[domain.PeerID]*domain.RoomParticipant
	self         domain.RoomParticipant

	pongHandler func(peerID domain.PeerID, sentAt time.Time)

	// liveStateLimiter bounds how often transient live-state updates
	// (speaking, emotion, position) are broadcast; identity changes
	// always go out.
	liveStateLimiter *rate.Limiter

	flushMu    sync.Mutex
	flushTimer *time.Timer
}

func NewConnectionRegistry(transport ports.Transport, emitter *events.Emitter, self domain.RoomParticipant, logger *zap.SugaredLogger) *ConnectionRegistry {
	return &ConnectionRegistry{
		transport:        transport,
		emitter:          emitter,
		logger:           logger,
		conns:            make(map[domain.PeerID]*PeerConnection),
		participants:     make(map[domain.PeerID]*domain.RoomParticipant),
		self:             self,
		liveStateLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

// SetPongHandler installs the monitor's pong callback.
func (r *ConnectionRegistry) SetPongHandler(fn func(peerID domain.PeerID, sentAt time.Time)) {
	r.pongHandler = fn
}

// OpenPeer dials a data channel to the peer and, when a local stream
// is available, places a media call. Any existing connection for the
// id is torn down first.
func (r *ConnectionRegistry) OpenPeer(ctx context.Context, peerID domain.PeerID, local ports.MediaStream) error {
	r.mu.RLock()
	_, exists := r.conns[peerID]
	r.mu.RUnlock()
	if exists {
		r.DisconnectPeer(peerID)
	}

	ch, err := r.transport.Connect(ctx, peerID)
	if err != nil {
		return pmerrors.PeerUnavailable("connect", peerID, err)
	}
	r.register(ch)

	if local != nil {
		call, err := r.transport.Call(ctx, peerID, local)
		if err != nil {
			// The data connection stands; media failure removes only
			// the stream.
			r.logger.Warnw("media call failed", "peer_id", peerID, "error", err)
			r.emitter.Emit(events.Event{Type: events.NetworkError, PeerID: peerID, Err: pmerrors.Media("call", peerID, err)})
			return nil
		}
		r.attachCall(peerID, call, nil)
	}
	return nil
}

// HandleIncomingConnection wires an inbound data channel. The record
// is created on channel open, announced with peer_connected, and this
// node's own participant snapshot is sent immediately over the
// channel.
func (r *ConnectionRegistry) HandleIncomingConnection(ch ports.DataChannel) {
	if ch.Open() {
		r.register(ch)
		return
	}
	ch.OnOpen(func() { r.register(ch) })
}

func (r *ConnectionRegistry) register(ch ports.DataChannel) {
	peerID := ch.PeerID()

	r.mu.Lock()
	if existing, ok := r.conns[peerID]; ok && existing.Channel != ch {
		r.mu.Unlock()
		r.DisconnectPeer(peerID)
		r.mu.Lock()
	}
	r.conns[peerID] = &PeerConnection{
		ParticipantID: peerID,
		Channel:       ch,
		AudioEnabled:  true,
		VideoEnabled:  true,
	}
	self := r.self
	r.mu.Unlock()

	ch.OnMessage(func(payload []byte) { r.dispatch(peerID, payload) })
	ch.OnClose(func() { r.DisconnectPeer(peerID) })
	ch.OnError(func(err error) {
		r.logger.Warnw("data channel error", "peer_id", peerID, "error", err)
	})

	r.logger.Infow("peer connected", "peer_id", peerID)
	r.emitter.Emit(events.Event{Type: events.PeerConnected, PeerID: peerID})

	if err := r.send(ch, wireMessage{Type: msgUserInfo, Participant: &self}); err != nil {
		r.logger.Warnw("self announce failed", "peer_id", peerID, "error", err)
	}
}

// HandleIncomingCall answers a media call from a peer. A call is only
// valid after a data connection exists; calls from unknown peers are
// closed.
func (r *ConnectionRegistry) HandleIncomingCall(call ports.MediaCall, local ports.MediaStream) error {
	peerID := call.PeerID()
	r.mu.RLock()
	_, ok := r.conns[peerID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warnw("rejecting call without data connection", "peer_id", peerID)
		_ = call.Close()
		return pmerrors.Media("incoming call", peerID, domain.ErrCallBeforeData)
	}

	r.attachCall(peerID, call, func() error {
		// Answer with the local stream when present, else receive-only.
		return call.Answer(local)
	})
	return nil
}

func (r *ConnectionRegistry) attachCall(peerID domain.PeerID, call ports.MediaCall, answer func() error) {
	r.mu.Lock()
	conn, ok := r.conns[peerID]
	if !ok {
		r.mu.Unlock()
		_ = call.Close()
		return
	}
	if conn.Call != nil {
		_ = conn.Call.Close()
	}
	conn.Call = call
	r.mu.Unlock()

	call.OnStream(func(remote ports.MediaStream) {
		r.mu.Lock()
		if conn, ok := r.conns[peerID]; ok {
			conn.RemoteStream = remote
		}
		r.mu.Unlock()
		r.emitter.Emit(events.Event{Type: events.Stream, PeerID: peerID, Stream: remote})
	})
	call.OnClose(func() {
		// Only the stream goes; the data connection, and with it the
		// participant's presence, persists.
		r.mu.Lock()
		var removed bool
		if conn, ok := r.conns[peerID]; ok && conn.Call == call {
			conn.Call = nil
			conn.RemoteStream = nil
			removed = true
		}
		r.mu.Unlock()
		if removed {
			r.emitter.Emit(events.Event{Type: events.StreamRemoved, PeerID: peerID})
		}
	})

	if answer != nil {
		if err := answer(); err != nil {
			r.logger.Warnw("call answer failed", "peer_id", peerID, "error", err)
			r.emitter.Emit(events.Event{Type: events.NetworkError, PeerID: peerID, Err: pmerrors.Media("answer", peerID, err)})
		}
	}
}

// DisconnectPeer tears down a peer's call, data channel, and records.
// Idempotent: a second call for the same id is a no-op, and
// peer_disconnected is emitted exactly once.
func (r *ConnectionRegistry) DisconnectPeer(peerID domain.PeerID) {
	r.mu.Lock()
	conn, ok := r.conns[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, peerID)
	delete(r.participants, peerID)
	r.mu.Unlock()

	if conn.Call != nil {
		_ = conn.Call.Close()
	}
	if conn.Channel != nil {
		_ = conn.Channel.Close()
	}

	r.logger.Infow("peer disconnected", "peer_id", peerID)
	r.emitter.Emit(events.Event{Type: events.PeerDisconnected, PeerID: peerID})
}

// Shutdown disconnects every peer and cancels any pending broadcast.
func (r *ConnectionRegistry) Shutdown() {
	r.flushMu.Lock()
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.flushMu.Unlock()

	for _, peerID := range r.PeerIDs() {
		r.DisconnectPeer(peerID)
	}
}

// Has reports whether a live connection exists for the id.
func (r *ConnectionRegistry) Has(peerID domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[peerID]
	return ok
}

// EnsureParticipant creates a placeholder participant record on first
// signaling announcement, before any user_info arrives.
func (r *ConnectionRegistry) EnsureParticipant(peerID domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[peerID]; !ok {
		r.participants[peerID] = &domain.RoomParticipant{ID: peerID}
	}
}

// Participant returns a copy of the participant record.
func (r *ConnectionRegistry) Participant(peerID domain.PeerID) (domain.RoomParticipant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[peerID]
	if !ok {
		return domain.RoomParticipant{}, false
	}
	return *p, true
}

// Participants returns copies of all known remote participants.
func (r *ConnectionRegistry) Participants() []domain.RoomParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RoomParticipant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

// Self returns the cached self snapshot.
func (r *ConnectionRegistry) Self() domain.RoomParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

// UpdateSelfInfo merges the partial update into the cached self
// snapshot and re-broadcasts it to every open data channel. Pure
// live-state updates over the broadcast rate are coalesced into one
// deferred broadcast, so the final state of a burst still goes out.
func (r *ConnectionRegistry) UpdateSelfInfo(update domain.ParticipantUpdate) {
	r.mu.Lock()
	r.self.Apply(update)
	r.mu.Unlock()

	if update.LiveStateOnly() && !r.liveStateLimiter.Allow() {
		r.scheduleTrailingFlush()
		return
	}
	r.BroadcastSelf()
}

// scheduleTrailingFlush arms one broadcast for the limiter's next free
// slot. Whatever snapshot is current when the timer fires is what goes
// out, so a run of throttled updates collapses into its end state.
func (r *ConnectionRegistry) scheduleTrailingFlush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	if r.flushTimer != nil {
		return
	}
	delay := r.liveStateLimiter.Reserve().Delay()
	r.flushTimer = time.AfterFunc(delay, func() {
		r.flushMu.Lock()
		r.flushTimer = nil
		r.flushMu.Unlock()
		r.BroadcastSelf()
	})
}

// BroadcastSelf sends the current self snapshot to every open data
// channel; used after a reconnection, since remotes no longer hold the
// latest snapshot.
func (r *ConnectionRegistry) BroadcastSelf() {
	r.mu.RLock()
	self := r.self
	channels := make([]ports.DataChannel, 0, len(r.conns))
	for _, conn := range r.conns {
		channels = append(channels, conn.Channel)
	}
	r.mu.RUnlock()

	for _, ch := range channels {
		if err := r.send(ch, wireMessage{Type: msgUserInfo, Participant: &self}); err != nil {
			r.logger.Debugw("self broadcast failed", "peer_id", ch.PeerID(), "error", err)
		}
	}
}

// dispatch routes one inbound message by its type tag.
func (r *ConnectionRegistry) dispatch(peerID domain.PeerID, payload []byte) {
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.emitter.Emit(events.Event{Type: events.Data, PeerID: peerID, Payload: payload})
		return
	}

	switch msg.Type {
	case msgUserInfo:
		if msg.Participant == nil {
			return
		}
		r.mu.Lock()
		p := *msg.Participant
		p.ID = peerID
		r.participants[peerID] = &p
		r.mu.Unlock()
		r.emitter.Emit(events.Event{Type: events.ParticipantUpdated, PeerID: peerID, Participant: &p})

	case msgPing:
		r.mu.RLock()
		conn, ok := r.conns[peerID]
		r.mu.RUnlock()
		if ok {
			if err := r.send(conn.Channel, wireMessage{Type: msgPong, Timestamp: msg.Timestamp}); err != nil {
				r.logger.Debugw("pong send failed", "peer_id", peerID, "error", err)
			}
		}

	case msgPong:
		if r.pongHandler != nil {
			r.pongHandler(peerID, time.UnixMilli(msg.Timestamp))
		}

	default:
		r.emitter.Emit(events.Event{Type: events.Data, PeerID: peerID, Payload: payload})
	}
}

func (r *ConnectionRegistry) send(ch ports.DataChannel, msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ch.Send(data)
}

// PeerDirectory implementation for the network monitor.

func (r *ConnectionRegistry) PeerIDs() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]domain.PeerID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *ConnectionRegistry) MediaCall(peerID domain.PeerID) (ports.MediaCall, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[peerID]
	if !ok || conn.Call == nil {
		return nil, false
	}
	return conn.Call, true
}

// SendPing sends a liveness ping carrying the current timestamp.
func (r *ConnectionRegistry) SendPing(peerID domain.PeerID) error {
	r.mu.RLock()
	conn, ok := r.conns[peerID]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrPeerNotConnected
	}
	return r.send(conn.Channel, wireMessage{Type: msgPing, Timestamp: time.Now().UnixMilli()})
}

// RemoteStream returns the inbound media stream for a peer, if any.
func (r *ConnectionRegistry) RemoteStream(peerID domain.PeerID) (ports.MediaStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[peerID]
	if !ok || conn.RemoteStream == nil {
		return nil, false
	}
	return conn.RemoteStream, true
}
