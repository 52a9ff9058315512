package services

import (
	"context"
	"sync"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/events"
	"peermesh/internal/core/ports"
	"peermesh/pkg/backoff"
	pmerrors "peermesh/pkg/errors"
	"peermesh/pkg/tracing"

	"go.uber.org/zap"
)

// SessionState is the orchestrator's lifecycle state.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitializing
	StateReady
	StateJoined
	StateReconnecting
	StateDestroyed
)

var stateNames = map[SessionState]string{
	StateUninitialized: "uninitialized",
	StateInitializing:  "initializing",
	StateReady:         "ready",
	StateJoined:        "joined",
	StateReconnecting:  "reconnecting",
	StateDestroyed:     "destroyed",
}

func (s SessionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// OrchestratorConfig tunes the transport-level reconnection loop.
type OrchestratorConfig struct {
	Backoff backoff.Config
	// CheckDelay is how long after a reconnect attempt the orchestrator
	// waits before checking whether the transport actually came back.
	CheckDelay time.Duration
	// PeerDialTimeout bounds each per-peer connect.
	PeerDialTimeout time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Backoff:         backoff.DefaultConfig(),
		CheckDelay:      2 * time.Second,
		PeerDialTimeout: 15 * time.Second,
	}
}

// SessionOrchestrator binds the stream controller, connection registry
// and network monitor to the signaling channel, and owns the session
// state machine:
//
//	uninitialized → initializing → ready → (per room) joined ⇄ reconnecting → destroyed
type SessionOrchestrator struct {
	transport ports.Transport
	signaling ports.Signaling
	registry  *ConnectionRegistry
	streams   *StreamController
	monitor   *NetworkMonitor
	emitter   *events.Emitter
	logger    *zap.SugaredLogger
	cfg       OrchestratorConfig

	mu             sync.Mutex
	state          SessionState
	selfID         domain.PeerID
	roomID         domain.RoomID
	attempt        int
	reconnectTimer *time.Timer
	checkTimer     *time.Timer
}

func NewSessionOrchestrator(
	transport ports.Transport,
	signaling ports.Signaling,
	registry *ConnectionRegistry,
	streams *StreamController,
	monitor *NetworkMonitor,
	emitter *events.Emitter,
	cfg OrchestratorConfig,
	logger *zap.SugaredLogger,
) *SessionOrchestrator {
	o := &SessionOrchestrator{
		transport: transport,
		signaling: signaling,
		registry:  registry,
		streams:   streams,
		monitor:   monitor,
		emitter:   emitter,
		logger:    logger,
		cfg:       cfg,
		state:     StateUninitialized,
	}

	registry.SetPongHandler(monitor.HandlePong)
	monitor.SetReconnectHandler(o.handlePeerLivenessFailure)

	transport.OnConnection(registry.HandleIncomingConnection)
	transport.OnCall(func(call ports.MediaCall) {
		if err := registry.HandleIncomingCall(call, streams.LocalStream()); err != nil {
			o.logger.Warnw("incoming call rejected", "peer_id", call.PeerID(), "error", err)
		}
	})
	transport.OnDisconnected(o.handleTransportDisconnected)
	transport.OnError(o.handleTransportError)

	signaling.OnUserJoined(o.handleUserJoined)
	signaling.OnUserLeft(o.handleUserLeft)
	signaling.OnParticipants(o.reconcileParticipants)

	// Monitor lifecycle per peer, and quality decisions into the
	// stream controller: the aggregate worst tier moves the preset for
	// everyone.
	emitter.On(events.PeerConnected, func(ev events.Event) { monitor.Track(ev.PeerID) })
	emitter.On(events.PeerDisconnected, func(ev events.Event) { monitor.Untrack(ev.PeerID) })
	emitter.On(events.QualityDowngrade, func(events.Event) {
		if err := streams.SetVideoQuality(streams.NextPresetDown()); err != nil {
			o.logger.Warnw("downgrade preset switch failed", "error", err)
		}
	})
	emitter.On(events.QualityUpgrade, func(events.Event) {
		if err := streams.SetVideoQuality(streams.NextPresetUp()); err != nil {
			o.logger.Warnw("upgrade preset switch failed", "error", err)
		}
	})

	return o
}

// Initialize binds the local transport endpoint to selfID. Transport
// errors before the endpoint opens reject initialization; afterwards
// they are routed to network-error handling instead.
func (o *SessionOrchestrator) Initialize(ctx context.Context, selfID domain.PeerID) error {
	o.mu.Lock()
	if o.state == StateDestroyed {
		o.mu.Unlock()
		return domain.ErrSessionDestroyed
	}
	if o.state != StateUninitialized {
		o.mu.Unlock()
		return domain.ErrAlreadyInitialized
	}
	o.state = StateInitializing
	o.selfID = selfID
	o.mu.Unlock()

	ctx, span := tracing.TraceSessionOperation(ctx, "initialize", string(selfID))
	defer span.End()

	if err := o.transport.Open(ctx, selfID); err != nil {
		tracing.RecordError(ctx, err)
		o.mu.Lock()
		o.state = StateUninitialized
		o.mu.Unlock()
		return pmerrors.TransportFatal("open endpoint", err)
	}

	o.mu.Lock()
	o.state = StateReady
	o.mu.Unlock()

	o.monitor.Start(context.Background())
	o.logger.Infow("session initialized", "self_id", selfID)
	return nil
}

// JoinRoom asks signaling to join, stamps the room id, and republishes
// local participant info to any already-open connections.
func (o *SessionOrchestrator) JoinRoom(ctx context.Context, roomID domain.RoomID) error {
	o.mu.Lock()
	if o.state != StateReady && o.state != StateJoined {
		o.mu.Unlock()
		return domain.ErrInvalidState
	}
	selfID := o.selfID
	o.mu.Unlock()

	ctx, span := tracing.TraceRoomOperation(ctx, "join", string(roomID))
	defer span.End()

	if err := o.signaling.JoinRoom(ctx, roomID, selfID); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	o.mu.Lock()
	o.roomID = roomID
	o.state = StateJoined
	o.mu.Unlock()

	o.monitor.Start(context.Background())
	o.registry.BroadcastSelf()

	o.logger.Infow("room joined", "room_id", roomID)
	o.emitter.Emit(events.Event{Type: events.RoomJoined, RoomID: roomID})
	return nil
}

// LeaveRoom leaves via signaling, tears down every peer connection and
// stops the monitor loops. The transport endpoint stays up so a node
// can leave and rejoin without re-initializing.
func (o *SessionOrchestrator) LeaveRoom(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateDestroyed {
		o.mu.Unlock()
		return domain.ErrSessionDestroyed
	}
	roomID := o.roomID
	if roomID == "" {
		o.mu.Unlock()
		return domain.ErrNotInRoom
	}
	o.roomID = ""
	o.state = StateReady
	o.cancelTimersLocked()
	o.mu.Unlock()

	ctx, span := tracing.TraceRoomOperation(ctx, "leave", string(roomID))
	defer span.End()

	if err := o.signaling.LeaveRoom(ctx); err != nil {
		o.logger.Warnw("signaling leave failed", "room_id", roomID, "error", err)
	}
	o.registry.Shutdown()
	o.monitor.Stop()

	o.logger.Infow("room left", "room_id", roomID)
	o.emitter.Emit(events.Event{Type: events.RoomLeft, RoomID: roomID})
	return nil
}

// Destroy tears everything down. Terminal: no further operations are
// valid.
func (o *SessionOrchestrator) Destroy() {
	o.mu.Lock()
	if o.state == StateDestroyed {
		o.mu.Unlock()
		return
	}
	o.state = StateDestroyed
	o.roomID = ""
	o.cancelTimersLocked()
	o.mu.Unlock()

	o.registry.Shutdown()
	o.monitor.Stop()
	o.streams.StopLocalStream()
	if err := o.transport.Close(); err != nil {
		o.logger.Warnw("transport close failed", "error", err)
	}
	if err := o.signaling.Close(); err != nil {
		o.logger.Warnw("signaling close failed", "error", err)
	}

	o.logger.Infow("session destroyed")
	o.emitter.Emit(events.Event{Type: events.Destroyed})
}

// State returns the current lifecycle state.
func (o *SessionOrchestrator) State() SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *SessionOrchestrator) SelfID() domain.PeerID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selfID
}

func (o *SessionOrchestrator) RoomID() domain.RoomID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.roomID
}

// On subscribes to the public event surface.
func (o *SessionOrchestrator) On(t events.Type, h events.Handler) {
	o.emitter.On(t, h)
}

// UpdateSelfInfo merges the update into the cached self snapshot and
// re-broadcasts it to connected peers.
func (o *SessionOrchestrator) UpdateSelfInfo(update domain.ParticipantUpdate) {
	o.registry.UpdateSelfInfo(update)
	self := o.registry.Self()
	o.emitter.Emit(events.Event{Type: events.ParticipantUpdated, PeerID: self.ID, Participant: &self})
}

// Signaling-driven peer management.

func (o *SessionOrchestrator) handleUserJoined(peerID domain.PeerID) {
	o.mu.Lock()
	self := o.selfID
	joined := o.state == StateJoined
	o.mu.Unlock()
	if !joined || peerID == self || o.registry.Has(peerID) {
		return
	}
	o.registry.EnsureParticipant(peerID)
	go o.openPeer(peerID)
}

func (o *SessionOrchestrator) handleUserLeft(peerID domain.PeerID) {
	o.registry.DisconnectPeer(peerID)
}

// reconcileParticipants treats the full list as the authority of
// truth, superseding individual join/leave events that may have been
// missed.
func (o *SessionOrchestrator) reconcileParticipants(peerIDs []domain.PeerID) {
	o.mu.Lock()
	self := o.selfID
	joined := o.state == StateJoined
	o.mu.Unlock()
	if !joined {
		return
	}

	listed := make(map[domain.PeerID]struct{}, len(peerIDs))
	for _, id := range peerIDs {
		if id == self {
			continue
		}
		listed[id] = struct{}{}
		if !o.registry.Has(id) {
			o.registry.EnsureParticipant(id)
			go o.openPeer(id)
		}
	}
	for _, id := range o.registry.PeerIDs() {
		if _, ok := listed[id]; !ok {
			o.registry.DisconnectPeer(id)
		}
	}
}

func (o *SessionOrchestrator) openPeer(peerID domain.PeerID) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PeerDialTimeout)
	defer cancel()

	ctx, span := tracing.TracePeerOperation(ctx, "connect", string(peerID))
	defer span.End()

	if err := o.registry.OpenPeer(ctx, peerID, o.streams.LocalStream()); err != nil {
		// Peer-unavailable: logged, no retry, no global effect.
		tracing.RecordError(ctx, err)
		o.logger.Warnw("peer connect failed", "peer_id", peerID, "error", err)
		o.emitter.Emit(events.Event{Type: events.NetworkError, PeerID: peerID, Err: err})
	}
}

// handlePeerLivenessFailure reacts to a heartbeat timeout: tear down
// that peer only, then try to reconnect to it. Unrelated peers and the
// transport endpoint are untouched.
func (o *SessionOrchestrator) handlePeerLivenessFailure(peerID domain.PeerID) {
	o.registry.DisconnectPeer(peerID)

	o.mu.Lock()
	joined := o.state == StateJoined
	o.mu.Unlock()
	if joined {
		go o.openPeer(peerID)
	}
}

// Transport-level reconnection with backoff.

func (o *SessionOrchestrator) handleTransportDisconnected() {
	o.mu.Lock()
	if o.state != StateJoined && o.state != StateReady {
		o.mu.Unlock()
		return
	}
	o.state = StateReconnecting
	o.attempt = 0
	o.scheduleReconnectLocked()
	o.mu.Unlock()
}

func (o *SessionOrchestrator) handleTransportError(err error) {
	// The caller already holds a resolved session handle; errors after
	// open are surfaced as events, never as rejections.
	o.logger.Errorw("transport error", "error", err)
	o.emitter.Emit(events.Event{Type: events.NetworkError, Err: pmerrors.TransportFatal("transport", err)})
}

// scheduleReconnectLocked arms the reconnection timer for the current
// attempt. Any pending timer is canceled first: at most one
// reconnection timer is outstanding.
func (o *SessionOrchestrator) scheduleReconnectLocked() {
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
	}
	attempt := o.attempt
	delay := o.cfg.Backoff.Delay(attempt)
	o.logger.Infow("scheduling reconnect", "attempt", attempt, "delay", delay)
	o.reconnectTimer = time.AfterFunc(delay, o.attemptReconnect)
	go o.emitter.Emit(events.Event{Type: events.Reconnecting, Attempt: attempt})
}

func (o *SessionOrchestrator) attemptReconnect() {
	o.mu.Lock()
	if o.state != StateReconnecting {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PeerDialTimeout)
	defer cancel()

	ctx, span := tracing.TraceSessionOperation(ctx, "reconnect", string(o.SelfID()))
	defer span.End()

	if err := o.transport.Reconnect(ctx); err != nil {
		tracing.RecordError(ctx, err)
		o.logger.Warnw("reconnect attempt failed", "error", err)
	}

	// Short follow-up check: the transport may need a moment to settle
	// before Connected() reflects reality.
	o.mu.Lock()
	if o.checkTimer != nil {
		o.checkTimer.Stop()
	}
	o.checkTimer = time.AfterFunc(o.cfg.CheckDelay, o.checkReconnected)
	o.mu.Unlock()
}

func (o *SessionOrchestrator) checkReconnected() {
	o.mu.Lock()
	if o.state != StateReconnecting {
		o.mu.Unlock()
		return
	}

	if !o.transport.Connected() {
		o.attempt++
		o.scheduleReconnectLocked()
		o.mu.Unlock()
		return
	}

	o.attempt = 0
	roomID := o.roomID
	selfID := o.selfID
	if roomID != "" {
		o.state = StateJoined
	} else {
		o.state = StateReady
	}
	o.mu.Unlock()

	o.logger.Infow("transport reconnected", "room_id", roomID)
	o.emitter.Emit(events.Event{Type: events.Reconnected, RoomID: roomID})

	// The transport identity may have changed server-side; re-join the
	// previously active room and republish self info.
	if roomID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PeerDialTimeout)
		defer cancel()
		if err := o.signaling.JoinRoom(ctx, roomID, selfID); err != nil {
			o.logger.Errorw("room rejoin failed", "room_id", roomID, "error", err)
			o.emitter.Emit(events.Event{Type: events.NetworkError, Err: err})
			return
		}
		o.registry.BroadcastSelf()
	}
}

func (o *SessionOrchestrator) cancelTimersLocked() {
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
		o.reconnectTimer = nil
	}
	if o.checkTimer != nil {
		o.checkTimer.Stop()
		o.checkTimer = nil
	}
}
