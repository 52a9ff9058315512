package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/infrastructure/signal"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Negotiation envelope kinds relayed through the signaling broker.
const (
	kindOffer  = "offer"
	kindAnswer = "answer"
	kindICE    = "ice"
)

// Connection purposes. Data and media ride on separate peer
// connections so a media failure never takes the data channel down.
const (
	purposeData  = "data"
	purposeMedia = "media"
)

type sdpEnvelope struct {
	Purpose string                    `json:"purpose"`
	SDP     webrtc.SessionDescription `json:"sdp"`
}

type iceEnvelope struct {
	Purpose   string                  `json:"purpose"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// RTPTrackProvider is implemented by local capture tracks backed by a
// pion RTP track; the transport pulls the underlying track out when
// placing a call.
type RTPTrackProvider interface {
	RTPTrack() webrtc.TrackLocal
}

// BitrateSink is optionally implemented by local tracks that can adapt
// their send rate to a bitrate ceiling.
type BitrateSink interface {
	SetTargetBitrate(bps int)
}

// Config for the transport adapter.
type Config struct {
	ICEServers []webrtc.ICEServer
	// AnswerTimeout bounds how long an offer waits for the remote
	// answer before the connect attempt fails.
	AnswerTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers:    []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		AnswerTimeout: 15 * time.Second,
	}
}

// Transport implements ports.Transport on pion/webrtc, using the
// signaling broker client to relay SDP offers/answers and trickled ICE
// candidates.
type Transport struct {
	cfg    Config
	signal *signal.Client
	logger *zap.SugaredLogger

	mu       sync.Mutex
	dataConn map[domain.PeerID]*dataChannel
	calls    map[domain.PeerID]*mediaCall
	answers  map[string]chan webrtc.SessionDescription

	onConnection   func(ports.DataChannel)
	onCall         func(ports.MediaCall)
	onDisconnected func()
	onError        func(error)
}

func NewTransport(cfg Config, sig *signal.Client, logger *zap.SugaredLogger) *Transport {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = DefaultConfig().AnswerTimeout
	}
	t := &Transport{
		cfg:      cfg,
		signal:   sig,
		logger:   logger,
		dataConn: make(map[domain.PeerID]*dataChannel),
		calls:    make(map[domain.PeerID]*mediaCall),
		answers:  make(map[string]chan webrtc.SessionDescription),
	}
	sig.OnSignal(t.handleSignal)
	sig.OnDisconnected(func() {
		if t.onDisconnected != nil {
			t.onDisconnected()
		}
	})
	sig.OnError(func(err error) {
		if t.onError != nil {
			t.onError(err)
		}
	})
	return t
}

// Open binds the endpoint: it dials and authenticates to the broker.
func (t *Transport) Open(ctx context.Context, selfID domain.PeerID) error {
	return t.signal.Dial(ctx, selfID)
}

func (t *Transport) Connected() bool { return t.signal.Connected() }

func (t *Transport) Reconnect(ctx context.Context) error { return t.signal.Redial(ctx) }

func (t *Transport) OnConnection(fn func(ports.DataChannel)) { t.onConnection = fn }
func (t *Transport) OnCall(fn func(ports.MediaCall))         { t.onCall = fn }
func (t *Transport) OnDisconnected(fn func())                { t.onDisconnected = fn }
func (t *Transport) OnError(fn func(err error))              { t.onError = fn }

// Connect dials a reliable data channel to the peer.
func (t *Transport) Connect(ctx context.Context, peerID domain.PeerID) (ports.DataChannel, error) {
	pc, err := t.newPeerConnection(peerID, purposeData)
	if err != nil {
		return nil, err
	}

	dc, err := pc.CreateDataChannel("data", nil)
	if err != nil {
		pc.Close()
		return nil, err
	}

	wrapper := newDataChannel(peerID, pc, dc)
	t.mu.Lock()
	t.dataConn[peerID] = wrapper
	t.mu.Unlock()
	t.watchConnectionState(pc, peerID, purposeData)

	if err := t.negotiate(ctx, pc, peerID, purposeData); err != nil {
		t.dropData(peerID)
		return nil, err
	}
	return wrapper, nil
}

// Call places an outbound media call carrying the local stream.
func (t *Transport) Call(ctx context.Context, peerID domain.PeerID, local ports.MediaStream) (ports.MediaCall, error) {
	pc, err := t.newPeerConnection(peerID, purposeMedia)
	if err != nil {
		return nil, err
	}

	call := newMediaCall(peerID, pc, t, nil)
	if err := call.addLocalTracks(local); err != nil {
		pc.Close()
		return nil, err
	}

	t.mu.Lock()
	t.calls[peerID] = call
	t.mu.Unlock()
	t.watchConnectionState(pc, peerID, purposeMedia)

	if err := t.negotiate(ctx, pc, peerID, purposeMedia); err != nil {
		t.dropCall(peerID)
		return nil, err
	}
	return call, nil
}

// Close tears down every peer connection and the broker socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	data := make([]*dataChannel, 0, len(t.dataConn))
	for _, d := range t.dataConn {
		data = append(data, d)
	}
	calls := make([]*mediaCall, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.dataConn = make(map[domain.PeerID]*dataChannel)
	t.calls = make(map[domain.PeerID]*mediaCall)
	t.mu.Unlock()

	for _, d := range data {
		d.Close()
	}
	for _, c := range calls {
		c.Close()
	}
	return t.signal.Close()
}

func (t *Transport) newPeerConnection(peerID domain.PeerID, purpose string) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		env := iceEnvelope{Purpose: purpose, Candidate: cand.ToJSON()}
		if err := t.signal.SendSignal(peerID, kindICE, env); err != nil {
			t.logger.Debugw("ice candidate relay failed", "peer_id", peerID, "error", err)
		}
	})
	return pc, nil
}

// negotiate runs the offer side: create, send, wait for the answer.
func (t *Transport) negotiate(ctx context.Context, pc *webrtc.PeerConnection, peerID domain.PeerID, purpose string) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}

	answerCh := make(chan webrtc.SessionDescription, 1)
	key := answerKey(peerID, purpose)
	t.mu.Lock()
	t.answers[key] = answerCh
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.answers, key)
		t.mu.Unlock()
	}()

	env := sdpEnvelope{Purpose: purpose, SDP: offer}
	if err := t.signal.SendSignal(peerID, kindOffer, env); err != nil {
		return fmt.Errorf("relay offer: %w", err)
	}

	timeout := time.NewTimer(t.cfg.AnswerTimeout)
	defer timeout.Stop()
	select {
	case answer := <-answerCh:
		return pc.SetRemoteDescription(answer)
	case <-timeout.C:
		return fmt.Errorf("no answer from %s within %s", peerID, t.cfg.AnswerTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func answerKey(peerID domain.PeerID, purpose string) string {
	return string(peerID) + "/" + purpose
}

// handleSignal routes inbound negotiation envelopes.
func (t *Transport) handleSignal(from domain.PeerID, kind string, payload json.RawMessage) {
	switch kind {
	case kindOffer:
		var env sdpEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.logger.Warnw("malformed offer envelope", "peer_id", from, "error", err)
			return
		}
		t.handleOffer(from, env)

	case kindAnswer:
		var env sdpEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.logger.Warnw("malformed answer envelope", "peer_id", from, "error", err)
			return
		}
		t.mu.Lock()
		ch, ok := t.answers[answerKey(from, env.Purpose)]
		t.mu.Unlock()
		if ok {
			select {
			case ch <- env.SDP:
			default:
			}
		}

	case kindICE:
		var env iceEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.logger.Warnw("malformed ice envelope", "peer_id", from, "error", err)
			return
		}
		t.addRemoteCandidate(from, env)

	default:
		t.logger.Debugw("unknown signal kind", "peer_id", from, "kind", kind)
	}
}

func (t *Transport) handleOffer(from domain.PeerID, env sdpEnvelope) {
	switch env.Purpose {
	case purposeData:
		t.handleDataOffer(from, env.SDP)
	case purposeMedia:
		t.handleMediaOffer(from, env.SDP)
	default:
		t.logger.Warnw("offer with unknown purpose", "peer_id", from, "purpose", env.Purpose)
	}
}

// handleDataOffer answers an inbound data connection immediately; the
// data channel itself arrives via OnDataChannel.
func (t *Transport) handleDataOffer(from domain.PeerID, offer webrtc.SessionDescription) {
	pc, err := t.newPeerConnection(from, purposeData)
	if err != nil {
		t.logger.Errorw("inbound data connection setup failed", "peer_id", from, "error", err)
		return
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wrapper := newDataChannel(from, pc, dc)
		t.mu.Lock()
		t.dataConn[from] = wrapper
		t.mu.Unlock()
		if t.onConnection != nil {
			t.onConnection(wrapper)
		}
	})
	t.watchConnectionState(pc, from, purposeData)

	if err := t.answerOffer(pc, from, purposeData, offer); err != nil {
		t.logger.Errorw("answering data offer failed", "peer_id", from, "error", err)
		pc.Close()
	}
}

// handleMediaOffer surfaces an inbound call; the answer is deferred
// until the application accepts it via MediaCall.Answer.
func (t *Transport) handleMediaOffer(from domain.PeerID, offer webrtc.SessionDescription) {
	pc, err := t.newPeerConnection(from, purposeMedia)
	if err != nil {
		t.logger.Errorw("inbound call setup failed", "peer_id", from, "error", err)
		return
	}

	call := newMediaCall(from, pc, t, &offer)
	t.mu.Lock()
	t.calls[from] = call
	t.mu.Unlock()
	t.watchConnectionState(pc, from, purposeMedia)

	if t.onCall != nil {
		t.onCall(call)
	}
}

func (t *Transport) answerOffer(pc *webrtc.PeerConnection, peerID domain.PeerID, purpose string, offer webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return t.signal.SendSignal(peerID, kindAnswer, sdpEnvelope{Purpose: purpose, SDP: answer})
}

func (t *Transport) addRemoteCandidate(from domain.PeerID, env iceEnvelope) {
	var pc *webrtc.PeerConnection
	t.mu.Lock()
	switch env.Purpose {
	case purposeData:
		if d, ok := t.dataConn[from]; ok {
			pc = d.pc
		}
	case purposeMedia:
		if c, ok := t.calls[from]; ok {
			pc = c.pc
		}
	}
	t.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(env.Candidate); err != nil {
		t.logger.Debugw("adding remote candidate failed", "peer_id", from, "error", err)
	}
}

// watchConnectionState evicts the per-peer record once the connection
// fails or closes; the wrappers fire their own close hooks.
func (t *Transport) watchConnectionState(pc *webrtc.PeerConnection, peerID domain.PeerID, purpose string) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debugw("peer connection state",
			"peer_id", peerID,
			"purpose", purpose,
			"state", state.String(),
		)
		if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
			return
		}
		switch purpose {
		case purposeData:
			t.dropData(peerID)
		case purposeMedia:
			t.dropCall(peerID)
		}
	})
}

func (t *Transport) dropData(peerID domain.PeerID) {
	t.mu.Lock()
	d, ok := t.dataConn[peerID]
	if ok {
		delete(t.dataConn, peerID)
	}
	t.mu.Unlock()
	if ok {
		d.fireClose()
	}
}

func (t *Transport) dropCall(peerID domain.PeerID) {
	t.mu.Lock()
	c, ok := t.calls[peerID]
	if ok {
		delete(t.calls, peerID)
	}
	t.mu.Unlock()
	if ok {
		c.fireClose()
	}
}
