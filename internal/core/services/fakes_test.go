package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/events"
	"peermesh/internal/core/ports"
)

// Shared in-memory fakes for the service tests. They are deliberately
// synchronous: handlers fire on the calling goroutine so tests stay
// deterministic without sleeps.

type fakeTrack struct {
	mu          sync.Mutex
	id          string
	kind        ports.TrackKind
	enabled     bool
	live        bool
	stopped     bool
	constraints ports.TrackConstraints
	onEnded     func()
}

func newFakeTrack(id string, kind ports.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true, live: true}
}

func (t *fakeTrack) ID() string            { return t.id }
func (t *fakeTrack) Kind() ports.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) ApplyConstraints(c ports.TrackConstraints) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.constraints = c
	return nil
}

func (t *fakeTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live && !t.stopped
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.live = false
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// end simulates the source ending on its own.
func (t *fakeTrack) end() {
	t.mu.Lock()
	t.live = false
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTrack) appliedConstraints() ports.TrackConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.constraints
}

type fakeStream struct {
	mu     sync.Mutex
	id     string
	tracks []ports.MediaTrack
}

func newFakeStream(id string, tracks ...ports.MediaTrack) *fakeStream {
	return &fakeStream{id: id, tracks: tracks}
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Tracks() []ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.MediaTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *fakeStream) kindTracks(kind ports.TrackKind) []ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ports.MediaTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeStream) AudioTracks() []ports.MediaTrack { return s.kindTracks(ports.TrackAudio) }
func (s *fakeStream) VideoTracks() []ports.MediaTrack { return s.kindTracks(ports.TrackVideo) }

func (s *fakeStream) AddTrack(t ports.MediaTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *fakeStream) RemoveTrack(t ports.MediaTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tracks {
		if existing == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

type fakeCapture struct {
	mu          sync.Mutex
	userErr     error
	userErrOnce bool
	displayErr  error
	userCalls   []ports.MediaConstraints
	nextID      int
}

func (c *fakeCapture) GetUserMedia(_ context.Context, con ports.MediaConstraints) (ports.MediaStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userCalls = append(c.userCalls, con)
	if c.userErr != nil {
		err := c.userErr
		if c.userErrOnce {
			c.userErr = nil
		}
		return nil, err
	}
	c.nextID++
	var tracks []ports.MediaTrack
	if con.Audio {
		tracks = append(tracks, newFakeTrack(fmt.Sprintf("audio-%d", c.nextID), ports.TrackAudio))
	}
	if con.Video {
		tracks = append(tracks, newFakeTrack(fmt.Sprintf("video-%d", c.nextID), ports.TrackVideo))
	}
	return newFakeStream(fmt.Sprintf("stream-%d", c.nextID), tracks...), nil
}

func (c *fakeCapture) GetDisplayMedia(context.Context) (ports.MediaStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.displayErr != nil {
		return nil, c.displayErr
	}
	c.nextID++
	screen := newFakeTrack(fmt.Sprintf("screen-%d", c.nextID), ports.TrackVideo)
	return newFakeStream(fmt.Sprintf("display-%d", c.nextID), screen), nil
}

type fakeDataChannel struct {
	mu      sync.Mutex
	peerID  domain.PeerID
	open    bool
	closed  bool
	sendErr error
	sent    [][]byte

	onOpen    func()
	onMessage func([]byte)
	onClose   func()
	onError   func(error)
}

func newFakeDataChannel(peerID domain.PeerID) *fakeDataChannel {
	return &fakeDataChannel{peerID: peerID, open: true}
}

func (c *fakeDataChannel) PeerID() domain.PeerID { return c.peerID }

func (c *fakeDataChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *fakeDataChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeDataChannel) OnOpen(fn func())              { c.mu.Lock(); c.onOpen = fn; c.mu.Unlock() }
func (c *fakeDataChannel) OnMessage(fn func([]byte))     { c.mu.Lock(); c.onMessage = fn; c.mu.Unlock() }
func (c *fakeDataChannel) OnClose(fn func())             { c.mu.Lock(); c.onClose = fn; c.mu.Unlock() }
func (c *fakeDataChannel) OnError(fn func(err error))    { c.mu.Lock(); c.onError = fn; c.mu.Unlock() }

func (c *fakeDataChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeDataChannel) receive(payload []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (c *fakeDataChannel) sentMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeMediaCall struct {
	mu         sync.Mutex
	peerID     domain.PeerID
	closed     bool
	answered   ports.MediaStream
	answeredOK bool
	answerErr  error
	stats      ports.TransportStats
	statsErr   error
	maxBitrate int
	onStream   func(ports.MediaStream)
	onClose    func()
}

func newFakeMediaCall(peerID domain.PeerID) *fakeMediaCall {
	return &fakeMediaCall{peerID: peerID}
}

func (c *fakeMediaCall) PeerID() domain.PeerID { return c.peerID }

func (c *fakeMediaCall) Answer(local ports.MediaStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerErr != nil {
		return c.answerErr
	}
	c.answered = local
	c.answeredOK = true
	return nil
}

func (c *fakeMediaCall) OnStream(fn func(ports.MediaStream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *fakeMediaCall) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeMediaCall) Stats() (ports.TransportStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, c.statsErr
}

func (c *fakeMediaCall) setStats(s ports.TransportStats) {
	c.mu.Lock()
	c.stats = s
	c.mu.Unlock()
}

func (c *fakeMediaCall) SetMaxVideoBitrate(bps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBitrate = bps
	return nil
}

func (c *fakeMediaCall) MaxVideoBitrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBitrate
}

func (c *fakeMediaCall) Close() error {
	c.mu.Lock()
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (c *fakeMediaCall) deliverStream(remote ports.MediaStream) {
	c.mu.Lock()
	fn := c.onStream
	c.mu.Unlock()
	if fn != nil {
		fn(remote)
	}
}

type fakeTransport struct {
	mu         sync.Mutex
	openErr    error
	connected  bool
	connectErr map[domain.PeerID]error
	callErr    map[domain.PeerID]error
	channels   map[domain.PeerID]*fakeDataChannel
	calls      map[domain.PeerID]*fakeMediaCall
	reconnects int

	onConnection   func(ports.DataChannel)
	onCall         func(ports.MediaCall)
	onDisconnected func()
	onError        func(error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connectErr: make(map[domain.PeerID]error),
		callErr:    make(map[domain.PeerID]error),
		channels:   make(map[domain.PeerID]*fakeDataChannel),
		calls:      make(map[domain.PeerID]*fakeMediaCall),
	}
}

func (t *fakeTransport) Open(context.Context, domain.PeerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return t.openErr
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) Reconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnects++
	return nil
}

func (t *fakeTransport) Connect(_ context.Context, peerID domain.PeerID) (ports.DataChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.connectErr[peerID]; err != nil {
		return nil, err
	}
	ch := newFakeDataChannel(peerID)
	t.channels[peerID] = ch
	return ch, nil
}

func (t *fakeTransport) Call(_ context.Context, peerID domain.PeerID, _ ports.MediaStream) (ports.MediaCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.callErr[peerID]; err != nil {
		return nil, err
	}
	call := newFakeMediaCall(peerID)
	t.calls[peerID] = call
	return call, nil
}

func (t *fakeTransport) OnConnection(fn func(ports.DataChannel)) { t.onConnection = fn }
func (t *fakeTransport) OnCall(fn func(ports.MediaCall))         { t.onCall = fn }
func (t *fakeTransport) OnDisconnected(fn func())                { t.onDisconnected = fn }
func (t *fakeTransport) OnError(fn func(err error))              { t.onError = fn }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) channel(peerID domain.PeerID) *fakeDataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[peerID]
}

func (t *fakeTransport) dropConnection() {
	t.mu.Lock()
	t.connected = false
	fn := t.onDisconnected
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTransport) restoreConnection() {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
}

type fakeSignaling struct {
	mu       sync.Mutex
	joinErr  error
	joins    []domain.RoomID
	leaves   int
	closed   bool
	joined   func(domain.PeerID)
	left     func(domain.PeerID)
	listed   func([]domain.PeerID)
}

func (s *fakeSignaling) JoinRoom(_ context.Context, roomID domain.RoomID, _ domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinErr != nil {
		return s.joinErr
	}
	s.joins = append(s.joins, roomID)
	return nil
}

func (s *fakeSignaling) LeaveRoom(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves++
	return nil
}

func (s *fakeSignaling) OnUserJoined(fn func(domain.PeerID))    { s.joined = fn }
func (s *fakeSignaling) OnUserLeft(fn func(domain.PeerID))      { s.left = fn }
func (s *fakeSignaling) OnParticipants(fn func([]domain.PeerID)) { s.listed = fn }

func (s *fakeSignaling) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaling) joinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.joins)
}

// fakeDirectory is a standalone PeerDirectory for monitor tests that do
// not need a full registry behind them.
type fakeDirectory struct {
	mu       sync.Mutex
	peers    []domain.PeerID
	calls    map[domain.PeerID]*fakeMediaCall
	pingErrs map[domain.PeerID]error
	pings    map[domain.PeerID]int
}

func newFakeDirectory(peers ...domain.PeerID) *fakeDirectory {
	return &fakeDirectory{
		peers:    peers,
		calls:    make(map[domain.PeerID]*fakeMediaCall),
		pingErrs: make(map[domain.PeerID]error),
		pings:    make(map[domain.PeerID]int),
	}
}

func (d *fakeDirectory) PeerIDs() []domain.PeerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.PeerID, len(d.peers))
	copy(out, d.peers)
	return out
}

func (d *fakeDirectory) MediaCall(peerID domain.PeerID) (ports.MediaCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call, ok := d.calls[peerID]
	if !ok {
		return nil, false
	}
	return call, true
}

func (d *fakeDirectory) SendPing(peerID domain.PeerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pingErrs[peerID]; err != nil {
		return err
	}
	d.pings[peerID]++
	return nil
}

func (d *fakeDirectory) pingCount(peerID domain.PeerID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pings[peerID]
}

// eventRecorder collects emitted events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func recordEvents(em *events.Emitter, types ...events.Type) *eventRecorder {
	rec := &eventRecorder{}
	for _, t := range types {
		em.On(t, func(ev events.Event) {
			rec.mu.Lock()
			rec.events = append(rec.events, ev)
			rec.mu.Unlock()
		})
	}
	return rec
}

func (r *eventRecorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(t events.Type) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

var errBoom = errors.New("boom")
