package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// mediaCall wraps one media peer connection. For inbound calls the
// remote offer is held until the application answers.
type mediaCall struct {
	peerID    domain.PeerID
	pc        *webrtc.PeerConnection
	transport *Transport

	mu           sync.Mutex
	pendingOffer *webrtc.SessionDescription
	sinks        []weightedSink
	remote       *remoteStream
	onStream     func(ports.MediaStream)
	onClose      func()
	closed       bool

	maxBitrateBps atomic.Int64
	rembKbps      atomic.Int64
}

func newMediaCall(peerID domain.PeerID, pc *webrtc.PeerConnection, transport *Transport, pendingOffer *webrtc.SessionDescription) *mediaCall {
	c := &mediaCall{
		peerID:       peerID,
		pc:           pc,
		transport:    transport,
		pendingOffer: pendingOffer,
	}
	pc.OnTrack(c.handleRemoteTrack)
	return c
}

func (c *mediaCall) PeerID() domain.PeerID { return c.peerID }

// addLocalTracks attaches the capture tracks to the connection. Tracks
// must be backed by pion RTP tracks; anything else cannot be sent.
func (c *mediaCall) addLocalTracks(local ports.MediaStream) error {
	if local == nil {
		return nil
	}
	for _, track := range local.Tracks() {
		provider, ok := track.(RTPTrackProvider)
		if !ok {
			return fmt.Errorf("track %s is not RTP-backed", track.ID())
		}
		sender, err := c.pc.AddTrack(provider.RTPTrack())
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		if sink, ok := track.(BitrateSink); ok {
			c.mu.Lock()
			c.sinks = append(c.sinks, weightedSink{sink: sink, weight: weightFor(track)})
			c.mu.Unlock()
		}
		go c.readSenderRTCP(sender)
	}
	return nil
}

// Answer accepts an inbound call, attaching the local stream (nil for
// receive-only) and completing SDP negotiation.
func (c *mediaCall) Answer(local ports.MediaStream) error {
	c.mu.Lock()
	offer := c.pendingOffer
	c.pendingOffer = nil
	c.mu.Unlock()
	if offer == nil {
		return errors.New("no pending offer to answer")
	}

	if err := c.addLocalTracks(local); err != nil {
		return err
	}
	return c.transport.answerOffer(c.pc, c.peerID, purposeMedia, *offer)
}

func (c *mediaCall) OnStream(fn func(remote ports.MediaStream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *mediaCall) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// SetMaxVideoBitrate adjusts the outbound ceiling and splits it across
// the rate-adaptive local tracks by weight.
func (c *mediaCall) SetMaxVideoBitrate(bps int) error {
	c.maxBitrateBps.Store(int64(bps))
	c.mu.Lock()
	sinks := make([]weightedSink, len(c.sinks))
	copy(sinks, c.sinks)
	c.mu.Unlock()
	for i, share := range splitBitrate(bps, sinks) {
		sinks[i].sink.SetTargetBitrate(share)
	}
	return nil
}

func (c *mediaCall) MaxVideoBitrate() int {
	return int(c.maxBitrateBps.Load())
}

func (c *mediaCall) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()

	err := c.pc.Close()
	if fn != nil {
		fn()
	}
	return err
}

func (c *mediaCall) fireClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()

	c.pc.Close()
	if fn != nil {
		fn()
	}
}

// handleRemoteTrack assembles inbound tracks into one remote stream;
// the stream callback fires on the first track.
func (c *mediaCall) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	wrapper := newRemoteTrack(track)

	c.mu.Lock()
	first := c.remote == nil
	if first {
		c.remote = newRemoteStream(string(c.peerID) + "-remote")
	}
	stream := c.remote
	fn := c.onStream
	c.mu.Unlock()

	stream.AddTrack(wrapper)
	go wrapper.drain()
	go c.readReceiverRTCP(receiver)

	if first && fn != nil {
		fn(stream)
	}
}

// readSenderRTCP consumes feedback for an outbound track; REMB carries
// the receiver's bandwidth estimate, which feeds the stats snapshot.
func (c *mediaCall) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.transport.logger.Debugw("sender rtcp read failed", "peer_id", c.peerID, "error", err)
			}
			return
		}
		for _, packet := range packets {
			if remb, ok := packet.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
				c.rembKbps.Store(int64(remb.Bitrate / 1000))
			}
		}
	}
}

// readReceiverRTCP drains feedback on inbound tracks so interceptors
// keep producing statistics.
func (c *mediaCall) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// Stats maps the pion stats report onto the transport snapshot. Fields
// the report has not produced stay nil.
func (c *mediaCall) Stats() (ports.TransportStats, error) {
	report := c.pc.GetStats()
	snap := statsFromReport(report)
	if kbps := c.rembKbps.Load(); kbps > 0 {
		v := int(kbps)
		snap.AvailableBandwidthKbps = &v
	}
	return snap, nil
}
