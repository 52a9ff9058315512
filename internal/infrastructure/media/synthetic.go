package media

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"peermesh/internal/core/ports"
	"peermesh/pkg/optimize"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	audioBitrateBps    = 32_000
	audioClockRate     = 48_000
	videoClockRate     = 90_000

	screenWidth     = 1920
	screenHeight    = 1080
	screenFrameRate = 15.0

	minPayloadBytes = 16
	maxPayloadBytes = 1200
)

// WriteRTP serializes the packet before returning, so buffers can be
// recycled across ticks.
var payloadPool = optimize.NewBytePool(maxPayloadBytes)

// Capture produces synthetic RTP-backed tracks. A headless node has no
// camera; these tracks generate pacing-accurate dummy payloads so the
// transport, stats and bitrate machinery run against real traffic.
type Capture struct {
	logger *zap.SugaredLogger
}

func NewCapture(logger *zap.SugaredLogger) *Capture {
	return &Capture{logger: logger}
}

func (c *Capture) GetUserMedia(_ context.Context, con ports.MediaConstraints) (ports.MediaStream, error) {
	stream := newLocalStream("cam-" + uuid.NewString())
	if con.Audio {
		track, err := newSyntheticTrack(ports.TrackAudio, "mic", ports.TrackConstraints{}, c.logger)
		if err != nil {
			return nil, err
		}
		stream.AddTrack(track)
	}
	if con.Video {
		track, err := newSyntheticTrack(ports.TrackVideo, "camera", con.Track, c.logger)
		if err != nil {
			return nil, err
		}
		stream.AddTrack(track)
	}
	return stream, nil
}

func (c *Capture) GetDisplayMedia(context.Context) (ports.MediaStream, error) {
	stream := newLocalStream("display-" + uuid.NewString())
	track, err := newSyntheticTrack(ports.TrackVideo, "screen", ports.TrackConstraints{
		Width:     screenWidth,
		Height:    screenHeight,
		FrameRate: screenFrameRate,
	}, c.logger)
	if err != nil {
		return nil, err
	}
	stream.AddTrack(track)
	return stream, nil
}

// syntheticTrack is a generated audio or video source behind a pion
// RTP track. Disabling pauses the payload without tearing the RTP
// binding down, mirroring a muted device track.
type syntheticTrack struct {
	id     string
	kind   ports.TrackKind
	rtp    *webrtc.TrackLocalStaticRTP
	logger *zap.SugaredLogger

	enabled   atomic.Bool
	targetBps atomic.Int64

	mu          sync.Mutex
	constraints ports.TrackConstraints
	stopped     bool
	onEnded     func()
	stop        chan struct{}
}

func newSyntheticTrack(kind ports.TrackKind, label string, con ports.TrackConstraints, logger *zap.SugaredLogger) (*syntheticTrack, error) {
	id := label + "-" + uuid.NewString()

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2}
	if kind == ports.TrackVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate}
	}

	rtpTrack, err := webrtc.NewTrackLocalStaticRTP(capability, id, label)
	if err != nil {
		return nil, err
	}

	t := &syntheticTrack{
		id:          id,
		kind:        kind,
		rtp:         rtpTrack,
		logger:      logger,
		constraints: con,
		stop:        make(chan struct{}),
	}
	t.enabled.Store(true)
	if kind == ports.TrackAudio {
		t.targetBps.Store(audioBitrateBps)
	} else {
		t.targetBps.Store(int64(bitrateFor(con)))
	}

	go t.generate()
	return t, nil
}

// bitrateFor derives a send rate from the encoding targets; roughly
// 0.07 bits per pixel per frame, the usual VP8 ballpark.
func bitrateFor(con ports.TrackConstraints) int {
	w, h, fps := con.Width, con.Height, con.FrameRate
	if w <= 0 || h <= 0 {
		w, h = 640, 360
	}
	if fps <= 0 {
		fps = 24
	}
	return int(float64(w) * float64(h) * fps * 0.07)
}

func (t *syntheticTrack) ID() string { return t.id }

func (t *syntheticTrack) Kind() ports.TrackKind { return t.kind }

// RTPTrack exposes the underlying pion track to the transport.
func (t *syntheticTrack) RTPTrack() webrtc.TrackLocal { return t.rtp }

// SetTargetBitrate adapts the generator's send rate; called by the
// transport when the bitrate ceiling moves.
func (t *syntheticTrack) SetTargetBitrate(bps int) {
	if t.kind == ports.TrackVideo && bps > 0 {
		t.targetBps.Store(int64(bps))
	}
}

func (t *syntheticTrack) Enabled() bool      { return t.enabled.Load() }
func (t *syntheticTrack) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *syntheticTrack) ApplyConstraints(con ports.TrackConstraints) error {
	t.mu.Lock()
	t.constraints = con
	t.mu.Unlock()
	if t.kind == ports.TrackVideo {
		t.targetBps.Store(int64(bitrateFor(con)))
	}
	return nil
}

func (t *syntheticTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

func (t *syntheticTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	fn := t.onEnded
	close(t.stop)
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *syntheticTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// generate paces RTP packets at the target bitrate until stopped.
func (t *syntheticTrack) generate() {
	interval := audioFrameInterval
	clockRate := uint32(audioClockRate)
	if t.kind == ports.TrackVideo {
		clockRate = videoClockRate
	}

	seq := uint16(rand.Intn(1 << 16))
	timestamp := rand.Uint32()
	ssrc := rand.Uint32()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		if t.kind == ports.TrackVideo {
			t.mu.Lock()
			fps := t.constraints.FrameRate
			t.mu.Unlock()
			if fps <= 0 {
				fps = 24
			}
			next := time.Duration(float64(time.Second) / fps)
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}

		timestamp += uint32(float64(clockRate) * interval.Seconds())
		if !t.enabled.Load() {
			continue
		}

		payloadSize := int(float64(t.targetBps.Load()) / 8 * interval.Seconds())
		if payloadSize < minPayloadBytes {
			payloadSize = minPayloadBytes
		}
		if payloadSize > maxPayloadBytes {
			payloadSize = maxPayloadBytes
		}

		seq++
		payload := payloadPool.Get(payloadSize)
		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: seq,
				Timestamp:      timestamp,
				SSRC:           ssrc,
			},
			Payload: payload,
		}
		if err := t.rtp.WriteRTP(packet); err != nil {
			t.logger.Debugw("rtp write failed", "track_id", t.id, "error", err)
		}
		payloadPool.Put(payload)
	}
}

// localStream is the mutable track set handed to the stream
// controller.
type localStream struct {
	id string

	mu     sync.Mutex
	tracks []ports.MediaTrack
}

func newLocalStream(id string) *localStream {
	return &localStream{id: id}
}

func (s *localStream) ID() string { return s.id }

func (s *localStream) Tracks() []ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.MediaTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *localStream) kindTracks(kind ports.TrackKind) []ports.MediaTrack {
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

func (s *localStream) AudioTracks() []ports.MediaTrack { return s.kindTracks(ports.TrackAudio) }
func (s *localStream) VideoTracks() []ports.MediaTrack { return s.kindTracks(ports.TrackVideo) }

func (s *localStream) AddTrack(t ports.MediaTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *localStream) RemoveTrack(t ports.MediaTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tracks {
		if existing == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}
