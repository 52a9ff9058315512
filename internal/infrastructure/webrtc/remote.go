package webrtc

import (
	"sync"

	"peermesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// remoteTrack adapts an inbound pion track to the media-track
// contract. Remote tracks are read-only: constraints and enable flags
// are controlled by the sender, so those operations are no-ops here.
type remoteTrack struct {
	track *webrtc.TrackRemote

	mu      sync.Mutex
	ended   bool
	onEnded func()
}

func newRemoteTrack(track *webrtc.TrackRemote) *remoteTrack {
	return &remoteTrack{track: track}
}

func (t *remoteTrack) ID() string { return t.track.ID() }

func (t *remoteTrack) Kind() ports.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		return ports.TrackAudio
	}
	return ports.TrackVideo
}

func (t *remoteTrack) Enabled() bool   { return true }
func (t *remoteTrack) SetEnabled(bool) {}

func (t *remoteTrack) ApplyConstraints(ports.TrackConstraints) error { return nil }

func (t *remoteTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.ended
}

func (t *remoteTrack) Stop() {
	t.markEnded()
}

func (t *remoteTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// drain keeps reading RTP so the interceptor chain produces stats; it
// ends the track when the sender goes away.
func (t *remoteTrack) drain() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.track.Read(buf); err != nil {
			t.markEnded()
			return
		}
	}
}

func (t *remoteTrack) markEnded() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// remoteStream groups a peer's inbound tracks under one identity.
type remoteStream struct {
	id string

	mu     sync.Mutex
	tracks []ports.MediaTrack
}

func newRemoteStream(id string) *remoteStream {
	return &remoteStream{id: id}
}

func (s *remoteStream) ID() string { return s.id }

func (s *remoteStream) Tracks() []ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.MediaTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *remoteStream) kindTracks(kind ports.TrackKind) []ports.MediaTrack {
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

func (s *remoteStream) AudioTracks() []ports.MediaTrack { return s.kindTracks(ports.TrackAudio) }
func (s *remoteStream) VideoTracks() []ports.MediaTrack { return s.kindTracks(ports.TrackVideo) }

func (s *remoteStream) AddTrack(t ports.MediaTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *remoteStream) RemoveTrack(t ports.MediaTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tracks {
		if existing == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}
