package services

import (
	"context"
	"sync"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/events"
	"peermesh/internal/core/ports"
	pmerrors "peermesh/pkg/errors"

	"go.uber.org/zap"
)

// StreamController exclusively owns the local capture track set. Peer
// connections only ever borrow a reference to it when answering calls.
type StreamController struct {
	capture ports.Capture
	emitter *events.Emitter
	logger  *zap.SugaredLogger

	mu           sync.Mutex
	ladder       domain.PresetLadder
	current      string
	local        ports.MediaStream
	audioEnabled bool
	videoEnabled bool
	screenTrack  ports.MediaTrack
	cameraTrack  ports.MediaTrack // saved while screen sharing
}

func NewStreamController(capture ports.Capture, emitter *events.Emitter, ladder domain.PresetLadder, defaultPreset string, logger *zap.SugaredLogger) *StreamController {
	if len(ladder) == 0 {
		ladder = domain.DefaultPresetLadder()
	}
	if _, ok := ladder.Find(defaultPreset); !ok {
		defaultPreset = ladder[0].Name
	}
	return &StreamController{
		capture: capture,
		emitter: emitter,
		logger:  logger,
		ladder:  ladder,
		current: defaultPreset,
	}
}

// StartLocalStream acquires a track set sized to the current preset,
// replacing any previously held stream. On capture failure with a
// non-lowest preset selected, it retries once at the lowest preset
// before giving up. Exactly one local stream is active at a time.
func (s *StreamController) StartLocalStream(ctx context.Context, wantAudio, wantVideo bool) (ports.MediaStream, error) {
	s.mu.Lock()
	preset, _ := s.ladder.Find(s.current)
	lowest := s.ladder.Lowest()
	old := s.local
	s.mu.Unlock()

	stream, err := s.capture.GetUserMedia(ctx, constraintsFor(preset, wantAudio, wantVideo))
	if err != nil && preset.Name != lowest.Name {
		s.logger.Warnw("capture failed, retrying at lowest preset", "preset", preset.Name, "error", err)
		stream, err = s.capture.GetUserMedia(ctx, constraintsFor(lowest, wantAudio, wantVideo))
	}
	if err != nil {
		captureErr := pmerrors.Capture("getUserMedia", err)
		s.emitter.Emit(events.Event{Type: events.NetworkError, Err: captureErr})
		return nil, captureErr
	}

	if old != nil {
		stopTracks(old)
	}

	s.mu.Lock()
	s.local = stream
	s.audioEnabled = wantAudio
	s.videoEnabled = wantVideo
	s.screenTrack = nil
	s.cameraTrack = nil
	s.mu.Unlock()

	s.emitter.Emit(events.Event{Type: events.LocalStream, Stream: stream})
	return stream, nil
}

// SetVideoQuality selects a preset by name. Selecting the current
// preset is a no-op: no event, no track mutation. Otherwise the new
// targets are applied to the live video track in place, without a
// stream restart.
func (s *StreamController) SetVideoQuality(name string) error {
	s.mu.Lock()
	if name == s.current {
		s.mu.Unlock()
		return nil
	}
	preset, ok := s.ladder.Find(name)
	if !ok {
		s.mu.Unlock()
		return domain.ErrUnknownPreset
	}
	s.current = name
	local := s.local
	applyLive := s.videoEnabled && local != nil
	s.mu.Unlock()

	if applyLive {
		for _, track := range local.VideoTracks() {
			if err := track.ApplyConstraints(ports.TrackConstraints{
				Width:     preset.Width,
				Height:    preset.Height,
				FrameRate: preset.FrameRate,
			}); err != nil {
				s.logger.Warnw("applying preset to live track failed", "preset", name, "error", err)
			}
		}
	}

	s.logger.Infow("video quality changed", "preset", name)
	s.emitter.Emit(events.Event{Type: events.VideoQualityChange, Preset: name})
	return nil
}

// CurrentPreset returns the currently selected preset name.
func (s *StreamController) CurrentPreset() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// NextPresetDown returns the rung below the current preset.
func (s *StreamController) NextPresetDown() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ladder.NextDown(s.current).Name
}

// NextPresetUp returns the rung above the current preset.
func (s *StreamController) NextPresetUp() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ladder.NextUp(s.current).Name
}

// LocalStream returns the active local stream, or nil.
func (s *StreamController) LocalStream() ports.MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// ToggleAudio flips the enabled flag on every local audio track. The
// tracks are kept, so re-enabling is instant.
func (s *StreamController) ToggleAudio(enabled bool) {
	s.toggleKind(ports.TrackAudio, enabled)
}

// ToggleVideo flips the enabled flag on every local video track.
func (s *StreamController) ToggleVideo(enabled bool) {
	s.toggleKind(ports.TrackVideo, enabled)
}

func (s *StreamController) toggleKind(kind ports.TrackKind, enabled bool) {
	s.mu.Lock()
	if kind == ports.TrackAudio {
		s.audioEnabled = enabled
	} else {
		s.videoEnabled = enabled
	}
	local := s.local
	s.mu.Unlock()

	if local == nil {
		return
	}
	for _, track := range local.Tracks() {
		if track.Kind() == kind {
			track.SetEnabled(enabled)
		}
	}
}

// StartScreenShare swaps a screen-capture track in place of the
// current video track, preserving the audio track and the stream
// identity. The previous camera track is stopped and returned so the
// caller can hand it back to StopScreenShare.
func (s *StreamController) StartScreenShare(ctx context.Context) (ports.MediaStream, error) {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local == nil {
		return nil, domain.ErrNoLocalStream
	}

	display, err := s.capture.GetDisplayMedia(ctx)
	if err != nil {
		captureErr := pmerrors.Capture("getDisplayMedia", err)
		s.emitter.Emit(events.Event{Type: events.NetworkError, Err: captureErr})
		return nil, captureErr
	}
	videoTracks := display.VideoTracks()
	if len(videoTracks) == 0 {
		return nil, pmerrors.Capture("getDisplayMedia", domain.ErrNoLocalStream)
	}
	screen := videoTracks[0]

	var camera ports.MediaTrack
	if cams := local.VideoTracks(); len(cams) > 0 {
		camera = cams[0]
		local.RemoveTrack(camera)
		camera.Stop()
	}
	local.AddTrack(screen)

	s.mu.Lock()
	s.screenTrack = screen
	s.cameraTrack = camera
	s.mu.Unlock()

	// The user can end the share from outside the app; treat that as
	// a stop with the saved camera track.
	screen.OnEnded(func() {
		s.StopScreenShare(context.Background(), camera)
	})

	s.logger.Infow("screen share started")
	s.emitter.Emit(events.Event{Type: events.LocalStream, Stream: local})
	return local, nil
}

// StopScreenShare removes and stops the screen track regardless of
// outcome, then restores previous if still usable, else captures a
// fresh camera track when video is enabled.
func (s *StreamController) StopScreenShare(ctx context.Context, previous ports.MediaTrack) {
	s.mu.Lock()
	screen := s.screenTrack
	s.screenTrack = nil
	s.cameraTrack = nil
	local := s.local
	videoEnabled := s.videoEnabled
	preset, _ := s.ladder.Find(s.current)
	s.mu.Unlock()

	if local == nil {
		return
	}
	if screen != nil {
		local.RemoveTrack(screen)
		screen.Stop()
	}

	switch {
	case previous != nil && previous.Live():
		local.AddTrack(previous)
	case videoEnabled:
		fresh, err := s.capture.GetUserMedia(ctx, constraintsFor(preset, false, true))
		if err != nil {
			captureErr := pmerrors.Capture("getUserMedia", err)
			s.logger.Warnw("camera restore failed", "error", err)
			s.emitter.Emit(events.Event{Type: events.NetworkError, Err: captureErr})
			break
		}
		if tracks := fresh.VideoTracks(); len(tracks) > 0 {
			local.AddTrack(tracks[0])
		}
	}

	s.logger.Infow("screen share stopped")
	s.emitter.Emit(events.Event{Type: events.LocalStream, Stream: local})
}

// StopLocalStream stops and releases the local track set.
func (s *StreamController) StopLocalStream() {
	s.mu.Lock()
	local := s.local
	s.local = nil
	s.screenTrack = nil
	s.cameraTrack = nil
	s.mu.Unlock()

	if local != nil {
		stopTracks(local)
	}
}

func constraintsFor(preset domain.VideoQualityPreset, audio, video bool) ports.MediaConstraints {
	return ports.MediaConstraints{
		Audio: audio,
		Video: video,
		Track: ports.TrackConstraints{
			Width:     preset.Width,
			Height:    preset.Height,
			FrameRate: preset.FrameRate,
		},
	}
}

func stopTracks(stream ports.MediaStream) {
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}
