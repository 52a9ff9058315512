package ports

import "context"

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// TrackConstraints are the encoding targets applied to a live video
// track in place, without restarting the stream.
type TrackConstraints struct {
	Width     int
	Height    int
	FrameRate float64
}

// MediaConstraints describe what StartLocalStream asks the capture
// collaborator for.
type MediaConstraints struct {
	Audio bool
	Video bool
	Track TrackConstraints
}

// MediaTrack is a single live audio or video track.
type MediaTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	ApplyConstraints(c TrackConstraints) error
	// Live reports whether the track is still producing media. A
	// stopped or ended track is not live.
	Live() bool
	Stop()
	// OnEnded registers a hook invoked when the source ends on its own,
	// e.g. the user stops a screen share from the browser chrome.
	OnEnded(fn func())
}

// MediaStream is an ordered set of tracks sharing one identity.
type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
	AudioTracks() []MediaTrack
	VideoTracks() []MediaTrack
	AddTrack(t MediaTrack)
	RemoveTrack(t MediaTrack)
}

// Capture abstracts device access: camera/microphone and screen.
type Capture interface {
	GetUserMedia(ctx context.Context, c MediaConstraints) (MediaStream, error)
	GetDisplayMedia(ctx context.Context) (MediaStream, error)
}
