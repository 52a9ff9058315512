package webrtc

import (
	"strings"

	"peermesh/internal/core/ports"
)

// Outbound video budget is split by weight when several rate-adaptive
// tracks share one connection. Screen shares carry text and fine detail,
// so they get twice the camera share.
const (
	weightCamera = 1
	weightScreen = 2

	// Below this a video track degrades into a slideshow; the split
	// never assigns less.
	minVideoShareBps = 100_000
)

// weightedSink pairs a rate-adaptive track with its allocation weight.
type weightedSink struct {
	sink   BitrateSink
	weight int
}

func weightFor(track ports.MediaTrack) int {
	if strings.HasPrefix(track.ID(), "screen") {
		return weightScreen
	}
	return weightCamera
}

// splitBitrate divides ceilingBps across the sinks proportionally to
// their weights, flooring each share at minVideoShareBps. With a single
// sink the whole ceiling goes to it. A non-positive ceiling returns nil
// and the caller leaves the tracks alone.
func splitBitrate(ceilingBps int, sinks []weightedSink) []int {
	if ceilingBps <= 0 || len(sinks) == 0 {
		return nil
	}

	total := 0
	for _, s := range sinks {
		total += s.weight
	}

	shares := make([]int, len(sinks))
	for i, s := range sinks {
		share := ceilingBps * s.weight / total
		if share < minVideoShareBps {
			share = minVideoShareBps
		}
		shares[i] = share
	}
	return shares
}
