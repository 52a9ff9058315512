package webrtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	bps int
}

func (s *recordingSink) SetTargetBitrate(bps int) { s.bps = bps }

func TestSplitBitrateSingleSinkGetsWholeCeiling(t *testing.T) {
	sinks := []weightedSink{{sink: &recordingSink{}, weight: weightCamera}}
	assert.Equal(t, []int{2_000_000}, splitBitrate(2_000_000, sinks))
}

func TestSplitBitrateFavorsScreenShare(t *testing.T) {
	sinks := []weightedSink{
		{sink: &recordingSink{}, weight: weightCamera},
		{sink: &recordingSink{}, weight: weightScreen},
	}
	shares := splitBitrate(3_000_000, sinks)
	assert.Equal(t, []int{1_000_000, 2_000_000}, shares)
}

func TestSplitBitrateFloorsSmallShares(t *testing.T) {
	sinks := []weightedSink{
		{sink: &recordingSink{}, weight: weightCamera},
		{sink: &recordingSink{}, weight: weightScreen},
	}
	for _, share := range splitBitrate(150_000, sinks) {
		assert.GreaterOrEqual(t, share, minVideoShareBps)
	}
}

func TestSplitBitrateIgnoresNonPositiveCeiling(t *testing.T) {
	sinks := []weightedSink{{sink: &recordingSink{}, weight: weightCamera}}
	assert.Nil(t, splitBitrate(0, sinks))
	assert.Nil(t, splitBitrate(-1, sinks))
	assert.Nil(t, splitBitrate(1_000_000, nil))
}
