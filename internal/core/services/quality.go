package services

import (
	"time"

	"peermesh/internal/core/domain"
)

// QualityThreshold is one row of the classification table: the worst
// averaged window that still earns the tier. All four columns must
// hold; the bandwidth column is skipped while bandwidth has never been
// measured for the window.
type QualityThreshold struct {
	Tier             domain.QualityTier
	MaxRTT           time.Duration
	MaxPacketLossPct float64
	MaxJitter        time.Duration
	MinBandwidthKbps int
}

// DefaultThresholds is the tier table, best first. Keep the rows
// together; classification walks them top-down and falls through to
// critical.
func DefaultThresholds() []QualityThreshold {
	return []QualityThreshold{
		{Tier: domain.QualityExcellent, MaxRTT: 80 * time.Millisecond, MaxPacketLossPct: 0.5, MaxJitter: 15 * time.Millisecond, MinBandwidthKbps: 2000},
		{Tier: domain.QualityGood, MaxRTT: 150 * time.Millisecond, MaxPacketLossPct: 1.5, MaxJitter: 30 * time.Millisecond, MinBandwidthKbps: 1000},
		{Tier: domain.QualityMedium, MaxRTT: 250 * time.Millisecond, MaxPacketLossPct: 3.0, MaxJitter: 50 * time.Millisecond, MinBandwidthKbps: 500},
		{Tier: domain.QualityPoor, MaxRTT: 400 * time.Millisecond, MaxPacketLossPct: 8.0, MaxJitter: 100 * time.Millisecond, MinBandwidthKbps: 250},
	}
}

// windowAverage is the averaged view of a sample window used by both
// classification and adaptation.
type windowAverage struct {
	RTT           time.Duration
	PacketLossPct float64
	Jitter        time.Duration
	BandwidthKbps *int
}

func averageWindow(samples []domain.NetworkStats) windowAverage {
	var avg windowAverage
	if len(samples) == 0 {
		return avg
	}

	var rtt, jitter time.Duration
	var loss float64
	var bw, bwCount int
	for _, s := range samples {
		rtt += s.RTT
		jitter += s.Jitter
		loss += s.PacketLossPct
		if s.BandwidthKbps != nil {
			bw += *s.BandwidthKbps
			bwCount++
		}
	}

	n := len(samples)
	avg.RTT = rtt / time.Duration(n)
	avg.Jitter = jitter / time.Duration(n)
	avg.PacketLossPct = loss / float64(n)
	if bwCount > 0 {
		mean := bw / bwCount
		avg.BandwidthKbps = &mean
	}
	return avg
}

// QualityClassifier maps a sample window to a tier. Pure: the same
// window always yields the same tier.
type QualityClassifier struct {
	thresholds []QualityThreshold
	minSamples int
}

func NewQualityClassifier(thresholds []QualityThreshold, minSamples int) *QualityClassifier {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds()
	}
	if minSamples <= 0 {
		minSamples = 1
	}
	return &QualityClassifier{thresholds: thresholds, minSamples: minSamples}
}

// Classify evaluates the last minSamples of the window. With fewer
// samples than required it stays optimistic and reports good.
func (c *QualityClassifier) Classify(samples []domain.NetworkStats) domain.QualityTier {
	if len(samples) < c.minSamples {
		return domain.QualityGood
	}
	if len(samples) > c.minSamples {
		samples = samples[len(samples)-c.minSamples:]
	}

	avg := averageWindow(samples)
	for _, row := range c.thresholds {
		if c.meets(avg, row) {
			return row.Tier
		}
	}
	return domain.QualityCritical
}

func (c *QualityClassifier) meets(avg windowAverage, row QualityThreshold) bool {
	if avg.RTT > row.MaxRTT {
		return false
	}
	if avg.PacketLossPct > row.MaxPacketLossPct {
		return false
	}
	if avg.Jitter > row.MaxJitter {
		return false
	}
	if avg.BandwidthKbps != nil && *avg.BandwidthKbps < row.MinBandwidthKbps {
		return false
	}
	return true
}

// MinSamples returns the window size the classifier evaluates.
func (c *QualityClassifier) MinSamples() int { return c.minSamples }
