package webrtc

import (
	"time"

	"peermesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// statsFromReport flattens a pion stats report into one snapshot.
// Counters are summed across streams; RTT and jitter take the latest
// value the report offers.
func statsFromReport(report webrtc.StatsReport) ports.TransportStats {
	var snap ports.TransportStats

	var packetsSent, packetsLost uint64
	var sawSent, sawLost bool

	for _, entry := range report {
		switch s := entry.(type) {
		case webrtc.OutboundRTPStreamStats:
			snap.BytesSent += s.BytesSent
			packetsSent += uint64(s.PacketsSent)
			sawSent = true

		case webrtc.InboundRTPStreamStats:
			snap.BytesReceived += s.BytesReceived
			if s.Jitter > 0 {
				j := secondsToDuration(s.Jitter)
				snap.Jitter = &j
			}

		case webrtc.RemoteInboundRTPStreamStats:
			if s.PacketsLost > 0 {
				packetsLost += uint64(s.PacketsLost)
			}
			sawLost = true
			if s.RoundTripTime > 0 {
				rtt := secondsToDuration(s.RoundTripTime)
				snap.RoundTripTime = &rtt
			}
			if s.Jitter > 0 {
				j := secondsToDuration(s.Jitter)
				snap.Jitter = &j
			}

		case webrtc.ICECandidatePairStats:
			if s.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if s.CurrentRoundTripTime > 0 && snap.RoundTripTime == nil {
				rtt := secondsToDuration(s.CurrentRoundTripTime)
				snap.RoundTripTime = &rtt
			}
			if s.AvailableOutgoingBitrate > 0 {
				kbps := int(s.AvailableOutgoingBitrate / 1000)
				snap.AvailableBandwidthKbps = &kbps
			}
		}
	}

	if sawSent {
		snap.PacketsSent = &packetsSent
	}
	if sawLost {
		snap.PacketsLost = &packetsLost
	}
	return snap
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
