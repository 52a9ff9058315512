package domain

import "time"

// NetworkStats is one immutable measurement sample for a peer link.
// BandwidthKbps is nil until a bandwidth probe has produced a value;
// absence means "not yet measured", never zero.
type NetworkStats struct {
	PacketsLost   int           `json:"packets_lost"`
	PacketLossPct float64       `json:"packet_loss_pct"`
	RTT           time.Duration `json:"rtt"`
	Jitter        time.Duration `json:"jitter"`
	BytesSent     uint64        `json:"bytes_sent"`
	BytesReceived uint64        `json:"bytes_received"`
	BandwidthKbps *int          `json:"bandwidth_kbps,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// StatsRing is a fixed-capacity ring of NetworkStats. Appending to a
// full ring evicts the oldest sample. Not safe for concurrent use; the
// owning ConnectionStatus is mutated only by the stats loop.
type StatsRing struct {
	buf  []NetworkStats
	head int
	size int
}

func NewStatsRing(capacity int) *StatsRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &StatsRing{buf: make([]NetworkStats, capacity)}
}

func (r *StatsRing) Append(s NetworkStats) {
	r.buf[(r.head+r.size)%len(r.buf)] = s
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

func (r *StatsRing) Len() int { return r.size }

func (r *StatsRing) Cap() int { return len(r.buf) }

// Last returns up to n most recent samples, oldest first.
func (r *StatsRing) Last(n int) []NetworkStats {
	if n > r.size {
		n = r.size
	}
	out := make([]NetworkStats, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
