package domain

import "time"

// ConnectionStatus is the monitoring state for one peer connection. It
// is created lazily when the monitor first tracks the peer and dropped
// together with the connection.
type ConnectionStatus struct {
	Connected         bool
	LastPingSent      time.Time
	LastPongReceived  time.Time
	ReconnectAttempts int
	Samples           *StatsRing
	Quality           QualityTier
}

func NewConnectionStatus(ringCapacity int) *ConnectionStatus {
	now := time.Now()
	return &ConnectionStatus{
		Connected:        true,
		LastPingSent:     now,
		LastPongReceived: now,
		Samples:          NewStatsRing(ringCapacity),
		Quality:          QualityGood,
	}
}
