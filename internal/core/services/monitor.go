package services

import (
	"context"
	"sync"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/events"
	"peermesh/internal/core/ports"
	pmerrors "peermesh/pkg/errors"

	"go.uber.org/zap"
)

// MonitorConfig tunes the liveness, statistics and probing loops.
type MonitorConfig struct {
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	StatsInterval     time.Duration
	RingCapacity      int
	MinSamples        int

	ProbeEnabled     bool
	ProbeInterval    time.Duration
	ProbeDuration    time.Duration
	ProbeBitrateKbps int

	Thresholds []QualityThreshold
	Adaptation AdaptationConfig
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		HeartbeatInterval: 5 * time.Second,
		PingTimeout:       10 * time.Second,
		StatsInterval:     2 * time.Second,
		RingCapacity:      30,
		MinSamples:        5,
		ProbeEnabled:      true,
		ProbeInterval:     30 * time.Second,
		ProbeDuration:     3 * time.Second,
		ProbeBitrateKbps:  2500,
		Thresholds:        DefaultThresholds(),
		Adaptation:        DefaultAdaptationConfig(),
	}
}

// probeState tracks one in-flight bandwidth probe so the original
// bitrate ceiling can be restored even if the connection closes
// mid-probe.
type probeState struct {
	timer      *time.Timer
	origBps    int
	startBytes uint64
	startedAt  time.Time
}

// StatusSnapshot is a copy-safe view of one peer's monitoring state.
type StatusSnapshot struct {
	Connected         bool               `json:"connected"`
	Quality           domain.QualityTier `json:"quality"`
	ReconnectAttempts int                `json:"reconnect_attempts"`
	LastPongReceived  time.Time          `json:"last_pong_received"`
	SampleCount       int                `json:"sample_count"`
	LastSample        *domain.NetworkStats `json:"last_sample,omitempty"`
}

// NetworkMonitor runs the per-peer liveness heartbeat, the statistics
// sampling loop and optional bandwidth probing, and turns samples into
// quality tiers and upgrade/downgrade decisions.
type NetworkMonitor struct {
	cfg        MonitorConfig
	dir        ports.PeerDirectory
	classifier *QualityClassifier
	engine     *adaptationEngine
	emitter    *events.Emitter
	logger     *zap.SugaredLogger

	mu        sync.Mutex
	statuses  map[domain.PeerID]*domain.ConnectionStatus
	prevStats map[domain.PeerID]ports.TransportStats
	pendingBW map[domain.PeerID]int
	probes    map[domain.PeerID]*probeState

	reconnect func(peerID domain.PeerID)

	runMu   sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func NewNetworkMonitor(cfg MonitorConfig, dir ports.PeerDirectory, emitter *events.Emitter, logger *zap.SugaredLogger) *NetworkMonitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg = DefaultMonitorConfig()
	}
	return &NetworkMonitor{
		cfg:        cfg,
		dir:        dir,
		classifier: NewQualityClassifier(cfg.Thresholds, cfg.MinSamples),
		engine:     newAdaptationEngine(cfg.Adaptation),
		emitter:    emitter,
		logger:     logger,
		statuses:   make(map[domain.PeerID]*domain.ConnectionStatus),
		prevStats:  make(map[domain.PeerID]ports.TransportStats),
		pendingBW:  make(map[domain.PeerID]int),
		probes:     make(map[domain.PeerID]*probeState),
	}
}

// SetReconnectHandler installs the "attempt reconnection to this peer"
// callback invoked on liveness failure. Must be set before Start.
func (m *NetworkMonitor) SetReconnectHandler(fn func(peerID domain.PeerID)) {
	m.reconnect = fn
}

// Start launches the monitor loops. Idempotent while running.
func (m *NetworkMonitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(ctx, m.stop, m.done)
}

// Stop cancels the loops and any in-flight probes, restoring probe
// bitrate ceilings. Idempotent.
func (m *NetworkMonitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.runMu.Unlock()
	<-done

	m.mu.Lock()
	ids := make([]domain.PeerID, 0, len(m.probes))
	for id := range m.probes {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.cancelProbe(id)
	}
}

func (m *NetworkMonitor) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	stats := time.NewTicker(m.cfg.StatsInterval)
	defer stats.Stop()

	var probe <-chan time.Time
	if m.cfg.ProbeEnabled {
		t := time.NewTicker(m.cfg.ProbeInterval)
		defer t.Stop()
		probe = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-heartbeat.C:
			m.heartbeatTick()
		case <-stats.C:
			m.statsTick()
		case <-probe:
			m.probeTick()
		}
	}
}

// Track starts monitoring a peer. Called when its connection opens,
// including after a per-peer reconnection.
func (m *NetworkMonitor) Track(peerID domain.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[peerID] = domain.NewConnectionStatus(m.cfg.RingCapacity)
	delete(m.prevStats, peerID)
	delete(m.pendingBW, peerID)
}

// Untrack stops monitoring a peer and discards its state.
func (m *NetworkMonitor) Untrack(peerID domain.PeerID) {
	m.cancelProbe(peerID)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, peerID)
	delete(m.prevStats, peerID)
	delete(m.pendingBW, peerID)
}

// HandlePong refreshes the liveness timestamp for a peer. It performs
// no other side effect.
func (m *NetworkMonitor) HandlePong(peerID domain.PeerID, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.statuses[peerID]; ok {
		status.LastPongReceived = time.Now()
	}
}

// StatusOf returns a copy-safe snapshot of a peer's monitoring state.
func (m *NetworkMonitor) StatusOf(peerID domain.PeerID) (StatusSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.statuses[peerID]
	if !ok {
		return StatusSnapshot{}, false
	}
	snap := StatusSnapshot{
		Connected:         status.Connected,
		Quality:           status.Quality,
		ReconnectAttempts: status.ReconnectAttempts,
		LastPongReceived:  status.LastPongReceived,
		SampleCount:       status.Samples.Len(),
	}
	if last := status.Samples.Last(1); len(last) == 1 {
		s := last[0]
		snap.LastSample = &s
	}
	return snap, true
}

// heartbeatTick pings every tracked connection and detects liveness
// failures. A failed ping send is treated exactly like a timeout.
func (m *NetworkMonitor) heartbeatTick() {
	now := time.Now()
	for _, peerID := range m.trackedPeers() {
		m.mu.Lock()
		status, ok := m.statuses[peerID]
		if !ok || !status.Connected {
			m.mu.Unlock()
			continue
		}
		timedOut := now.Sub(status.LastPongReceived) > m.cfg.PingTimeout
		m.mu.Unlock()

		if timedOut {
			m.markPeerDown(peerID, pmerrors.PeerLiveness("heartbeat", peerID, context.DeadlineExceeded))
			continue
		}

		if err := m.dir.SendPing(peerID); err != nil {
			m.markPeerDown(peerID, pmerrors.PeerLiveness("ping send", peerID, err))
			continue
		}
		m.mu.Lock()
		if status, ok := m.statuses[peerID]; ok {
			status.LastPingSent = now
		}
		m.mu.Unlock()
	}
}

func (m *NetworkMonitor) markPeerDown(peerID domain.PeerID, cause error) {
	m.mu.Lock()
	status, ok := m.statuses[peerID]
	if !ok || !status.Connected {
		m.mu.Unlock()
		return
	}
	status.Connected = false
	status.Quality = domain.QualityDisconnected
	status.ReconnectAttempts++
	m.mu.Unlock()

	m.logger.Warnw("peer liveness failure", "peer_id", peerID, "error", cause)
	m.emitter.Emit(events.Event{Type: events.ConnectionQuality, PeerID: peerID, Quality: domain.QualityDisconnected, Err: cause})

	if m.reconnect != nil {
		m.reconnect(peerID)
	}
}

// statsTick samples every connection with an active media call,
// re-evaluates tiers, emits the aggregate worst tier, and runs the
// adaptation checks. Work is isolated per peer: one failing peer never
// aborts the tick for the others.
func (m *NetworkMonitor) statsTick() {
	now := time.Now()
	downgraded := false
	stableAll := true
	sampledAny := false

	for _, peerID := range m.trackedPeers() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Errorw("stats collection panic", "peer_id", peerID, "panic", r)
				}
			}()

			call, ok := m.dir.MediaCall(peerID)
			if !ok {
				return
			}
			snapshot, err := call.Stats()
			if err != nil {
				m.logger.Debugw("stats snapshot failed", "peer_id", peerID, "error", err)
				return
			}

			sample := m.buildSample(peerID, snapshot, now)

			m.mu.Lock()
			status, ok := m.statuses[peerID]
			if !ok {
				// Torn down while we were sampling.
				m.mu.Unlock()
				return
			}
			status.Samples.Append(sample)
			window := status.Samples.Last(m.classifier.MinSamples())
			if status.Connected {
				status.Quality = m.classifier.Classify(status.Samples.Last(status.Samples.Len()))
			}
			tier := status.Quality
			m.mu.Unlock()

			sampledAny = true
			m.emitter.Emit(events.Event{Type: events.ConnectionQuality, PeerID: peerID, Quality: tier})

			if len(window) >= m.classifier.MinSamples() {
				avg := averageWindow(window)
				if !downgraded && m.engine.downgradeTriggered(avg) && m.engine.allowDowngrade(now) {
					m.engine.markDowngrade(now)
					downgraded = true
					m.logger.Infow("quality downgrade triggered",
						"peer_id", peerID,
						"avg_rtt", avg.RTT,
						"avg_loss_pct", avg.PacketLossPct,
					)
					m.emitter.Emit(events.Event{Type: events.QualityDowngrade, PeerID: peerID, Quality: tier})
				}
				if !m.engine.stable(window) {
					stableAll = false
				}
			} else {
				stableAll = false
			}
		}()
	}

	m.emitAggregate()

	if !downgraded && sampledAny && stableAll && m.engine.allowUpgrade(now) {
		m.engine.markUpgradeAttempt()
		m.logger.Infow("quality upgrade attempt", "attempt", m.engine.upgradeAttempts)
		m.emitter.Emit(events.Event{Type: events.QualityUpgrade, Attempt: m.engine.upgradeAttempts})
	}
}

// buildSample converts a transport snapshot into one NetworkStats
// sample, computing loss percentage from counter deltas and merging
// any probe result. Absent optional fields carry the previous sample's
// value rather than collapsing to zero.
func (m *NetworkMonitor) buildSample(peerID domain.PeerID, snap ports.TransportStats, now time.Time) domain.NetworkStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, hadPrev := m.prevStats[peerID]
	m.prevStats[peerID] = snap

	sample := domain.NetworkStats{
		BytesSent:     snap.BytesSent,
		BytesReceived: snap.BytesReceived,
		Timestamp:     now,
	}

	if snap.RoundTripTime != nil {
		sample.RTT = *snap.RoundTripTime
	} else if hadPrev && prev.RoundTripTime != nil {
		sample.RTT = *prev.RoundTripTime
	}
	if snap.Jitter != nil {
		sample.Jitter = *snap.Jitter
	} else if hadPrev && prev.Jitter != nil {
		sample.Jitter = *prev.Jitter
	}

	if snap.PacketsLost != nil {
		lost := *snap.PacketsLost
		var prevLost, prevSent uint64
		if hadPrev {
			if prev.PacketsLost != nil {
				prevLost = *prev.PacketsLost
			}
			if prev.PacketsSent != nil {
				prevSent = *prev.PacketsSent
			}
		}
		if lost >= prevLost {
			deltaLost := lost - prevLost
			sample.PacketsLost = int(deltaLost)
			if snap.PacketsSent != nil && *snap.PacketsSent >= prevSent {
				deltaSent := *snap.PacketsSent - prevSent
				if total := deltaSent + deltaLost; total > 0 {
					sample.PacketLossPct = float64(deltaLost) / float64(total) * 100
				}
			}
		}
	}

	if kbps, ok := m.pendingBW[peerID]; ok {
		bw := kbps
		sample.BandwidthKbps = &bw
		delete(m.pendingBW, peerID)
	} else if snap.AvailableBandwidthKbps != nil {
		bw := *snap.AvailableBandwidthKbps
		sample.BandwidthKbps = &bw
	}

	return sample
}

// emitAggregate publishes the worst tier across all tracked
// connections; this is what drives the stream controller, so one bad
// peer degrades outgoing video for everyone.
func (m *NetworkMonitor) emitAggregate() {
	m.mu.Lock()
	tiers := make([]domain.QualityTier, 0, len(m.statuses))
	for _, status := range m.statuses {
		tiers = append(tiers, status.Quality)
	}
	m.mu.Unlock()

	m.emitter.Emit(events.Event{Type: events.QualityUpdate, Quality: domain.WorstTier(tiers)})
}

// probeTick starts a bandwidth probe on every connected peer that has
// a media call and no probe already in flight.
func (m *NetworkMonitor) probeTick() {
	for _, peerID := range m.trackedPeers() {
		m.mu.Lock()
		status, tracked := m.statuses[peerID]
		_, probing := m.probes[peerID]
		m.mu.Unlock()
		if !tracked || !status.Connected || probing {
			continue
		}

		call, ok := m.dir.MediaCall(peerID)
		if !ok {
			continue
		}
		start, err := call.Stats()
		if err != nil {
			continue
		}
		orig := call.MaxVideoBitrate()
		if err := call.SetMaxVideoBitrate(m.cfg.ProbeBitrateKbps * 1000); err != nil {
			m.logger.Debugw("probe bitrate raise failed", "peer_id", peerID, "error", err)
			continue
		}

		ps := &probeState{origBps: orig, startBytes: start.BytesSent, startedAt: time.Now()}
		id := peerID
		ps.timer = time.AfterFunc(m.cfg.ProbeDuration, func() { m.finishProbe(id) })
		m.mu.Lock()
		m.probes[peerID] = ps
		m.mu.Unlock()
	}
}

// finishProbe measures achieved throughput and restores the original
// bitrate ceiling. Restoration is attempted even when the stats read
// fails; a connection that vanished mid-probe has nothing to restore.
func (m *NetworkMonitor) finishProbe(peerID domain.PeerID) {
	m.mu.Lock()
	ps, ok := m.probes[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.probes, peerID)
	m.mu.Unlock()

	call, ok := m.dir.MediaCall(peerID)
	if !ok {
		return
	}
	defer func() {
		if err := call.SetMaxVideoBitrate(ps.origBps); err != nil {
			m.logger.Debugw("probe bitrate restore failed", "peer_id", peerID, "error", err)
		}
	}()

	end, err := call.Stats()
	if err != nil {
		return
	}
	elapsed := time.Since(ps.startedAt).Seconds()
	if elapsed <= 0 || end.BytesSent < ps.startBytes {
		return
	}
	kbps := int(float64(end.BytesSent-ps.startBytes) * 8 / 1000 / elapsed)

	// Merged into the next regular sample; probes do not get their own
	// ring buffer.
	m.mu.Lock()
	if _, tracked := m.statuses[peerID]; tracked {
		m.pendingBW[peerID] = kbps
	}
	m.mu.Unlock()

	m.logger.Debugw("bandwidth probe complete", "peer_id", peerID, "kbps", kbps)
}

func (m *NetworkMonitor) cancelProbe(peerID domain.PeerID) {
	m.mu.Lock()
	ps, ok := m.probes[peerID]
	if ok {
		delete(m.probes, peerID)
		ps.timer.Stop()
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if call, live := m.dir.MediaCall(peerID); live {
		if err := call.SetMaxVideoBitrate(ps.origBps); err != nil {
			m.logger.Debugw("probe bitrate restore failed", "peer_id", peerID, "error", err)
		}
	}
}

func (m *NetworkMonitor) trackedPeers() []domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]domain.PeerID, 0, len(m.statuses))
	for id := range m.statuses {
		ids = append(ids, id)
	}
	return ids
}

// UpgradeAttempts exposes the current attempt counter for diagnostics.
func (m *NetworkMonitor) UpgradeAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.upgradeAttempts
}
