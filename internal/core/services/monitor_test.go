package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/events"
	"peermesh/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// The tick methods are invoked directly so the tests never depend on
// ticker timing.

func testMonitorConfig() MonitorConfig {
	cfg := DefaultMonitorConfig()
	cfg.MinSamples = 3
	cfg.RingCapacity = 10
	cfg.Adaptation.UpgradeCooldownInitial = 0
	cfg.Adaptation.UpgradeCooldownStep = 0
	return cfg
}

func newTestMonitor(t *testing.T, cfg MonitorConfig, dir ports.PeerDirectory) (*NetworkMonitor, *events.Emitter) {
	t.Helper()
	emitter := events.NewEmitter()
	return NewNetworkMonitor(cfg, dir, emitter, zaptest.NewLogger(t).Sugar()), emitter
}

func goodStats() ports.TransportStats {
	rtt := 50 * time.Millisecond
	jitter := 5 * time.Millisecond
	sent := uint64(1000)
	lost := uint64(0)
	return ports.TransportStats{
		BytesSent:     10_000,
		PacketsSent:   &sent,
		PacketsLost:   &lost,
		RoundTripTime: &rtt,
		Jitter:        &jitter,
	}
}

func badStats() ports.TransportStats {
	rtt := 600 * time.Millisecond
	jitter := 200 * time.Millisecond
	return ports.TransportStats{
		BytesSent:     10_000,
		RoundTripTime: &rtt,
		Jitter:        &jitter,
	}
}

func (m *NetworkMonitor) forcePongAge(peerID domain.PeerID, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.statuses[peerID]; ok {
		status.LastPongReceived = time.Now().Add(-age)
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	dir := newFakeDirectory("p1")
	m, _ := newTestMonitor(t, testMonitorConfig(), dir)
	m.Track("p1")

	m.heartbeatTick()

	assert.Equal(t, 1, dir.pingCount("p1"))
	snap, ok := m.StatusOf("p1")
	require.True(t, ok)
	assert.True(t, snap.Connected)
}

func TestHeartbeatTimeoutMarksDownExactlyOnce(t *testing.T) {
	dir := newFakeDirectory("p1")
	m, emitter := newTestMonitor(t, testMonitorConfig(), dir)
	rec := recordEvents(emitter, events.ConnectionQuality)

	var reconnects atomic.Int32
	m.SetReconnectHandler(func(domain.PeerID) { reconnects.Add(1) })

	m.Track("p1")
	m.forcePongAge("p1", time.Hour)

	m.heartbeatTick()
	m.heartbeatTick()

	assert.Equal(t, int32(1), reconnects.Load())
	assert.Equal(t, 1, rec.count(events.ConnectionQuality))

	ev, ok := rec.last(events.ConnectionQuality)
	require.True(t, ok)
	assert.Equal(t, domain.QualityDisconnected, ev.Quality)

	snap, ok := m.StatusOf("p1")
	require.True(t, ok)
	assert.False(t, snap.Connected)
	assert.Equal(t, 1, snap.ReconnectAttempts)
	// No further pings to a peer already marked down.
	assert.Equal(t, 0, dir.pingCount("p1"))
}

func TestHeartbeatSendFailureEqualsTimeout(t *testing.T) {
	dir := newFakeDirectory("p1")
	dir.pingErrs["p1"] = errBoom
	m, _ := newTestMonitor(t, testMonitorConfig(), dir)

	var reconnects atomic.Int32
	m.SetReconnectHandler(func(domain.PeerID) { reconnects.Add(1) })

	m.Track("p1")
	m.heartbeatTick()

	assert.Equal(t, int32(1), reconnects.Load())
	snap, _ := m.StatusOf("p1")
	assert.False(t, snap.Connected)
}

func TestPongRefreshesLiveness(t *testing.T) {
	dir := newFakeDirectory("p1")
	m, _ := newTestMonitor(t, testMonitorConfig(), dir)

	var reconnects atomic.Int32
	m.SetReconnectHandler(func(domain.PeerID) { reconnects.Add(1) })

	m.Track("p1")
	m.forcePongAge("p1", time.Hour)
	m.HandlePong("p1", time.Now())

	m.heartbeatTick()

	assert.Equal(t, int32(0), reconnects.Load())
	assert.Equal(t, 1, dir.pingCount("p1"))
}

func TestStatsOptimisticBelowWindow(t *testing.T) {
	dir := newFakeDirectory("p1")
	call := newFakeMediaCall("p1")
	call.setStats(badStats())
	dir.calls["p1"] = call

	m, emitter := newTestMonitor(t, testMonitorConfig(), dir)
	rec := recordEvents(emitter, events.ConnectionQuality)
	m.Track("p1")

	m.statsTick()
	m.statsTick()

	ev, ok := rec.last(events.ConnectionQuality)
	require.True(t, ok)
	assert.Equal(t, domain.QualityGood, ev.Quality)
}

func TestStatsClassifiesFullWindow(t *testing.T) {
	dir := newFakeDirectory("p1")
	call := newFakeMediaCall("p1")
	call.setStats(goodStats())
	dir.calls["p1"] = call

	m, emitter := newTestMonitor(t, testMonitorConfig(), dir)
	rec := recordEvents(emitter, events.ConnectionQuality, events.QualityUpdate)
	m.Track("p1")

	for i := 0; i < 3; i++ {
		m.statsTick()
	}

	ev, ok := rec.last(events.ConnectionQuality)
	require.True(t, ok)
	assert.Equal(t, domain.QualityExcellent, ev.Quality)

	agg, ok := rec.last(events.QualityUpdate)
	require.True(t, ok)
	assert.Equal(t, domain.QualityExcellent, agg.Quality)
}

func TestStatsSkipsPeersWithoutCall(t *testing.T) {
	dir := newFakeDirectory("p1")
	m, emitter := newTestMonitor(t, testMonitorConfig(), dir)
	rec := recordEvents(emitter, events.ConnectionQuality, events.QualityUpgrade)
	m.Track("p1")

	m.statsTick()

	assert.Equal(t, 0, rec.count(events.ConnectionQuality))
	// Nothing was sampled, so no upgrade attempt either.
	assert.Equal(t, 0, rec.count(events.QualityUpgrade))
}

func TestAggregateIsWorstTier(t *testing.T) {
	dir := newFakeDirectory("p1", "p2")
	good := newFakeMediaCall("p1")
	good.setStats(goodStats())
	bad := newFakeMediaCall("p2")
	bad.setStats(badStats())
	dir.calls["p1"] = good
	dir.calls["p2"] = bad

	cfg := testMonitorConfig()
	// Keep the downgrade path quiet; this test is about aggregation.
	cfg.Adaptation.UpgradeCooldownInitial = time.Hour
	m, emitter := newTestMonitor(t, cfg, dir)
	rec := recordEvents(emitter, events.QualityUpdate)
	m.Track("p1")
	m.Track("p2")

	for i := 0; i < 3; i++ {
		m.statsTick()
	}

	agg, ok := rec.last(events.QualityUpdate)
	require.True(t, ok)
	assert.Equal(t, domain.QualityCritical, agg.Quality)
}

func TestDowngradeOncePerCooldown(t *testing.T) {
	dir := newFakeDirectory("p1")
	call := newFakeMediaCall("p1")
	call.setStats(badStats())
	dir.calls["p1"] = call

	cfg := testMonitorConfig()
	cfg.Adaptation.UpgradeCooldownInitial = time.Hour
	m, emitter := newTestMonitor(t, cfg, dir)
	rec := recordEvents(emitter, events.QualityDowngrade)
	m.Track("p1")

	for i := 0; i < 6; i++ {
		m.statsTick()
	}

	assert.Equal(t, 1, rec.count(events.QualityDowngrade))
}

func TestUpgradeAfterStabilityAndBudget(t *testing.T) {
	dir := newFakeDirectory("p1")
	call := newFakeMediaCall("p1")
	call.setStats(goodStats())
	dir.calls["p1"] = call

	m, emitter := newTestMonitor(t, testMonitorConfig(), dir)
	rec := recordEvents(emitter, events.QualityUpgrade)
	m.Track("p1")

	for i := 0; i < 6; i++ {
		m.statsTick()
	}

	// Three attempts allowed, then the budget is spent.
	assert.Equal(t, 3, rec.count(events.QualityUpgrade))
	assert.Equal(t, 3, m.UpgradeAttempts())

	ev, _ := rec.last(events.QualityUpgrade)
	assert.Equal(t, 3, ev.Attempt)
}

func TestDowngradeResetsAttemptCounter(t *testing.T) {
	dir := newFakeDirectory("p1")
	call := newFakeMediaCall("p1")
	call.setStats(goodStats())
	dir.calls["p1"] = call

	m, _ := newTestMonitor(t, testMonitorConfig(), dir)
	m.Track("p1")

	for i := 0; i < 5; i++ {
		m.statsTick()
	}
	require.Equal(t, 3, m.UpgradeAttempts())

	call.setStats(badStats())
	// Enough ticks to flush the stable window and trip a downgrade.
	for i := 0; i < 4; i++ {
		m.statsTick()
	}
	assert.Equal(t, 0, m.UpgradeAttempts())
}

func TestProbeRaisesMeasuresRestores(t *testing.T) {
	dir := newFakeDirectory("p1")
	call := newFakeMediaCall("p1")
	call.setStats(ports.TransportStats{BytesSent: 0})
	require.NoError(t, call.SetMaxVideoBitrate(500_000))
	dir.calls["p1"] = call

	cfg := testMonitorConfig()
	cfg.ProbeBitrateKbps = 2000
	cfg.ProbeDuration = time.Hour // finished manually below
	m, _ := newTestMonitor(t, cfg, dir)
	m.Track("p1")

	m.probeTick()
	assert.Equal(t, 2_000_000, call.MaxVideoBitrate())

	// A second tick mid-probe must not stack another probe.
	m.probeTick()

	call.setStats(ports.TransportStats{BytesSent: 750_000})
	time.Sleep(10 * time.Millisecond)
	m.finishProbe("p1")

	assert.Equal(t, 500_000, call.MaxVideoBitrate())

	m.mu.Lock()
	kbps, pending := m.pendingBW["p1"]
	m.mu.Unlock()
	require.True(t, pending)
	assert.Greater(t, kbps, 0)

	// The measurement rides along with the next regular sample.
	rtt := 50 * time.Millisecond
	call.setStats(ports.TransportStats{BytesSent: 800_000, RoundTripTime: &rtt})
	m.statsTick()

	snap, ok := m.StatusOf("p1")
	require.True(t, ok)
	require.NotNil(t, snap.LastSample)
	require.NotNil(t, snap.LastSample.BandwidthKbps)
	assert.Equal(t, kbps, *snap.LastSample.BandwidthKbps)
}

func TestStopCancelsProbeAndRestoresBitrate(t *testing.T) {
	dir := newFakeDirectory("p1")
	call := newFakeMediaCall("p1")
	require.NoError(t, call.SetMaxVideoBitrate(700_000))
	dir.calls["p1"] = call

	cfg := testMonitorConfig()
	cfg.ProbeDuration = time.Hour
	m, _ := newTestMonitor(t, cfg, dir)
	m.Start(context.Background())
	m.Track("p1")
	m.probeTick()
	require.NotEqual(t, 700_000, call.MaxVideoBitrate())

	m.Stop()

	assert.Equal(t, 700_000, call.MaxVideoBitrate())
}

func TestUntrackDiscardsState(t *testing.T) {
	dir := newFakeDirectory("p1")
	m, _ := newTestMonitor(t, testMonitorConfig(), dir)

	m.Track("p1")
	_, ok := m.StatusOf("p1")
	require.True(t, ok)

	m.Untrack("p1")
	_, ok = m.StatusOf("p1")
	assert.False(t, ok)
}

func TestTrackResetsAfterReconnect(t *testing.T) {
	dir := newFakeDirectory("p1")
	m, _ := newTestMonitor(t, testMonitorConfig(), dir)

	m.Track("p1")
	m.forcePongAge("p1", time.Hour)
	m.SetReconnectHandler(func(domain.PeerID) {})
	m.heartbeatTick()

	snap, _ := m.StatusOf("p1")
	require.False(t, snap.Connected)

	// Re-tracking after a successful per-peer reconnect starts clean.
	m.Track("p1")
	snap, _ = m.StatusOf("p1")
	assert.True(t, snap.Connected)
	assert.Equal(t, 0, snap.ReconnectAttempts)
	assert.Equal(t, domain.QualityGood, snap.Quality)
}
