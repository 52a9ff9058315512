package services

import (
	"time"

	"peermesh/internal/core/domain"
)

// AdaptationConfig tunes the downgrade/upgrade hysteresis.
type AdaptationConfig struct {
	// Downgrade triggers: any one crossing fires a downgrade, subject
	// to the cooldown below.
	DowngradeRTT           time.Duration
	DowngradePacketLossPct float64
	// DowngradeBandwidthKbps only applies once bandwidth has been
	// measured.
	DowngradeBandwidthKbps int

	MaxUpgradeAttempts int
	// UpgradeCooldownInitial doubles as the minimum spacing between
	// downgrades, which is what stops downgrade flapping.
	UpgradeCooldownInitial time.Duration
	// UpgradeCooldownStep grows the upgrade cooldown linearly with the
	// attempt count.
	UpgradeCooldownStep time.Duration

	// Stability: the largest sample-to-sample delta tolerated across
	// the window before an upgrade attempt.
	StabilityRTTDelta     time.Duration
	StabilityLossDeltaPct float64
	StabilityJitterDelta  time.Duration
}

func DefaultAdaptationConfig() AdaptationConfig {
	return AdaptationConfig{
		DowngradeRTT:           300 * time.Millisecond,
		DowngradePacketLossPct: 5.0,
		DowngradeBandwidthKbps: 400,
		MaxUpgradeAttempts:     3,
		UpgradeCooldownInitial: 30 * time.Second,
		UpgradeCooldownStep:    30 * time.Second,
		StabilityRTTDelta:      50 * time.Millisecond,
		StabilityLossDeltaPct:  1.0,
		StabilityJitterDelta:   20 * time.Millisecond,
	}
}

// adaptationEngine holds the hysteresis state shared across all peers:
// the stream-wide preset moves as one, so cooldown and attempt count
// are global, not per peer.
type adaptationEngine struct {
	cfg             AdaptationConfig
	lastDowngrade   time.Time
	upgradeAttempts int
}

func newAdaptationEngine(cfg AdaptationConfig) *adaptationEngine {
	return &adaptationEngine{cfg: cfg}
}

// downgradeTriggered reports whether the averaged window crosses any
// downgrade threshold.
func (e *adaptationEngine) downgradeTriggered(avg windowAverage) bool {
	if avg.RTT > e.cfg.DowngradeRTT {
		return true
	}
	if avg.PacketLossPct > e.cfg.DowngradePacketLossPct {
		return true
	}
	if avg.BandwidthKbps != nil && *avg.BandwidthKbps < e.cfg.DowngradeBandwidthKbps {
		return true
	}
	return false
}

// allowDowngrade gates downgrades on the initial upgrade cooldown so a
// sustained bad patch produces one downgrade, not one per tick.
func (e *adaptationEngine) allowDowngrade(now time.Time) bool {
	return now.Sub(e.lastDowngrade) > e.cfg.UpgradeCooldownInitial
}

// markDowngrade stamps the downgrade time and resets the attempt
// counter. This is the only place the counter resets.
func (e *adaptationEngine) markDowngrade(now time.Time) {
	e.lastDowngrade = now
	e.upgradeAttempts = 0
}

// upgradeCooldown grows linearly with the attempt count.
func (e *adaptationEngine) upgradeCooldown() time.Duration {
	return e.cfg.UpgradeCooldownInitial + time.Duration(e.upgradeAttempts)*e.cfg.UpgradeCooldownStep
}

// allowUpgrade checks the attempt budget and the cooldown since the
// last downgrade.
func (e *adaptationEngine) allowUpgrade(now time.Time) bool {
	if e.upgradeAttempts >= e.cfg.MaxUpgradeAttempts {
		return false
	}
	return now.Sub(e.lastDowngrade) >= e.upgradeCooldown()
}

// markUpgradeAttempt increments the attempt counter. An attempt only
// signals "try the next preset up"; it does not guarantee the tier
// improves.
func (e *adaptationEngine) markUpgradeAttempt() {
	e.upgradeAttempts++
}

// stable reports whether sample-to-sample deltas across the window are
// all below the configured thresholds.
func (e *adaptationEngine) stable(samples []domain.NetworkStats) bool {
	if len(samples) < 2 {
		return false
	}
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		if absDuration(cur.RTT-prev.RTT) > e.cfg.StabilityRTTDelta {
			return false
		}
		if absFloat(cur.PacketLossPct-prev.PacketLossPct) > e.cfg.StabilityLossDeltaPct {
			return false
		}
		if absDuration(cur.Jitter-prev.Jitter) > e.cfg.StabilityJitterDelta {
			return false
		}
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
