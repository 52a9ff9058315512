// Package backoff computes reconnection delays: exponential growth
// capped at a maximum, with multiplicative jitter so that clients that
// lost the same server do not retry in lockstep.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// Jitter is the fraction of the delay randomized around its center:
	// delay * (1 - jitter/2 + random*jitter).
	Jitter float64
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		Jitter:       0.3,
	}
}

// Base returns the un-jittered delay for the given attempt:
// min(initial * factor^attempt, max). Monotonically non-decreasing in
// attempt.
func (c Config) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.InitialDelay) * math.Pow(c.Factor, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for the given attempt.
func (c Config) Delay(attempt int) time.Duration {
	return c.delay(attempt, rand.Float64)
}

func (c Config) delay(attempt int, rnd func() float64) time.Duration {
	d := float64(c.Base(attempt))
	if c.Jitter > 0 {
		d *= 1 - c.Jitter/2 + rnd()*c.Jitter
	}
	return time.Duration(d)
}
