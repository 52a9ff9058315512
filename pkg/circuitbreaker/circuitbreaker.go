// Package circuitbreaker guards calls to a flaky dependency. After a
// run of failures the breaker opens and calls fail fast until a cool-off
// passes; a limited number of trial calls then decide whether it closes
// again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit open")

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold trial successes close a half-open breaker.
	SuccessThreshold int
	// CoolOff is how long an open breaker waits before trial calls.
	CoolOff time.Duration
	// HalfOpenLimit caps in-flight trial calls while half-open.
	HalfOpenLimit int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CoolOff:          30 * time.Second,
		HalfOpenLimit:    3,
	}
}

type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int
	changedAt time.Time

	onStateChange func(from, to State)
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed, changedAt: time.Now()}
}

// OnStateChange registers a transition hook; it runs on its own
// goroutine so slow observers cannot block callers.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Do runs fn unless the breaker is open. The returned error is ErrOpen
// for rejected calls, otherwise whatever fn returned.
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.changedAt) < b.cfg.CoolOff {
			return false
		}
		b.transition(HalfOpen)
		b.trials = 1
		return true
	case HalfOpen:
		if b.trials >= b.cfg.HalfOpenLimit {
			return false
		}
		b.trials++
		return true
	default:
		return true
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0

	if b.state == HalfOpen || (b.state == Closed && b.failures >= b.cfg.FailureThreshold) {
		b.transition(Open)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.successes++

	if b.state == HalfOpen && b.successes >= b.cfg.SuccessThreshold {
		b.transition(Closed)
	}
}

// transition moves to a new state. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.changedAt = time.Now()
	b.failures = 0
	b.successes = 0
	b.trials = 0

	if b.onStateChange != nil {
		go b.onStateChange(from, to)
	}
}
