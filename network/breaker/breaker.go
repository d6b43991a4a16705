// Package breaker implements circuit breakers used to isolate failing peers
// and unavailable blocks.
package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State of a circuit breaker.
type State int32

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
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Breaker trips Open after FailureThreshold consecutive failures and admits
// a single trial once ResetTimeout has passed.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	clk clock.Clock

	state    State
	failures uint32
	openedAt time.Time
	// trialAt is when the outstanding HalfOpen trial was admitted.
	trialAt     time.Time
	lastFailure time.Time
}

// New creates a closed breaker. A nil clock uses the wall clock.
func New(cfg Config, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 1
	}
	return &Breaker{cfg: cfg, clk: clk}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Success resets the failure count and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.success()
}

func (b *Breaker) success() (from State) {
	from = b.state
	b.failures = 0
	b.state = Closed
	return from
}

// Failure records a failure and reports whether it tripped the breaker
// from Closed to Open.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, tripped := b.failure()
	return tripped
}

func (b *Breaker) failure() (from State, tripped bool) {
	from = b.state
	b.failures++
	b.lastFailure = b.clk.Now()
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = b.clk.Now()
			return from, true
		}
	case HalfOpen:
		// the trial failed
		b.state = Open
		b.openedAt = b.clk.Now()
	}
	return from, false
}

// IsBlocked reports whether an operation must be refused. When the reset
// timeout has elapsed it moves Open to HalfOpen and admits exactly one trial.
func (b *Breaker) IsBlocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	blocked, _ := b.isBlocked()
	return blocked
}

func (b *Breaker) isBlocked() (blocked bool, from State) {
	from = b.state
	now := b.clk.Now()
	switch b.state {
	case Open:
		if now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.trialAt = now
			return false, from
		}
		return true, from
	case HalfOpen:
		// an abandoned trial must not wedge the breaker
		if now.Sub(b.trialAt) >= b.cfg.ResetTimeout {
			b.trialAt = now
			return false, from
		}
		return true, from
	default:
		return false, from
	}
}

// Blocked is a side-effect free peek: it reports whether IsBlocked would
// currently refuse.
func (b *Breaker) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked()
}

func (b *Breaker) blocked() bool {
	now := b.clk.Now()
	switch b.state {
	case Open:
		return now.Sub(b.openedAt) < b.cfg.ResetTimeout
	case HalfOpen:
		return now.Sub(b.trialAt) < b.cfg.ResetTimeout
	default:
		return false
	}
}
