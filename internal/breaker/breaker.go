// Package breaker implements the reconnect circuit breaker (spec.md
// §4.7): Closed/Open/HalfOpen, independent of the stormguard burst
// counter. Grounded on the teacher's ResourceGuard emergency-brake
// pattern (internal/shared/limits/resource_guard.go) in spirit — a
// small state machine gating an expensive retried operation — rewritten
// to the exact Closed/Open/HalfOpen contract spec.md §4.7 specifies.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's current phase.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Decision is before_attempt's verdict.
type Decision int

const (
	Allow Decision = iota
	Wait
)

// Config holds the breaker's thresholds.
type Config struct {
	FailureThreshold  int
	SuccessThreshold  int
	Cooldown          time.Duration
	HalfOpenMaxTrials int
}

// Breaker is a single connection's circuit breaker instance.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	state  State

	consecutiveFailures int
	openedAt            time.Time
	trials              int
	successes           int
}

// New builds a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// State reports the breaker's current phase (for metrics/logging).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BeforeAttempt decides whether a reconnect attempt may proceed now.
// Wait's accompanying duration is returned via the second value.
func (b *Breaker) BeforeAttempt(now time.Time) (Decision, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return Allow, 0

	case Open:
		if now.Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = HalfOpen
			// The attempt admitted here is the first half-open trial.
			b.trials = 1
			b.successes = 0
			return Allow, 0
		}
		return Wait, b.cfg.Cooldown - now.Sub(b.openedAt)

	case HalfOpen:
		if b.trials >= b.cfg.HalfOpenMaxTrials {
			b.state = Open
			b.openedAt = now
			return Wait, b.cfg.Cooldown
		}
		b.trials++
		return Allow, 0

	default:
		return Wait, b.cfg.Cooldown
	}
}

// OnSuccess records a successful attempt.
func (b *Breaker) OnSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures = 0

	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveFailures = 0
		}

	case Open:
		// A success while nominally Open only happens if a caller raced
		// BeforeAttempt's HalfOpen transition; treat it as the first
		// HalfOpen success.
		b.state = HalfOpen
		b.trials = 0
		b.successes = 1
	}
}

// OnFailure records a failed attempt, reporting whether it tripped the
// breaker into the Open state (Closed crossing failure_threshold, or any
// HalfOpen failure).
func (b *Breaker) OnFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = now
			return true
		}

	case HalfOpen:
		b.state = Open
		b.openedAt = now
		return true

	case Open:
		b.openedAt = now
	}
	return false
}
