// Package limiter implements the WS rate limiter (spec.md §4.6): three
// independent token buckets keyed by outbound priority class, each with
// a penalty window and a cross-class minimum-gap floor. x/time/rate has
// no penalty-window field, so this is a bespoke bucket in the teacher's
// connection_rate_limiter.go idiom (per-key state + manual refill math)
// rather than a wrap around the stdlib-adjacent limiter.
package limiter

import (
	"sync"
	"time"

	"github.com/teru1991/profinaut-sub001/internal/queue"
)

// bucket is one priority class's token-bucket state.
type bucket struct {
	capacity     float64
	refillPerSec float64
	tokens       float64
	last         time.Time
	penaltyUntil time.Time
}

func (b *bucket) refill(now time.Time) {
	if now.Before(b.last) {
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillPerSec)
	b.last = now
}

// Config is one class's bucket configuration.
type Config struct {
	Capacity     float64
	RefillPerSec float64
}

// Limiter holds one token bucket per outbound priority class, plus an
// optional minimum gap enforced between grants across all classes.
type Limiter struct {
	mu      sync.Mutex
	buckets [3]bucket // indexed by queue.Class
	minGap  time.Duration
	lastAny time.Time
}

// New builds a Limiter. cfgs must supply one Config per queue.Class
// (Control, Private, Public, in that order); minGap is the optional
// floor between any two consecutive grants regardless of class (0
// disables it).
func New(cfgs [3]Config, minGap time.Duration) *Limiter {
	l := &Limiter{minGap: minGap}
	now := time.Now()
	for i, c := range cfgs {
		l.buckets[i] = bucket{
			capacity:     c.Capacity,
			refillPerSec: c.RefillPerSec,
			tokens:       c.Capacity,
			last:         now,
		}
	}
	return l
}

// AcquireWait returns how long the caller must wait before class may
// send: 0 means proceed immediately (and a token has been deducted).
func (l *Limiter) AcquireWait(class queue.Class, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := &l.buckets[class]
	if b.penaltyUntil.After(now) {
		return b.penaltyUntil.Sub(now)
	}

	b.refill(now)

	if gap := l.gapWait(now); gap > 0 {
		return gap
	}

	if b.tokens >= 1 {
		b.tokens--
		l.lastAny = now
		return 0
	}
	missing := 1 - b.tokens
	return time.Duration(missing / b.refillPerSec * float64(time.Second))
}



// gapWait returns the remaining wait imposed by minGap, or 0 if clear.
// Callers hold l.mu.
func (l *Limiter) gapWait(now time.Time) time.Duration {
	if l.minGap <= 0 || l.lastAny.IsZero() {
		return 0
	}
	elapsed := now.Sub(l.lastAny)
	if elapsed >= l.minGap {
		return 0
	}
	return l.minGap - elapsed
}

// ApplyPenalty extends class's penalty window: penalty_until becomes
// max(penalty_until, now+d), never shrinking an existing penalty.
func (l *Limiter) ApplyPenalty(class queue.Class, now time.Time, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until := now.Add(d)
	b := &l.buckets[class]
	if until.After(b.penaltyUntil) {
		b.penaltyUntil = until
	}
}
