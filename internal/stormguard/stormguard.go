// Package stormguard implements the reconnect storm guard (spec.md §9,
// "Storm guard"): a short-window counter on a connection's reconnect
// attempts, independent of the circuit breaker (internal/breaker).
// Grounded on the teacher's ConnectionRateLimiter
// (internal/shared/limits/connection_rate_limiter.go), which already
// uses golang.org/x/time/rate's token bucket for exactly this
// burst/sustained-rate shape; here it gates reconnect attempts per
// connection ID instead of inbound connections per client IP.
package stormguard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Guard tracks reconnect bursts per connection ID, evicting idle
// entries after ttl so long-lived processes don't accumulate one
// limiter per connection forever.
type Guard struct {
	mu      sync.Mutex
	burst   int
	rate    rate.Limit
	ttl     time.Duration
	entries map[string]*entry
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New builds a Guard allowing burst reconnect attempts immediately, then
// refilling at perSecond thereafter; entries idle longer than ttl are
// forgotten on the next Sweep.
func New(burst int, perSecond float64, ttl time.Duration) *Guard {
	return &Guard{
		burst:   burst,
		rate:    rate.Limit(perSecond),
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// Allow reports whether connID may attempt a reconnect right now. A
// false result means the caller should defer to the circuit breaker
// instead of retrying immediately (spec.md §4.1: "if counter exceeds
// threshold, defer to breaker").
func (g *Guard) Allow(connID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[connID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(g.rate, g.burst)}
		g.entries[connID] = e
	}
	e.lastAccess = time.Now()
	return e.limiter.Allow()
}

// Sweep evicts entries idle longer than ttl. Callers should invoke this
// periodically (e.g. alongside the stale-subscription sweep) rather than
// on every Allow call.
func (g *Guard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-g.ttl)
	n := 0
	for id, e := range g.entries {
		if e.lastAccess.Before(cutoff) {
			delete(g.entries, id)
			n++
		}
	}
	return n
}
