package limiter

import (
	"testing"
	"time"

	"github.com/teru1991/profinaut-sub001/internal/queue"
)

func newTestLimiter() *Limiter {
	return New([3]Config{
		{Capacity: 2, RefillPerSec: 1},
		{Capacity: 2, RefillPerSec: 1},
		{Capacity: 2, RefillPerSec: 1},
	}, 0)
}

func TestAcquireWaitDrainsAndRefills(t *testing.T) {
	l := newTestLimiter()
	now := time.Now()

	if d := l.AcquireWait(queue.Public, now); d != 0 {
		t.Fatalf("1st acquire wait = %v, want 0", d)
	}
	if d := l.AcquireWait(queue.Public, now); d != 0 {
		t.Fatalf("2nd acquire wait = %v, want 0", d)
	}
	// bucket now empty (capacity 2 consumed); third call must wait.
	d := l.AcquireWait(queue.Public, now)
	if d <= 0 {
		t.Fatalf("3rd acquire wait = %v, want > 0", d)
	}

	// after refillPerSec=1 second, one token becomes available again.
	later := now.Add(1100 * time.Millisecond)
	if d := l.AcquireWait(queue.Public, later); d != 0 {
		t.Fatalf("acquire after refill = %v, want 0", d)
	}
}

func TestClassesAreIndependent(t *testing.T) {
	l := newTestLimiter()
	now := time.Now()
	l.AcquireWait(queue.Public, now)
	l.AcquireWait(queue.Public, now)
	// Public is now drained, but Control must be unaffected.
	if d := l.AcquireWait(queue.Control, now); d != 0 {
		t.Fatalf("control acquire wait = %v, want 0 (independent bucket)", d)
	}
}

func TestApplyPenaltyBlocksUntilExpiry(t *testing.T) {
	l := newTestLimiter()
	now := time.Now()
	l.ApplyPenalty(queue.Public, now, 500*time.Millisecond)

	d := l.AcquireWait(queue.Public, now)
	if d <= 0 || d > 500*time.Millisecond {
		t.Fatalf("acquire wait during penalty = %v, want in (0, 500ms]", d)
	}

	after := now.Add(600 * time.Millisecond)
	if d := l.AcquireWait(queue.Public, after); d != 0 {
		t.Fatalf("acquire wait after penalty expiry = %v, want 0", d)
	}
}

func TestApplyPenaltyNeverShrinks(t *testing.T) {
	l := newTestLimiter()
	now := time.Now()
	l.ApplyPenalty(queue.Public, now, 1*time.Second)
	l.ApplyPenalty(queue.Public, now, 200*time.Millisecond) // shorter, must not shrink

	d := l.AcquireWait(queue.Public, now.Add(300*time.Millisecond))
	if d <= 0 {
		t.Fatalf("penalty should still be active at t+300ms, got wait=%v", d)
	}
}

func TestMinGapFloor(t *testing.T) {
	l := New([3]Config{
		{Capacity: 10, RefillPerSec: 10},
		{Capacity: 10, RefillPerSec: 10},
		{Capacity: 10, RefillPerSec: 10},
	}, 100*time.Millisecond)

	now := time.Now()
	if d := l.AcquireWait(queue.Public, now); d != 0 {
		t.Fatalf("first acquire = %v, want 0", d)
	}
	// immediately after, even a different class must respect the
	// cross-class min_gap floor.
	if d := l.AcquireWait(queue.Control, now); d <= 0 {
		t.Fatalf("second acquire within min_gap = %v, want > 0", d)
	}
	if d := l.AcquireWait(queue.Control, now.Add(150*time.Millisecond)); d != 0 {
		t.Fatalf("acquire after min_gap elapsed = %v, want 0", d)
	}
}
