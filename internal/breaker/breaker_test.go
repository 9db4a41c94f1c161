package breaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		Cooldown:          1 * time.Second,
		HalfOpenMaxTrials: 2,
	}
}

func TestClosedAllowsAndTripsOnThreshold(t *testing.T) {
	b := New(testConfig())
	now := time.Now()

	for i := 0; i < 2; i++ {
		d, _ := b.BeforeAttempt(now)
		if d != Allow {
			t.Fatalf("attempt %d: decision = %v, want Allow", i, d)
		}
		b.OnFailure(now)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed before threshold", b.State())
	}

	b.OnFailure(now) // 3rd consecutive failure hits FailureThreshold
	if b.State() != Open {
		t.Fatalf("state = %v, want Open after 3 failures", b.State())
	}
}

func TestOpenWaitsThenHalfOpensAfterCooldown(t *testing.T) {
	b := New(testConfig())
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.OnFailure(now)
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}

	d, wait := b.BeforeAttempt(now.Add(200 * time.Millisecond))
	if d != Wait || wait <= 0 {
		t.Fatalf("decision = %v wait=%v, want Wait > 0", d, wait)
	}

	d2, _ := b.BeforeAttempt(now.Add(1100 * time.Millisecond))
	if d2 != Allow {
		t.Fatalf("decision after cooldown = %v, want Allow", d2)
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen", b.State())
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := New(testConfig())
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.OnFailure(now)
	}
	b.BeforeAttempt(now.Add(2 * time.Second)) // -> HalfOpen

	b.OnSuccess(now)
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen after 1 success (threshold 2)", b.State())
	}
	b.OnSuccess(now)
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed after success threshold met", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(testConfig())
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.OnFailure(now)
	}
	b.BeforeAttempt(now.Add(2 * time.Second)) // -> HalfOpen

	b.OnFailure(now.Add(2 * time.Second))
	if b.State() != Open {
		t.Fatalf("state = %v, want Open (any HalfOpen failure reopens)", b.State())
	}
}

func TestHalfOpenMaxTrialsReopens(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenMaxTrials = 1
	b := New(cfg)
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.OnFailure(now)
	}
	d, _ := b.BeforeAttempt(now.Add(2 * time.Second))
	if d != Allow {
		t.Fatalf("first half-open attempt = %v, want Allow", d)
	}
	// second concurrent attempt exceeds half_open_max_trials=1.
	d2, wait := b.BeforeAttempt(now.Add(2 * time.Second))
	if d2 != Wait || wait != cfg.Cooldown {
		t.Fatalf("second half-open attempt = %v wait=%v, want Wait/cooldown", d2, wait)
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want Open after exceeding half_open_max_trials", b.State())
	}
}
