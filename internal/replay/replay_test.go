package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/teru1991/profinaut-sub001/internal/envelope"
)

type fakeSpool struct {
	segments map[int64][]envelope.Envelope
	order    []int64
	deleted  map[int64]bool
	readErr  error
}

func newFakeSpool() *fakeSpool {
	return &fakeSpool{segments: make(map[int64][]envelope.Envelope), deleted: make(map[int64]bool)}
}

func (f *fakeSpool) add(seq int64, envs []envelope.Envelope) {
	f.segments[seq] = envs
	f.order = append(f.order, seq)
}

func (f *fakeSpool) CompleteSegments() ([]int64, error) {
	var out []int64
	for _, seq := range f.order {
		if !f.deleted[seq] {
			out = append(out, seq)
		}
	}
	return out, nil
}

func (f *fakeSpool) ReadSegment(seq int64) ([]envelope.Envelope, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.segments[seq], nil
}

func (f *fakeSpool) DeleteSegment(seq int64) error {
	f.deleted[seq] = true
	return nil
}

type fakeSink struct {
	failFor map[int]bool // fails on the n-th call (0-indexed)
	calls   int
	written []envelope.Envelope
}

func (f *fakeSink) WriteBatch(batch []envelope.Envelope) error {
	defer func() { f.calls++ }()
	if f.failFor[f.calls] {
		return errors.New("write failed")
	}
	f.written = append(f.written, batch...)
	return nil
}

func env(symbol string) envelope.Envelope {
	e := envelope.New("v1", "c1", 1)
	e.Exchange = "binance-spot"
	e.Symbol = symbol
	e.Channel = "trade"
	return e
}

func TestReplayDeletesSegmentOnFullSuccess(t *testing.T) {
	sp := newFakeSpool()
	sp.add(1, []envelope.Envelope{env("BTC/USDT"), env("ETH/USDT")})
	sink := &fakeSink{}
	w := New(sp, sink, Config{BatchSize: 10, RateLimit: 0, PollInterval: 0}, zerolog.Nop(), nil)

	n := w.drainOnce(context.Background())
	if n != 1 {
		t.Fatalf("replayed = %d, want 1", n)
	}
	if !sp.deleted[1] {
		t.Fatal("segment 1 should be deleted after full success")
	}
	if w.ReplayedTotal() != 2 {
		t.Fatalf("replayed total = %d, want 2", w.ReplayedTotal())
	}
}

func TestReplayRetainsSegmentOnChunkFailure(t *testing.T) {
	sp := newFakeSpool()
	sp.add(1, []envelope.Envelope{env("BTC/USDT"), env("ETH/USDT")})
	sink := &fakeSink{failFor: map[int]bool{0: true}}
	w := New(sp, sink, Config{BatchSize: 1, RateLimit: 0, PollInterval: 0}, zerolog.Nop(), nil)

	n := w.drainOnce(context.Background())
	if n != 0 {
		t.Fatalf("replayed = %d, want 0", n)
	}
	if sp.deleted[1] {
		t.Fatal("segment 1 must not be deleted when a chunk write fails")
	}
}

func TestReplayOldestFirst(t *testing.T) {
	sp := newFakeSpool()
	sp.add(2, []envelope.Envelope{env("ETH/USDT")})
	sp.add(1, []envelope.Envelope{env("BTC/USDT")})
	sink := &fakeSink{}
	w := New(sp, sink, Config{BatchSize: 10, RateLimit: 0, PollInterval: 0}, zerolog.Nop(), nil)

	// CompleteSegments isn't required to sort; the worker iterates
	// whatever order the spool returns. Exercise the spool's own
	// ascending-seq contract via a sorted fake here.
	sp.order = []int64{1, 2}
	n := w.drainOnce(context.Background())
	if n != 2 {
		t.Fatalf("replayed = %d, want 2", n)
	}
	if len(sink.written) != 2 || sink.written[0].Symbol != "BTC/USDT" {
		t.Fatalf("written order = %+v, want BTC/USDT first", sink.written)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sp := newFakeSpool()
	sink := &fakeSink{}
	w := New(sp, sink, Config{BatchSize: 10, RateLimit: time.Millisecond, PollInterval: 5 * time.Millisecond}, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after context cancellation")
	}
}
