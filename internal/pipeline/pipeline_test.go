package pipeline

import (
	"testing"

	"github.com/teru1991/profinaut-sub001/internal/dedup"
	"github.com/teru1991/profinaut-sub001/internal/envelope"
	"github.com/teru1991/profinaut-sub001/internal/xerr"
)

type fakePrimary struct {
	fail  bool
	calls [][]envelope.Envelope
}

func (f *fakePrimary) WriteBatch(batch []envelope.Envelope) error {
	f.calls = append(f.calls, batch)
	if f.fail {
		return xerr.MongoUnavailable(3, nil)
	}
	return nil
}

type fakeSpool struct {
	full  bool
	calls [][]envelope.Envelope
}

func (f *fakeSpool) AppendBatch(batch []envelope.Envelope) error {
	f.calls = append(f.calls, batch)
	if f.full {
		return xerr.SpoolFull("DropAll")
	}
	return nil
}

func env(channel string) envelope.Envelope {
	e := envelope.New("v1", "collector-1", 1)
	e.Exchange = "binance-spot"
	e.Channel = channel
	e.Symbol = "BTC/USDT"
	e.MessageID = channel + "-1"
	return e
}

func newDedupWindow() *dedup.Window {
	return dedup.New(dedup.Config{WindowSeconds: 60, MaxKeys: 1000}, nil)
}

func TestWriteBatchHappyPath(t *testing.T) {
	p := &fakePrimary{}
	sp := &fakeSpool{}
	s := New(newDedupWindow(), p, sp, Config{OnFull: DropAll}, nil, nil)

	if err := s.WriteBatch([]envelope.Envelope{env("trade")}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if len(p.calls) != 1 {
		t.Fatalf("primary calls = %d, want 1", len(p.calls))
	}
	if len(sp.calls) != 0 {
		t.Fatalf("spool calls = %d, want 0", len(sp.calls))
	}
	if s.State() != StateOk {
		t.Fatalf("state = %v, want Ok", s.State())
	}
}

func TestWriteBatchFallsBackToSpoolOnMongoUnavailable(t *testing.T) {
	p := &fakePrimary{fail: true}
	sp := &fakeSpool{}
	s := New(newDedupWindow(), p, sp, Config{OnFull: DropAll}, nil, nil)

	if err := s.WriteBatch([]envelope.Envelope{env("trade")}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if len(sp.calls) != 1 {
		t.Fatalf("spool calls = %d, want 1", len(sp.calls))
	}
	if s.State() != StateDegraded {
		t.Fatalf("state = %v, want Degraded", s.State())
	}
}

func TestDropAllOnSpoolFull(t *testing.T) {
	p := &fakePrimary{fail: true}
	sp := &fakeSpool{full: true}
	var dropped int
	s := New(newDedupWindow(), p, sp, Config{OnFull: DropAll}, func(n int) { dropped += n }, nil)

	if err := s.WriteBatch([]envelope.Envelope{env("trade")}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}

func TestDropTickerDepthKeepTrade(t *testing.T) {
	p := &fakePrimary{fail: true}
	sp := &fakeSpool{full: true}
	var dropped int
	s := New(newDedupWindow(), p, sp, Config{OnFull: DropTickerDepthKeepTrade}, func(n int) { dropped += n }, nil)

	batch := []envelope.Envelope{env("trade"), env("ticker"), env("orderbook")}
	if err := s.WriteBatch(batch); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	// first spool attempt (all 3) fails full; re-attempt keeps only
	// "trade" (1 envelope), which also reports full -> both non-trade
	// envelopes and the lone trade end up counted as dropped.
	if dropped != 3 {
		t.Fatalf("dropped = %d, want 3 (2 non-trade + 1 trade re-attempt failing)", dropped)
	}
}

func TestDedupSuppressesWithinPipeline(t *testing.T) {
	p := &fakePrimary{}
	sp := &fakeSpool{}
	s := New(newDedupWindow(), p, sp, Config{OnFull: DropAll}, nil, nil)

	e := env("trade")
	if err := s.WriteBatch([]envelope.Envelope{e}); err != nil {
		t.Fatalf("WriteBatch 1: %v", err)
	}
	if err := s.WriteBatch([]envelope.Envelope{e}); err != nil {
		t.Fatalf("WriteBatch 2: %v", err)
	}
	if len(p.calls) != 1 {
		t.Fatalf("primary calls = %d, want 1 (2nd batch fully deduped)", len(p.calls))
	}
}
