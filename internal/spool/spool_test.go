package spool

import (
	"testing"

	"github.com/teru1991/profinaut-sub001/internal/envelope"
	"github.com/teru1991/profinaut-sub001/internal/xerr"
)

func testEnvelope(symbol string) envelope.Envelope {
	e := envelope.New("binance-v1", "collector-1", 1000)
	e.Exchange = "binance-spot"
	e.Symbol = symbol
	e.Channel = "trade"
	return e
}

func TestAppendAndReadSegment(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir(), MaxSegmentBytes: 1 << 20, MaxTotalBytes: 1 << 20, FsyncMode: Balanced})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	batch := []envelope.Envelope{testEnvelope("BTC/USDT"), testEnvelope("ETH/USDT")}
	if err := s.AppendBatch(batch); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// re-open and read segment 1 back from disk; Open resumes it as the
	// current segment, and ReadSegment reads it all the same.
	s2, err := Open(Config{Dir: s.cfg.Dir, MaxSegmentBytes: 1 << 20, MaxTotalBytes: 1 << 20})
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	defer s2.Close()

	got, err := s2.ReadSegment(1)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(got) != 2 || got[0].Symbol != "BTC/USDT" || got[1].Symbol != "ETH/USDT" {
		t.Fatalf("got %+v, want 2 envelopes BTC/USDT,ETH/USDT", got)
	}
}

func TestRotationOnMaxSegmentBytes(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir(), MaxSegmentBytes: 1, MaxTotalBytes: 1 << 20, FsyncMode: Balanced})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if err := s.AppendBatch([]envelope.Envelope{testEnvelope("BTC/USDT")}); err != nil {
			t.Fatalf("AppendBatch %d: %v", i, err)
		}
	}

	complete, err := s.CompleteSegments()
	if err != nil {
		t.Fatalf("CompleteSegments: %v", err)
	}
	if len(complete) < 2 {
		t.Fatalf("complete segments = %v, want at least 2 after 3 tiny-capacity writes", complete)
	}
}

func TestSpoolFullRejectsOverTotalBudget(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir(), MaxSegmentBytes: 1 << 20, MaxTotalBytes: 10, FsyncMode: Balanced})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	err = s.AppendBatch([]envelope.Envelope{testEnvelope("BTC/USDT")})
	if !xerr.Is(err, xerr.KindSpoolFull) {
		t.Fatalf("err = %v, want KindSpoolFull", err)
	}
}

func TestDeleteSegment(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, MaxSegmentBytes: 1, MaxTotalBytes: 1 << 20, FsyncMode: Balanced})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 2; i++ {
		s.AppendBatch([]envelope.Envelope{testEnvelope("BTC/USDT")})
	}
	complete, _ := s.CompleteSegments()
	if len(complete) == 0 {
		t.Fatal("expected at least one complete segment")
	}
	if err := s.DeleteSegment(complete[0]); err != nil {
		t.Fatalf("DeleteSegment: %v", err)
	}
	if _, err := s.ReadSegment(complete[0]); err == nil {
		t.Fatal("expected ReadSegment to fail after DeleteSegment")
	}
}

func TestReadSegmentTruncatedTrailingLine(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, MaxSegmentBytes: 1 << 20, MaxTotalBytes: 1 << 20, FsyncMode: Balanced})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.AppendBatch([]envelope.Envelope{testEnvelope("BTC/USDT")}); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	// simulate a crash mid-write of a second record: append a partial
	// (non-JSON, no trailing newline) line directly.
	if _, err := s.currentFile.WriteString(`{"exchange":"binance-spot","symbol":"ET`); err != nil {
		t.Fatalf("inject partial write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(Config{Dir: dir, MaxSegmentBytes: 1 << 20, MaxTotalBytes: 1 << 20})
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	defer s2.Close()

	got, err := s2.ReadSegment(1)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d envelopes, want 1 (truncated trailing record dropped)", len(got))
	}
}
