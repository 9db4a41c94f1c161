package dedup

import (
	"testing"
	"time"

	"github.com/teru1991/profinaut-sub001/internal/envelope"
)

func makeEnv(messageID, channel string) envelope.Envelope {
	return envelope.Envelope{
		EnvelopeVersion: 1,
		Exchange:        "binance",
		Channel:         channel,
		Symbol:          "BTC/USDT",
		LocalTimeNs:     1,
		MessageID:       messageID,
	}
}

func TestPassesUniqueMessages(t *testing.T) {
	w := New(Config{WindowSeconds: 300, MaxKeys: 100000}, nil)
	out := w.Filter([]envelope.Envelope{
		makeEnv("a", "trades"), makeEnv("b", "trades"), makeEnv("c", "trades"),
	})
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
}

func TestDropsDuplicateMessageIDWithinBatch(t *testing.T) {
	var dropped int
	w := New(Config{WindowSeconds: 300, MaxKeys: 100000}, func(exchange, channel string) { dropped++ })
	e := makeEnv("dup", "trades")
	out := w.Filter([]envelope.Envelope{e, e})
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}

func TestDropsDuplicateAcrossBatches(t *testing.T) {
	w := New(Config{WindowSeconds: 300, MaxKeys: 100000}, nil)
	e := makeEnv("x", "trades")
	w.Filter([]envelope.Envelope{e})
	out := w.Filter([]envelope.Envelope{e})
	if len(out) != 0 {
		t.Fatalf("len = %d, want 0", len(out))
	}
}

func TestEvictionByMaxKeys(t *testing.T) {
	w := New(Config{WindowSeconds: 3600, MaxKeys: 3}, nil)
	for i := 0; i < 4; i++ {
		w.Filter([]envelope.Envelope{makeEnv(string(rune('a'+i)), "trades")})
	}
	if w.Len() > 3 {
		t.Fatalf("len = %d, want <= 3", w.Len())
	}
}

func TestEvictionByTime(t *testing.T) {
	w := New(Config{WindowSeconds: 0, MaxKeys: 100000}, nil)
	e := makeEnv("y", "trades")
	w.Filter([]envelope.Envelope{e})
	time.Sleep(2 * time.Millisecond) // ensure monotonic clock moves past a 0s window
	out := w.Filter([]envelope.Envelope{e})
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1 (expired entry should not count as a dup)", len(out))
	}
}

func TestSeqKeyDedup(t *testing.T) {
	w := New(Config{WindowSeconds: 300, MaxKeys: 100000}, nil)
	seq := uint64(99)
	e := makeEnv("", "trades")
	e.Sequence = &seq
	out := w.Filter([]envelope.Envelope{e, e})
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
}

func TestLabeledDropTracksExchangeChannel(t *testing.T) {
	type call struct{ exchange, channel string }
	var calls []call
	w := New(Config{WindowSeconds: 300, MaxKeys: 100000}, func(exchange, channel string) {
		calls = append(calls, call{exchange, channel})
	})

	ob := makeEnv("ob-1", "orderbook")
	ob.Exchange = "kraken"
	w.Filter([]envelope.Envelope{ob, ob})

	if len(calls) != 1 || calls[0].exchange != "kraken" || calls[0].channel != "orderbook" {
		t.Fatalf("calls = %+v, want one (kraken, orderbook) drop", calls)
	}
}
