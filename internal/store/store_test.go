package store

import (
	"testing"

	"github.com/teru1991/profinaut-sub001/internal/subkey"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeedIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	keys := []subkey.Key{
		subkey.New("binance-spot", "crypto.public.ws.trade", "BTC/USDT", nil),
		subkey.New("binance-spot", "crypto.public.ws.trade", "ETH/USDT", nil),
	}

	if err := s.Seed(keys, 100); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := s.MarkActive(keys[0], "binance-spot-conn-1", 110); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	// re-seeding must not regress the already-active row to pending.
	if err := s.Seed(keys, 120); err != nil {
		t.Fatalf("Seed (2nd): %v", err)
	}

	row, ok, err := s.FindByFields("binance-spot", "crypto.public.ws.trade", "BTC/USDT", nil)
	if err != nil || !ok {
		t.Fatalf("FindByFields: ok=%v err=%v", ok, err)
	}
	if row.State != StateActive {
		t.Errorf("state = %q, want active (seed must not regress state)", row.State)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	s := openTestStore(t)
	key := subkey.New("bybit-spot", "crypto.public.ws.orderbook", "BTC/USDT", nil)
	if err := s.Seed([]subkey.Key{key}, 0); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	batch, err := s.NextPendingBatch("bybit-spot", "bybit-spot-conn-1", 10, 1)
	if err != nil {
		t.Fatalf("NextPendingBatch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch len = %d, want 1", len(batch))
	}
	if batch[0].State != StateInflight || batch[0].Attempts != 1 {
		t.Errorf("selected row = %+v, want inflight w/ attempts=1", batch[0])
	}

	if err := s.MarkActive(key, "bybit-spot-conn-1", 2); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if err := s.BumpLastMessage(key, 3); err != nil {
		t.Fatalf("BumpLastMessage: %v", err)
	}

	row, _, _ := s.FindByFields("bybit-spot", "crypto.public.ws.orderbook", "BTC/USDT", nil)
	if row.State != StateActive || row.LastMessageUnix != 3 {
		t.Errorf("row = %+v, want active w/ last_message=3", row)
	}

	n, err := s.RequeueConnection("bybit-spot", "bybit-spot-conn-1", 4)
	if err != nil {
		t.Fatalf("RequeueConnection: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}
	row, _, _ = s.FindByFields("bybit-spot", "crypto.public.ws.orderbook", "BTC/USDT", nil)
	if row.State != StatePending || row.ConnID != "" {
		t.Errorf("after requeue row = %+v, want pending w/ no conn", row)
	}
}

func TestRequeueStaleActive(t *testing.T) {
	s := openTestStore(t)
	key := subkey.New("binance-spot", "crypto.public.ws.trade", "BTC/USDT", nil)
	if err := s.Seed([]subkey.Key{key}, 0); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := s.MarkActive(key, "binance-spot-conn-1", 10); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	// last message at t=10, never bumped again; stale threshold = 50
	n, err := s.RequeueStaleActiveToPending("binance-spot", "binance-spot-conn-1", 50, 100, 10)
	if err != nil {
		t.Fatalf("RequeueStaleActiveToPending: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}
	row, _, _ := s.FindByFields("binance-spot", "crypto.public.ws.trade", "BTC/USDT", nil)
	if row.State != StatePending {
		t.Errorf("state = %q, want pending", row.State)
	}
}

func TestMarkDeadletter(t *testing.T) {
	s := openTestStore(t)
	key := subkey.New("binance-spot", "crypto.public.ws.trade", "XYZ/USDT", nil)
	if err := s.Seed([]subkey.Key{key}, 0); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := s.MarkDeadletter(key, "unsupported symbol", 5); err != nil {
		t.Fatalf("MarkDeadletter: %v", err)
	}
	row, _, _ := s.FindByFields("binance-spot", "crypto.public.ws.trade", "XYZ/USDT", nil)
	if row.State != StateDeadletter || row.DeadletterWhy != "unsupported symbol" {
		t.Errorf("row = %+v, want deadletter w/ reason", row)
	}
}

func TestTransitionUnknownKey(t *testing.T) {
	s := openTestStore(t)
	key := subkey.New("binance-spot", "crypto.public.ws.trade", "NOPE/USDT", nil)
	if err := s.MarkActive(key, "conn-1", 0); err == nil {
		t.Fatal("expected error transitioning an unseeded key")
	}
}
