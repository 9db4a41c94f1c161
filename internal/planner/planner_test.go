package planner

import (
	"reflect"
	"testing"

	"github.com/teru1991/profinaut-sub001/internal/rules"
)

// TestGenerate_S2Scenario matches spec.md §8 scenario S2: ops
// [orderbook,trade,ticker], symbols [BTC/USDT,ETH/USDT], max_streams=2
// must yield a 6-element seed and three 2-key connection plans, with
// the first key being orderbook/BTC-USDT.
func TestGenerate_S2Scenario(t *testing.T) {
	r := rules.ExchangeRules{
		Exchange:      "binance-spot",
		SafetyProfile: rules.SafetyProfile{MaxStreamsPerConn: 2},
	}
	ops := []string{"crypto.public.ws.orderbook", "crypto.public.ws.trade", "crypto.public.ws.ticker"}
	symbols := []string{"BTC/USDT", "ETH/USDT"}

	plan, err := Generate("binance-spot", ops, symbols, r)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(plan.Seed) != 6 {
		t.Fatalf("seed length = %d, want 6", len(plan.Seed))
	}
	if plan.Seed[0].OpID != "crypto.public.ws.orderbook" || plan.Seed[0].Symbol != "BTC/USDT" {
		t.Fatalf("seed[0] = %+v, want orderbook/BTC-USDT", plan.Seed[0])
	}
	if len(plan.ConnPlans) != 3 {
		t.Fatalf("conn plans = %d, want 3", len(plan.ConnPlans))
	}
	for i, cp := range plan.ConnPlans {
		if len(cp.Keys) != 2 {
			t.Errorf("conn plan %d has %d keys, want 2", i, len(cp.Keys))
		}
	}
	if plan.ConnPlans[0].ConnID != "binance-spot-conn-1" {
		t.Errorf("conn id = %q, want binance-spot-conn-1", plan.ConnPlans[0].ConnID)
	}
	if plan.ConnPlans[2].ConnID != "binance-spot-conn-3" {
		t.Errorf("conn id = %q, want binance-spot-conn-3", plan.ConnPlans[2].ConnID)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	r := rules.ExchangeRules{Exchange: "bybit-spot"}
	ops := []string{"crypto.public.ws.ticker", "crypto.public.ws.trade", "crypto.public.ws.orderbook"}
	symbols := []string{"ETH/USDT", "BTC/USDT", "SOL/USDT"}

	p1, err := Generate("bybit-spot", ops, symbols, r)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	p2, err := Generate("bybit-spot", ops, symbols, r)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !reflect.DeepEqual(p1, p2) {
		t.Fatalf("Generate is not deterministic across identical inputs")
	}

	wantOrder := []string{"crypto.public.ws.orderbook", "crypto.public.ws.trade", "crypto.public.ws.ticker"}
	for i := 0; i < len(wantOrder); i++ {
		gotOp := p1.Seed[i*3].OpID
		if gotOp != wantOrder[i] {
			t.Errorf("seed group %d op = %q, want %q", i, gotOp, wantOrder[i])
		}
	}
	// within the orderbook group, symbol order must be BTC, ETH, SOL
	wantSymbols := []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}
	for i := 0; i < 3; i++ {
		if p1.Seed[i].Symbol != wantSymbols[i] {
			t.Errorf("seed[%d].Symbol = %q, want %q", i, p1.Seed[i].Symbol, wantSymbols[i])
		}
	}
}

func TestGenerate_EmptyInputs(t *testing.T) {
	r := rules.ExchangeRules{Exchange: "binance-spot"}
	plan, err := Generate("binance-spot", nil, nil, r)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(plan.Seed) != 0 || len(plan.ConnPlans) != 0 {
		t.Fatalf("expected empty plan, got %+v", plan)
	}
}
