// Package planner implements the subscription planner (spec.md §4.3): a
// pure, deterministic function from (exchange, ops, symbols, rules) to a
// seed subscription list and a chunked per-connection assignment.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/teru1991/profinaut-sub001/internal/rules"
	"github.com/teru1991/profinaut-sub001/internal/subkey"
)

// ConnectionPlan is an ordered set of subscription keys pinned to one
// connection, bounded by the exchange's effective stream cap.
type ConnectionPlan struct {
	ConnID string
	Keys   []subkey.Key
	Limit  int
}

// Plan is the planner's full output: the deterministic seed order and
// its chunking into connection plans.
type Plan struct {
	Seed      []subkey.Key
	ConnPlans []ConnectionPlan
}

// opCategory ranks an op_id by channel family so the seed is ordered
// orderbook < trade < ticker < other, per spec.md §4.3 step 1.
func opCategory(opID string) int {
	lower := strings.ToLower(opID)
	switch {
	case strings.Contains(lower, "orderbook") || strings.Contains(lower, "depth"):
		return 0
	case strings.Contains(lower, "trade"):
		return 1
	case strings.Contains(lower, "ticker"):
		return 2
	default:
		return 3
	}
}

// symbolCategory ranks a symbol by priority: contains BTC < ETH < USDT <
// other, per spec.md §4.3 step 2. "Contains" matches the source text,
// e.g. "BTC/USDT" ranks as BTC (category 0), not USDT.
func symbolCategory(symbol string) int {
	upper := strings.ToUpper(symbol)
	switch {
	case strings.Contains(upper, "BTC"):
		return 0
	case strings.Contains(upper, "ETH"):
		return 1
	case strings.Contains(upper, "USDT"):
		return 2
	default:
		return 3
	}
}

// Generate produces a Plan for one exchange. It is pure: calling it
// repeatedly with identical inputs must yield byte-identical output
// (spec.md §8 invariant 1), so no randomness, wall-clock reads, or map
// iteration without a subsequent sort may leak into it.
func Generate(exchange string, ops []string, symbols []string, r rules.ExchangeRules) (Plan, error) {
	sortedOps := append([]string(nil), ops...)
	sort.SliceStable(sortedOps, func(i, j int) bool {
		return opCategory(sortedOps[i]) < opCategory(sortedOps[j])
	})

	sortedSymbols := append([]string(nil), symbols...)
	sort.SliceStable(sortedSymbols, func(i, j int) bool {
		return symbolCategory(sortedSymbols[i]) < symbolCategory(sortedSymbols[j])
	})

	seed := make([]subkey.Key, 0, len(sortedOps)*len(sortedSymbols))
	for _, op := range sortedOps {
		for _, sym := range sortedSymbols {
			seed = append(seed, subkey.New(exchange, op, sym, nil))
		}
	}

	limit := r.EffectiveMaxStreamsPerConn()
	if limit < 1 {
		limit = 1
	}

	connPlans := chunk(exchange, seed, limit)

	return Plan{Seed: seed, ConnPlans: connPlans}, nil
}

// chunk splits seed into ConnectionPlans of at most limit keys each,
// naming connections "{exchange}-conn-{1-based-index}" per spec.md §4.3
// step 4.
func chunk(exchange string, seed []subkey.Key, limit int) []ConnectionPlan {
	if len(seed) == 0 {
		return nil
	}
	n := (len(seed) + limit - 1) / limit
	plans := make([]ConnectionPlan, 0, n)
	for i := 0; i < n; i++ {
		start := i * limit
		end := start + limit
		if end > len(seed) {
			end = len(seed)
		}
		plans = append(plans, ConnectionPlan{
			ConnID: fmt.Sprintf("%s-conn-%d", exchange, i+1),
			Keys:   append([]subkey.Key(nil), seed[start:end]...),
			Limit:  limit,
		})
	}
	return plans
}
