package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Bybit implements Adapter for Bybit's v5 public WS streams. Grounded on
// original_source's ucel/crates/ucel-cex-bybit/src/ws.rs: one adapter
// instance per market kind (spot/linear/inverse/option), "op"-tagged
// subscribe frames, and a server-driven "pong" reply cadence.
type Bybit struct {
	market string // "spot" | "linear" | "inverse" | "option"
}

// NewBybit builds the spot-market Bybit adapter, the market this rewrite
// exercises in the planner/runner tests; the linear/inverse/option
// variants follow identically via NewBybitMarket.
func NewBybit() *Bybit { return NewBybitMarket("spot") }

// NewBybitMarket builds a Bybit adapter for a specific market kind.
func NewBybitMarket(market string) *Bybit { return &Bybit{market: market} }

func (b *Bybit) ExchangeID() string { return "bybit-" + b.market }

func (b *Bybit) WSURL() string {
	return "wss://stream.bybit.com/v5/public/" + b.market
}

func (b *Bybit) CredentialTTL() time.Duration { return 0 }

func (b *Bybit) FetchSymbols() ([]string, error) {
	// Symbol discovery is a REST concern out of this rewrite's scope
	// (spec.md §1: "per-exchange symbol fetching ... the *set* of
	// translators is scope; their bytes-on-the-wire details are not").
	return nil, fmt.Errorf("bybit: symbol fetch not wired in this rewrite")
}

// bybitTopicTemplates mirrors the source's topic_from_params: the
// per-op topic template BuildSubscribe uses unless the key's params
// carry an explicit "_topic" (e.g. "publicTrade.{symbol}"); either way
// the {symbol} placeholder is filled with the canonical "BASE/QUOTE"
// symbol rewritten to Bybit's slash-free exchange symbol.
var bybitTopicTemplates = map[string]string{
	"crypto.public.ws.trade":     "publicTrade.{symbol}",
	"crypto.public.ws.orderbook": "orderbook.50.{symbol}",
	"crypto.public.ws.ticker":    "tickers.{symbol}",
}

func toBybitSymbol(canonicalSymbol string) string {
	return strings.ToUpper(strings.ReplaceAll(canonicalSymbol, "/", ""))
}

// bybitTopicPrefixToOp reverses bybitTopicTemplates: each template ends
// in ".{symbol}", so stripping that suffix yields the literal prefix a
// matching inbound topic carries (e.g. "orderbook.50").
var bybitTopicPrefixToOp = func() map[string]string {
	out := make(map[string]string, len(bybitTopicTemplates))
	for opID, tpl := range bybitTopicTemplates {
		prefix := strings.TrimSuffix(tpl, ".{symbol}")
		out[prefix] = opID
	}
	return out
}()

// resolveTopic splits an inbound data topic like "publicTrade.BTCUSDT"
// into its op_id and canonical symbol, best-effort.
func resolveTopic(topic string) (opID, symbol string) {
	idx := strings.LastIndex(topic, ".")
	if idx < 0 {
		return "", ""
	}
	prefix, wireSymbol := topic[:idx], topic[idx+1:]
	return bybitTopicPrefixToOp[prefix], fromExchangeSymbol(wireSymbol)
}

func (b *Bybit) BuildSubscribe(opID, symbol string, params map[string]any) ([][]byte, error) {
	var topic string
	if t, ok := params["_topic"].(string); ok && t != "" {
		topic = t
	} else if tpl, ok := bybitTopicTemplates[opID]; ok {
		topic = tpl
	} else {
		return nil, &ErrUnknownFamily{OpID: opID}
	}
	topic = strings.ReplaceAll(topic, "{symbol}", toBybitSymbol(symbol))

	frame := map[string]any{"op": "subscribe", "args": []string{topic}}
	b2, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return [][]byte{b2}, nil
}

func (b *Bybit) ClassifyInbound(frame []byte) Inbound {
	var v map[string]any
	if err := json.Unmarshal(frame, &v); err != nil {
		return Inbound{Kind: KindUnknown}
	}

	if op, _ := v["op"].(string); op == "pong" {
		return Inbound{Kind: KindSystem}
	}
	if _, hasSuccess := v["success"]; hasSuccess {
		if ok, _ := v["success"].(bool); ok {
			return Inbound{Kind: KindAck}
		}
		reason, _ := v["ret_msg"].(string)
		return Inbound{Kind: KindNack, NackReason: reason, NackRetryable: true}
	}

	topic, _ := v["topic"].(string)
	if topic == "" {
		return Inbound{Kind: KindSystem}
	}
	opID, symbol := resolveTopic(topic)
	return Inbound{Kind: KindData, OpID: opID, Symbol: symbol, ParamsHint: map[string]any{}}
}

// PingMsg sends Bybit's required application-level keepalive frame.
func (b *Bybit) PingMsg() []byte {
	out, _ := json.Marshal(map[string]any{"op": "ping"})
	return out
}
