package adapter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Binance implements Adapter for Binance Spot's combined WS streams
// endpoint. Grounded on original_source's
// ucel/crates/ucel-cex-binance/src/ws.rs: stream name templates keyed by
// op_id, JSON-RPC-style SUBSCRIBE frames, and the "e" event-type field
// used to classify inbound pushes.
type Binance struct{}

// NewBinance builds the Binance Spot adapter.
func NewBinance() *Binance { return &Binance{} }

func (b *Binance) ExchangeID() string { return "binance-spot" }

func (b *Binance) WSURL() string { return "wss://stream.binance.com:9443/ws" }

func (b *Binance) CredentialTTL() time.Duration { return 0 } // public-only

var binanceStreamTemplates = map[string]string{
	"crypto.public.ws.trade":     "{symbol}@trade",
	"crypto.public.ws.aggtrade":  "{symbol}@aggTrade",
	"crypto.public.ws.ticker":    "{symbol}@ticker",
	"crypto.public.ws.bookticker": "{symbol}@bookTicker",
	"crypto.public.ws.orderbook": "{symbol}@depth@{speed}",
	"crypto.public.ws.kline":     "{symbol}@kline_{interval}",
}

func (b *Binance) FetchSymbols() ([]string, error) {
	resp, err := http.Get("https://api.binance.com/api/v3/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("binance: fetch symbols: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("binance: decode exchangeInfo: %w", err)
	}

	out := make([]string, 0, len(parsed.Symbols))
	for _, s := range parsed.Symbols {
		if s.Status == "TRADING" {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

// toWSSymbol lowercases and strips the canonical "BASE/QUOTE" separator,
// matching Binance's lowercase-concatenated stream naming.
func toWSSymbol(canonicalSymbol string) string {
	return strings.ToLower(strings.ReplaceAll(canonicalSymbol, "/", ""))
}

func (b *Binance) BuildSubscribe(opID, symbol string, params map[string]any) ([][]byte, error) {
	tpl, ok := binanceStreamTemplates[opID]
	if !ok {
		return nil, &ErrUnknownFamily{OpID: opID}
	}
	stream := renderTemplate(tpl, toWSSymbol(symbol), params)

	frame := map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{stream},
		"id":     1,
	}
	b2, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return [][]byte{b2}, nil
}

// renderTemplate expands "{symbol}" and any "{key}" placeholder present
// in params, the same substitution rule the source's render_template used.
func renderTemplate(tpl, symbol string, params map[string]any) string {
	out := strings.ReplaceAll(tpl, "{symbol}", symbol)
	for k, v := range params {
		if k == "_w" {
			continue
		}
		ph := "{" + k + "}"
		if !strings.Contains(out, ph) {
			continue
		}
		var rep string
		switch t := v.(type) {
		case string:
			rep = t
		case float64:
			rep = strconv.FormatFloat(t, 'g', -1, 64)
		default:
			b, _ := json.Marshal(t)
			rep = string(b)
		}
		out = strings.ReplaceAll(out, ph, rep)
	}
	return out
}

var binanceEventToOp = map[string]string{
	"trade":         "crypto.public.ws.trade",
	"aggTrade":      "crypto.public.ws.aggtrade",
	"24hrTicker":    "crypto.public.ws.ticker",
	"bookTicker":    "crypto.public.ws.bookticker",
	"depthUpdate":   "crypto.public.ws.orderbook",
	"kline":         "crypto.public.ws.kline",
}

func (b *Binance) ClassifyInbound(frame []byte) Inbound {
	var v map[string]any
	if err := json.Unmarshal(frame, &v); err != nil {
		return Inbound{Kind: KindUnknown}
	}

	data := v
	if stream, hasStream := v["stream"]; hasStream {
		if inner, ok := v["data"].(map[string]any); ok {
			data = inner
		}
		_ = stream
	}

	if _, hasResult := data["result"]; hasResult {
		if _, hasID := data["id"]; hasID {
			return Inbound{Kind: KindAck}
		}
	}
	if errVal, hasErr := data["error"]; hasErr {
		msg := fmt.Sprintf("%v", errVal)
		return Inbound{Kind: KindNack, NackReason: msg, NackRetryable: true}
	}

	eventType, _ := data["e"].(string)
	if opID, ok := binanceEventToOp[eventType]; ok {
		symbol, _ := data["s"].(string)
		return Inbound{Kind: KindData, OpID: opID, Symbol: fromExchangeSymbol(symbol), ParamsHint: map[string]any{}}
	}
	return Inbound{Kind: KindSystem}
}

// PingMsg returns nil: Binance's combined stream endpoint relies on
// protocol-level WS pings, no application frame is required.
func (b *Binance) PingMsg() []byte { return nil }
