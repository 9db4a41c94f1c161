package adapter

import "testing"

func TestBinanceClassifyInboundResolvesSymbol(t *testing.T) {
	b := NewBinance()
	frame := []byte(`{"e":"trade","s":"BTCUSDT","p":"50000.00"}`)
	in := b.ClassifyInbound(frame)

	if in.Kind != KindData {
		t.Fatalf("kind = %v, want KindData", in.Kind)
	}
	if in.OpID != "crypto.public.ws.trade" {
		t.Fatalf("opID = %q", in.OpID)
	}
	if in.Symbol != "BTC/USDT" {
		t.Fatalf("symbol = %q, want BTC/USDT", in.Symbol)
	}
}

func TestBinanceClassifyInboundAck(t *testing.T) {
	b := NewBinance()
	frame := []byte(`{"result":null,"id":1}`)
	in := b.ClassifyInbound(frame)
	if in.Kind != KindAck {
		t.Fatalf("kind = %v, want KindAck", in.Kind)
	}
}

func TestBinanceClassifyInboundError(t *testing.T) {
	b := NewBinance()
	frame := []byte(`{"error":{"code":-1,"msg":"bad"},"id":1}`)
	in := b.ClassifyInbound(frame)
	if in.Kind != KindNack || !in.NackRetryable {
		t.Fatalf("got %+v", in)
	}
}

func TestBybitClassifyInboundResolvesSymbol(t *testing.T) {
	b := NewBybit()
	frame := []byte(`{"topic":"publicTrade.BTCUSDT","data":[]}`)
	in := b.ClassifyInbound(frame)

	if in.Kind != KindData {
		t.Fatalf("kind = %v, want KindData", in.Kind)
	}
	if in.OpID != "crypto.public.ws.trade" {
		t.Fatalf("opID = %q", in.OpID)
	}
	if in.Symbol != "BTC/USDT" {
		t.Fatalf("symbol = %q, want BTC/USDT", in.Symbol)
	}
}

func TestBybitClassifyInboundPong(t *testing.T) {
	b := NewBybit()
	frame := []byte(`{"op":"pong"}`)
	if got := b.ClassifyInbound(frame).Kind; got != KindSystem {
		t.Fatalf("kind = %v, want KindSystem", got)
	}
}

func TestBybitClassifyInboundNack(t *testing.T) {
	b := NewBybit()
	frame := []byte(`{"success":false,"ret_msg":"rate limit exceeded","op":"subscribe"}`)
	in := b.ClassifyInbound(frame)
	if in.Kind != KindNack || in.NackReason != "rate limit exceeded" {
		t.Fatalf("got %+v", in)
	}
}

func TestBuildSubscribeUnknownFamily(t *testing.T) {
	b := NewBinance()
	if _, err := b.BuildSubscribe("crypto.public.ws.unknown", "BTC/USDT", nil); err == nil {
		t.Fatal("expected ErrUnknownFamily")
	}
}
