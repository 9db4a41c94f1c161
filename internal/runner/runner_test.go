package runner

import (
	"testing"
	"time"

	"github.com/teru1991/profinaut-sub001/internal/queue"
	"github.com/teru1991/profinaut-sub001/internal/rules"
)

func TestBackoffDelayCapsAndGrows(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Second

	d1 := backoffDelay(base, cap, 1)
	d4 := backoffDelay(base, cap, 4)
	d20 := backoffDelay(base, cap, 20)

	if d1 < base {
		t.Fatalf("attempt 1 delay %v below base %v", d1, base)
	}
	if d4 <= d1 {
		t.Fatalf("expected delay to grow with attempt: d1=%v d4=%v", d1, d4)
	}
	if d20 > cap {
		t.Fatalf("delay %v exceeds cap %v", d20, cap)
	}
}

func TestClassForEntitlement(t *testing.T) {
	if got := classFor(rules.EntitlementPublicOnly); got != queue.Public {
		t.Fatalf("public_only -> %v, want Public", got)
	}
	if got := classFor(rules.EntitlementRequiresCredentials); got != queue.Private {
		t.Fatalf("requires_credentials -> %v, want Private", got)
	}
	if got := classFor(rules.EntitlementOptionalCredentials); got != queue.Private {
		t.Fatalf("optional_credentials -> %v, want Private", got)
	}
}

func TestChannelFromOpID(t *testing.T) {
	cases := map[string]string{
		"crypto.public.ws.trade":     "trade",
		"crypto.public.ws.orderbook": "orderbook",
		"no_dot":                     "no_dot",
	}
	for opID, want := range cases {
		if got := channelFromOpID(opID); got != want {
			t.Fatalf("channelFromOpID(%q) = %q, want %q", opID, got, want)
		}
	}
}

func TestDecodeParamsRoundTrip(t *testing.T) {
	if decodeParams("") != nil {
		t.Fatal("empty canon should decode to nil")
	}
	if decodeParams("{}") != nil {
		t.Fatal("empty object canon should decode to nil")
	}
	got := decodeParams(`{"speed":"100ms"}`)
	if got["speed"] != "100ms" {
		t.Fatalf("got %+v", got)
	}
}
