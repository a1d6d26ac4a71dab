//go:build real_waku

package channel

import (
	"testing"

	"fluxbridge/go-engine/pkg/message"
)

func TestConsumeInboundCountsUndecodableFrames(t *testing.T) {
	g := &goWakuChannel{}
	var delivered []message.Message
	handler := func(msg message.Message) { delivered = append(delivered, msg) }

	g.consumeInbound([]byte("not an envelope"), handler)
	g.consumeInbound([]byte(`{"type":"TICKER_DATA","extra":1}`), handler)

	valid, err := (message.Message{Type: "TICKER_DATA"}).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	g.consumeInbound(valid, handler)

	if len(delivered) != 1 || delivered[0].Type != "TICKER_DATA" {
		t.Fatalf("expected only the decodable frame delivered, got %+v", delivered)
	}
	if got := g.NetworkMetrics()["dropped_undecodable"]; got != 2 {
		t.Fatalf("expected 2 undecodable frames counted, got %d", got)
	}
}
