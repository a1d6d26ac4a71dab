package message

import (
	"errors"
	"testing"
)

func TestValidateRequiresType(t *testing.T) {
	if err := (Message{Type: "TICKER_DATA"}).Validate(); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := (Message{Type: "   "}).Validate(); !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
	if err := (Message{}).Validate(); !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType for empty message, got %v", err)
	}
}

func TestWithRequestIDPreservesMeta(t *testing.T) {
	orig := Message{
		Type: "TICKER_DATA",
		Meta: Meta{"source": "feed", MetaRequestID: "req_old"},
	}

	tagged := orig.WithRequestID("req_new")

	if got := tagged.RequestID(); got != "req_new" {
		t.Fatalf("expected tagged id req_new, got %q", got)
	}
	if got := tagged.MetaString("source"); got != "feed" {
		t.Fatalf("expected source meta preserved, got %q", got)
	}
	if got := orig.RequestID(); got != "req_old" {
		t.Fatalf("original message mutated: requestId is %q", got)
	}
}

func TestWithRequestIDOnBareMessage(t *testing.T) {
	tagged := Message{Type: "PING"}.WithRequestID("req_1")
	if got := tagged.RequestID(); got != "req_1" {
		t.Fatalf("expected req_1, got %q", got)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"PING","extra":true}`)); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"payload":{"x":1}}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	in := Message{
		Type:    "TICKER_DATA",
		Payload: map[string]any{"symbol": "AAPL", "price": 187.5},
		Meta:    Meta{MetaRequestID: "req_42"},
	}
	raw, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != in.Type || out.RequestID() != "req_42" {
		t.Fatalf("round trip lost fields: %+v", out)
	}
	if out.Error {
		t.Fatal("error flag should default to false")
	}
}

func TestNewErrorShape(t *testing.T) {
	m := NewError("REQUEST_FAILED", "matcher panic: boom", "req_9")
	if !m.Error {
		t.Fatal("expected error flag set")
	}
	if got := m.RequestID(); got != "req_9" {
		t.Fatalf("expected requestId req_9, got %q", got)
	}
	if got := m.ErrorReason(); got != "matcher panic: boom" {
		t.Fatalf("expected reason preserved, got %q", got)
	}

	untagged := NewError("REQUEST_FAILED", "boom", "")
	if untagged.Meta != nil {
		t.Fatalf("expected no meta on untagged error, got %v", untagged.Meta)
	}
}
