package msglog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestOversizedStringTruncated(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil), 16))

	big := strings.Repeat("x", 500)
	logger.Info("inbound message dropped", "payload", big, "msg_type", "TICKER_DATA")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	got, _ := line["payload"].(string)
	if !strings.HasPrefix(got, strings.Repeat("x", 16)) {
		t.Fatalf("expected truncated prefix, got %q", got)
	}
	if !strings.Contains(got, "(500 bytes total)") {
		t.Fatalf("expected original size noted, got %q", got)
	}
	if line["msg_type"] != "TICKER_DATA" {
		t.Fatal("short values must pass through untouched")
	}
}

func TestTruncationNeverSplitsRunes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil), 4))

	logger.Info("inbound message dropped", "payload", "日本語")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	got, _ := line["payload"].(string)
	if got != "日...(9 bytes total)" {
		t.Fatalf("expected cut at the rune boundary, got %q", got)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid utf8 after truncation, got %q", got)
	}
}

func TestShortValuesUntouched(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil), 64))

	logger.Info("request completed", "request_id", "req_1", "latency_ms", int64(12))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if line["request_id"] != "req_1" {
		t.Fatalf("unexpected request_id: %v", line["request_id"])
	}
	if line["latency_ms"] != float64(12) {
		t.Fatalf("non-string attrs must pass through, got %v", line["latency_ms"])
	}
}

func TestOversizedAnyValueBounded(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil), 20))

	payload := map[string]any{"symbol": "AAPL", "history": strings.Repeat("9", 400)}
	logger.Info("dispatch", "payload", payload)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	got, ok := line["payload"].(string)
	if !ok {
		t.Fatalf("expected oversized payload rendered as bounded string, got %T", line["payload"])
	}
	if !strings.Contains(got, "bytes total)") {
		t.Fatalf("expected size note, got %q", got)
	}
}

func TestHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil), 8)
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("body", "0123456789abcdef"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "(16 bytes total)") {
		t.Fatalf("expected truncated attr in output, got %s", buf.String())
	}
}
