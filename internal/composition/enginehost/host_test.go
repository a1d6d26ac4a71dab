package enginehost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fluxbridge/go-engine/internal/bootstrap/engineconfig"
	"fluxbridge/go-engine/internal/channel"
)

func demoConfig() engineconfig.Config {
	cfg := engineconfig.Default()
	cfg.Engine.RequestTimeout = 5 * time.Second
	cfg.Engine.BusBacklog = 64
	cfg.Channel.Transport = channel.TransportMock
	cfg.Feed.Enabled = true
	cfg.Feed.Symbols = []string{"AAPL"}
	cfg.Feed.Interval = 20 * time.Millisecond
	return cfg
}

func waitForAction(t *testing.T, h *Host, msgType string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		replay, _, cancel := h.hub.SubscribeFrom(0)
		cancel()
		for _, event := range replay {
			if event.Message.Type == msgType {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s on the bus", msgType)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHostRunsDemoRoundTrip(t *testing.T) {
	h := New(demoConfig(), Options{
		MetricsAddr: "127.0.0.1:0",
		DemoRequest: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	waitForAction(t, h, TypeReceiveTickerData, 5*time.Second)
	waitForAction(t, h, TypeReceiveTickerUnsubscribed, 5*time.Second)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("host did not shut down")
	}

	if got := h.registry.Len(); got != 0 {
		t.Fatalf("expected no pending requests after demo, got %d", got)
	}
}

func TestRunStopsCleanlyWithoutFeed(t *testing.T) {
	cfg := demoConfig()
	cfg.Feed.Enabled = false
	h := New(cfg, Options{MetricsAddr: "127.0.0.1:0"})
	if h.feed != nil {
		t.Fatal("feed must not be built when disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.node.Status().State != channel.StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("node never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("host did not shut down")
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := New(demoConfig(), Options{MetricsAddr: "127.0.0.1:0"})

	rec := httptest.NewRecorder()
	h.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}

	rec = httptest.NewRecorder()
	h.handleHealth(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := New(demoConfig(), Options{MetricsAddr: "127.0.0.1:0"})

	rec := httptest.NewRecorder()
	h.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode status body: %v", err)
	}
	if _, ok := raw["listen_addresses"]; !ok {
		t.Fatal("expected listen_addresses in status payload")
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode status snapshot: %v", err)
	}
	if snap.State != channel.StateDisconnected {
		t.Fatalf("expected disconnected before start, got %s", snap.State)
	}
	if snap.ActiveRequests != 0 {
		t.Fatalf("expected no active requests, got %d", snap.ActiveRequests)
	}
	if snap.Network == nil {
		t.Fatal("expected network counters in status")
	}
}
