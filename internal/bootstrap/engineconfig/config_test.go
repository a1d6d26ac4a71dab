package engineconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fluxbridge/go-engine/internal/channel"
)

func boolPtr(v bool) *bool {
	return &v
}

func TestMergeAppliesAllSections(t *testing.T) {
	dst := Default()
	src := DaemonConfig{
		Engine: DaemonEngineConfig{
			RequestTimeout: 5 * time.Second,
			BusBacklog:     64,
		},
		Channel: DaemonChannelConfig{
			Transport:           channel.TransportGoWaku,
			Port:                61000,
			BootstrapNodes:      []string{"/ip4/127.0.0.1/tcp/60000/p2p/peer"},
			MinPeers:            4,
			ReconnectInterval:   2 * time.Second,
			ReconnectBackoffMax: 45 * time.Second,
			IngestRatePerSecond: 50,
			IngestBurst:         100,
		},
		Feed: DaemonFeedConfig{
			Enabled:  boolPtr(false),
			Symbols:  []string{"ETH-USD"},
			Interval: 250 * time.Millisecond,
		},
	}

	Merge(&dst, src)

	if dst.Engine.RequestTimeout != 5*time.Second {
		t.Fatalf("expected requestTimeout=5s, got %s", dst.Engine.RequestTimeout)
	}
	if dst.Engine.BusBacklog != 64 {
		t.Fatalf("expected busBacklog=64, got %d", dst.Engine.BusBacklog)
	}
	if dst.Channel.Transport != channel.TransportGoWaku {
		t.Fatalf("expected transport=go-waku, got %s", dst.Channel.Transport)
	}
	if dst.Channel.Port != 61000 {
		t.Fatalf("expected port=61000, got %d", dst.Channel.Port)
	}
	if len(dst.Channel.BootstrapNodes) != 1 {
		t.Fatalf("expected one bootstrap node, got %d", len(dst.Channel.BootstrapNodes))
	}
	if dst.Channel.MinPeers != 4 {
		t.Fatalf("expected minPeers=4, got %d", dst.Channel.MinPeers)
	}
	if dst.Channel.ReconnectInterval != 2*time.Second {
		t.Fatalf("expected reconnectInterval=2s, got %s", dst.Channel.ReconnectInterval)
	}
	if dst.Channel.ReconnectBackoffMax != 45*time.Second {
		t.Fatalf("expected reconnectBackoffMax=45s, got %s", dst.Channel.ReconnectBackoffMax)
	}
	if dst.Channel.IngestRatePerSecond != 50 {
		t.Fatalf("expected ingestRatePerSecond=50, got %v", dst.Channel.IngestRatePerSecond)
	}
	if dst.Channel.IngestBurst != 100 {
		t.Fatalf("expected ingestBurst=100, got %d", dst.Channel.IngestBurst)
	}
	if dst.Feed.Enabled {
		t.Fatal("expected feed disabled from explicit config")
	}
	if len(dst.Feed.Symbols) != 1 || dst.Feed.Symbols[0] != "ETH-USD" {
		t.Fatalf("expected symbols=[ETH-USD], got %v", dst.Feed.Symbols)
	}
	if dst.Feed.Interval != 250*time.Millisecond {
		t.Fatalf("expected interval=250ms, got %s", dst.Feed.Interval)
	}
}

func TestMergeKeepsDefaultsWhenUnset(t *testing.T) {
	dst := Default()
	before := dst

	Merge(&dst, DaemonConfig{})

	if dst.Engine != before.Engine {
		t.Fatalf("engine defaults changed: %+v", dst.Engine)
	}
	if dst.Channel.Transport != before.Channel.Transport || dst.Channel.Port != before.Channel.Port {
		t.Fatalf("channel defaults changed: %+v", dst.Channel)
	}
	if !dst.Feed.Enabled {
		t.Fatal("unset feed.enabled must keep the default")
	}
}

func TestMergeAppliesExplicitFeedEnabledTrue(t *testing.T) {
	dst := Default()
	dst.Feed.Enabled = false

	Merge(&dst, DaemonConfig{Feed: DaemonFeedConfig{Enabled: boolPtr(true)}})

	if !dst.Feed.Enabled {
		t.Fatal("expected feed enabled from explicit config")
	}
}

func TestApplyEnvOverridesTransport(t *testing.T) {
	t.Setenv("FLUXBRIDGE_TRANSPORT", channel.TransportGoWaku)
	cfg := Default()
	ApplyEnvOverrides(&cfg)
	if cfg.Channel.Transport != channel.TransportGoWaku {
		t.Fatalf("expected transport override, got %s", cfg.Channel.Transport)
	}
}

func TestApplyEnvOverridesRequestTimeout(t *testing.T) {
	t.Setenv("FLUXBRIDGE_REQUEST_TIMEOUT", "45s")
	cfg := Default()
	ApplyEnvOverrides(&cfg)
	if cfg.Engine.RequestTimeout != 45*time.Second {
		t.Fatalf("expected requestTimeout=45s, got %s", cfg.Engine.RequestTimeout)
	}
}

func TestApplyEnvOverridesIgnoresInvalidValues(t *testing.T) {
	t.Setenv("FLUXBRIDGE_REQUEST_TIMEOUT", "soon")
	t.Setenv("FLUXBRIDGE_FEED_ENABLED", "maybe")
	cfg := Default()
	ApplyEnvOverrides(&cfg)
	if cfg.Engine.RequestTimeout != Default().Engine.RequestTimeout {
		t.Fatalf("invalid duration must not change requestTimeout, got %s", cfg.Engine.RequestTimeout)
	}
	if !cfg.Feed.Enabled {
		t.Fatal("invalid bool must not change feed.enabled")
	}
}

func TestApplyEnvOverridesCanDisableFeed(t *testing.T) {
	t.Setenv("FLUXBRIDGE_FEED_ENABLED", "false")
	cfg := Default()
	ApplyEnvOverrides(&cfg)
	if cfg.Feed.Enabled {
		t.Fatal("expected feed disabled from env override")
	}
}

func TestLoadFromPathReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := []byte(`
engine:
  requestTimeout: 10s
  busBacklog: 32
channel:
  transport: mock
  minPeers: 3
feed:
  enabled: false
  symbols: [AAPL, TSLA]
  interval: 100ms
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := LoadFromPath(path)

	if cfg.Engine.RequestTimeout != 10*time.Second {
		t.Fatalf("expected requestTimeout=10s, got %s", cfg.Engine.RequestTimeout)
	}
	if cfg.Engine.BusBacklog != 32 {
		t.Fatalf("expected busBacklog=32, got %d", cfg.Engine.BusBacklog)
	}
	if cfg.Channel.MinPeers != 3 {
		t.Fatalf("expected minPeers=3, got %d", cfg.Channel.MinPeers)
	}
	if cfg.Feed.Enabled {
		t.Fatal("expected feed disabled")
	}
	if len(cfg.Feed.Symbols) != 2 {
		t.Fatalf("expected two symbols, got %v", cfg.Feed.Symbols)
	}
	if cfg.Feed.Interval != 100*time.Millisecond {
		t.Fatalf("expected interval=100ms, got %s", cfg.Feed.Interval)
	}
}

func TestLoadFromPathFallsBackToDefaults(t *testing.T) {
	cfg := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Engine.RequestTimeout != Default().Engine.RequestTimeout {
		t.Fatalf("expected default requestTimeout, got %s", cfg.Engine.RequestTimeout)
	}
	if cfg.Channel.Transport != channel.TransportMock {
		t.Fatalf("expected default transport, got %s", cfg.Channel.Transport)
	}
}
