// Package engineconfig loads daemon configuration from yaml and the
// environment, layered over compiled-in defaults.
package engineconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"fluxbridge/go-engine/internal/channel"
	"fluxbridge/go-engine/internal/feed"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine  Engine
	Channel channel.Config
	Feed    Feed
}

type Engine struct {
	RequestTimeout time.Duration
	BusBacklog     int
}

type Feed struct {
	Enabled  bool
	Symbols  []string
	Interval time.Duration
}

func Default() Config {
	feedDefaults := feed.DefaultConfig()
	return Config{
		Engine: Engine{
			RequestTimeout: 30 * time.Second,
			BusBacklog:     256,
		},
		Channel: channel.DefaultConfig(),
		Feed: Feed{
			Enabled:  true,
			Symbols:  feedDefaults.Symbols,
			Interval: feedDefaults.Interval,
		},
	}
}

type DaemonConfig struct {
	Engine  DaemonEngineConfig  `yaml:"engine"`
	Channel DaemonChannelConfig `yaml:"channel"`
	Feed    DaemonFeedConfig    `yaml:"feed"`
}

type DaemonEngineConfig struct {
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	BusBacklog     int           `yaml:"busBacklog"`
}

type DaemonChannelConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	IngestRatePerSecond float64       `yaml:"ingestRatePerSecond"`
	IngestBurst         int           `yaml:"ingestBurst"`
}

type DaemonFeedConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Symbols  []string      `yaml:"symbols"`
	Interval time.Duration `yaml:"interval"`
}

func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 1)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "configs/config.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed DaemonConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src DaemonConfig) {
	if src.Engine.RequestTimeout != 0 {
		dst.Engine.RequestTimeout = src.Engine.RequestTimeout
	}
	if src.Engine.BusBacklog != 0 {
		dst.Engine.BusBacklog = src.Engine.BusBacklog
	}

	if src.Channel.Transport != "" {
		dst.Channel.Transport = src.Channel.Transport
	}
	if src.Channel.Port != 0 {
		dst.Channel.Port = src.Channel.Port
	}
	if src.Channel.BootstrapNodes != nil {
		dst.Channel.BootstrapNodes = src.Channel.BootstrapNodes
	}
	if src.Channel.MinPeers != 0 {
		dst.Channel.MinPeers = src.Channel.MinPeers
	}
	if src.Channel.ReconnectInterval != 0 {
		dst.Channel.ReconnectInterval = src.Channel.ReconnectInterval
	}
	if src.Channel.ReconnectBackoffMax != 0 {
		dst.Channel.ReconnectBackoffMax = src.Channel.ReconnectBackoffMax
	}
	if src.Channel.IngestRatePerSecond != 0 {
		dst.Channel.IngestRatePerSecond = src.Channel.IngestRatePerSecond
	}
	if src.Channel.IngestBurst != 0 {
		dst.Channel.IngestBurst = src.Channel.IngestBurst
	}

	if src.Feed.Enabled != nil {
		dst.Feed.Enabled = *src.Feed.Enabled
	}
	if src.Feed.Symbols != nil {
		dst.Feed.Symbols = src.Feed.Symbols
	}
	if src.Feed.Interval != 0 {
		dst.Feed.Interval = src.Feed.Interval
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if transport := strings.TrimSpace(os.Getenv("FLUXBRIDGE_TRANSPORT")); transport != "" {
		cfg.Channel.Transport = transport
	}
	if raw := strings.TrimSpace(os.Getenv("FLUXBRIDGE_REQUEST_TIMEOUT")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Engine.RequestTimeout = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("FLUXBRIDGE_FEED_ENABLED")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Feed.Enabled = v
		}
	}
}
