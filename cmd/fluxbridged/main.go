package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"fluxbridge/go-engine/internal/bootstrap/engineconfig"
	"fluxbridge/go-engine/internal/composition/enginehost"
	"fluxbridge/go-engine/internal/platform/msglog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	metricsAddr := flag.String("metrics-addr", enginehost.DefaultMetricsAddr, "HTTP listen address for /metrics, /healthz, /status")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	transport := flag.String("transport", "", "Channel transport override: go-waku | mock")
	demo := flag.Bool("demo", true, "run a sample ticker round trip on startup")
	flag.Parse()
	if *showVersion {
		fmt.Printf("fluxbridged version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *transport != "" {
		_ = os.Setenv("FLUXBRIDGE_TRANSPORT", *transport)
	}

	logger := msglog.DefaultLogger()
	slog.SetDefault(logger)

	cfg := engineconfig.LoadFromPath(*configPath)
	host := enginehost.New(cfg, enginehost.Options{
		MetricsAddr: *metricsAddr,
		Logger:      logger,
		Registerer:  prometheus.DefaultRegisterer,
		DemoRequest: *demo,
	})

	logger.Info("fluxbridged starting", "version", version, "transport", cfg.Channel.Transport)
	if err := host.Run(ctx); err != nil {
		logger.Error("fluxbridged failed", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("fluxbridged stopped")
}
