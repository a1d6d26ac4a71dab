// Package enginehost wires the correlation engine to its collaborators: the
// dispatch hub, the channel node, the optional embedded ticker feed, and the
// admin HTTP surface.
package enginehost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fluxbridge/go-engine/internal/bootstrap/engineconfig"
	"fluxbridge/go-engine/internal/bus"
	"fluxbridge/go-engine/internal/channel"
	"fluxbridge/go-engine/internal/correlate"
	"fluxbridge/go-engine/internal/feed"
	"fluxbridge/go-engine/pkg/message"
)

const DefaultMetricsAddr = "127.0.0.1:9190"

const (
	TypeReceiveTickerData         = "RECEIVE_TICKER_DATA"
	TypeReceiveTickerUnsubscribed = "RECEIVE_TICKER_UNSUBSCRIBED"
)

type Options struct {
	MetricsAddr string
	Logger      *slog.Logger
	// Registerer receives the engine collectors. nil leaves them unregistered,
	// which keeps repeated hosts in one process from colliding.
	Registerer prometheus.Registerer
	// DemoRequest issues a sample ticker subscription against the embedded
	// feed once the host is up.
	DemoRequest bool
}

type Host struct {
	cfg    engineconfig.Config
	logger *slog.Logger
	demo   bool

	hub      *bus.Hub
	node     *channel.Node
	registry *correlate.Registry
	coord    *correlate.Coordinator
	feedNode *channel.Node
	feed     *feed.Simulator
	httpSrv  *http.Server
}

func New(cfg engineconfig.Config, opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := opts.MetricsAddr
	if addr == "" {
		addr = DefaultMetricsAddr
	}

	h := &Host{
		cfg:    cfg,
		logger: logger,
		demo:   opts.DemoRequest,
		hub:    bus.NewHub(cfg.Engine.BusBacklog),
		node:   channel.NewNode(cfg.Channel),
	}
	metrics := correlate.NewMetrics(opts.Registerer)
	h.registry = correlate.NewRegistry(h.hub, logger, metrics)
	h.coord = correlate.NewCoordinator(h.registry, h.node, h.hub, correlate.CoordinatorOptions{
		Logger:         logger,
		Metrics:        metrics,
		RequestTimeout: cfg.Engine.RequestTimeout,
	})

	if cfg.Feed.Enabled && cfg.Channel.Transport == channel.TransportMock {
		h.feedNode = channel.NewNode(cfg.Channel)
		h.feed = feed.New(h.feedNode, feed.Config{
			Symbols:  cfg.Feed.Symbols,
			Interval: cfg.Feed.Interval,
		}, logger)
	}

	metricsHandler := promhttp.Handler()
	if gatherer, ok := opts.Registerer.(prometheus.Gatherer); ok {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	h.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Coordinator exposes the request entry point for embedding callers.
func (h *Host) Coordinator() *correlate.Coordinator {
	return h.coord
}

func (h *Host) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	if err := h.startSubsystems(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		err := h.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go h.logDispatchedActions(loopCtx)
	if h.demo {
		go h.runDemo(loopCtx)
	}

	h.logger.Info("engine host running",
		"endpoint_id", h.node.EndpointID(),
		"transport", h.cfg.Channel.Transport,
		"metrics_addr", h.httpSrv.Addr,
		"feed_embedded", h.feed != nil)

	select {
	case <-ctx.Done():
		cancelLoops()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := h.httpSrv.Shutdown(shutdownCtx)
		h.stopSubsystems(shutdownCtx)
		if err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		cancelLoops()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.stopSubsystems(shutdownCtx)
		return err
	}
}

func (h *Host) startSubsystems(ctx context.Context) error {
	if err := h.node.Start(ctx); err != nil {
		return fmt.Errorf("start channel: %w", err)
	}
	if err := h.node.Subscribe(h.registry.OnInbound); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = h.node.Stop(stopCtx)
		cancel()
		return fmt.Errorf("attach engine to channel: %w", err)
	}

	if h.cfg.Feed.Enabled && h.feed == nil {
		h.logger.Info("embedded feed runs only on the mock transport; expecting a remote responder")
	}
	if h.feed != nil {
		if err := h.feedNode.Start(ctx); err != nil {
			h.stopSubsystems(ctx)
			return fmt.Errorf("start feed channel: %w", err)
		}
		if err := h.feed.Start(); err != nil {
			h.stopSubsystems(ctx)
			return fmt.Errorf("start feed: %w", err)
		}
	}
	return nil
}

func (h *Host) stopSubsystems(ctx context.Context) {
	if h.feed != nil {
		h.feed.Stop()
	}
	if h.feedNode != nil {
		_ = h.feedNode.Stop(ctx)
	}
	_ = h.node.Stop(ctx)
}

// logDispatchedActions mirrors every bus event into the log, which is the
// demo daemon's stand-in for a real action consumer.
func (h *Host) logDispatchedActions(ctx context.Context) {
	replay, events, cancel := h.hub.SubscribeFrom(0)
	defer cancel()

	for _, event := range replay {
		h.logAction(event)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			h.logAction(event)
		}
	}
}

func (h *Host) logAction(event bus.Event) {
	h.logger.Info("action dispatched",
		"seq", event.Seq,
		"msg_type", event.Message.Type,
		"request_id", event.Message.RequestID(),
		"error", event.Message.Error)
}

// runDemo drives one full ticker round trip: subscribe, observe the first
// tick land as a dispatched action, then unsubscribe.
func (h *Host) runDemo(ctx context.Context) {
	symbol := "AAPL"
	if len(h.cfg.Feed.Symbols) > 0 {
		symbol = h.cfg.Feed.Symbols[0]
	}

	h.logger.Info("demo subscription starting", "symbol", symbol)
	subHandle, err := h.coord.Initiate(ctx, correlate.Request{
		Match: func(msg message.Message) bool { return msg.Type == feed.TypeTickerData },
		Transforms: []correlate.Transform{func(msg message.Message) message.Message {
			out := msg
			out.Type = TypeReceiveTickerData
			return out
		}},
		Initial: []message.Message{{
			Type:    feed.TypeSubscribe,
			Payload: map[string]any{"symbol": symbol},
		}},
	})
	if err != nil {
		h.logger.Error("demo subscription failed", "error", err.Error())
		return
	}
	completion := subHandle.Completion()
	h.logger.Info("demo subscription completed",
		"request_id", subHandle.Identity(),
		"completion_type", completion.Type,
		"completion_error", completion.Error)
	if completion.Error {
		return
	}

	_, err = h.coord.Initiate(ctx, correlate.Request{
		Match: func(msg message.Message) bool { return msg.Type == feed.TypeUnsubscribed },
		Transforms: []correlate.Transform{func(msg message.Message) message.Message {
			out := msg
			out.Type = TypeReceiveTickerUnsubscribed
			return out
		}},
		Initial: []message.Message{{
			Type:    feed.TypeUnsubscribe,
			Payload: map[string]any{"subscription": subHandle.Identity()},
		}},
	})
	if err != nil {
		h.logger.Error("demo unsubscribe failed", "error", err.Error())
		return
	}
	h.logger.Info("demo round trip complete", "subscription", subHandle.Identity())
}

type StatusSnapshot struct {
	State           string         `json:"state"`
	PeerCount       int            `json:"peer_count"`
	EndpointID      string         `json:"endpoint_id"`
	ActiveRequests  int            `json:"active_requests"`
	BusBacklog      int            `json:"bus_backlog"`
	FeedStreams     int            `json:"feed_streams"`
	ListenAddresses []string       `json:"listen_addresses"`
	Network         map[string]int `json:"network"`
}

func (h *Host) statusSnapshot() StatusSnapshot {
	status := h.node.Status()
	snap := StatusSnapshot{
		State:           status.State,
		PeerCount:       status.PeerCount,
		EndpointID:      h.node.EndpointID(),
		ActiveRequests:  h.registry.Len(),
		BusBacklog:      h.hub.BacklogSize(),
		ListenAddresses: h.node.ListenAddresses(),
		Network:         h.node.NetworkMetrics(),
	}
	if h.feed != nil {
		snap.FeedStreams = h.feed.ActiveStreams()
	}
	return snap
}

func (h *Host) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Host) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.statusSnapshot())
}
