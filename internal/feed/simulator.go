// Package feed is a simulated market data endpoint. It lives on the far side
// of the message channel, answers ticker subscriptions the way a real feed
// would, and streams price ticks tagged with the subscriber's request id.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"fluxbridge/go-engine/pkg/message"
)

const (
	TypeSubscribe    = "SUBSCRIBE_TICKER_DATA"
	TypeTickerData   = "TICKER_DATA"
	TypeUnsubscribe  = "UNSUBSCRIBE_TICKER_DATA"
	TypeUnsubscribed = "TICKER_UNSUBSCRIBED"
)

// Channel is the transport surface the feed needs. channel.Node satisfies it.
type Channel interface {
	Subscribe(handler func(message.Message)) error
	Emit(ctx context.Context, msg message.Message) error
}

type Config struct {
	Symbols  []string      `yaml:"symbols"`
	Interval time.Duration `yaml:"interval"`
}

func DefaultConfig() Config {
	return Config{
		Symbols:  []string{"AAPL", "MSFT", "BTC-USD"},
		Interval: 1 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = def.Symbols
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return cfg
}

// Simulator serves the ticker protocol. Each active subscription is one
// stream goroutine keyed by the subscribing request id; an unsubscribe names
// that id in its payload and is acknowledged under its own request id.
type Simulator struct {
	channel Channel
	cfg     Config
	symbols map[string]bool
	logger  *slog.Logger

	mu         sync.Mutex
	streams    map[string]context.CancelFunc
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func New(ch Channel, cfg Config, logger *slog.Logger) *Simulator {
	cfg = normalizeConfig(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	symbols := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = true
	}
	return &Simulator{
		channel: ch,
		cfg:     cfg,
		symbols: symbols,
		logger:  logger,
		streams: make(map[string]context.CancelFunc),
	}
}

func (s *Simulator) Start() error {
	if s.channel == nil {
		return errors.New("feed requires a channel")
	}
	s.mu.Lock()
	if s.baseCancel != nil {
		s.mu.Unlock()
		return errors.New("feed already started")
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	if err := s.channel.Subscribe(s.onInbound); err != nil {
		s.Stop()
		return fmt.Errorf("attach feed to channel: %w", err)
	}
	s.logger.Info("feed online", "symbols", s.cfg.Symbols, "interval", s.cfg.Interval.String())
	return nil
}

func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel := s.baseCancel
	s.baseCancel = nil
	for id, stop := range s.streams {
		stop()
		delete(s.streams, id)
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Simulator) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Simulator) onInbound(msg message.Message) {
	switch msg.Type {
	case TypeSubscribe:
		s.handleSubscribe(msg)
	case TypeUnsubscribe:
		s.handleUnsubscribe(msg)
	}
}

func (s *Simulator) handleSubscribe(msg message.Message) {
	subID := msg.RequestID()
	if subID == "" {
		s.logger.Warn("subscribe without request id ignored")
		return
	}
	symbol := payloadString(msg.Payload, "symbol")
	if symbol == "" {
		s.reply(message.NewError(TypeTickerData, "symbol is required", subID))
		return
	}
	if !s.symbols[symbol] {
		s.reply(message.NewError(TypeTickerData, "unknown symbol: "+symbol, subID))
		return
	}

	s.mu.Lock()
	if s.baseCancel == nil {
		s.mu.Unlock()
		return
	}
	if _, exists := s.streams[subID]; exists {
		s.mu.Unlock()
		s.logger.Warn("duplicate subscription ignored", "subscription", subID)
		return
	}
	streamCtx, stop := context.WithCancel(s.baseCtx)
	s.streams[subID] = stop
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("stream opened", "subscription", subID, "symbol", symbol)
	go s.streamTicks(streamCtx, subID, symbol)
}

func (s *Simulator) handleUnsubscribe(msg message.Message) {
	ackID := msg.RequestID()
	target := payloadString(msg.Payload, "subscription")
	if target == "" {
		s.reply(message.NewError(TypeUnsubscribed, "subscription is required", ackID))
		return
	}

	s.mu.Lock()
	stop, found := s.streams[target]
	if found {
		delete(s.streams, target)
	}
	s.mu.Unlock()

	if !found {
		s.reply(message.NewError(TypeUnsubscribed, "unknown subscription: "+target, ackID))
		return
	}
	stop()
	s.logger.Info("stream closed", "subscription", target)
	s.reply(message.Message{
		Type:    TypeUnsubscribed,
		Payload: map[string]any{"subscription": target},
	}.WithRequestID(ackID))
}

// streamTicks publishes one tick immediately, then one per interval, until
// the stream is canceled. Prices follow a small random walk.
func (s *Simulator) streamTicks(ctx context.Context, subID, symbol string) {
	defer s.wg.Done()
	defer s.dropStream(subID)

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	price := 100 + rnd.Float64()*100

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for sequence := 1; ; sequence++ {
		price = nextPrice(rnd, price)
		tick := message.Message{
			Type: TypeTickerData,
			Payload: map[string]any{
				"symbol":   symbol,
				"price":    price,
				"sequence": sequence,
				"ts":       time.Now().UnixMilli(),
			},
		}.WithRequestID(subID)
		if err := s.channel.Emit(ctx, tick); err != nil {
			s.logger.Warn("tick emit failed", "subscription", subID, "error", err.Error())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Simulator) dropStream(subID string) {
	s.mu.Lock()
	if stop, ok := s.streams[subID]; ok {
		delete(s.streams, subID)
		stop()
	}
	s.mu.Unlock()
}

func (s *Simulator) reply(msg message.Message) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.channel.Emit(ctx, msg); err != nil {
		s.logger.Warn("feed reply failed", "msg_type", msg.Type, "error", err.Error())
	}
}

func nextPrice(rnd *rand.Rand, prev float64) float64 {
	next := prev * (1 + (rnd.Float64()-0.5)*0.02)
	if next < 1 {
		next = 1
	}
	return math.Round(next*100) / 100
}

func payloadString(payload any, key string) string {
	fields, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	value, _ := fields[key].(string)
	return value
}
