// Package channel owns the duplex message channel: the outbound emit path,
// the shared inbound stream, and transport lifecycle. The wire contract is
// the standard envelope and nothing else.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fluxbridge/go-engine/internal/platform/ratelimiter"
	"fluxbridge/go-engine/pkg/message"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

// metaOrigin marks which endpoint emitted a frame, so a node can discard its
// own traffic echoed back by a broadcast transport.
const metaOrigin = "origin"

var ErrNotConnected = errors.New("channel not connected")

var runtimeStatusPollInterval = 1 * time.Second

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	IngestRatePerSecond float64       `yaml:"ingestRatePerSecond"`
	IngestBurst         int           `yaml:"ingestBurst"`
}

type Status struct {
	State     string
	PeerCount int
	LastSync  time.Time
}

// Node is one endpoint on the channel. It satisfies the engine's emitter
// port and feeds the engine's inbound handler after loopback suppression and
// per-type rate limiting.
type Node struct {
	mu         sync.RWMutex
	cfg        Config
	status     Status
	endpointID string
	handler    func(message.Message)
	gw         channelBackend
	limiter    *ratelimiter.TypeLimiter

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
	publishedFrames  int
	receivedFrames   int
	droppedLoopback  int
	droppedOrigin    int
	droppedRate      int
}

type channelBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	Subscribe(handler func(message.Message)) error
	Publish(ctx context.Context, msg message.Message) error
	ListenAddresses() []string
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		BootstrapNodes:      nil,
		MinPeers:            2,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
		IngestRatePerSecond: 200,
		IngestBurst:         400,
	}
}

func NewNode(cfg Config) *Node {
	cfg = normalizeConfig(cfg)
	return &Node{
		cfg: cfg,
		status: Status{
			State: StateDisconnected,
		},
		limiter: ratelimiter.New(cfg.IngestRatePerSecond, cfg.IngestBurst, 10*time.Minute),
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	if cfg.IngestRatePerSecond <= 0 {
		cfg.IngestRatePerSecond = def.IngestRatePerSecond
	}
	if cfg.IngestBurst <= 0 {
		cfg.IngestBurst = def.IngestBurst
	}
	return cfg
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.endpointID == "" {
		id, err := NewEndpointID()
		if err != nil {
			n.mu.Unlock()
			return fmt.Errorf("mint endpoint id: %w", err)
		}
		n.endpointID = id
	}
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	endpointID := n.endpointID
	n.mu.Unlock()

	if n.cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend()
		if backend == nil {
			n.setDisconnected()
			return errors.New("go-waku backend is not available in this build")
		}
		if err := backend.Start(ctx, n.cfg); err != nil {
			n.setDisconnected()
			return err
		}
		peerCount, err := waitForStartupPeerCount(ctx, backend, n.cfg)
		if err != nil {
			backend.Stop()
			n.setDisconnected()
			return err
		}
		n.mu.Lock()
		n.gw = backend
		n.transitionStateLocked(startupStateFromPeerCount(peerCount, n.cfg))
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.startRuntimeMonitor()
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	sharedSegment.join(endpointID)
	n.mu.Lock()
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = estimatedPeers(n.cfg)
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	if n.endpointID != "" {
		sharedSegment.leave(n.endpointID)
	}
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	return s
}

func (n *Node) EndpointID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpointID
}

// Subscribe attaches the single inbound handler. Frames pass loopback
// suppression and the per-type limiter before the handler sees them.
func (n *Node) Subscribe(handler func(message.Message)) error {
	n.mu.Lock()
	n.handler = handler
	state := n.status.State
	endpointID := n.endpointID
	gw := n.gw
	n.mu.Unlock()

	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}
	pump := n.inboundPump(handler)
	if gw != nil {
		return gw.Subscribe(pump)
	}
	sharedSegment.attach(endpointID, pump)
	return nil
}

func (n *Node) inboundPump(handler func(message.Message)) func(message.Message) {
	return func(msg message.Message) {
		origin := msg.MetaString(metaOrigin)
		if origin == n.EndpointID() {
			n.mu.Lock()
			n.droppedLoopback++
			n.mu.Unlock()
			return
		}
		if origin != "" && !ValidEndpointID(origin) {
			n.mu.Lock()
			n.droppedOrigin++
			n.mu.Unlock()
			slog.Warn("inbound frame with mangled origin dropped", "msg_type", msg.Type)
			return
		}
		if !n.limiter.Allow(msg.Type, time.Now()) {
			n.mu.Lock()
			n.droppedRate++
			n.mu.Unlock()
			slog.Warn("inbound frame rate limited", "msg_type", msg.Type)
			return
		}
		n.mu.Lock()
		n.receivedFrames++
		n.mu.Unlock()
		handler(msg)
	}
}

// Emit sends one envelope over the channel. The frame is stamped with this
// endpoint's origin marker; everything else goes out exactly as given.
func (n *Node) Emit(ctx context.Context, msg message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	n.mu.RLock()
	state := n.status.State
	endpointID := n.endpointID
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}

	stamped := msg.WithMeta(metaOrigin, endpointID)
	if gw != nil {
		if err := gw.Publish(ctx, stamped); err != nil {
			return err
		}
	} else {
		sharedSegment.publish(endpointID, stamped)
	}

	n.mu.Lock()
	n.publishedFrames++
	n.mu.Unlock()
	return nil
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return append([]string(nil), n.gw.ListenAddresses()...)
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
		n.monitorCancel = nil
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()

		// Update once immediately to avoid waiting one interval after startup.
		n.refreshRuntimeStatus()

		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				n.refreshRuntimeStatus()
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw == nil {
		return
	}
	peerCount := gw.PeerCount()
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
	}
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	out := map[string]int{
		"channel_state_transitions": n.stateTransitions,
		"published_frames":          n.publishedFrames,
		"received_frames":           n.receivedFrames,
		"dropped_loopback":          n.droppedLoopback,
		"dropped_bad_origin":        n.droppedOrigin,
		"dropped_rate_limited":      n.droppedRate,
		"limited_types":             n.limiter.ActiveTypes(),
	}
	gw := n.gw
	n.mu.RUnlock()
	if gw != nil {
		for k, v := range gw.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (n *Node) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if n.status.State != next {
		n.stateTransitions++
		n.status.State = next
	}
}

func estimatedPeers(cfg Config) int {
	if len(cfg.BootstrapNodes) == 0 {
		return 1
	}
	if len(cfg.BootstrapNodes) > 12 {
		return 12
	}
	return len(cfg.BootstrapNodes)
}

func waitForStartupPeerCount(ctx context.Context, backend channelBackend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	peerCount := backend.PeerCount()
	if peerCount >= target {
		return peerCount, nil
	}

	timeout := startupHandshakeTimeout(cfg)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return backend.PeerCount(), ctx.Err()
		case <-timer.C:
			return backend.PeerCount(), nil
		case <-ticker.C:
			peerCount = backend.PeerCount()
			if peerCount >= target {
				return peerCount, nil
			}
		}
	}
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	if peerCount >= startupPeerTarget(cfg) {
		return StateConnected
	}
	return StateDegraded
}

func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if target <= 0 {
		target = 1
	}
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	if target < 1 {
		target = 1
	}
	return target
}

func startupHandshakeTimeout(cfg Config) time.Duration {
	base := cfg.ReconnectInterval
	if base <= 0 {
		base = time.Second
	}
	timeout := base * 5
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	if cfg.ReconnectBackoffMax > 0 && timeout > cfg.ReconnectBackoffMax {
		timeout = cfg.ReconnectBackoffMax
	}
	return timeout
}
