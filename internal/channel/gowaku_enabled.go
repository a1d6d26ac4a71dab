//go:build real_waku

package channel

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"

	"fluxbridge/go-engine/pkg/message"
)

const (
	envelopePubsubTopic  = "/waku/2/default-waku/proto"
	envelopeContentTopic = "/fluxbridge/1/envelope/json"
)

type goWakuChannel struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	cfg            Config
	bootstrapNodes []string
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup
	metrics        dialMetrics
	undecodable    int
}

type dialMetrics struct {
	Attempts int
	Success  int
	Failures int
}

func newGoWakuBackend() channelBackend {
	return &goWakuChannel{}
}

func (g *goWakuChannel) Start(ctx context.Context, cfg Config) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	node, err := wakuNode.New(
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
	)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	bootstrap := validBootstrapAddrs(cfg.BootstrapNodes)
	for _, addr := range bootstrap {
		_ = node.DialPeer(ctx, addr)
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.bootstrapNodes = bootstrap
	g.mu.Unlock()
	g.startPeerMaintenance()
	return nil
}

// validBootstrapAddrs drops entries that do not parse as multiaddrs, so one
// typo in the config cannot poison the redial loop.
func validBootstrapAddrs(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := ma.NewMultiaddr(addr); err != nil {
			slog.Warn("bootstrap address rejected", "peer_addr", addr, "reason", err.Error())
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (g *goWakuChannel) Stop() {
	g.stopPeerMaintenance()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuChannel) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuChannel) NetworkMetrics() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]int{
		"dial_attempts":       g.metrics.Attempts,
		"dial_success":        g.metrics.Success,
		"dial_failures":       g.metrics.Failures,
		"dropped_undecodable": g.undecodable,
	}
}

func (g *goWakuChannel) ListenAddresses() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil
	}
	addrs := g.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (g *goWakuChannel) Subscribe(handler func(message.Message)) error {
	g.mu.Lock()
	node := g.node
	g.mu.Unlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}

	filter := protocol.NewContentFilter(envelopePubsubTopic, envelopeContentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				g.consumeInbound(env.Message().Payload, handler)
			}
		}(sub)
	}

	return nil
}

// consumeInbound hands one relay frame to the engine. The shared content
// topic may carry foreign traffic; frames that do not decode as envelopes
// are counted and dropped.
func (g *goWakuChannel) consumeInbound(payload []byte, handler func(message.Message)) {
	msg, err := message.Decode(payload)
	if err != nil {
		g.mu.Lock()
		g.undecodable++
		g.mu.Unlock()
		slog.Debug("inbound frame dropped", "reason", err.Error(), "size", len(payload))
		return
	}
	handler(msg)
}

func (g *goWakuChannel) Publish(ctx context.Context, msg message.Message) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}

	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: envelopeContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(envelopePubsubTopic))
	return err
}

func (g *goWakuChannel) startPeerMaintenance() {
	g.mu.Lock()
	if g.maintainCancel != nil {
		g.maintainCancel()
		g.maintainCancel = nil
	}
	if len(g.bootstrapNodes) == 0 || g.node == nil {
		g.mu.Unlock()
		return
	}
	maintainCtx, cancel := context.WithCancel(context.Background())
	g.maintainCancel = cancel
	g.maintainWG.Add(1)
	cfg := g.cfg
	g.mu.Unlock()

	go func() {
		defer g.maintainWG.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()

		backoff := cfg.ReconnectInterval
		nextAttemptAt := time.Now()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for {
			select {
			case <-maintainCtx.Done():
				return
			case <-ticker.C:
				if time.Now().Before(nextAttemptAt) {
					continue
				}
				if !g.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}

				ok := g.redialBootstrapPeers(maintainCtx, rnd)
				if ok || !g.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}

				backoff *= 2
				if backoff > cfg.ReconnectBackoffMax {
					backoff = cfg.ReconnectBackoffMax
				}
				jitter := time.Duration(rnd.Int63n(int64(backoff / 2)))
				nextAttemptAt = time.Now().Add(backoff + jitter)
			}
		}
	}()
}

func (g *goWakuChannel) stopPeerMaintenance() {
	g.mu.Lock()
	cancel := g.maintainCancel
	g.maintainCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		g.maintainWG.Wait()
	}
}

func (g *goWakuChannel) needMorePeers() bool {
	g.mu.RLock()
	node := g.node
	bootstrapCount := len(g.bootstrapNodes)
	target := g.cfg.MinPeers
	g.mu.RUnlock()
	if node == nil {
		return false
	}
	if target <= 0 {
		target = desiredPeerFloor(bootstrapCount)
	}
	if bootstrapCount > 0 && target > bootstrapCount {
		target = bootstrapCount
	}
	return node.PeerCount() < target
}

func desiredPeerFloor(bootstrapCount int) int {
	if bootstrapCount <= 0 {
		return 0
	}
	if bootstrapCount == 1 {
		return 1
	}
	return 2
}

func (g *goWakuChannel) redialBootstrapPeers(ctx context.Context, rnd *rand.Rand) bool {
	g.mu.RLock()
	node := g.node
	bootstrapNodes := append([]string(nil), g.bootstrapNodes...)
	g.mu.RUnlock()
	if node == nil || len(bootstrapNodes) == 0 {
		return false
	}

	rnd.Shuffle(len(bootstrapNodes), func(i, j int) {
		bootstrapNodes[i], bootstrapNodes[j] = bootstrapNodes[j], bootstrapNodes[i]
	})

	success := false
	for i, addr := range bootstrapNodes {
		attempt := i + 1
		g.recordDialAttempt()
		if err := node.DialPeer(ctx, addr); err == nil {
			g.recordDialSuccess()
			success = true
			slog.Info("peer redial succeeded", "peer_addr", addr, "attempt", attempt)
		} else {
			g.recordDialFailure()
			slog.Warn("peer redial failed", "peer_addr", addr, "attempt", attempt, "reason", err.Error())
		}
	}
	return success
}

func (g *goWakuChannel) recordDialAttempt() {
	g.mu.Lock()
	g.metrics.Attempts++
	g.mu.Unlock()
}

func (g *goWakuChannel) recordDialSuccess() {
	g.mu.Lock()
	g.metrics.Success++
	g.mu.Unlock()
}

func (g *goWakuChannel) recordDialFailure() {
	g.mu.Lock()
	g.metrics.Failures++
	g.mu.Unlock()
}
