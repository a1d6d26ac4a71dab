package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fluxbridge/go-engine/pkg/message"
)

var (
	ErrNoInitialMessage = errors.New("at least one initial message is required")
	ErrSubscriptionLost = errors.New("dispatch bus subscription lost")
)

// Request states observable through Handle.State.
const (
	StateInit       = "init"
	StateRegistered = "registered"
	StateCompleted  = "completed"
)

// Request describes one logical exchange: which inbound messages answer it,
// how matches become dispatched messages, and what to send to start it. The
// coordinator injects the request identity; matchers and initial messages
// never reference it directly.
type Request struct {
	Match      Matcher
	Transforms []Transform
	Initial    []message.Message
}

// Handle is the caller's view of one finished request. Initiate hands it out
// only after completion, so accessors need no synchronization.
type Handle struct {
	identity   string
	state      string
	completion message.Message
}

// Identity returns the minted correlation token for this request.
func (h *Handle) Identity() string { return h.identity }

func (h *Handle) State() string { return h.state }

// Completion returns the dispatched message that ended the request. Inspect
// its Error flag to distinguish answers from synthetic failures.
func (h *Handle) Completion() message.Message { return h.completion }

// Coordinator drives requests end to end: identity minting, registration,
// emission, and the blocking wait for the tagged completion signal on the
// dispatch bus.
type Coordinator struct {
	registry *Registry
	emitter  Emitter
	bus      DispatchBus
	logger   *slog.Logger
	metrics  *Metrics
	timeout  time.Duration
}

type CoordinatorOptions struct {
	Logger  *slog.Logger
	Metrics *Metrics
	// RequestTimeout bounds each Initiate call in addition to the caller's
	// context. Zero leaves only the caller's context in charge.
	RequestTimeout time.Duration
}

func NewCoordinator(registry *Registry, emitter Emitter, bus DispatchBus, opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = registry.metrics
	}
	return &Coordinator{
		registry: registry,
		emitter:  emitter,
		bus:      bus,
		logger:   logger,
		metrics:  metrics,
		timeout:  opts.RequestTimeout,
	}
}

// Initiate runs one request and blocks until it completes, times out, or the
// context is canceled. The order inside is load-bearing: subscribe to the
// bus, register the matcher, then emit, so no response and no dispatched
// signal can slip past the waiter.
//
// On timeout or cancellation the request is failed through the registry, the
// returned handle carries the synthetic error completion, and the context
// error is returned alongside it.
func (c *Coordinator) Initiate(ctx context.Context, req Request) (*Handle, error) {
	if req.Match == nil {
		return nil, ErrNilMatcher
	}
	if len(req.Transforms) == 0 {
		return nil, ErrNoTransforms
	}
	if len(req.Initial) == 0 {
		return nil, ErrNoInitialMessage
	}
	for _, out := range req.Initial {
		if err := out.Validate(); err != nil {
			return nil, fmt.Errorf("initial message: %w", err)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	identity := mintIdentity()
	h := &Handle{identity: identity, state: StateInit}

	signals, cancelSub := c.bus.Subscribe()
	defer cancelSub()

	if err := c.registry.Register(identity, scopedMatcher(identity, req.Match), req.Transforms); err != nil {
		return nil, err
	}
	h.state = StateRegistered
	c.metrics.requestsStarted.Inc()

	started := time.Now()
	for _, out := range req.Initial {
		if err := c.emitter.Emit(ctx, out.WithRequestID(identity)); err != nil {
			c.registry.Unregister(identity)
			c.metrics.requestsCompleted.WithLabelValues(outcomeEmitError).Inc()
			c.logger.Error("request emit failed", "request_id", identity, "msg_type", out.Type, "error", err.Error())
			return nil, fmt.Errorf("emit %s: %w", out.Type, err)
		}
		c.metrics.emittedTotal.Inc()
	}
	c.logger.Info("request initiated", "request_id", identity, "initial_count", len(req.Initial))

	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				c.logger.Error("request abandoned", "request_id", identity, "reason", "dispatch bus subscription lost")
				return c.abandon(h, "dispatch bus subscription lost", outcomeSubscriptionLost), ErrSubscriptionLost
			}
			if sig.RequestID() != identity {
				continue
			}
			c.finish(h, sig, started)
			return h, nil
		case <-ctx.Done():
			// A completion signal may have raced in just before the clock
			// ran out. Prefer it over the synthetic failure.
			if sig, ok := drainForSignal(signals, identity); ok {
				c.finish(h, sig, started)
				return h, nil
			}
			reason := "request timed out"
			outcome := outcomeTimeout
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = "request canceled"
				outcome = outcomeCanceled
			}
			c.logger.Warn("request abandoned", "request_id", identity, "reason", reason, "waited_ms", time.Since(started).Milliseconds())
			return c.abandon(h, reason, outcome), ctx.Err()
		}
	}
}

// finish records a structural completion and releases the identity. The
// registry's publish gate holds back Unregister until every output of the
// completing match is on the bus, so multi-transform batches stay whole.
func (c *Coordinator) finish(h *Handle, sig message.Message, started time.Time) {
	c.registry.Unregister(h.identity)
	h.completion = sig
	h.state = StateCompleted
	outcome := outcomeOK
	if sig.Error {
		outcome = outcomeError
	}
	c.metrics.requestsCompleted.WithLabelValues(outcome).Inc()
	c.logger.Info("request completed", "request_id", h.identity, "signal_type", sig.Type, "outcome", outcome, "latency_ms", time.Since(started).Milliseconds())
}

// abandon fails the request through the registry so downstream bus consumers
// see the same synthetic completion the handle carries.
func (c *Coordinator) abandon(h *Handle, reason, outcome string) *Handle {
	c.registry.Fail(h.identity, reason)
	h.completion = message.NewError(TypeRequestFailed, reason, h.identity)
	h.state = StateCompleted
	c.metrics.requestsCompleted.WithLabelValues(outcome).Inc()
	return h
}

// scopedMatcher narrows a caller matcher to its own request: messages tagged
// for another identity are never offered to it, untagged traffic is fair game
// for every pending request.
func scopedMatcher(identity string, match Matcher) Matcher {
	return func(msg message.Message) bool {
		if id := msg.RequestID(); id != "" && id != identity {
			return false
		}
		return match(msg)
	}
}

func drainForSignal(signals <-chan message.Message, identity string) (message.Message, bool) {
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return message.Message{}, false
			}
			if sig.RequestID() == identity {
				return sig, true
			}
		default:
			return message.Message{}, false
		}
	}
}

func mintIdentity() string {
	return "req_" + uuid.NewString()
}
