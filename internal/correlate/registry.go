package correlate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"fluxbridge/go-engine/pkg/message"
)

// TypeRequestFailed is the dispatched message type used for synthetic error
// completions (matcher faults, timeouts, lost subscriptions).
const TypeRequestFailed = "REQUEST_FAILED"

var (
	ErrEmptyIdentity = errors.New("request identity is required")
	ErrNilMatcher    = errors.New("matcher is required")
	ErrNoTransforms  = errors.New("at least one transform is required")
	ErrIdentityInUse = errors.New("request identity is already registered")
)

// Matcher reports whether an inbound message belongs to a request. Matchers
// must be side-effect-free: the registry evaluates them against arbitrary
// inbound traffic, any number of times.
type Matcher func(msg message.Message) bool

// Transform converts a matched inbound message into a message for the
// dispatch bus. Transforms must be pure; the registry stamps the request
// identity onto every result.
type Transform func(msg message.Message) message.Message

type pendingRequest struct {
	identity   string
	match      Matcher
	transforms []Transform
}

// Registry multiplexes the shared inbound stream across pending requests. It
// holds the only mutable state in the engine and is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	pending map[string]*pendingRequest

	bus     DispatchBus
	logger  *slog.Logger
	metrics *Metrics
}

func NewRegistry(bus DispatchBus, logger *slog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Registry{
		pending: make(map[string]*pendingRequest),
		bus:     bus,
		logger:  logger,
		metrics: metrics,
	}
}

// Register adds a pending request. It must complete before the request's
// initial message is emitted, otherwise an early response can race past the
// matcher. Identities are single-use while registered.
func (r *Registry) Register(identity string, match Matcher, transforms []Transform) error {
	if strings.TrimSpace(identity) == "" {
		return ErrEmptyIdentity
	}
	if match == nil {
		return ErrNilMatcher
	}
	if len(transforms) == 0 {
		return ErrNoTransforms
	}
	for _, tr := range transforms {
		if tr == nil {
			return ErrNoTransforms
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[identity]; exists {
		return ErrIdentityInUse
	}
	r.pending[identity] = &pendingRequest{
		identity:   identity,
		match:      match,
		transforms: append([]Transform(nil), transforms...),
	}
	r.metrics.activeRequests.Inc()
	return nil
}

// Unregister removes a pending request. Removing an unknown identity is a
// no-op, so completion and timeout paths may both call it.
func (r *Registry) Unregister(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[identity]; ok {
		delete(r.pending, identity)
		r.metrics.activeRequests.Dec()
	}
}

func (r *Registry) Has(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pending[identity]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// Fail removes the identity and publishes a synthetic error completion in its
// name. The waiter observes the envelope through the same structural path as
// a real completion. Calling Fail on an unknown identity publishes nothing.
func (r *Registry) Fail(identity, reason string) {
	r.mu.Lock()
	_, ok := r.pending[identity]
	if ok {
		delete(r.pending, identity)
		r.metrics.activeRequests.Dec()
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.bus.Publish(message.NewError(TypeRequestFailed, reason, identity))
	r.metrics.dispatchedTotal.Inc()
}

// OnInbound offers one inbound message to every pending request. Each match
// applies that request's transforms in order and publishes every result,
// tagged with the request identity, before the next request is considered.
// A panicking matcher or transform fails only its own request.
func (r *Registry) OnInbound(msg message.Message) {
	r.metrics.inboundTotal.Inc()
	if err := msg.Validate(); err != nil {
		r.metrics.inboundMalformed.Inc()
		r.logger.Warn("inbound message dropped", "reason", err.Error())
		return
	}

	r.mu.RLock()
	snapshot := make([]*pendingRequest, 0, len(r.pending))
	for _, req := range r.pending {
		snapshot = append(snapshot, req)
	}
	r.mu.RUnlock()

	for _, req := range snapshot {
		matched, err := evalMatch(req.match, msg)
		if err != nil {
			r.metrics.matcherFaults.Inc()
			r.logger.Error("matcher fault", "request_id", req.identity, "msg_type", msg.Type, "error", err.Error())
			r.Fail(req.identity, err.Error())
			continue
		}
		if !matched {
			continue
		}
		r.metrics.matchedTotal.Inc()

		outputs := make([]message.Message, 0, len(req.transforms))
		for _, tr := range req.transforms {
			out, trErr := applyTransform(tr, msg)
			if trErr != nil {
				r.metrics.transformFaults.Inc()
				r.logger.Error("transform fault", "request_id", req.identity, "msg_type", msg.Type, "error", trErr.Error())
				out = message.NewError(TypeRequestFailed, trErr.Error(), req.identity)
			} else {
				out = out.WithRequestID(req.identity)
			}
			outputs = append(outputs, out)
		}
		r.publishIfPending(req.identity, outputs)
	}
}

// publishIfPending publishes the whole output batch of one match while the
// identity is still registered. Holding the read lock across the batch keeps
// Unregister out until every output of the match is on the bus, and drops the
// batch entirely once the request has completed.
func (r *Registry) publishIfPending(identity string, outputs []message.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.pending[identity]; !ok {
		return
	}
	for _, out := range outputs {
		r.bus.Publish(out)
		r.metrics.dispatchedTotal.Inc()
	}
}

func evalMatch(match Matcher, msg message.Message) (matched bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			matched = false
			err = fmt.Errorf("matcher panic: %v", rec)
		}
	}()
	return match(msg), nil
}

func applyTransform(tr Transform, msg message.Message) (out message.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("transform panic: %v", rec)
		}
	}()
	return tr(msg), nil
}
