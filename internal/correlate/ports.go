package correlate

import (
	"context"

	"fluxbridge/go-engine/pkg/message"
)

// Emitter owns the outbound half of the duplex channel. Implementations send
// the envelope as-is; correlation tagging happens before Emit is called.
type Emitter interface {
	Emit(ctx context.Context, msg message.Message) error
}

// DispatchBus distributes dispatched messages to local consumers. Publish
// must not block on slow consumers, and Subscribe must deliver every message
// published after the subscription is taken, in publish order, until the
// cancel func runs or the subscriber is evicted (channel closed).
type DispatchBus interface {
	Publish(msg message.Message)
	Subscribe() (<-chan message.Message, func())
}
