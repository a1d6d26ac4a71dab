// Package bus fans dispatched messages out to local consumers with a bounded
// replayable backlog.
package bus

import (
	"sync"
	"time"

	"fluxbridge/go-engine/pkg/message"
)

type Event struct {
	Seq       int64
	Message   message.Message
	Timestamp time.Time
}

// Hub never blocks publishers: a subscriber that falls more than a channel
// buffer behind is evicted and observes its channel closing.
type Hub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]chan Event
	nextSub int
}

func NewHub(limit int) *Hub {
	if limit < 1 {
		limit = 1
	}
	return &Hub{
		limit: limit,
		subs:  make(map[int]chan Event),
	}
}

func (h *Hub) Publish(msg message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := Event{
		Seq:       h.nextSeq,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]Event(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
}

// SubscribeFrom returns every retained event with Seq > fromSeq plus a live
// channel for what follows. Use fromSeq 0 to replay the whole backlog.
func (h *Hub) SubscribeFrom(fromSeq int64) ([]Event, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]Event, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	return replay, ch, func() { h.drop(id) }
}

// Subscribe returns a live-only message stream. This is the shape the engine
// consumes; eviction closes the stream.
func (h *Hub) Subscribe() (<-chan message.Message, func()) {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = ch
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.drop(id)
			close(done)
		})
	}

	out := make(chan message.Message, 128)
	go func() {
		defer close(out)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- event.Message:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
	return out, cancel
}

func (h *Hub) drop(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub)
		delete(h.subs, id)
	}
}

func (h *Hub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}
