package channel

import (
	"sync"

	"fluxbridge/go-engine/pkg/message"
)

// segment is the in-process mock transport: every joined endpoint hears every
// frame except its own. Frames published before an endpoint attaches its
// handler wait in a mailbox, mirroring a socket that buffers while the reader
// is not draining yet.
type segment struct {
	mu       sync.Mutex
	joined   map[string]bool
	handlers map[string]func(message.Message)
	mailbox  map[string][]message.Message
}

var sharedSegment = &segment{
	joined:   make(map[string]bool),
	handlers: make(map[string]func(message.Message)),
	mailbox:  make(map[string][]message.Message),
}

func (s *segment) join(endpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined[endpointID] = true
}

func (s *segment) leave(endpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joined, endpointID)
	delete(s.handlers, endpointID)
	delete(s.mailbox, endpointID)
}

func (s *segment) attach(endpointID string, handler func(message.Message)) {
	s.mu.Lock()
	s.handlers[endpointID] = handler
	pending := append([]message.Message(nil), s.mailbox[endpointID]...)
	delete(s.mailbox, endpointID)
	s.mu.Unlock()

	for _, msg := range pending {
		handler(msg)
	}
}

func (s *segment) publish(origin string, msg message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.joined {
		if id == origin {
			continue
		}
		if handler, ok := s.handlers[id]; ok {
			go handler(msg)
			continue
		}
		s.mailbox[id] = append(s.mailbox[id], msg)
	}
}
