package bus

import (
	"sync"

	"main/internal/schema"
)

// EphemeralSub is a best-effort live tap. Overflow drops the oldest
// buffered envelope; nothing is redelivered after a disconnect.
type EphemeralSub struct {
	pattern schema.Topic
	ch      chan schema.Envelope
	detach  func(*EphemeralSub)

	mu     sync.Mutex
	closed bool
}

func newEphemeralSub(pattern schema.Topic, buffer int, detach func(*EphemeralSub)) *EphemeralSub {
	return &EphemeralSub{
		pattern: pattern,
		ch:      make(chan schema.Envelope, buffer),
		detach:  detach,
	}
}

// C returns the tap's delivery channel. It closes on Unsubscribe or
// broker shutdown.
func (s *EphemeralSub) C() <-chan schema.Envelope {
	return s.ch
}

// Unsubscribe detaches the tap from the broker and closes its channel.
func (s *EphemeralSub) Unsubscribe() {
	s.detach(s)
	s.close()
}

// offer buffers the envelope, evicting the oldest entry when full.
func (s *EphemeralSub) offer(env schema.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- env:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *EphemeralSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
