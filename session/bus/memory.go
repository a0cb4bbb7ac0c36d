package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/distribution-auth/sessionkeeper/session"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("bus closed")

// Origin connects the Memory buses of contexts living in the same process.
type Origin struct {
	mu      sync.RWMutex
	members []*Memory
}

// NewOrigin returns an Origin without members.
func NewOrigin() *Origin {
	return &Origin{}
}

// Join returns a new Memory bus attached to the origin.
func (o *Origin) Join() *Memory {
	m := &Memory{
		origin: o,
	}

	o.mu.Lock()
	o.members = append(o.members, m)
	o.mu.Unlock()

	return m
}

func (o *Origin) leave(m *Memory) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, member := range o.members {
		if member == m {
			o.members = append(o.members[:i], o.members[i+1:]...)

			return
		}
	}
}

func (o *Origin) siblings(m *Memory) []*Memory {
	o.mu.RLock()
	defer o.mu.RUnlock()

	siblings := make([]*Memory, 0, len(o.members))
	for _, member := range o.members {
		if member != m {
			siblings = append(siblings, member)
		}
	}

	return siblings
}

// Memory is a Bus delivering synchronously to the other members of its Origin:
// Publish returns after every sibling handler ran.
type Memory struct {
	origin *Origin

	mu            sync.Mutex
	subscriptions []subscription
	nextID        int
	closed        bool
}

type subscription struct {
	id      int
	handler session.MessageHandler
}

func (m *Memory) Publish(_ context.Context, message session.Message) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}

	for _, sibling := range m.origin.siblings(m) {
		sibling.deliver(message)
	}

	return nil
}

func (m *Memory) deliver(message session.Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return
	}

	subscriptions := make([]subscription, len(m.subscriptions))
	copy(subscriptions, m.subscriptions)
	m.mu.Unlock()

	for _, s := range subscriptions {
		s.handler(cloneMessage(message))
	}
}

func (m *Memory) Subscribe(handler session.MessageHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	m.subscriptions = append(m.subscriptions, subscription{id: id, handler: handler})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		for i, s := range m.subscriptions {
			if s.id == id {
				m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)

				return
			}
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	m.subscriptions = nil
	m.mu.Unlock()

	m.origin.leave(m)

	return nil
}

// cloneMessage keeps receivers from sharing the payload with the publisher.
func cloneMessage(message session.Message) session.Message {
	if message.Payload != nil {
		payload := *message.Payload
		message.Payload = &payload
	}

	return message
}
