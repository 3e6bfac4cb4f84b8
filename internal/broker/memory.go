package broker

import (
	"context"
	"sync"

	"github.com/relaychat/relay/internal/event"
)

// endpointBuffer bounds each endpoint's in-flight events.
const endpointBuffer = 256

// Exchange is an in-process stand-in for the shared broadcast channel.
// Several endpoints attached to one exchange behave like processes attached
// to one broker: a publish on any endpoint reaches every endpoint subscribed
// to the event's room, the publisher included.
type Exchange struct {
	mu        sync.RWMutex
	endpoints map[*Memory]struct{}
}

// NewExchange creates an exchange with no endpoints.
func NewExchange() *Exchange {
	return &Exchange{endpoints: make(map[*Memory]struct{})}
}

// Endpoint attaches a new broker endpoint to the exchange. Events for the
// endpoint's subscribed rooms are handed to handler by a dedicated dispatch
// goroutine, preserving each publisher's per-room order.
func (x *Exchange) Endpoint(handler Handler) *Memory {
	m := &Memory{
		exchange: x,
		handler:  handler,
		topics:   make(map[string]struct{}),
		inbox:    make(chan event.Event, endpointBuffer),
		done:     make(chan struct{}),
	}
	go m.dispatch()

	x.mu.Lock()
	x.endpoints[m] = struct{}{}
	x.mu.Unlock()
	return m
}

func (x *Exchange) route(evt event.Event) {
	x.mu.RLock()
	targets := make([]*Memory, 0, len(x.endpoints))
	for m := range x.endpoints {
		if m.subscribed(evt.RoomID) {
			targets = append(targets, m)
		}
	}
	x.mu.RUnlock()

	for _, m := range targets {
		select {
		case m.inbox <- evt:
		case <-m.done:
		}
	}
}

func (x *Exchange) detach(m *Memory) {
	x.mu.Lock()
	delete(x.endpoints, m)
	x.mu.Unlock()
}

// Memory is one endpoint of an Exchange, implementing Broker.
type Memory struct {
	exchange *Exchange
	handler  Handler
	inbox    chan event.Event
	done     chan struct{}
	once     sync.Once

	mu     sync.RWMutex
	topics map[string]struct{}
}

func (m *Memory) dispatch() {
	for {
		select {
		case evt := <-m.inbox:
			m.handler(evt)
		case <-m.done:
			return
		}
	}
}

func (m *Memory) subscribed(roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.topics[roomID]
	return ok
}

// Publish routes the event to every subscribed endpoint on the exchange.
func (m *Memory) Publish(_ context.Context, evt event.Event) error {
	select {
	case <-m.done:
		return ErrUnavailable
	default:
	}
	m.exchange.route(evt)
	return nil
}

// Subscribe registers interest in a room's events. Idempotent.
func (m *Memory) Subscribe(roomID string) error {
	m.mu.Lock()
	m.topics[roomID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Unsubscribe drops interest in a room's events. Idempotent.
func (m *Memory) Unsubscribe(roomID string) error {
	m.mu.Lock()
	delete(m.topics, roomID)
	m.mu.Unlock()
	return nil
}

// Close detaches the endpoint and stops its dispatch goroutine.
func (m *Memory) Close() error {
	m.once.Do(func() {
		m.exchange.detach(m)
		close(m.done)
	})
	return nil
}
