package nodes

import (
	"sync"
	"sync/atomic"

	"github.com/WebFirstLanguage/polykey/internal/metrics"
	"github.com/WebFirstLanguage/polykey/pkg/types"
)

// EventType identifies a connection lifecycle event
type EventType int

const (
	EventConnectionEstablished EventType = iota + 1
	EventConnectionDestroyed
)

func (t EventType) String() string {
	switch t {
	case EventConnectionEstablished:
		return "connection-established"
	case EventConnectionDestroyed:
		return "connection-destroyed"
	default:
		return "unknown"
	}
}

// Event is published on every connection lifecycle transition
type Event struct {
	Type         EventType
	NodeID       types.NodeID
	ConnectionID types.ConnectionID
	Address      types.NodeAddress
	Inbound      bool
	// Reason is set on destroyed events: idle, explicit, transport or stop
	Reason string
}

// Subscription receives events on C until closed
type Subscription struct {
	C <-chan Event

	ch      chan Event
	hub     *eventHub
	dropped atomic.Uint64
	once    sync.Once
}

// Close unsubscribes and closes C
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Dropped returns the number of events discarded because C was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

type eventHub struct {
	metrics *metrics.Recorder

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newEventHub(m *metrics.Recorder) *eventHub {
	return &eventHub{
		metrics: m,
		subs:    make(map[*Subscription]struct{}),
	}
}

func (h *eventHub) subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *eventHub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
	sub.once.Do(func() { close(sub.ch) })
}

// publish never blocks; slow subscribers lose events
func (h *eventHub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			h.metrics.ObserveEventDropped()
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}
