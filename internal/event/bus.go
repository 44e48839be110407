// Package event implements the typed, in-process publish/subscribe bus
// (C2) used for lifecycle and audit events across the core: session,
// context and page creation/destruction, browser launch/release/recycle,
// health outcomes, scaling plans and ownership denials. Types for browser
// acquisition, page errors and circuit-breaker transitions are declared,
// but no component publishes them.
//
// This generalizes the single untyped byte-channel bus the pack's
// foundation library uses (core/event.ChannelBus) into a bus of tagged
// Event values, one subscription channel per subscriber rather than one
// shared channel, and a documented drop-oldest overflow policy so a slow
// subscriber can never stall a publisher.
package event

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Type tags an Event's shape. Subscribers filter by Type.
type Type string

const (
	TypeSessionCreated   Type = "session:created"
	TypeSessionDestroyed Type = "session:destroyed"
	TypeSessionExpired   Type = "session:expired"
	TypeContextCreated   Type = "context:created"
	TypeContextClosed    Type = "context:closed"
	TypePageCreated      Type = "page:created"
	TypePageClosed       Type = "page:closed"
	TypePageError        Type = "page:error"
	TypeBrowserLaunched  Type = "browser:launched"
	TypeBrowserAcquired  Type = "browser:acquired"
	TypeBrowserReleased  Type = "browser:released"
	TypeBrowserUnhealthy Type = "browser:unhealthy"
	TypeBrowserRecycled  Type = "browser:recycled"
	TypeBrowserRecovered Type = "browser:recovered"
	TypeBreakerOpened    Type = "breaker:opened"
	TypeBreakerClosed    Type = "breaker:closed"
	TypeBreakerHalfOpen  Type = "breaker:half_open"
	TypeScalePlanned     Type = "scaler:planned"
	TypeAuditDenied      Type = "audit:denied"
)

// Event is one tagged occurrence on the bus. Fields is the event's payload
// as a flat key/value map so subscribers can be written generically
// without a type switch per event shape; Type is what subscribers filter
// on and what observers would key a structured-log or metrics emission by.
type Event struct {
	Type   Type
	Fields map[string]any
}

// DefaultSubscriberQueueSize bounds how many events a lagging subscriber
// may have buffered before the bus starts dropping its oldest unread
// event to make room for the newest one.
const DefaultSubscriberQueueSize = 64

type subscriber struct {
	ch     chan Event
	filter map[Type]bool // nil means "all types"
	mu     sync.Mutex
}

// Bus is the concrete, in-process event bus. It is safe for concurrent
// publishers and concurrent Subscribe/Unsubscribe calls.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	queueSize   int
	closed      bool
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithQueueSize overrides DefaultSubscriberQueueSize for every subscriber
// registered on this bus.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New builds an event bus ready to Publish and Subscribe on.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[int]*subscriber),
		queueSize:   DefaultSubscriberQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is returned by Subscribe; Events yields the filtered
// stream, Close stops delivery and releases the subscriber's queue.
type Subscription struct {
	id     int
	bus    *Bus
	events <-chan Event
}

// Events returns the channel of events matching the subscription's filter.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subscribers, s.id)
	}
}

// Subscribe registers a new subscriber. When types is empty the
// subscriber receives every event published on the bus; otherwise it
// receives only events whose Type is in types.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	sub := &subscriber{
		ch:     make(chan Event, b.queueSize),
		filter: filter,
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub

	return &Subscription{id: id, bus: b, events: sub.ch}
}

// Publish delivers ev to every matching subscriber. Publish never blocks:
// a subscriber whose queue is full has its oldest queued event dropped to
// make room, and the drop is logged at debug level so it is visible
// without being treated as an error — the bus makes no delivery guarantee
// to a subscriber that cannot keep up.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter[ev.Type] {
			continue
		}
		deliver(sub, ev)
	}
}

func deliver(sub *subscriber, ev Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Queue full: drop the oldest queued event, then retry once.
	select {
	case <-sub.ch:
		log.Debug().Str("event_type", string(ev.Type)).Msg("event bus: dropped oldest queued event for slow subscriber")
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		log.Debug().Str("event_type", string(ev.Type)).Msg("event bus: dropped event, subscriber queue still full")
	}
}

// Close unregisters all subscribers and stops accepting new publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
