package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a pool lifecycle event.
type EventType string

const (
	EventAcquired           EventType = "acquired"
	EventReleased           EventType = "released"
	EventCreated            EventType = "created"
	EventDestroyed          EventType = "destroyed"
	EventMaintenanceStarted EventType = "maintenance_started"
)

// Event is published on the pool's Bus.
type Event struct {
	Type EventType
	Pool string
	At   time.Time

	// Age and Uses describe the instance involved, when there is one.
	Age  time.Duration
	Uses uint64

	// Reason explains a Destroyed event: "expired", "idle", "invalid",
	// "recycle_failed", "discarded" or "shutdown".
	Reason string
}

// Bus broadcasts events to bounded subscriber channels. A subscriber that
// falls behind misses events; Publish never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	next   int
	closed bool
}

type subscriber struct {
	ch     chan Event
	lagged atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	C <-chan Event

	bus *Bus
	id  int
	sub *subscriber
}

// Lagged returns the number of events this subscriber missed.
func (s *Subscription) Lagged() uint64 { return s.sub.lagged.Load() }

// Close detaches the subscriber and closes C.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.sub.ch)
	}
}

// Subscribe registers a subscriber with the given channel capacity.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.closed {
		close(sub.ch)
	} else {
		b.subs[id] = sub
	}
	return &Subscription{C: sub.ch, bus: b, id: id, sub: sub}
}

// Publish delivers e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.lagged.Add(1)
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
