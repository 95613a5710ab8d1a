package resilience

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/nebula/internal/fault"
)

// EventType identifies what happened.
type EventType string

const (
	EventStart             EventType = "start"
	EventSuccess           EventType = "success"
	EventFailure           EventType = "failure"
	EventRetry             EventType = "retry"
	EventStateChange       EventType = "state_change"
	EventRateLimited       EventType = "rate_limited"
	EventBulkheadSaturated EventType = "bulkhead_saturated"
)

// Event is delivered to hooks after the fact.
type Event struct {
	Type      EventType
	Pattern   string
	Policy    string
	Service   string
	Operation string
	Duration  time.Duration

	// Outcome is "success" or the failing error's kind.
	Outcome string

	Metadata map[string]string
	At       time.Time
}

// Hook receives resilience events. Hooks run on the dispatcher goroutine and
// must not block for long; events are dropped while the queue is full.
type Hook interface {
	OnEvent(Event)
}

// HookFunc adapts a function to Hook.
type HookFunc func(Event)

// OnEvent implements Hook.
func (f HookFunc) OnEvent(e Event) { f(e) }

// Dispatcher delivers events to hooks from a bounded queue on a background
// goroutine. Emit never blocks the caller.
type Dispatcher struct {
	queue   chan Event
	mu      sync.RWMutex
	hooks   []Hook
	dropped atomic.Uint64
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	logger  *slog.Logger
}

// NewDispatcher starts a dispatcher with a queue of size buffer.
func NewDispatcher(buffer int, hooks ...Hook) *Dispatcher {
	if buffer < 1 {
		buffer = 1024
	}
	d := &Dispatcher{
		queue:  make(chan Event, buffer),
		hooks:  hooks,
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	go d.loop()
	return d
}

// Subscribe adds a hook.
func (d *Dispatcher) Subscribe(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// Emit queues e, dropping it if the queue is full or the dispatcher closed.
func (d *Dispatcher) Emit(e Event) {
	if d == nil {
		return
	}
	if d.closed.Load() {
		d.dropped.Add(1)
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	defer func() {
		// Close may race with Emit; a send on the closed queue counts as a drop.
		if recover() != nil {
			d.dropped.Add(1)
		}
	}()
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.queue {
		d.mu.RLock()
		hooks := d.hooks
		d.mu.RUnlock()
		for _, h := range hooks {
			d.deliver(h, e)
		}
	}
}

func (d *Dispatcher) deliver(h Hook, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("resilience hook panicked", "event", e.Type, "pattern", e.Pattern, "panic", r)
		}
	}()
	h.OnEvent(e)
}

// Close stops accepting events and waits for queued ones to be delivered or
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.queue)
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogHook writes events to slog. Failures of the outermost layer log at
// Warn, breaker transitions at Info, everything else at Debug.
type LogHook struct {
	Logger *slog.Logger
}

// OnEvent implements Hook.
func (h LogHook) OnEvent(e Event) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"pattern", e.Pattern,
		"policy", e.Policy,
		"service", e.Service,
		"operation", e.Operation,
		"outcome", e.Outcome,
		"duration", e.Duration,
	}
	for k, v := range e.Metadata {
		attrs = append(attrs, k, v)
	}
	switch {
	case e.Type == EventFailure && e.Metadata["depth"] == "0":
		logger.Warn("resilience call failed", attrs...)
	case e.Type == EventStateChange:
		logger.Info("circuit breaker state changed", attrs...)
	default:
		logger.Debug("resilience event", append(attrs, "type", string(e.Type))...)
	}
}

// outcomeOf renders an error as an event outcome.
func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	return string(fault.KindOf(err))
}
