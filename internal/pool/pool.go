// Package pool implements a generic object pool with bounded size, idle and
// lifetime eviction, background maintenance and RAII-style guards.
//
// Every live instance is in exactly one place: the idle list, the in-use set,
// or being destroyed. A semaphore of MaxSize permits gates Acquire, and an
// instance is only created when the idle list is empty, so idle plus active
// never exceeds MaxSize.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/fault"
)

var (
	// ErrAcquireTimeout is wrapped by Acquire when no permit frees up within
	// AcquireTimeout.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")

	// ErrClosed is wrapped by Acquire after Close.
	ErrClosed = errors.New("pool: closed")
)

type entry[T any] struct {
	value     T
	createdAt time.Time
	lastUsed  time.Time
	uses      uint64
	destroyed atomic.Bool
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Size   int `json:"size"`
	Idle   int `json:"idle"`
	Active int `json:"active"`

	TotalAcquisitions uint64 `json:"total_acquisitions"`
	TotalReleases     uint64 `json:"total_releases"`
	TotalCreates      uint64 `json:"total_creates"`
	TotalDestroys     uint64 `json:"total_destroys"`
	Hits              uint64 `json:"hits"`
	Misses            uint64 `json:"misses"`
	Timeouts          uint64 `json:"timeouts"`
}

type options struct {
	logger *slog.Logger
	clock  clock.Clock
	bus    *Bus
	intn   func(n int) int
}

// Option configures a pool.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock used for age and idle checks.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBus publishes lifecycle events to b.
func WithBus(b *Bus) Option {
	return func(o *options) { o.bus = b }
}

// Pool hands out instances of T.
type Pool[T any] struct {
	res  Resource[T]
	cfg  Config
	sem  *semaphore.Weighted
	log  *slog.Logger
	clk  clock.Clock
	bus  *Bus
	intn func(n int) int

	mu     sync.Mutex
	idle   []*entry[T]
	inUse  map[*entry[T]]struct{}
	live   int // idle + in use + being created
	closed bool

	acquisitions atomic.Uint64
	releases     atomic.Uint64
	creates      atomic.Uint64
	destroys     atomic.Uint64
	hits         atomic.Uint64
	misses       atomic.Uint64
	timeouts     atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates a pool and starts its maintenance task if configured. The pool
// starts empty; call Warm to pre-create MinSize instances.
func New[T any](res Resource[T], cfg Config, opts ...Option) (*Pool[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrap(fault.Validation, err, "pool "+res.ID())
	}
	o := options{logger: slog.Default(), intn: rand.IntN}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		res:    res,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxSize)),
		log:    o.logger.With("pool", res.ID()),
		clk:    clock.OrDefault(o.clock),
		bus:    o.bus,
		intn:   o.intn,
		inUse:  make(map[*entry[T]]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.MaintenanceInterval > 0 {
		p.wg.Add(1)
		go p.maintenanceLoop()
	}
	return p, nil
}

// ID returns the resource ID.
func (p *Pool[T]) ID() string { return p.res.ID() }

// Dependencies returns the resource's dependencies.
func (p *Pool[T]) Dependencies() []string { return p.res.Dependencies() }

// Config returns the pool configuration.
func (p *Pool[T]) Config() Config { return p.cfg }

// Acquire checks out an instance, waiting up to AcquireTimeout for a permit.
func (p *Pool[T]) Acquire(ctx context.Context) (*Guard[T], error) {
	if p.isClosed() {
		return nil, p.closedErr()
	}
	if err := p.acquirePermit(ctx); err != nil {
		return nil, err
	}
	e, err := p.checkout(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.acquisitions.Add(1)
	p.publish(EventAcquired, e, "")
	return &Guard[T]{pool: p, e: e}, nil
}

// Checkout implements Managed.
func (p *Pool[T]) Checkout(ctx context.Context) (Lease, error) {
	g, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return lease[T]{g}, nil
}

type lease[T any] struct{ *Guard[T] }

func (l lease[T]) Value() any { return l.Guard.Value() }

func (p *Pool[T]) acquirePermit(ctx context.Context) error {
	if p.sem.TryAcquire(1) {
		return nil
	}
	actx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := p.sem.Acquire(actx, 1); err != nil {
		if cause := ctx.Err(); cause != nil {
			return fault.Wrap(fault.KindOf(cause), cause, "pool "+p.ID()+": acquire")
		}
		p.timeouts.Add(1)
		return fault.Annotate(
			fault.Wrap(fault.Retryable, ErrAcquireTimeout, fmt.Sprintf("pool %s: no instance within %s", p.ID(), p.cfg.AcquireTimeout)),
			map[string]string{"pool": p.ID(), "acquire_timeout": p.cfg.AcquireTimeout.String()},
		)
	}
	return nil
}

// checkout returns an instance for a caller holding a permit.
func (p *Pool[T]) checkout(ctx context.Context) (*entry[T], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, p.closedErr()
		}
		if len(p.idle) == 0 {
			p.live++
			p.mu.Unlock()
			break
		}
		e := p.popLocked()
		p.inUse[e] = struct{}{}
		p.mu.Unlock()

		if reason := p.stale(ctx, e); reason != "" {
			p.destroy(e, reason)
			continue
		}
		p.hits.Add(1)
		e.uses++
		e.lastUsed = p.clk.Now()
		return e, nil
	}

	p.misses.Add(1)
	e, err := p.create(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.inUse[e] = struct{}{}
	p.mu.Unlock()
	e.uses++
	return e, nil
}

func (p *Pool[T]) popLocked() *entry[T] {
	var i int
	switch p.cfg.Strategy {
	case LIFO:
		i = len(p.idle) - 1
	case Random:
		i = p.intn(len(p.idle))
	default:
		i = 0
	}
	e := p.idle[i]
	p.idle = slices.Delete(p.idle, i, i+1)
	return e
}

// stale reports why an idle instance must not be handed out, or "".
func (p *Pool[T]) stale(ctx context.Context, e *entry[T]) (reason string) {
	now := p.clk.Now()
	if p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) >= p.cfg.MaxLifetime {
		return "expired"
	}
	if p.cfg.IdleTimeout > 0 && now.Sub(e.lastUsed) >= p.cfg.IdleTimeout {
		return "idle"
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("resource health check panicked", "panic", r)
			reason = "invalid"
		}
	}()
	if !p.res.IsValid(ctx, e.value) {
		return "invalid"
	}
	return ""
}

// create builds a new instance. The caller has already counted it in live;
// on failure create uncounts it.
func (p *Pool[T]) create(ctx context.Context) (e *entry[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.Newf(fault.Fatal, "pool %s: create panicked: %v", p.ID(), r)
		}
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			p.log.Warn("resource create failed", "error", err)
		}
	}()
	v, err := p.res.Create(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Retryable, err, "pool "+p.ID()+": create")
	}
	now := p.clk.Now()
	e = &entry[T]{value: v, createdAt: now, lastUsed: now}
	p.creates.Add(1)
	p.publish(EventCreated, e, "")
	return e, nil
}

// release returns a checked-out instance. The permit is freed last, after the
// instance is back in the idle list, so the next permit holder can find it.
func (p *Pool[T]) release(e *entry[T], recycle bool) {
	defer p.sem.Release(1)
	p.releases.Add(1)
	p.publish(EventReleased, e, "")

	if !recycle {
		p.destroy(e, "discarded")
		return
	}
	if p.isClosed() {
		p.destroy(e, "shutdown")
		return
	}
	if err := p.recycle(e); err != nil {
		p.log.Debug("resource recycle failed", "error", err)
		p.destroy(e, "recycle_failed")
		return
	}
	if p.cfg.MaxLifetime > 0 && p.clk.Now().Sub(e.createdAt) >= p.cfg.MaxLifetime {
		p.destroy(e, "expired")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(e, "shutdown")
		return
	}
	delete(p.inUse, e)
	e.lastUsed = p.clk.Now()
	p.idle = append(p.idle, e)
	p.mu.Unlock()
}

func (p *Pool[T]) recycle(e *entry[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recycle panicked: %v", r)
		}
	}()
	return p.res.Recycle(p.ctx, e.value)
}

// destroy retires an instance that is in use or in transit.
func (p *Pool[T]) destroy(e *entry[T], reason string) {
	p.mu.Lock()
	p.retireLocked(e)
	p.mu.Unlock()
	p.finalize(e, reason)
}

func (p *Pool[T]) retireLocked(e *entry[T]) {
	delete(p.inUse, e)
	p.live--
}

// finalize runs Cleanup exactly once per instance.
func (p *Pool[T]) finalize(e *entry[T], reason string) {
	if !e.destroyed.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("resource cleanup panicked", "panic", r)
		}
	}()
	p.destroys.Add(1)
	p.publish(EventDestroyed, e, reason)
	if err := p.res.Cleanup(e.value); err != nil {
		p.log.Warn("resource cleanup failed", "reason", reason, "error", err)
	}
}

// Warm creates instances until MinSize are live. It stops early without error
// when every permit is taken.
func (p *Pool[T]) Warm(ctx context.Context) error {
	for {
		if !p.sem.TryAcquire(1) {
			return nil
		}
		p.mu.Lock()
		if p.closed || p.live >= p.cfg.MinSize {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil
		}
		p.live++
		p.mu.Unlock()

		e, err := p.create(ctx)
		if err != nil {
			p.sem.Release(1)
			return err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.destroy(e, "shutdown")
			p.sem.Release(1)
			return nil
		}
		p.idle = append(p.idle, e)
		p.mu.Unlock()
		p.sem.Release(1)
	}
}

// Maintain runs one sweep: evict idle and expired instances, then top up to
// MinSize.
func (p *Pool[T]) Maintain(ctx context.Context) error {
	p.publish(EventMaintenanceStarted, nil, "")
	now := p.clk.Now()

	type evicted struct {
		e      *entry[T]
		reason string
	}
	var out []evicted
	p.mu.Lock()
	kept := p.idle[:0]
	for _, e := range p.idle {
		switch {
		case p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) >= p.cfg.MaxLifetime:
			out = append(out, evicted{e, "expired"})
			p.retireLocked(e)
		case p.cfg.IdleTimeout > 0 && now.Sub(e.lastUsed) >= p.cfg.IdleTimeout:
			out = append(out, evicted{e, "idle"})
			p.retireLocked(e)
		default:
			kept = append(kept, e)
		}
	}
	clear(p.idle[len(kept):])
	p.idle = kept
	p.mu.Unlock()

	for _, ev := range out {
		p.finalize(ev.e, ev.reason)
	}
	if len(out) > 0 {
		p.log.Debug("pool maintenance evicted instances", "count", len(out))
	}
	return p.Warm(ctx)
}

func (p *Pool[T]) maintenanceLoop() {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.MaintenanceInterval)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			if err := p.Maintain(p.ctx); err != nil && p.ctx.Err() == nil {
				p.log.Warn("pool maintenance failed", "error", err)
			}
		}
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	s := Stats{Size: p.live, Idle: len(p.idle), Active: len(p.inUse)}
	p.mu.Unlock()
	s.TotalAcquisitions = p.acquisitions.Load()
	s.TotalReleases = p.releases.Load()
	s.TotalCreates = p.creates.Load()
	s.TotalDestroys = p.destroys.Load()
	s.Hits = p.hits.Load()
	s.Misses = p.misses.Load()
	s.Timeouts = p.timeouts.Load()
	return s
}

// Close stops maintenance, waits for outstanding guards to be released, then
// cleans up every idle instance. If ctx ends first, idle instances are still
// cleaned up and guards released later destroy their instance directly.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()

		drainErr := p.sem.Acquire(ctx, int64(p.cfg.MaxSize))

		p.mu.Lock()
		idle := p.idle
		p.idle = nil
		for _, e := range idle {
			p.retireLocked(e)
		}
		p.mu.Unlock()
		for _, e := range idle {
			p.finalize(e, "shutdown")
		}
		if drainErr != nil {
			p.closeErr = fault.Wrap(fault.KindOf(drainErr), drainErr, "pool "+p.ID()+": drain")
		}
		p.log.Debug("pool closed", "destroyed", len(idle))
	})
	return p.closeErr
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[T]) closedErr() error {
	return fault.Wrap(fault.Fatal, ErrClosed, "pool "+p.ID())
}

func (p *Pool[T]) publish(typ EventType, e *entry[T], reason string) {
	if p.bus == nil {
		return
	}
	now := p.clk.Now()
	ev := Event{Type: typ, Pool: p.ID(), At: now, Reason: reason}
	if e != nil {
		ev.Age = now.Sub(e.createdAt)
		ev.Uses = e.uses
	}
	p.bus.Publish(ev)
}

// Guard is a checked-out instance. Release or Discard it exactly once;
// further calls are no-ops.
type Guard[T any] struct {
	pool *Pool[T]
	e    *entry[T]
	done atomic.Bool
}

// Value returns the instance.
func (g *Guard[T]) Value() T { return g.e.value }

// Uses returns how many times the instance has been checked out.
func (g *Guard[T]) Uses() uint64 { return g.e.uses }

// Release recycles the instance back into the pool.
func (g *Guard[T]) Release() {
	if g.done.CompareAndSwap(false, true) {
		g.pool.release(g.e, true)
	}
}

// Discard destroys the instance instead of returning it.
func (g *Guard[T]) Discard() {
	if g.done.CompareAndSwap(false, true) {
		g.pool.release(g.e, false)
	}
}
