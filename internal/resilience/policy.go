package resilience

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/ratelimit"
)

// Policy is an ordered stack of patterns. The first layer added is the
// outermost and runs first.
type Policy struct {
	name   string
	layers []Pattern
	events *Dispatcher
}

// PolicyBuilder assembles a Policy.
type PolicyBuilder struct {
	p Policy

	// built is the most recent Build result. Breaker transitions are
	// reported through it, so each breaker is hooked once per builder.
	built  atomic.Pointer[Policy]
	hooked map[*CircuitBreaker]struct{}
}

// NewPolicy starts a policy named name.
func NewPolicy(name string) *PolicyBuilder {
	return &PolicyBuilder{p: Policy{name: name}}
}

// WithTimeout appends a timeout layer.
func (b *PolicyBuilder) WithTimeout(d time.Duration) *PolicyBuilder {
	return b.WithPattern(NewTimeout(d))
}

// WithCircuitBreaker appends a breaker layer.
func (b *PolicyBuilder) WithCircuitBreaker(cfg CircuitBreakerConfig) *PolicyBuilder {
	if cfg.Name == "" {
		cfg.Name = b.p.name
	}
	return b.WithPattern(NewCircuitBreaker(cfg))
}

// WithRetry appends a retry layer.
func (b *PolicyBuilder) WithRetry(policy RetryPolicy) *PolicyBuilder {
	return b.WithPattern(NewRetry(policy))
}

// WithRateLimiter appends a rate limit layer that fails fast on denial.
func (b *PolicyBuilder) WithRateLimiter(l ratelimit.Limiter) *PolicyBuilder {
	return b.WithPattern(NewRateLimiter(l, false))
}

// WithBulkhead appends a bulkhead layer.
func (b *PolicyBuilder) WithBulkhead(cfg BulkheadConfig) *PolicyBuilder {
	if cfg.Name == "" {
		cfg.Name = b.p.name
	}
	return b.WithPattern(NewBulkhead(cfg))
}

// WithPattern appends an arbitrary pattern.
func (b *PolicyBuilder) WithPattern(p Pattern) *PolicyBuilder {
	b.p.layers = append(b.p.layers, p)
	return b
}

// WithEvents routes the policy's events to d.
func (b *PolicyBuilder) WithEvents(d *Dispatcher) *PolicyBuilder {
	b.p.events = d
	return b
}

// Build returns the policy. Building again reuses the same layers, and
// breaker transitions are then reported through the latest build only.
func (b *PolicyBuilder) Build() *Policy {
	p := b.p
	p.layers = append([]Pattern(nil), b.p.layers...)
	pol := &p
	b.built.Store(pol)
	for _, l := range pol.layers {
		cb, ok := l.(*CircuitBreaker)
		if !ok {
			continue
		}
		if _, done := b.hooked[cb]; done {
			continue
		}
		if b.hooked == nil {
			b.hooked = make(map[*CircuitBreaker]struct{})
		}
		b.hooked[cb] = struct{}{}
		cb.OnStateChange(func(from, to State) {
			b.built.Load().emit(Event{
				Type:    EventStateChange,
				Pattern: cb.Name(),
				Outcome: to.String(),
				Metadata: map[string]string{
					"breaker": cb.cfg.Name,
					"from":    from.String(),
					"to":      to.String(),
				},
			})
		})
	}
	return pol
}

// Name returns the policy name.
func (p *Policy) Name() string { return p.name }

// Layers returns the patterns outermost first.
func (p *Policy) Layers() []Pattern { return append([]Pattern(nil), p.layers...) }

// Execute implements Pattern, so policies nest.
func (p *Policy) Execute(ctx context.Context, op Operation) error {
	if len(p.layers) == 0 {
		return op(ctx)
	}
	if p.events != nil {
		ctx = context.WithValue(ctx, emitterKey{}, p)
	}
	next := op
	for i := len(p.layers) - 1; i >= 0; i-- {
		next = p.wrap(i, next)
	}
	return next(ctx)
}

func (p *Policy) wrap(depth int, inner Operation) Operation {
	layer := p.layers[depth]
	if p.events == nil {
		return func(ctx context.Context) error { return layer.Execute(ctx, inner) }
	}
	return func(ctx context.Context) error {
		call := CallFrom(ctx)
		meta := map[string]string{"depth": strconv.Itoa(depth)}
		p.emitCall(call, Event{Type: EventStart, Pattern: layer.Name(), Metadata: meta})
		start := time.Now()
		err := layer.Execute(ctx, inner)
		ev := Event{Pattern: layer.Name(), Duration: time.Since(start), Outcome: outcomeOf(err), Metadata: meta}
		switch {
		case err == nil:
			ev.Type = EventSuccess
		default:
			ev.Type = EventFailure
			if produced(err, layer) {
				switch fault.KindOf(err) {
				case fault.RateLimit:
					p.emitCall(call, Event{
						Type:     EventRateLimited,
						Pattern:  layer.Name(),
						Outcome:  outcomeOf(err),
						Metadata: map[string]string{"retry_after": fault.RetryAfterOf(err).String()},
					})
				case fault.BulkheadFull:
					p.emitCall(call, Event{Type: EventBulkheadSaturated, Pattern: layer.Name(), Outcome: outcomeOf(err)})
				}
			}
		}
		p.emitCall(call, ev)
		return err
	}
}

// produced reports whether err was raised by layer itself rather than passed
// through from further in.
func produced(err error, layer Pattern) bool {
	fe := fault.From(err)
	return fe != nil && fe.Context["pattern"] == layer.Name()
}

func (p *Policy) emitCall(c Call, e Event) {
	e.Service = c.Service
	e.Operation = c.Operation
	p.emit(e)
}

func (p *Policy) emit(e Event) {
	if p.events == nil {
		return
	}
	e.Policy = p.name
	p.events.Emit(e)
}

type emitterKey struct{}

// emitFrom reports a pattern-internal event to the policy running ctx, if any.
func emitFrom(ctx context.Context, e Event) {
	if p, ok := ctx.Value(emitterKey{}).(*Policy); ok {
		p.emitCall(CallFrom(ctx), e)
	}
}
