// Package resilience provides the composable fault-tolerance primitives used
// around pool acquisition, credential refresh and action dispatch: retry with
// backoff, circuit breaker, bulkhead, timeout and rate limiting, plus the
// Policy builder that layers them and the Manager that holds one policy per
// downstream service.
//
// # Composition
//
// A Policy runs its layers outermost first. The canonical order built by
// FromConfig is
//
//	Timeout -> CircuitBreaker -> Retry -> RateLimiter -> Bulkhead -> op
//
// so the timeout bounds the whole call including retries, the breaker sees one
// outcome per call, and each retry attempt is rate limited and bulkheaded.
//
// # Errors
//
// Every primitive returns fault-classified errors: CircuitOpen, BulkheadFull,
// Timeout, RateLimit or Cancelled. Errors produced by the wrapped operation
// pass through with their kind intact; layers only merge context.
package resilience

import (
	"context"
	"sync"
)

// Operation is a unit of work guarded by a pattern.
type Operation func(ctx context.Context) error

// Pattern is one resilience primitive.
type Pattern interface {
	// Name identifies the pattern in events and error context.
	Name() string

	// Execute runs op under the pattern.
	Execute(ctx context.Context, op Operation) error
}

// Do runs fn under p and returns its value.
//
// The value is only taken from an invocation that finished before Do
// returned, so a Timeout layer abandoning fn never races with the caller.
func Do[T any](ctx context.Context, p Pattern, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		mu       sync.Mutex
		out      T
		finished bool
	)
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		if !finished {
			out = v
		}
		mu.Unlock()
		return nil
	})
	mu.Lock()
	finished = true
	v := out
	mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// PatternFunc adapts a function to Pattern.
type PatternFunc struct {
	Label string
	Fn    func(ctx context.Context, op Operation) error
}

// Name implements Pattern.
func (p PatternFunc) Name() string { return p.Label }

// Execute implements Pattern.
func (p PatternFunc) Execute(ctx context.Context, op Operation) error { return p.Fn(ctx, op) }

type callKey struct{}

// Call identifies the service and operation a pattern is guarding.
type Call struct {
	Service   string
	Operation string
}

// WithCall attaches call identity to ctx for events and error context.
func WithCall(ctx context.Context, service, operation string) context.Context {
	return context.WithValue(ctx, callKey{}, Call{Service: service, Operation: operation})
}

// CallFrom returns the call identity attached to ctx, if any.
func CallFrom(ctx context.Context) Call {
	c, _ := ctx.Value(callKey{}).(Call)
	return c
}
