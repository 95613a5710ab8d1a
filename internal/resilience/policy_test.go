package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/ratelimit"
)

func tracer(name string, log *[]string) Pattern {
	return PatternFunc{Label: name, Fn: func(ctx context.Context, op Operation) error {
		*log = append(*log, name+">")
		err := op(ctx)
		*log = append(*log, "<"+name)
		return err
	}}
}

// TestPolicy_LayerOrder runs the first layer outermost.
func TestPolicy_LayerOrder(t *testing.T) {
	var log []string
	p := NewPolicy("svc").
		WithPattern(tracer("a", &log)).
		WithPattern(tracer("b", &log)).
		WithPattern(tracer("c", &log)).
		Build()

	require.NoError(t, p.Execute(context.Background(), func(context.Context) error {
		log = append(log, "op")
		return nil
	}))
	assert.Equal(t, []string{"a>", "b>", "c>", "op", "<c", "<b", "<a"}, log)
}

// TestPolicy_BreakerSeesOneOutcomePerCall keeps retries inside the breaker.
func TestPolicy_BreakerSeesOneOutcomePerCall(t *testing.T) {
	cb, _ := newBreaker(2, time.Hour)
	p := NewPolicy("svc").
		WithPattern(cb).
		WithRetry(RetryPolicy{MaxAttempts: 3}).
		Build()

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errDown
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Stats().ConsecutiveFailures)
}

// TestDo_ReturnsValue threads a typed value through a policy.
func TestDo_ReturnsValue(t *testing.T) {
	p := NewPolicy("svc").WithTimeout(time.Second).WithRetry(RetryPolicy{MaxAttempts: 2}).Build()
	attempts := 0
	v, err := Do(context.Background(), p, func(context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, errDown
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// TestPolicy_Events reports retries, denials and breaker transitions.
func TestPolicy_Events(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(64, rec)
	cb, _ := newBreaker(1, time.Hour)
	limiter := ratelimit.NewTokenBucket(0.001, 1)

	p := NewPolicy("billing").
		WithEvents(d).
		WithPattern(cb).
		WithRetry(RetryPolicy{MaxAttempts: 2, ShouldRetry: func(err error) bool { return !fault.Is(err, fault.RateLimit) }}).
		WithRateLimiter(limiter).
		Build()
	m := NewManager(WithDispatcher(d))
	m.Register("billing", p)

	err := m.Execute(context.Background(), "billing", "charge", failing)
	require.Error(t, err)
	err = m.Execute(context.Background(), "billing", "charge", succeeding)
	require.True(t, IsCircuitOpen(err))
	require.NoError(t, m.Close(context.Background()))

	retries := rec.ofType(EventRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, "billing", retries[0].Service)
	assert.Equal(t, "charge", retries[0].Operation)

	limited := rec.ofType(EventRateLimited)
	require.Len(t, limited, 1)
	assert.Equal(t, "rate_limiter", limited[0].Pattern)

	changes := rec.ofType(EventStateChange)
	require.Len(t, changes, 1)
	assert.Equal(t, "open", changes[0].Outcome)
	assert.Equal(t, "billing", changes[0].Policy)

	failures := rec.ofType(EventFailure)
	require.NotEmpty(t, failures)
	assert.Equal(t, uint64(0), d.Dropped())
}

// TestPolicy_RebuildReportsTransitionOnce keeps one listener per breaker
// however often the builder is built.
func TestPolicy_RebuildReportsTransitionOnce(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(64, rec)
	cb, clk := newBreaker(1, time.Minute)

	b := NewPolicy("billing").WithEvents(d).WithPattern(cb)
	b.Build()
	b.Build()
	p := b.Build()

	require.Error(t, p.Execute(context.Background(), failing))
	clk.Advance(2 * time.Minute)
	require.NoError(t, p.Execute(context.Background(), succeeding))
	require.NoError(t, d.Close(context.Background()))

	changes := rec.ofType(EventStateChange)
	require.Len(t, changes, 3)
	assert.Equal(t, "open", changes[0].Outcome)
	assert.Equal(t, "half_open", changes[1].Outcome)
	assert.Equal(t, "closed", changes[2].Outcome)
	for _, c := range changes {
		assert.Equal(t, "billing", c.Policy)
	}
}

// TestDispatcher_DropsWhenFull never blocks the emitter.
func TestDispatcher_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	d := NewDispatcher(1, HookFunc(func(Event) { <-block }))
	for i := 0; i < 10; i++ {
		d.Emit(Event{Type: EventStart})
	}
	assert.Positive(t, d.Dropped())
	close(block)
	require.NoError(t, d.Close(context.Background()))

	d.Emit(Event{Type: EventStart})
	assert.Positive(t, d.Dropped())
}

// TestDispatcher_HookPanic keeps delivering after a hook panics.
func TestDispatcher_HookPanic(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(8, HookFunc(func(Event) { panic("bad hook") }), rec)
	d.Emit(Event{Type: EventSuccess})
	d.Emit(Event{Type: EventSuccess})
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, rec.ofType(EventSuccess), 2)
}

// TestManager_Routing uses per-service, default and no policy.
func TestManager_Routing(t *testing.T) {
	var log []string
	m := NewManager()
	m.Register("a", NewPolicy("a").WithPattern(tracer("a", &log)).Build())

	require.NoError(t, m.Execute(context.Background(), "a", "op", succeeding))
	require.NoError(t, m.Execute(context.Background(), "b", "op", succeeding))
	assert.Equal(t, []string{"a>", "<a"}, log)

	m2 := NewManager(WithDefaultPolicy(NewPolicy("default").WithPattern(tracer("d", &log)).Build()))
	v, err := ExecuteValue(context.Background(), m2, "x", "op", func(ctx context.Context) (string, error) {
		return CallFrom(ctx).Service, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	assert.Equal(t, []string{"a>", "<a", "d>", "<d"}, log)
	assert.Equal(t, []string{"a"}, m.Services())
}

// TestFromConfig builds the canonical layer order.
func TestFromConfig(t *testing.T) {
	p, err := FromConfig("api", PolicyConfig{
		Timeout:        time.Second,
		CircuitBreaker: &CircuitBreakerSettings{FailureThreshold: 3},
		Retry:          &RetryConfig{MaxAttempts: 3, Base: time.Millisecond},
		RateLimit:      &ratelimit.Config{Algorithm: ratelimit.AlgorithmTokenBucket, Rate: 100, Burst: 10},
		Bulkhead:       &BulkheadConfig{MaxConcurrency: 4},
	}, nil)
	require.NoError(t, err)

	var names []string
	for _, l := range p.Layers() {
		names = append(names, l.Name())
	}
	assert.Equal(t, []string{"timeout", "circuit_breaker", "retry", "rate_limiter", "bulkhead"}, names)
}

// TestFromConfig_Invalid rejects bad settings.
func TestFromConfig_Invalid(t *testing.T) {
	_, err := FromConfig("api", PolicyConfig{Retry: &RetryConfig{MaxAttempts: 0}}, nil)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	_, err = FromConfig("api", PolicyConfig{Retry: &RetryConfig{MaxAttempts: 2, Backoff: "linear"}}, nil)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	_, err = FromConfig("api", PolicyConfig{RateLimit: &ratelimit.Config{Algorithm: "nope"}}, nil)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}
