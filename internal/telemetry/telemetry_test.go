package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/action/builtin"
	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/credential/apikey"
	"github.com/roach88/nebula/internal/engine"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/pool"
	"github.com/roach88/nebula/internal/resilience"
	fixtures "github.com/roach88/nebula/internal/testutil"
)

// TestMetrics_ResilienceEvents runs a policy through a dispatcher and checks
// the counters and the duration histogram.
func TestMetrics_ResilienceEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	events := resilience.NewDispatcher(16, m)
	p := resilience.NewPolicy("github").
		WithEvents(events).
		WithRetry(resilience.RetryPolicy{MaxAttempts: 2, Backoff: resilience.FixedBackoff{Interval: time.Millisecond}}).
		Build()

	calls := 0
	err = p.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return fault.New(fault.Retryable, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, events.Close(context.Background()))

	assert.InDelta(t, 1, testutil.ToFloat64(m.events.WithLabelValues("success", "github", "retry", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.events.WithLabelValues("start", "github", "retry", "")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.durations))
}

// TestMetrics_Completions checks completions are counted by status and
// failures by kind.
func TestMetrics_Completions(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveCompletion(engine.Completion{ActionKey: "core.echo", Decision: engine.Decision{Status: engine.StatusCompleted}})
	m.ObserveCompletion(engine.Completion{ActionKey: "core.echo", Decision: engine.Decision{Status: engine.StatusCompleted}})
	m.ObserveCompletion(engine.Completion{
		ActionKey: "http.request",
		Decision:  engine.Decision{Status: engine.StatusFailed},
		Failure:   fault.New(fault.Timeout, "slow"),
	})

	assert.InDelta(t, 2, testutil.ToFloat64(m.completions.WithLabelValues("core.echo", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.failures.WithLabelValues("http.request", "Timeout")), 0)
}

// TestMetrics_EngineHook wires ObserveCompletion into the engine's run loop.
func TestMetrics_EngineHook(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	reg := action.NewRegistry(nil)
	require.NoError(t, builtin.Register(reg))
	e := engine.New(reg, engine.OnCompletion(m.ObserveCompletion))

	require.True(t, e.Enqueue(engine.Invocation{ExecutionID: "x1", ActionKey: "core.echo", Input: json.RawMessage(`"hi"`)}))
	require.True(t, e.Enqueue(engine.Invocation{ExecutionID: "x2", ActionKey: "core.wait", Input: json.RawMessage(`{"event":"paid"}`)}))
	require.True(t, e.Enqueue(engine.Invocation{ExecutionID: "x3", ActionKey: "no.such"}))
	e.Stop()
	require.NoError(t, e.Run(context.Background()))

	assert.InDelta(t, 1, testutil.ToFloat64(m.completions.WithLabelValues("core.echo", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.completions.WithLabelValues("core.wait", "waiting")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.failures.WithLabelValues("no.such", "Validation")), 0)
}

// TestNewMetrics_DuplicateRegistration checks a second set on the same
// registry is refused.
func TestNewMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	var already prometheus.AlreadyRegisteredError
	assert.True(t, errors.As(err, &already))
}

// TestRegisterPool exposes pool gauges at scrape time.
func TestRegisterPool(t *testing.T) {
	ctx := context.Background()
	cfg := pool.DefaultConfig()
	cfg.MaxSize = 3
	cfg.MaintenanceInterval = 0
	p, err := pool.New[int](&fixtures.Counter{Name: "db"}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(ctx) })

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterPool(reg, p))

	g1, err := p.Acquire(ctx)
	require.NoError(t, err)
	g2, err := p.Acquire(ctx)
	require.NoError(t, err)
	g2.Release()

	expected := `
# HELP nebula_pool_active Instances checked out
# TYPE nebula_pool_active gauge
nebula_pool_active{pool="db"} 1
# HELP nebula_pool_idle Idle instances
# TYPE nebula_pool_idle gauge
nebula_pool_idle{pool="db"} 1
# HELP nebula_pool_size Live instances, idle and in use
# TYPE nebula_pool_size gauge
nebula_pool_size{pool="db"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"nebula_pool_active", "nebula_pool_idle", "nebula_pool_size"))
	g1.Release()
}

// TestRegisterPools labels every managed pool.
func TestRegisterPools(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.MaintenanceInterval = 0
	m := pool.NewManager(nil)
	for _, id := range []string{"cache", "db"} {
		p, err := pool.New[int](&fixtures.Counter{Name: id}, cfg)
		require.NoError(t, err)
		require.NoError(t, m.Register(p))
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterPools(reg, m))
	n, err := testutil.GatherAndCount(reg, "nebula_pool_size")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// TestRegisterCredentials exposes token cache counters.
func TestRegisterCredentials(t *testing.T) {
	ctx := context.Background()
	clk := fixtures.ManualClock()
	factories := credential.NewFactoryRegistry()
	apikey.Register(factories, clk)
	mgr := credential.NewManager(credential.NewMemoryStorage(), factories, fixtures.Keyring(t), credential.WithClock(clk))

	_, err := mgr.Create(ctx, credential.CreateRequest{ID: "svc", Type: apikey.Type, Input: json.RawMessage(`{"key":"k-12345678"}`)})
	require.NoError(t, err)
	for range 3 {
		_, err = mgr.GetToken(ctx, "svc")
		require.NoError(t, err)
	}

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterCredentials(reg, mgr))
	expected := `
# HELP nebula_token_cache_hits_total Token cache hits
# TYPE nebula_token_cache_hits_total counter
nebula_token_cache_hits_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "nebula_token_cache_hits_total"))
}

// TestTracingHook_Spans checks layer calls become backdated spans and
// retries become zero-length spans with an event.
func TestTracingHook_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	h := NewTracingHook(tp)

	at := fixtures.Epoch
	h.OnEvent(resilience.Event{Type: resilience.EventStart, Policy: "github", Pattern: "retry", At: at})
	h.OnEvent(resilience.Event{
		Type: resilience.EventRetry, Policy: "github", Pattern: "retry",
		Metadata: map[string]string{"attempt": "1"}, At: at.Add(10 * time.Millisecond),
	})
	h.OnEvent(resilience.Event{
		Type: resilience.EventFailure, Policy: "github", Pattern: "retry", Service: "github", Operation: "list",
		Outcome: "Timeout", Duration: 50 * time.Millisecond, At: at.Add(50 * time.Millisecond),
	})

	spans := sr.Ended()
	require.Len(t, spans, 2, "start events produce no span")

	retry := spans[0]
	assert.Equal(t, "resilience.retry", retry.Name())
	require.Len(t, retry.Events(), 1)
	assert.Equal(t, "retry", retry.Events()[0].Name)

	call := spans[1]
	assert.Equal(t, "resilience.retry", call.Name())
	assert.Equal(t, at, call.StartTime())
	assert.Equal(t, at.Add(50*time.Millisecond), call.EndTime())
	assert.Equal(t, codes.Error, call.Status().Code)
	assert.Equal(t, "Timeout", call.Status().Description)

	attrs := map[string]string{}
	for _, kv := range call.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "github", attrs[AttrPolicy])
	assert.Equal(t, "list", attrs[AttrOperation])
	assert.Equal(t, "Timeout", attrs[AttrOutcome])
}
