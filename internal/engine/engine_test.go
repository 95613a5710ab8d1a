package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/action/builtin"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/pool"
	"github.com/roach88/nebula/internal/resilience"
	"github.com/roach88/nebula/internal/store"
)

type testEngine struct {
	*Engine
	reg    *action.Registry
	store  *store.Store
	ledger *builtin.Ledger
	seq    *builtin.Sequence
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestEngine builds an engine over a fresh SQLite store with every
// builtin registered. Execution IDs are exec-1, exec-2, ... and resume
// tokens tok-1, tok-2, ...
func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	return newTestEngineOn(t, setupTestStore(t), opts...)
}

func newTestEngineOn(t *testing.T, s *store.Store, opts ...Option) *testEngine {
	t.Helper()
	reg := action.NewRegistry(nil)
	ledger := builtin.NewLedger(map[string]int64{"alice": 100, "bob": 0})
	require.NoError(t, builtin.Register(reg, builtin.WithLedger(ledger)))
	seq := builtin.NewSequence()
	require.NoError(t, action.RegisterStreaming[builtin.SequenceConfig, int](reg, seq))

	base := []Option{
		WithStore(s),
		WithIDGenerator(&SequenceGenerator{Prefix: "exec"}),
		WithTokenGenerator(&SequenceGenerator{Prefix: "tok"}),
		WithRenderer(action.NewTemplateRenderer(nil)),
	}
	e := New(reg, append(base, opts...)...)
	return &testEngine{Engine: e, reg: reg, store: s, ledger: ledger, seq: seq}
}

// flaky fails with a retryable error until it has been called failures
// times.
type flaky struct {
	failures int
	calls    atomic.Int32
}

func (f *flaky) Metadata() action.Metadata {
	return action.Metadata{
		Key:     "test.flaky",
		Name:    "Flaky",
		Version: 1,
		Retry:   &resilience.RetryConfig{MaxAttempts: 3, Backoff: "fixed", Base: time.Millisecond},
	}
}

func (f *flaky) Execute(_ action.Context, _ json.RawMessage) (action.Result[string], error) {
	if n := f.calls.Add(1); int(n) <= f.failures {
		return action.Result[string]{}, fault.New(fault.Retryable, "not yet")
	}
	return action.Success("ok"), nil
}

type panicky struct{}

func (panicky) Metadata() action.Metadata {
	return action.Metadata{Key: "test.panic", Name: "Panic", Version: 1}
}

func (panicky) Execute(action.Context, json.RawMessage) (action.Result[string], error) {
	panic("boom")
}

// slow blocks until its context ends.
type slow struct{}

func (slow) Metadata() action.Metadata {
	return action.Metadata{Key: "test.slow", Name: "Slow", Version: 1, Timeout: 20 * time.Millisecond}
}

func (slow) Execute(ctx action.Context, _ json.RawMessage) (action.Result[string], error) {
	<-ctx.Done()
	return action.Result[string]{}, ctx.Err()
}

// TestEngine_ExecuteProcess checks a Success result completes on the
// default port and both records land in the log.
func TestEngine_ExecuteProcess(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	comp, err := e.Execute(ctx, Invocation{ActionKey: "core.echo", Input: json.RawMessage(`{"b":2,"a":1}`)})
	require.NoError(t, err)

	assert.False(t, comp.Failed())
	assert.Equal(t, "exec-1", comp.ExecutionID)
	assert.Equal(t, "core.echo", comp.NodeID, "node defaults to the action key")
	assert.Equal(t, int64(2), comp.Seq)
	assert.Equal(t, StatusCompleted, comp.Decision.Status)
	assert.Equal(t, []string{DefaultPort}, comp.Decision.Ports)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(comp.Result.Output))

	st, err := e.store.GetExecutionState(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, st.IsComplete)
	require.Len(t, st.Invocations, 1)
	assert.Equal(t, `{"a":1,"b":2}`, string(st.Invocations[0].Input), "input is stored canonical")
	require.Len(t, st.Completions, 1)
	assert.Equal(t, comp.ID, st.Completions[0].ID)
	assert.Equal(t, "success", st.Completions[0].ResultType)
}

// TestEngine_ExecuteRoute checks result branches override the node's static
// branches and unlisted ones keep their static value.
func TestEngine_ExecuteRoute(t *testing.T) {
	e := newTestEngine(t)

	comp, err := e.Execute(context.Background(), Invocation{
		ActionKey: "core.if",
		Input:     json.RawMessage(`{"condition":"{{.ok}}","data":{"ok":true}}`),
		Branches:  map[string]bool{"audit": true, "false": true},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, comp.Decision.Status)
	assert.Equal(t, []string{"audit", "true"}, comp.Decision.Ports)
	assert.JSONEq(t, `{"ok":true}`, string(comp.Decision.Output))
}

// TestEngine_UnknownActionNotRecorded checks a missing handler fails
// without touching the log.
func TestEngine_UnknownActionNotRecorded(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	comp, err := e.Execute(ctx, Invocation{ActionKey: "no.such"})
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err, ErrCodeUnknownAction))
	assert.Equal(t, fault.Validation, fault.KindOf(err))
	assert.True(t, comp.Failed())
	assert.Equal(t, StatusFailed, comp.Decision.Status)

	execs, err := e.store.ListExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

// TestEngine_KindMismatch checks each entry point only drives its kinds.
func TestEngine_KindMismatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Execute(ctx, Invocation{ActionKey: "core.sequence", Input: json.RawMessage(`{"start":1,"end":2}`)})
	assert.True(t, IsRuntimeError(err, ErrCodeKindMismatch))

	_, err = e.Execute(ctx, Invocation{ActionKey: "core.ticker", Input: json.RawMessage(`{"interval":"1s"}`)})
	assert.True(t, IsRuntimeError(err, ErrCodeKindMismatch))

	_, err = e.Stream(ctx, Invocation{ActionKey: "core.echo"}, func(json.RawMessage) error { return nil })
	assert.True(t, IsRuntimeError(err, ErrCodeKindMismatch))

	_, err = e.StartTrigger(ctx, "core.echo", nil, action.SinkFunc(func(action.Context, action.TriggerEvent) error { return nil }))
	assert.True(t, IsRuntimeError(err, ErrCodeKindMismatch))
}

// TestEngine_InvalidInput checks malformed JSON is rejected up front and a
// schema violation is recorded as a Validation failure.
func TestEngine_InvalidInput(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Execute(ctx, Invocation{ActionKey: "core.echo", Input: json.RawMessage(`{bad`)})
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	comp, err := e.Execute(ctx, Invocation{ExecutionID: "exec-v", ActionKey: "core.if", Input: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
	require.NotNil(t, comp.Failure)
	assert.Equal(t, fault.Validation, comp.Failure.Kind)
	assert.Equal(t, "core.if", comp.Failure.Context["action"])

	st, err := e.store.GetExecutionState(ctx, "exec-v")
	require.NoError(t, err)
	assert.Equal(t, "error", st.TerminalStatus)
}

// TestEngine_PanicIsFatal checks a panicking action becomes a recorded
// Fatal failure instead of crashing the engine.
func TestEngine_PanicIsFatal(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, action.RegisterProcess[json.RawMessage, string](e.reg, panicky{}))

	comp, err := e.Execute(context.Background(), Invocation{ActionKey: "test.panic"})
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err, ErrCodePanic))
	assert.Equal(t, fault.Fatal, fault.KindOf(err))
	assert.Contains(t, comp.Failure.Message, "boom")
}

// TestEngine_RetryPolicy checks the action's retry policy absorbs transient
// failures.
func TestEngine_RetryPolicy(t *testing.T) {
	e := newTestEngine(t)
	f := &flaky{failures: 2}
	require.NoError(t, action.RegisterProcess[json.RawMessage, string](e.reg, f))

	comp, err := e.Execute(context.Background(), Invocation{ActionKey: "test.flaky"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.calls.Load())
	assert.Equal(t, `"ok"`, string(comp.Result.Output))

	f2 := &flaky{failures: 5}
	require.NoError(t, action.RegisterProcess[json.RawMessage, string](e.reg, f2))
	_, err = e.Execute(context.Background(), Invocation{ActionKey: "test.flaky"})
	require.Error(t, err)
	assert.Equal(t, int32(3), f2.calls.Load(), "gives up after max attempts")
}

// TestEngine_TimeoutPolicy checks an action that overruns its timeout fails
// with a Timeout fault.
func TestEngine_TimeoutPolicy(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, action.RegisterProcess[json.RawMessage, string](e.reg, slow{}))

	start := time.Now()
	_, err := e.Execute(context.Background(), Invocation{ActionKey: "test.slow"})
	require.Error(t, err)
	assert.Equal(t, fault.Timeout, fault.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

// TestEngine_RunDrainsQueue checks Run dispatches queued invocations in
// order and returns once stopped.
func TestEngine_RunDrainsQueue(t *testing.T) {
	got := make(chan Completion, 3)
	e := newTestEngine(t, OnCompletion(func(c Completion) { got <- c }))

	for i, in := range []string{`1`, `2`, `3`} {
		require.True(t, e.Enqueue(Invocation{
			ExecutionID: "exec-run",
			NodeID:      "n" + in,
			ActionKey:   "core.echo",
			Input:       json.RawMessage(in),
		}), "enqueue %d", i)
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	for _, want := range []string{"1", "2", "3"} {
		select {
		case c := <-got:
			assert.Equal(t, want, string(c.Result.Output))
		case <-time.After(5 * time.Second):
			t.Fatal("completion not observed")
		}
	}
	e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.False(t, e.Enqueue(Invocation{ActionKey: "core.echo"}), "stopped engine refuses work")
}

// TestEngine_RunStopsOnContext checks cancellation ends the loop.
func TestEngine_RunStopsOnContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestEngine_Recover checks an invocation written before a crash is
// replayed with its original ID and the clock resumes past the log.
func TestEngine_Recover(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	require.NoError(t, s.WriteInvocation(ctx, store.InvocationRecord{
		ID:          "inv-crashed",
		ExecutionID: "exec-x",
		NodeID:      "echo",
		ActionKey:   "core.echo",
		Input:       json.RawMessage(`{"n":1}`),
		Seq:         5,
		CreatedAt:   time.Unix(0, 0).UTC(),
	}))

	got := make(chan Completion, 1)
	e := newTestEngineOn(t, s, OnCompletion(func(c Completion) { got <- c }))
	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	go e.Run(ctx)
	defer e.Stop()

	select {
	case c := <-got:
		assert.Equal(t, "inv-crashed", c.InvocationID)
		assert.Equal(t, int64(6), c.Seq)
		assert.JSONEq(t, `{"n":1}`, string(c.Result.Output))
	case <-time.After(5 * time.Second):
		t.Fatal("recovered invocation not run")
	}

	st, err := s.GetExecutionState(ctx, "exec-x")
	require.NoError(t, err)
	assert.True(t, st.IsComplete)
	assert.Len(t, st.Invocations, 1)
}

type resourceFunc func(ctx context.Context, id string) error

func (f resourceFunc) Acquire(ctx context.Context, id string) (pool.Lease, error) { return nil, f(ctx, id) }

// TestEngine_RetryingResources checks pool acquisition goes through the
// configured retry pattern.
func TestEngine_RetryingResources(t *testing.T) {
	var calls atomic.Int32
	src := resourceFunc(func(ctx context.Context, id string) error {
		if calls.Add(1) < 3 {
			return fault.New(fault.Retryable, "pool busy")
		}
		return fault.New(fault.Validation, "no pool "+id)
	})
	retry, err := resilience.FromConfig("acquire", resilience.PolicyConfig{
		Retry: &resilience.RetryConfig{MaxAttempts: 5, Backoff: "fixed", Base: time.Millisecond},
	}, nil)
	require.NoError(t, err)

	e := New(action.NewRegistry(nil), WithResources(src, retry))
	actx := e.actionContext(context.Background(), Invocation{ExecutionID: "exec-1", NodeID: "n"})
	_, err = actx.Resource("db")
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}
