package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/fault"
)

func collectSink(events chan<- action.TriggerEvent) action.Sink {
	return action.SinkFunc(func(_ action.Context, ev action.TriggerEvent) error {
		select {
		case events <- ev:
		default:
		}
		return nil
	})
}

// TestStartTrigger_EmitsAndStops checks events flow to the sink and stop
// records the trigger's completion once.
func TestStartTrigger_EmitsAndStops(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	events := make(chan action.TriggerEvent, 8)

	stop, err := e.StartTrigger(ctx, "core.ticker", json.RawMessage(`{"interval":"5ms","count":3}`), collectSink(events))
	require.NoError(t, err)
	require.Len(t, e.ActiveTriggers(), 1)
	assert.Equal(t, "core.ticker", e.ActiveTriggers()[0].ActionKey)

	for i := 1; i <= 3; i++ {
		select {
		case ev := <-events:
			assert.Equal(t, "core.ticker", ev.Source)
			var tick struct {
				Seq int `json:"seq"`
			}
			require.NoError(t, json.Unmarshal(ev.Payload, &tick))
			assert.Equal(t, i, tick.Seq)
		case <-time.After(5 * time.Second):
			t.Fatalf("event %d not emitted", i)
		}
	}

	require.NoError(t, stop())
	require.NoError(t, stop())
	assert.Empty(t, e.ActiveTriggers())

	st, err := e.store.GetExecutionState(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, st.Completions, 1)
	assert.Equal(t, "break", st.Completions[0].ResultType)
}

// TestStartTrigger_StopsWithContext checks cancelling the start context
// stops the trigger.
func TestStartTrigger_StopsWithContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := e.StartTrigger(ctx, "core.ticker", json.RawMessage(`{"interval":"1h"}`), collectSink(make(chan action.TriggerEvent)))
	require.NoError(t, err)
	require.Len(t, e.ActiveTriggers(), 1)

	cancel()
	require.Eventually(t, func() bool { return len(e.ActiveTriggers()) == 0 }, 5*time.Second, 5*time.Millisecond)
}

// TestStartTrigger_InvalidConfig checks a trigger that fails to start is
// recorded as failed and not left running.
func TestStartTrigger_InvalidConfig(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.StartTrigger(context.Background(), "core.ticker", json.RawMessage(`{"interval":"0s"}`), collectSink(nil))
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
	assert.Empty(t, e.ActiveTriggers())
}

// TestTriggerSink_StartsExecutions checks each event becomes a new
// execution of the target on the Run loop.
func TestTriggerSink_StartsExecutions(t *testing.T) {
	got := make(chan Completion, 4)
	e := newTestEngine(t, OnCompletion(func(c Completion) { got <- c }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go e.Run(ctx)
	_, err := e.StartTrigger(ctx, "core.ticker", json.RawMessage(`{"interval":"5ms","count":2}`), e.TriggerSink("core.echo"))
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case c := <-got:
			assert.Equal(t, "core.echo", c.ActionKey)
			assert.Contains(t, string(c.Result.Output), `"seq"`)
			seen[c.ExecutionID] = true
		case <-time.After(5 * time.Second):
			t.Fatal("triggered execution not run")
		}
	}
	assert.Len(t, seen, 2, "one execution per event")
	require.NoError(t, e.StopTriggers())
}

// TestTriggerSink_EngineStopped checks events are refused once the engine
// stops.
func TestTriggerSink_EngineStopped(t *testing.T) {
	e := newTestEngine(t)
	e.Stop()

	err := e.TriggerSink("core.echo").Emit(nil, action.TriggerEvent{Source: "test", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err, ErrCodeEngineStopped))
	assert.Equal(t, fault.Cancelled, fault.KindOf(err))
}
