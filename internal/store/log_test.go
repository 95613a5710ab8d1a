package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nebula/internal/fault"
)

// TestInvocation_CanonicalAndIdempotent stores canonical input once per ID.
func TestInvocation_CanonicalAndIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inv := createTestInvocation("inv-1", "exec-1", "core.echo", 1)
	require.NoError(t, s.WriteInvocation(ctx, inv))

	dup := inv
	dup.Seq = 99
	require.NoError(t, s.WriteInvocation(ctx, dup), "duplicate IDs are ignored")

	got, err := s.ReadInvocation(ctx, "inv-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(got.Input))
	assert.Equal(t, `{"a":1,"b":2}`, string(got.Input))
	assert.Equal(t, int64(1), got.Seq)
	assert.True(t, epoch.Equal(got.CreatedAt))

	_, err = s.ReadInvocation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestCompletion_OnePerInvocation keeps the first completion.
func TestCompletion_OnePerInvocation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteInvocation(ctx, createTestInvocation("inv-1", "exec-1", "core.echo", 1)))

	require.NoError(t, s.WriteCompletion(ctx, createTestCompletion("comp-1", "inv-1", 2)))
	second := createTestCompletion("comp-2", "inv-1", 3)
	second.Output = json.RawMessage(`{"ok":false}`)
	require.NoError(t, s.WriteCompletion(ctx, second))

	got, err := s.ReadCompletion(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "comp-1", got.ID)
	assert.JSONEq(t, `{"ok":true}`, string(got.Output))
	assert.False(t, got.Failed())

	_, err = s.ReadCompletion(ctx, "inv-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestCompletion_Failure round-trips a fault in its wire shape.
func TestCompletion_Failure(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteInvocation(ctx, createTestInvocation("inv-1", "exec-1", "http.request", 1)))

	f := fault.NewRateLimit("slow down", 3*time.Second)
	require.NoError(t, s.WriteCompletion(ctx, CompletionRecord{
		ID:           "comp-1",
		InvocationID: "inv-1",
		Failure:      f,
		Seq:          2,
		CompletedAt:  epoch,
	}))

	got, err := s.ReadCompletion(ctx, "inv-1")
	require.NoError(t, err)
	require.True(t, got.Failed())
	assert.Equal(t, fault.RateLimit, got.Failure.Kind)
	assert.Equal(t, "slow down", got.Failure.Message)
	assert.Equal(t, 3*time.Second, got.Failure.RetryAfter)
	assert.Nil(t, got.Output)
	assert.Empty(t, got.ResultType)
}

// TestState_UpsertAndDelete tracks ticks across saves.
func TestState_UpsertAndDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	st := StateRecord{ExecutionID: "exec-1", NodeID: "n1", ActionKey: "core.counter", State: json.RawMessage(`{"next":1}`), Ticks: 1, UpdatedAt: epoch}
	require.NoError(t, s.SaveState(ctx, st))
	st.State = json.RawMessage(`{"next":2}`)
	st.Ticks = 2
	require.NoError(t, s.SaveState(ctx, st))

	got, err := s.LoadState(ctx, "exec-1", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"next":2}`, string(got.State))
	assert.Equal(t, 2, got.Ticks)

	require.NoError(t, s.DeleteState(ctx, "exec-1", "n1"))
	require.NoError(t, s.DeleteState(ctx, "exec-1", "n1"), "deleting twice is fine")
	_, err = s.LoadState(ctx, "exec-1", "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestWaits_ResumeOnce reports existence exactly once.
func TestWaits_ResumeOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	w := WaitRecord{
		Token:       "tok-1",
		ExecutionID: "exec-1",
		NodeID:      "approve",
		ActionKey:   "core.approval",
		Kind:        "approval",
		Condition:   json.RawMessage(`{"kind":"approval","prompt":"ok?"}`),
		Input:       json.RawMessage(`{"subject":"deploy"}`),
		CreatedAt:   epoch,
	}
	require.NoError(t, s.SaveWait(ctx, w))
	require.NoError(t, s.SaveWait(ctx, WaitRecord{Token: "tok-2", ExecutionID: "exec-2", NodeID: "n", ActionKey: "core.wait", Kind: "duration", CreatedAt: epoch.Add(time.Minute)}))

	got, err := s.LoadWait(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "approval", got.Kind)
	assert.JSONEq(t, `{"subject":"deploy"}`, string(got.Input))

	mine, err := s.ListWaits(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	all, err := s.ListWaits(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "tok-1", all[0].Token)

	existed, err := s.DeleteWait(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.DeleteWait(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.LoadWait(ctx, "tok-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestExecutionState tracks pending work and terminal status.
func TestExecutionState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteInvocation(ctx, createTestInvocation("inv-1", "exec-1", "core.echo", 1)))
	require.NoError(t, s.WriteInvocation(ctx, createTestInvocation("inv-2", "exec-1", "core.if", 3)))
	require.NoError(t, s.WriteCompletion(ctx, createTestCompletion("comp-1", "inv-1", 2)))

	st, err := s.GetExecutionState(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.PendingCount)
	assert.False(t, st.IsComplete)
	assert.Equal(t, int64(3), st.LastSeq)
	assert.Equal(t, "success", st.TerminalStatus)

	incomplete, err := s.FindIncompleteExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, "exec-1", incomplete[0].ExecutionID)

	require.NoError(t, s.WriteCompletion(ctx, CompletionRecord{
		ID: "comp-2", InvocationID: "inv-2", Failure: fault.New(fault.Fatal, "boom"), Seq: 4, CompletedAt: epoch,
	}))
	st, err = s.GetExecutionState(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, st.IsComplete)
	assert.Equal(t, "error", st.TerminalStatus)

	incomplete, err = s.FindIncompleteExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

// TestExecutionState_WaitingIsIncomplete counts suspended nodes as pending.
func TestExecutionState_WaitingIsIncomplete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteInvocation(ctx, createTestInvocation("inv-1", "exec-1", "core.wait", 1)))
	require.NoError(t, s.WriteCompletion(ctx, createTestCompletion("comp-1", "inv-1", 2)))
	require.NoError(t, s.SaveWait(ctx, WaitRecord{Token: "t", ExecutionID: "exec-1", NodeID: "n", ActionKey: "core.wait", Kind: "duration", CreatedAt: epoch}))

	st, err := s.GetExecutionState(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, st.IsComplete)

	incomplete, err := s.FindIncompleteExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, incomplete, 1)
}

// TestReplayExecution orders by seq with invocations first.
func TestReplayExecution(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteInvocation(ctx, createTestInvocation("inv-b", "exec-1", "core.echo", 2)))
	require.NoError(t, s.WriteInvocation(ctx, createTestInvocation("inv-a", "exec-1", "core.echo", 1)))
	require.NoError(t, s.WriteCompletion(ctx, createTestCompletion("comp-a", "inv-a", 2)))
	require.NoError(t, s.WriteCompletion(ctx, createTestCompletion("comp-b", "inv-b", 3)))
	require.NoError(t, s.WriteInvocation(ctx, createTestInvocation("inv-x", "exec-2", "core.echo", 7)))

	events, err := s.ReplayExecution(ctx, "exec-1")
	require.NoError(t, err)

	var got []string
	for _, e := range events {
		got = append(got, e.Type.String()+":"+e.ID)
	}
	assert.Equal(t, []string{
		"invocation:inv-a",
		"invocation:inv-b",
		"completion:comp-a",
		"completion:comp-b",
	}, got)

	last, err := s.GetLastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), last)

	ids, err := s.ListExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-1", "exec-2"}, ids)
}

// TestGetLastSeq_Empty starts from zero.
func TestGetLastSeq_Empty(t *testing.T) {
	s := createTestStore(t)
	last, err := s.GetLastSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, last)

	ids, err := s.ListExecutions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
