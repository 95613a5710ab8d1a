package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarios runs every fixture and compares its trace with the golden
// file.
func TestScenarios(t *testing.T) {
	files, err := Discover("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		scenario, err := LoadScenario(path)
		require.NoError(t, err)
		t.Run(scenario.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

// TestRun_Deterministic checks two runs of one scenario record the same
// trace.
func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/approval_then_transfer.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.Equal(t, first.Trace, second.Trace)
}

// TestRun_DefaultExecutionID checks scenarios without an execution ID run
// under the fixed default.
func TestRun_DefaultExecutionID(t *testing.T) {
	result, err := Run(context.Background(), &Scenario{
		Name:        "echo",
		Description: "d",
		Flow:        []Step{{Invoke: "core.echo", Input: map[string]any{"n": 1}}},
	})
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "test-execution", result.State.ExecutionID)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, EventInvocation, result.Trace[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(result.Trace[0].Input))
	assert.Equal(t, EventCompletion, result.Trace[1].Type)
	assert.Equal(t, "success", result.Trace[1].ResultType)
}

// TestRun_ExpectMismatch checks wrong expectations are reported per step
// without aborting the run.
func TestRun_ExpectMismatch(t *testing.T) {
	committed := true
	result, err := Run(context.Background(), &Scenario{
		Name:        "mismatch",
		Description: "every expectation is wrong",
		Ledger:      map[string]int64{"alice": 5},
		Flow: []Step{
			{Invoke: "core.echo", Input: map[string]any{"a": 1}, Expect: &Expect{Output: map[string]any{"a": 2}}},
			{Invoke: "core.wait", Input: map[string]any{"event": "paid"}, Expect: &Expect{Status: "completed"}},
			{Invoke: "core.echo", Input: "x", Expect: &Expect{Error: "Validation"}},
			{Transact: []Participant{{Action: "core.ledger", Input: map[string]any{"account": "alice", "amount": -9}}},
				Expect: &Expect{Committed: &committed}},
			{Invoke: "no.such.action"},
		},
	})
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "flow[0]: core.echo: expected output")
	assert.Contains(t, result.Errors[1], "flow[1]: core.wait: expected status completed, got waiting")
	assert.Contains(t, result.Errors[2], "flow[2]: expected Validation failure, got success")
	assert.Contains(t, result.Errors[3], "flow[3]: expected committed=true, got false")
	assert.Contains(t, result.Errors[4], "flow[4]: unexpected failure")
}

// TestRun_ResumeUnknownToken checks a bad token is a Validation failure.
func TestRun_ResumeUnknownToken(t *testing.T) {
	result, err := Run(context.Background(), &Scenario{
		Name:        "bad token",
		Description: "d",
		Flow: []Step{
			{Resume: "resume-9", Payload: map[string]any{"x": 1}, Expect: &Expect{Status: "failed", Error: "Validation"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Trace)
}

// TestRun_WaitResumesReady checks a non-interactive wait comes back ready
// with the payload as output.
func TestRun_WaitResumesReady(t *testing.T) {
	result, err := Run(context.Background(), &Scenario{
		Name:        "callback",
		Description: "d",
		Flow: []Step{
			{Invoke: "core.wait", Input: map[string]any{"event": "paid"}, Expect: &Expect{Status: "waiting"}},
			{Resume: "resume-1", Payload: map[string]any{"amount": 3},
				Expect: &Expect{Status: "ready", Output: map[string]any{"amount": 3}}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Action: "core.wait", Count: 2},
			{Type: AssertFinalState, Table: "invocations", Where: map[string]any{"seq": 3}, Expect: map[string]any{"action_key": "core.wait"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

// TestRunSuite counts passes and failures across files.
func TestRunSuite(t *testing.T) {
	dir := t.TempDir()
	bad := `
name: bad
description: expects the wrong output
flow:
  - invoke: core.echo
    input: 1
    expect: { output: 2 }
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(bad), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [\n"), 0o600))

	res, err := RunSuite(context.Background(), "testdata/scenarios", dir)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 2, res.Passed)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "bad", res.Failures[0].Scenario)
	assert.Contains(t, res.Failures[1].Errors[0], "failed to load scenario")
}
