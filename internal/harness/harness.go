package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strconv"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/action/builtin"
	"github.com/roach88/nebula/internal/engine"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/store"
	"github.com/roach88/nebula/internal/testutil"
)

// ResumePrefix prefixes the resume tokens handed out during a run.
const ResumePrefix = "resume"

// Harness runs one scenario against a real engine with builtin actions.
type Harness struct {
	store       *store.Store
	engine      *engine.Engine
	ledger      *builtin.Ledger
	logger      *slog.Logger
	executionID string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a fixed execution
// ID, sequential resume tokens and a manual wall clock, so two runs of the
// same scenario record identical traces.
//
// Execution flow:
// 1. Create fresh in-memory database and register the builtin actions
// 2. Execute flow steps, checking each expect clause
// 3. Read the trace and execution state back from the store
// 4. Evaluate assertions
//
// A failed expectation or assertion is reported in Result.Errors. The
// returned error is reserved for problems running the scenario at all.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := builtin.NewLedger(scenario.Ledger)
	reg := action.NewRegistry(logger)
	if err := builtin.Register(reg, builtin.WithLedger(ledger)); err != nil {
		return nil, fmt.Errorf("failed to register builtin actions: %w", err)
	}

	ids := testutil.NewFixedIDGenerator(scenario.ExecutionID)
	h := &Harness{
		store:  st,
		ledger: ledger,
		logger: logger,
		engine: engine.New(reg,
			engine.WithStore(st),
			engine.WithLogger(logger),
			engine.WithClock(testutil.ManualClock()),
			engine.WithIDGenerator(ids),
			engine.WithTokenGenerator(&engine.SequenceGenerator{Prefix: ResumePrefix}),
		),
		executionID: ids.Generate(),
	}

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}
	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}

	actx := &AssertionContext{Store: st, Ledger: ledger, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeFlow runs every step in order. Action failures are outcomes to
// check, not errors; only malformed step input aborts the run.
func (h *Harness) executeFlow(ctx context.Context, flow []Step, result *Result) error {
	for i, step := range flow {
		switch {
		case step.Invoke != "":
			input, err := toJSON(step.Input)
			if err != nil {
				return fmt.Errorf("flow step %d: failed to encode input: %w", i, err)
			}
			comp, err := h.engine.Execute(ctx, engine.Invocation{
				ExecutionID: h.executionID,
				NodeID:      step.Node,
				ActionKey:   step.Invoke,
				Input:       input,
			})
			h.check(i, step.Expect, []engine.Completion{comp}, err, nil, result)
			h.logger.Info("flow step completed", "step", i, "action", step.Invoke, "status", comp.Decision.Status)

		case step.Resume != "":
			payload, err := toJSON(step.Payload)
			if err != nil {
				return fmt.Errorf("flow step %d: failed to encode payload: %w", i, err)
			}
			comp, err := h.engine.Resume(ctx, step.Resume, payload)
			h.check(i, step.Expect, []engine.Completion{comp}, err, nil, result)
			h.logger.Info("flow step completed", "step", i, "resume", step.Resume, "status", comp.Decision.Status)

		default:
			parts := make([]engine.Participant, 0, len(step.Transact))
			for j, p := range step.Transact {
				input, err := toJSON(p.Input)
				if err != nil {
					return fmt.Errorf("flow step %d: participant %d: failed to encode input: %w", i, j, err)
				}
				parts = append(parts, engine.Participant{NodeID: p.Node, ActionKey: p.Action, Input: input})
			}
			out, err := h.engine.Coordinator().Run(ctx, h.executionID, parts)
			h.check(i, step.Expect, out.Completions, err, &out.Committed, result)
			h.logger.Info("flow step completed", "step", i, "participants", len(parts), "committed", out.Committed)
		}
	}
	return nil
}

// check compares a step's completions against its expect clause. With no
// expect clause the step is expected to succeed.
func (h *Harness) check(i int, want *Expect, comps []engine.Completion, err error, committed *bool, result *Result) {
	fail := func(format string, args ...any) {
		result.AddError(fmt.Sprintf("flow[%d]: ", i) + fmt.Sprintf(format, args...))
	}
	if want == nil {
		if err != nil {
			fail("unexpected failure: %v", err)
		}
		return
	}

	if want.Error != "" {
		if got := string(fault.KindOf(err)); err == nil || got != want.Error {
			fail("expected %s failure, got %s", want.Error, describe(err))
		}
	} else if err != nil {
		fail("unexpected failure: %v", err)
	}
	if want.Committed != nil && committed != nil && *want.Committed != *committed {
		fail("expected committed=%t, got %t", *want.Committed, *committed)
	}

	var expected any
	if want.Output != nil {
		var nerr error
		if expected, nerr = normalize(want.Output); nerr != nil {
			fail("expected output is not JSON: %v", nerr)
			return
		}
	}
	for _, c := range comps {
		if want.Status != "" && string(c.Decision.Status) != want.Status {
			fail("%s: expected status %s, got %s", c.NodeID, want.Status, c.Decision.Status)
		}
		if want.Result != "" && string(c.Result.Type) != want.Result {
			fail("%s: expected result %s, got %q", c.NodeID, want.Result, c.Result.Type)
		}
		if want.Output != nil {
			var actual any
			if c.Result.HasOutput() && len(c.Result.Output) > 0 {
				if uerr := json.Unmarshal(c.Result.Output, &actual); uerr != nil {
					fail("%s: output is not JSON: %v", c.NodeID, uerr)
					continue
				}
			}
			if !matchValue(actual, expected) {
				fail("%s: expected output %v, got %s", c.NodeID, want.Output, string(c.Result.Output))
			}
		}
	}
}

// collect reads the execution back from the store into result.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	events, err := h.store.ReplayExecution(ctx, h.executionID)
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}
	invs := make(map[string]store.InvocationRecord)
	for _, ev := range events {
		switch ev.Type {
		case store.EventInvocation:
			invs[ev.Invocation.ID] = *ev.Invocation
			result.AddInvocationTrace(*ev.Invocation)
		case store.EventCompletion:
			result.AddCompletionTrace(invs[ev.Completion.InvocationID], *ev.Completion)
		}
	}

	state, err := h.store.GetExecutionState(ctx, h.executionID)
	if err != nil {
		return fmt.Errorf("failed to read execution state: %w", err)
	}
	result.State = state
	return nil
}

func describe(err error) string {
	if err == nil {
		return "success"
	}
	return strconv.Quote(string(fault.KindOf(err))) + " (" + err.Error() + ")"
}

// matchValue reports whether actual matches expected. Objects match when
// actual holds every key of expected with a matching value; everything
// else must be deeply equal.
func matchValue(actual, expected any) bool {
	em, ok := expected.(map[string]any)
	if !ok {
		return reflect.DeepEqual(actual, expected)
	}
	am, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for k, ev := range em {
		av, exists := am[k]
		if !exists || !matchValue(av, ev) {
			return false
		}
	}
	return true
}
