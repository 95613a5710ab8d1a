package store

import (
	"context"
	"fmt"
	"sort"
)

// ExecutionState summarizes an execution for recovery and inspection.
type ExecutionState struct {
	ExecutionID  string
	Invocations  []InvocationRecord
	Completions  []CompletionRecord
	Waits        []WaitRecord
	LastSeq      int64
	PendingCount int  // Invocations without completions
	IsComplete   bool // True if every invocation completed and nothing is waiting

	// TerminalStatus is the result type of the last completion, or "error"
	// when it failed.
	TerminalStatus string
}

// GetExecutionState retrieves the complete state of an execution.
func (s *Store) GetExecutionState(ctx context.Context, executionID string) (ExecutionState, error) {
	state := ExecutionState{ExecutionID: executionID}

	invs, comps, err := s.ReadExecution(ctx, executionID)
	if err != nil {
		return state, fmt.Errorf("get execution state: %w", err)
	}
	state.Invocations = invs
	state.Completions = comps

	waits, err := s.ListWaits(ctx, executionID)
	if err != nil {
		return state, fmt.Errorf("get execution state: %w", err)
	}
	state.Waits = waits

	completed := make(map[string]bool, len(comps))
	for _, c := range comps {
		completed[c.InvocationID] = true
		state.LastSeq = max(state.LastSeq, c.Seq)
	}
	for _, inv := range invs {
		state.LastSeq = max(state.LastSeq, inv.Seq)
		if !completed[inv.ID] {
			state.PendingCount++
		}
	}

	// An execution is complete if it ran something, everything finished and
	// no node is suspended.
	state.IsComplete = len(invs) > 0 && state.PendingCount == 0 && len(waits) == 0

	if n := len(comps); n > 0 {
		last := comps[n-1]
		if last.Failed() {
			state.TerminalStatus = "error"
		} else {
			state.TerminalStatus = last.ResultType
		}
	}
	return state, nil
}

// FindIncompleteExecutions returns executions that need recovery attention:
// some invocation has no completion, or some node is still waiting.
func (s *Store) FindIncompleteExecutions(ctx context.Context) ([]ExecutionState, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT execution_id FROM (
			SELECT i.execution_id
			FROM invocations i
			LEFT JOIN completions c ON i.id = c.invocation_id
			WHERE c.id IS NULL

			UNION

			SELECT execution_id FROM waits
		) pending
		ORDER BY execution_id
	`)
	if err != nil {
		return nil, fmt.Errorf("find incomplete executions: %w", err)
	}

	out := make([]ExecutionState, 0, len(ids))
	for _, id := range ids {
		st, err := s.GetExecutionState(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// EventType distinguishes entries in a replayed execution.
type EventType int

const (
	EventInvocation EventType = iota
	EventCompletion
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventInvocation:
		return "invocation"
	case EventCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// Event is one entry of an execution's history.
type Event struct {
	Type       EventType
	Seq        int64
	ID         string
	Invocation *InvocationRecord
	Completion *CompletionRecord
}

// ReplayExecution returns the execution's history as one sequence ordered
// by seq, invocations before completions at equal seq, then by ID.
func (s *Store) ReplayExecution(ctx context.Context, executionID string) ([]Event, error) {
	invs, comps, err := s.ReadExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("replay execution: %w", err)
	}
	events := make([]Event, 0, len(invs)+len(comps))
	for i := range invs {
		events = append(events, Event{Type: EventInvocation, Seq: invs[i].Seq, ID: invs[i].ID, Invocation: &invs[i]})
	}
	for i := range comps {
		events = append(events, Event{Type: EventCompletion, Seq: comps[i].Seq, ID: comps[i].ID, Completion: &comps[i]})
	}
	sort.SliceStable(events, func(i, j int) bool { return eventLess(events[i], events[j]) })
	return events, nil
}

func eventLess(a, b Event) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.ID < b.ID
}

// GetLastSeq returns the highest seq number used in the store.
// Used for recovery to resume the logical clock from the correct position.
func (s *Store) GetLastSeq(ctx context.Context) (int64, error) {
	var invSeq, compSeq int64
	if err := s.db.GetContext(ctx, &invSeq, `SELECT COALESCE(MAX(seq), 0) FROM invocations`); err != nil {
		return 0, fmt.Errorf("get last seq from invocations: %w", err)
	}
	if err := s.db.GetContext(ctx, &compSeq, `SELECT COALESCE(MAX(seq), 0) FROM completions`); err != nil {
		return 0, fmt.Errorf("get last seq from completions: %w", err)
	}
	return max(invSeq, compSeq), nil
}

// ListExecutions returns all distinct execution IDs, sorted.
func (s *Store) ListExecutions(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, `SELECT DISTINCT execution_id FROM invocations ORDER BY execution_id`); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return ids, nil
}
