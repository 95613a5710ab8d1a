package harness

import (
	"encoding/json"

	"github.com/roach88/nebula/internal/store"
)

// Trace event types.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
)

// TraceEvent is one recorded invocation or completion, in seq order.
// Content hashes are left out so traces stay readable in golden files.
type TraceEvent struct {
	Type      string          `json:"type"` // "invocation" or "completion"
	Seq       int64           `json:"seq"`
	ActionKey string          `json:"action_key"`
	NodeID    string          `json:"node_id"`
	Input     json.RawMessage `json:"input,omitempty"`

	// Completion fields. Failure holds the error kind.
	ResultType string          `json:"result_type,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Failure    string          `json:"failure,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace is the execution's history as recorded by the store.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations and assertions. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State summarizes the execution after the last step.
	State store.ExecutionState `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddInvocationTrace appends an invocation to the trace.
func (r *Result) AddInvocationTrace(inv store.InvocationRecord) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:      EventInvocation,
		Seq:       inv.Seq,
		ActionKey: inv.ActionKey,
		NodeID:    inv.NodeID,
		Input:     inv.Input,
	})
}

// AddCompletionTrace appends a completion of inv to the trace.
func (r *Result) AddCompletionTrace(inv store.InvocationRecord, comp store.CompletionRecord) {
	ev := TraceEvent{
		Type:       EventCompletion,
		Seq:        comp.Seq,
		ActionKey:  inv.ActionKey,
		NodeID:     inv.NodeID,
		ResultType: comp.ResultType,
		Output:     comp.Output,
	}
	if comp.Failure != nil {
		ev.Failure = string(comp.Failure.Kind)
	}
	r.Trace = append(r.Trace, ev)
}
