package store

import (
	"encoding/json"
	"time"

	"github.com/roach88/nebula/internal/fault"
)

// InvocationRecord is one dispatch of an action. ID is content-addressed
// from the execution, action, canonical input and Seq.
type InvocationRecord struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	ActionKey   string          `json:"action_key"`
	Input       json.RawMessage `json:"input"`
	Seq         int64           `json:"seq"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CompletionRecord is the outcome of an invocation. Exactly one of Output
// or Failure describes the result; ResultType is empty on failure.
type CompletionRecord struct {
	ID           string          `json:"id"`
	InvocationID string          `json:"invocation_id"`
	ResultType   string          `json:"result_type,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Failure      *fault.Error    `json:"failure,omitempty"`
	Seq          int64           `json:"seq"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// Failed reports whether the invocation ended in an error.
func (c CompletionRecord) Failed() bool { return c.Failure != nil }

// StateRecord is the persisted state of a stateful action between ticks.
type StateRecord struct {
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	ActionKey   string          `json:"action_key"`
	State       json.RawMessage `json:"state"`
	Ticks       int             `json:"ticks"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WaitRecord is a suspended node, addressed by its resume token.
type WaitRecord struct {
	Token       string          `json:"token"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	ActionKey   string          `json:"action_key"`
	Kind        string          `json:"kind"`
	Condition   json.RawMessage `json:"condition"`
	Input       json.RawMessage `json:"input"`
	CreatedAt   time.Time       `json:"created_at"`
}
