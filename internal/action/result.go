package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResultType names a Result variant.
type ResultType string

const (
	ResultSuccess    ResultType = "success"
	ResultRoute      ResultType = "route"
	ResultWait       ResultType = "wait"
	ResultBreak      ResultType = "break"
	ResultSkip       ResultType = "skip"
	ResultStreamItem ResultType = "stream_item"
	ResultStreamEnd  ResultType = "stream_end"
	ResultVote       ResultType = "vote"
	ResultCommit     ResultType = "commit"
	ResultRollback   ResultType = "rollback"
)

// carriesOutput reports whether variants of t hold an output value.
func (t ResultType) carriesOutput() bool {
	return t == ResultSuccess || t == ResultRoute || t == ResultStreamItem
}

func (t ResultType) valid() bool {
	switch t {
	case ResultSuccess, ResultRoute, ResultWait, ResultBreak, ResultSkip,
		ResultStreamItem, ResultStreamEnd, ResultVote, ResultCommit, ResultRollback:
		return true
	}
	return false
}

// WaitKind says what a waiting node is waiting for.
type WaitKind string

const (
	WaitDuration WaitKind = "duration"
	WaitUntil    WaitKind = "until"
	WaitCallback WaitKind = "callback"
	WaitApproval WaitKind = "approval"
)

// WaitCondition is the payload of a WaitFor result.
type WaitCondition struct {
	Kind     WaitKind      `json:"kind"`
	Duration time.Duration `json:"duration,omitempty"`
	Until    *time.Time    `json:"until,omitempty"`

	// Event names the callback for WaitCallback.
	Event string `json:"event,omitempty"`

	// Prompt is shown to the approver for WaitApproval.
	Prompt string `json:"prompt,omitempty"`
}

// Vote is a transactional participant's answer to prepare.
type Vote string

const (
	VotePrepared Vote = "prepared"
	VoteAbort    Vote = "abort"
)

// Result is the flow-control value a Process action returns. Build it with
// Success, Route, WaitFor, Break, Skip and the streaming and transactional
// constructors; the zero value is not a valid result.
type Result[T any] struct {
	Type        ResultType
	Output      T
	Branches    map[string]bool
	Wait        *WaitCondition
	ResumeToken string
	Reason      string
	Vote        Vote
}

// Success continues on the default edge with output.
func Success[T any](output T) Result[T] { return Result[T]{Type: ResultSuccess, Output: output} }

// Route fires every branch mapped to true.
func Route[T any](output T, branches map[string]bool) Result[T] {
	return Result[T]{Type: ResultRoute, Output: output, Branches: branches}
}

// WaitFor suspends the node until cond is met. An empty token is filled in
// by the runtime.
func WaitFor[T any](cond WaitCondition, resumeToken string) Result[T] {
	return Result[T]{Type: ResultWait, Wait: &cond, ResumeToken: resumeToken}
}

// Break stops this execution path without error.
func Break[T any](reason string) Result[T] { return Result[T]{Type: ResultBreak, Reason: reason} }

// Skip behaves as if the node never ran.
func Skip[T any]() Result[T] { return Result[T]{Type: ResultSkip} }

// StreamItem is one element of a stream.
func StreamItem[T any](item T) Result[T] { return Result[T]{Type: ResultStreamItem, Output: item} }

// StreamEnd marks the end of a stream.
func StreamEnd[T any]() Result[T] { return Result[T]{Type: ResultStreamEnd} }

// VoteResult carries a prepare vote.
func VoteResult[T any](v Vote, reason string) Result[T] {
	return Result[T]{Type: ResultVote, Vote: v, Reason: reason}
}

// Commit reports a committed transaction.
func Commit[T any]() Result[T] { return Result[T]{Type: ResultCommit} }

// Rollback reports a rolled back transaction.
func Rollback[T any](reason string) Result[T] { return Result[T]{Type: ResultRollback, Reason: reason} }

// HasOutput reports whether the variant carries Output.
func (r Result[T]) HasOutput() bool { return r.Type.carriesOutput() }

// Validate checks that the variant is known and its fields are consistent.
func (r Result[T]) Validate() error {
	if !r.Type.valid() {
		return fmt.Errorf("unknown result type %q", r.Type)
	}
	switch r.Type {
	case ResultWait:
		if r.Wait == nil {
			return fmt.Errorf("wait result without condition")
		}
	case ResultVote:
		if r.Vote != VotePrepared && r.Vote != VoteAbort {
			return fmt.Errorf("unknown vote %q", r.Vote)
		}
	}
	return nil
}

// MapResult converts the output of r with fn, keeping the variant.
func MapResult[A, B any](r Result[A], fn func(A) (B, error)) (Result[B], error) {
	out := Result[B]{
		Type:        r.Type,
		Branches:    r.Branches,
		Wait:        r.Wait,
		ResumeToken: r.ResumeToken,
		Reason:      r.Reason,
		Vote:        r.Vote,
	}
	if !r.HasOutput() {
		return out, nil
	}
	v, err := fn(r.Output)
	if err != nil {
		return Result[B]{}, err
	}
	out.Output = v
	return out, nil
}

type resultWire struct {
	Type        ResultType      `json:"type"`
	Output      json.RawMessage `json:"output,omitempty"`
	Branches    map[string]bool `json:"branches,omitempty"`
	Condition   *WaitCondition  `json:"condition,omitempty"`
	ResumeToken string          `json:"resume_token,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Vote        Vote            `json:"vote,omitempty"`
}

// MarshalJSON encodes the variant as {"type": ..., ...} with only the fields
// that variant uses.
func (r Result[T]) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	w := resultWire{Type: r.Type}
	switch r.Type {
	case ResultSuccess, ResultStreamItem:
	case ResultRoute:
		w.Branches = r.Branches
	case ResultWait:
		w.Condition = r.Wait
		w.ResumeToken = r.ResumeToken
	case ResultBreak, ResultRollback:
		w.Reason = r.Reason
	case ResultVote:
		w.Vote = r.Vote
		w.Reason = r.Reason
	}
	if r.HasOutput() {
		b, err := json.Marshal(r.Output)
		if err != nil {
			return nil, fmt.Errorf("encode %s output: %w", r.Type, err)
		}
		w.Output = b
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the MarshalJSON shape.
func (r *Result[T]) UnmarshalJSON(data []byte) error {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Result[T]{
		Type:        w.Type,
		Branches:    w.Branches,
		Wait:        w.Condition,
		ResumeToken: w.ResumeToken,
		Reason:      w.Reason,
		Vote:        w.Vote,
	}
	if err := out.Validate(); err != nil {
		return err
	}
	if out.HasOutput() && len(w.Output) > 0 {
		if err := json.Unmarshal(w.Output, &out.Output); err != nil {
			return fmt.Errorf("decode %s output: %w", w.Type, err)
		}
	}
	*r = out
	return nil
}
