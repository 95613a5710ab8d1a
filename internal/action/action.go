package action

import (
	"encoding/json"
	"time"
)

// Action is the base every action implements.
type Action interface {
	Metadata() Metadata
}

// Process is a stateless single-shot action with full flow control.
type Process[In, Out any] interface {
	Action
	Execute(ctx Context, in In) (Result[Out], error)
}

// Simple is a Process that always succeeds on the default edge.
type Simple[In, Out any] interface {
	Action
	Run(ctx Context, in In) (Out, error)
}

// Tick is the outcome of one Stateful step: either the next state, or the
// final output when Done.
type Tick[S, Out any] struct {
	State  S
	Output Out
	Done   bool
}

// Continue returns a Tick that keeps iterating with s.
func Continue[S, Out any](s S) Tick[S, Out] { return Tick[S, Out]{State: s} }

// Done returns a final Tick.
func Done[S, Out any](out Out) Tick[S, Out] { return Tick[S, Out]{Output: out, Done: true} }

// Stateful iterates: the runtime persists State between ticks.
type Stateful[In, S, Out any] interface {
	Action
	Init(ctx Context, in In) (S, error)
	Tick(ctx Context, s S) (Tick[S, Out], error)
}

// Streaming produces a lazy sequence. Next reports ok=false at the end. The
// runtime calls Close exactly once on every path after a successful Open.
type Streaming[Cfg, T any] interface {
	Action
	Open(ctx Context, cfg Cfg) error
	Next(ctx Context, cfg Cfg) (item T, ok bool, err error)
	Close(ctx Context, cfg Cfg) error
}

// TriggerEvent starts a new workflow execution.
type TriggerEvent struct {
	Source  string          `json:"source"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Sink receives trigger events.
type Sink interface {
	Emit(ctx Context, ev TriggerEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx Context, ev TriggerEvent) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx Context, ev TriggerEvent) error { return f(ctx, ev) }

// Trigger emits events until stopped. Start returns once the trigger is
// running; emitting happens on the trigger's own goroutines.
type Trigger[Cfg, Ev any] interface {
	Action
	Start(ctx Context, cfg Cfg, emit func(Ev) error) error
	Stop(ctx Context) error
}

// PrepareResult is a participant's vote.
type PrepareResult struct {
	Vote   Vote   `json:"vote"`
	Reason string `json:"reason,omitempty"`
}

// Prepared votes to commit.
func Prepared() PrepareResult { return PrepareResult{Vote: VotePrepared} }

// Abort votes to roll back.
func Abort(reason string) PrepareResult { return PrepareResult{Vote: VoteAbort, Reason: reason} }

// Transactional participates in a two-phase commit keyed by the execution
// ID. Prepare must be idempotent: preparing the same input again within an
// execution yields the same vote.
type Transactional[In any] interface {
	Action
	Prepare(ctx Context, in In) (PrepareResult, error)
	Commit(ctx Context) error
	Rollback(ctx Context) error
}

// Interaction is what an Interactive action asks of a human.
type Interaction struct {
	Prompt  string        `json:"prompt"`
	Options []string      `json:"options,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Interactive suspends for a human response, then resumes.
type Interactive[In, Resp, Out any] interface {
	Action
	RequestInteraction(ctx Context, in In) (Interaction, error)
	HandleResponse(ctx Context, in In, resp Resp) (Result[Out], error)
}
