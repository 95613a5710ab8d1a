package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/canon"
	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/pool"
	"github.com/roach88/nebula/internal/resilience"
	"github.com/roach88/nebula/internal/store"
)

// Invocation is one dispatch of an action. ID and Seq are assigned by the
// engine; an invocation that already carries an ID is a replay and keeps
// both.
type Invocation struct {
	ID          string          `json:"id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	NodeID      string          `json:"node_id,omitempty"`
	ActionKey   string          `json:"action_key"`
	Input       json.RawMessage `json:"input,omitempty"`
	Seq         int64           `json:"seq,omitempty"`

	// Branches are the node's static route branches.
	Branches map[string]bool `json:"branches,omitempty"`
}

// Completion is the outcome of an invocation.
type Completion struct {
	ID           string                         `json:"id"`
	InvocationID string                         `json:"invocation_id"`
	ExecutionID  string                         `json:"execution_id"`
	NodeID       string                         `json:"node_id"`
	ActionKey    string                         `json:"action_key"`
	Result       action.Result[json.RawMessage] `json:"result"`
	Failure      *fault.Error                   `json:"failure,omitempty"`
	Decision     Decision                       `json:"decision"`
	Seq          int64                          `json:"seq"`

	// Items counts stream items delivered to the consumer.
	Items int `json:"items,omitempty"`
}

// Failed reports whether the invocation ended in an error.
func (c Completion) Failed() bool { return c.Failure != nil }

// Engine dispatches invocations to registered actions.
//
// Execute, Stream, StartTrigger, Resume and the Coordinator are safe to call
// from any goroutine. Run drains the invocation queue and must be called
// from exactly one goroutine.
type Engine struct {
	registry *action.Registry
	env      action.Env
	log      ExecutionLog
	states   StateStore
	waits    WaitStore
	recovery Recoverable
	seq      *Clock
	ids      IDGenerator
	tokens   IDGenerator
	clk      clock.Clock
	events   *resilience.Dispatcher
	logger   *slog.Logger
	maxTicks int
	queue    *invocationQueue
	observe  func(Completion)

	mu       sync.Mutex
	policies map[string]*resilience.Policy
	triggers map[string]*runningTrigger
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore uses s for the execution log, stateful state, waits and
// recovery.
func WithStore(s Durable) Option {
	return func(e *Engine) {
		e.log, e.states, e.waits, e.recovery = s, s, s, s
	}
}

// WithExecutionLog records invocations and completions to l.
func WithExecutionLog(l ExecutionLog) Option { return func(e *Engine) { e.log = l } }

// WithStateStore persists stateful action state in s.
func WithStateStore(s StateStore) Option { return func(e *Engine) { e.states = s } }

// WithWaitStore keeps suspended nodes in w.
func WithWaitStore(w WaitStore) Option { return func(e *Engine) { e.waits = w } }

// WithTokens sets the credential source behind Context.Credential.
func WithTokens(t action.TokenSource) Option { return func(e *Engine) { e.env.Tokens = t } }

// WithResources sets the pool source behind Context.Resource. A non-nil
// retry pattern wraps every acquire.
func WithResources(src action.ResourceSource, retry resilience.Pattern) Option {
	return func(e *Engine) {
		if retry != nil {
			src = retryingResources{src: src, retry: retry}
		}
		e.env.Resources = src
	}
}

// WithRenderer sets the template renderer behind Context.Render.
func WithRenderer(r action.Renderer) Option { return func(e *Engine) { e.env.Renderer = r } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock sets the wall clock used for timestamps.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clk = c } }

// WithSeqClock starts from a pre-configured logical clock.
func WithSeqClock(c *Clock) Option { return func(e *Engine) { e.seq = c } }

// WithIDGenerator sets the execution ID generator.
func WithIDGenerator(g IDGenerator) Option { return func(e *Engine) { e.ids = g } }

// WithTokenGenerator sets the resume token generator.
func WithTokenGenerator(g IDGenerator) Option { return func(e *Engine) { e.tokens = g } }

// WithEvents sends resilience events from action policies to d.
func WithEvents(d *resilience.Dispatcher) Option { return func(e *Engine) { e.events = d } }

// WithMaxTicks sets the tick quota for stateful actions.
//
// Default: 1000 ticks (DefaultMaxTicks).
func WithMaxTicks(n int) Option { return func(e *Engine) { e.maxTicks = n } }

// OnCompletion registers fn to observe every completion produced by Run.
func OnCompletion(fn func(Completion)) Option { return func(e *Engine) { e.observe = fn } }

// New creates an Engine dispatching to actions in reg.
func New(reg *action.Registry, opts ...Option) *Engine {
	mem := NewMemoryStore()
	e := &Engine{
		registry: reg,
		states:   mem,
		waits:    mem,
		seq:      NewClock(),
		ids:      UUIDv7Generator{},
		clk:      clock.System{},
		maxTicks: DefaultMaxTicks,
		queue:    newInvocationQueue(),
		policies: make(map[string]*resilience.Policy),
		triggers: make(map[string]*runningTrigger),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tokens == nil {
		e.tokens = e.ids
	}
	if e.env.Logger == nil {
		e.env.Logger = e.logger
	}
	return e
}

// Registry returns the action registry.
func (e *Engine) Registry() *action.Registry { return e.registry }

// NewExecution generates a new execution ID.
func (e *Engine) NewExecution() string { return e.ids.Generate() }

// Enqueue submits an invocation for the Run loop.
// Thread-safe: may be called from any goroutine.
//
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(inv Invocation) bool {
	return e.queue.Enqueue(inv)
}

// Run drains the invocation queue until ctx is cancelled or Stop is called.
//
// Invocations run one at a time in FIFO order. A failed invocation is
// logged with its identity and the loop continues; the failure is also in
// the completion handed to OnCompletion.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")

	for {
		inv, ok := e.queue.TryDequeue()
		if ok {
			comp, err := e.dispatch(ctx, inv)
			if err != nil {
				e.logger.Error("invocation failed",
					"execution", comp.ExecutionID,
					"node", comp.NodeID,
					"action", inv.ActionKey,
					"kind", fault.KindOf(err),
					"error", err,
				)
			}
			if e.observe != nil {
				e.observe(comp)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes with the queue; a stale signal on an
			// open queue just loops back to TryDequeue.
			if e.queue.Drained() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue, which makes Run return once it is drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

// dispatch routes a queued invocation to the entry point for its kind.
// Queued streams are drained without a consumer.
func (e *Engine) dispatch(ctx context.Context, inv Invocation) (Completion, error) {
	h, ok := e.registry.Get(inv.ActionKey)
	if ok && h.Kind() == action.KindStreaming {
		return e.Stream(ctx, inv, func(json.RawMessage) error { return nil })
	}
	return e.Execute(ctx, inv)
}

// Recover resumes the logical clock after the last stored seq and requeues
// invocations that were written but never completed. Their IDs are kept,
// so the log writes of the replay are no-ops.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.recovery == nil {
		return 0, nil
	}
	last, err := e.recovery.GetLastSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	e.seq.AdvanceTo(last)

	states, err := e.recovery.FindIncompleteExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	requeued := 0
	for _, st := range states {
		completed := make(map[string]bool, len(st.Completions))
		for _, c := range st.Completions {
			completed[c.InvocationID] = true
		}
		for _, inv := range st.Invocations {
			if completed[inv.ID] {
				continue
			}
			e.Enqueue(Invocation{
				ID:          inv.ID,
				ExecutionID: inv.ExecutionID,
				NodeID:      inv.NodeID,
				ActionKey:   inv.ActionKey,
				Input:       inv.Input,
				Seq:         inv.Seq,
			})
			requeued++
		}
	}
	e.logger.Info("engine recovered", "last_seq", last, "requeued", requeued, "executions", len(states))
	return requeued, nil
}

// prepare fills in identity and canonical input.
func (e *Engine) prepare(inv Invocation) (Invocation, error) {
	if inv.ExecutionID == "" {
		inv.ExecutionID = e.ids.Generate()
	}
	if inv.NodeID == "" {
		inv.NodeID = inv.ActionKey
	}
	input, err := canon.Marshal(inv.Input)
	if err != nil {
		return inv, fault.Annotate(fault.Wrap(fault.Validation, err, "input is not valid JSON"),
			map[string]string{"action": inv.ActionKey})
	}
	inv.Input = input

	if inv.ID != "" {
		e.seq.AdvanceTo(inv.Seq)
		return inv, nil
	}
	inv.Seq = e.seq.Next()
	inv.ID, err = canon.InvocationID(inv.ExecutionID, inv.ActionKey, inv.Input, inv.Seq)
	if err != nil {
		return inv, fmt.Errorf("invocation id: %w", err)
	}
	return inv, nil
}

// resolve finds the handler for inv.
func (e *Engine) resolve(inv Invocation) (action.Handler, error) {
	h, ok := e.registry.Get(inv.ActionKey)
	if !ok {
		return nil, NewUnknownActionError(inv.ExecutionID, inv.ActionKey)
	}
	return h, nil
}

// record writes inv to the execution log.
func (e *Engine) record(ctx context.Context, inv Invocation) error {
	if e.log != nil {
		err := e.log.WriteInvocation(ctx, store.InvocationRecord{
			ID:          inv.ID,
			ExecutionID: inv.ExecutionID,
			NodeID:      inv.NodeID,
			ActionKey:   inv.ActionKey,
			Input:       inv.Input,
			Seq:         inv.Seq,
			CreatedAt:   e.clk.Now(),
		})
		if err != nil {
			return fmt.Errorf("write invocation %s: %w", inv.ID, err)
		}
	}
	e.logger.Debug("invocation dispatched",
		"id", inv.ID,
		"execution", inv.ExecutionID,
		"node", inv.NodeID,
		"action", inv.ActionKey,
		"seq", inv.Seq,
	)
	return nil
}

// reject fails an invocation that was never dispatched. Nothing is
// recorded.
func (e *Engine) reject(inv Invocation, err error) (Completion, error) {
	err = fault.Annotate(err, map[string]string{"action": inv.ActionKey})
	f := fault.From(err)
	return Completion{
		ExecutionID: inv.ExecutionID,
		NodeID:      inv.NodeID,
		ActionKey:   inv.ActionKey,
		Failure:     f,
		Decision:    Decision{Status: StatusFailed, Reason: f.Message},
	}, err
}

// finish builds the completion, records it and returns err classified.
func (e *Engine) finish(ctx context.Context, inv Invocation, res action.Result[json.RawMessage], err error) (Completion, error) {
	ctx = context.WithoutCancel(ctx)
	c := Completion{
		InvocationID: inv.ID,
		ExecutionID:  inv.ExecutionID,
		NodeID:       inv.NodeID,
		ActionKey:    inv.ActionKey,
		Seq:          e.seq.Next(),
	}
	if err != nil {
		err = fault.Annotate(err, map[string]string{"action": inv.ActionKey, "execution": inv.ExecutionID})
		c.Failure = fault.From(err)
		c.Decision = Decision{Status: StatusFailed, Reason: c.Failure.Message}
	} else {
		if verr := res.Validate(); verr != nil {
			err = &RuntimeError{Code: ErrCodeInvalidResult, Message: verr.Error(), ExecutionID: inv.ExecutionID, ActionKey: inv.ActionKey}
			c.Failure = fault.From(err)
			c.Decision = Decision{Status: StatusFailed, Reason: err.Error()}
		} else {
			c.Result = res
			c.Decision = Interpret(res, inv.Branches)
		}
	}
	id, herr := canon.CompletionID(inv.ID, c.Seq)
	if herr != nil {
		return c, fmt.Errorf("completion id: %w", herr)
	}
	c.ID = id

	if e.log != nil {
		rec := store.CompletionRecord{
			ID:           c.ID,
			InvocationID: c.InvocationID,
			Failure:      c.Failure,
			Seq:          c.Seq,
			CompletedAt:  e.clk.Now(),
		}
		if c.Failure == nil {
			rec.ResultType = string(res.Type)
			if res.HasOutput() {
				rec.Output = res.Output
			}
		}
		if werr := e.log.WriteCompletion(ctx, rec); werr != nil {
			e.logger.Error("completion not recorded", "id", c.ID, "invocation", inv.ID, "error", werr)
			if err == nil {
				err = fmt.Errorf("write completion %s: %w", c.ID, werr)
			}
		}
	}
	return c, err
}

// actionContext builds the Context an action sees for inv.
func (e *Engine) actionContext(ctx context.Context, inv Invocation) action.Context {
	return action.NewContext(ctx, e.env, inv.ExecutionID, inv.NodeID)
}

// policy returns the cached dispatch policy for m, or nil.
func (e *Engine) policy(m action.Metadata) (*resilience.Policy, error) {
	key := m.Key + "@" + strconv.FormatUint(uint64(m.Version), 10)
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.policies[key]; ok {
		return p, nil
	}
	p, err := m.Policy(e.events)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "build dispatch policy")
	}
	e.policies[key] = p
	return p, nil
}

// run calls fn under the action's dispatch policy with panics converted
// to Fatal errors.
func run[T any](ctx context.Context, e *Engine, inv Invocation, m action.Metadata, fn func(ctx context.Context) (T, error)) (T, error) {
	call := func(ctx context.Context) (out T, err error) {
		err = recovered(inv, func() error {
			var ferr error
			out, ferr = fn(ctx)
			return ferr
		})
		return out, err
	}
	p, err := e.policy(m)
	if err != nil {
		var zero T
		return zero, err
	}
	if p == nil {
		return call(ctx)
	}
	return resilience.Do(resilience.WithCall(ctx, "action:"+m.Key, inv.NodeID), p, call)
}

// recovered calls fn and converts a panic into a RuntimeError.
func recovered(inv Invocation, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPanicError(inv.ExecutionID, inv.ActionKey, r)
		}
	}()
	return fn()
}

// retryingResources wraps pool acquisition in a retry pattern.
type retryingResources struct {
	src   action.ResourceSource
	retry resilience.Pattern
}

func (r retryingResources) Acquire(ctx context.Context, id string) (pool.Lease, error) {
	return resilience.Do(resilience.WithCall(ctx, "pool:"+id, "acquire"), r.retry, func(ctx context.Context) (pool.Lease, error) {
		return r.src.Acquire(ctx, id)
	})
}
