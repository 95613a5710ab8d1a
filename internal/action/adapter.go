package action

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/roach88/nebula/internal/canon"
	"github.com/roach88/nebula/internal/fault"
)

// Handler is the JSON-erased form of an action held by the Registry. Every
// handler also implements exactly one of the kind-specific interfaces below.
type Handler interface {
	Metadata() Metadata
	Kind() Kind
}

// ProcessHandler is an erased Process or Simple action.
type ProcessHandler interface {
	Handler
	Execute(ctx Context, input json.RawMessage) (Result[json.RawMessage], error)
}

// StatefulHandler is an erased Stateful action.
type StatefulHandler interface {
	Handler
	Init(ctx Context, input json.RawMessage) (json.RawMessage, error)
	Tick(ctx Context, state json.RawMessage) (Tick[json.RawMessage, json.RawMessage], error)
}

// Stream is an open stream. Close is idempotent.
type Stream interface {
	Next(ctx Context) (item json.RawMessage, ok bool, err error)
	Close(ctx Context) error
}

// StreamingHandler is an erased Streaming action.
type StreamingHandler interface {
	Handler
	Open(ctx Context, cfg json.RawMessage) (Stream, error)
}

// TriggerHandler is an erased Trigger action.
type TriggerHandler interface {
	Handler
	Start(ctx Context, cfg json.RawMessage, sink Sink) error
	Stop(ctx Context) error
}

// TransactionalHandler is an erased Transactional action.
type TransactionalHandler interface {
	Handler
	Prepare(ctx Context, input json.RawMessage) (PrepareResult, error)
	Commit(ctx Context) error
	Rollback(ctx Context) error
}

// InteractiveHandler is an erased Interactive action.
type InteractiveHandler interface {
	Handler
	RequestInteraction(ctx Context, input json.RawMessage) (Interaction, error)
	HandleResponse(ctx Context, input, response json.RawMessage) (Result[json.RawMessage], error)
}

type base struct {
	meta  Metadata
	kind  Kind
	codec codec
}

func newBase(a Action, kind Kind) (base, error) {
	m := a.Metadata()
	if err := m.Validate(); err != nil {
		return base{}, err
	}
	c, err := newCodec(m)
	if err != nil {
		return base{}, err
	}
	return base{meta: m, kind: kind, codec: c}, nil
}

func (b base) Metadata() Metadata { return b.meta }
func (b base) Kind() Kind         { return b.kind }

// --- Process ---

type processAdapter[In, Out any] struct {
	base
	a Process[In, Out]
}

// AdaptProcess erases a Process action.
func AdaptProcess[In, Out any](a Process[In, Out]) (ProcessHandler, error) {
	b, err := newBase(a, KindProcess)
	if err != nil {
		return nil, err
	}
	return &processAdapter[In, Out]{base: b, a: a}, nil
}

func (p *processAdapter[In, Out]) Execute(ctx Context, input json.RawMessage) (Result[json.RawMessage], error) {
	in, err := decodeInput[In](p.codec, input)
	if err != nil {
		return Result[json.RawMessage]{}, err
	}
	res, err := p.a.Execute(ctx, in)
	if err != nil {
		return Result[json.RawMessage]{}, err
	}
	return encodeResult(p.codec, res)
}

// --- Simple ---

type simpleProcess[In, Out any] struct {
	Simple[In, Out]
}

func (s simpleProcess[In, Out]) Execute(ctx Context, in In) (Result[Out], error) {
	out, err := s.Run(ctx, in)
	if err != nil {
		return Result[Out]{}, err
	}
	return Success(out), nil
}

// AsProcess lifts a Simple action into a Process that always returns
// Success.
func AsProcess[In, Out any](s Simple[In, Out]) Process[In, Out] {
	return simpleProcess[In, Out]{s}
}

// AdaptSimple erases a Simple action.
func AdaptSimple[In, Out any](s Simple[In, Out]) (ProcessHandler, error) {
	return AdaptProcess(AsProcess(s))
}

// --- Stateful ---

type statefulAdapter[In, S, Out any] struct {
	base
	a Stateful[In, S, Out]
}

// AdaptStateful erases a Stateful action.
func AdaptStateful[In, S, Out any](a Stateful[In, S, Out]) (StatefulHandler, error) {
	b, err := newBase(a, KindStateful)
	if err != nil {
		return nil, err
	}
	return &statefulAdapter[In, S, Out]{base: b, a: a}, nil
}

func (s *statefulAdapter[In, S, Out]) Init(ctx Context, input json.RawMessage) (json.RawMessage, error) {
	in, err := decodeInput[In](s.codec, input)
	if err != nil {
		return nil, err
	}
	st, err := s.a.Init(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.encodeState(st)
}

func (s *statefulAdapter[In, S, Out]) Tick(ctx Context, state json.RawMessage) (Tick[json.RawMessage, json.RawMessage], error) {
	var st S
	if err := json.Unmarshal(state, &st); err != nil {
		return Tick[json.RawMessage, json.RawMessage]{}, fault.Annotate(
			fault.Wrap(fault.Fatal, err, "decode state"), map[string]string{"action": s.meta.Key})
	}
	t, err := s.a.Tick(ctx, st)
	if err != nil {
		return Tick[json.RawMessage, json.RawMessage]{}, err
	}
	if t.Done {
		out, err := encodeOutput(s.codec, t.Output)
		if err != nil {
			return Tick[json.RawMessage, json.RawMessage]{}, err
		}
		return Tick[json.RawMessage, json.RawMessage]{Output: out, Done: true}, nil
	}
	next, err := s.encodeState(t.State)
	if err != nil {
		return Tick[json.RawMessage, json.RawMessage]{}, err
	}
	return Tick[json.RawMessage, json.RawMessage]{State: next}, nil
}

func (s *statefulAdapter[In, S, Out]) encodeState(st S) (json.RawMessage, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fault.Annotate(fault.Wrap(fault.Fatal, err, "encode state"), map[string]string{"action": s.meta.Key})
	}
	return b, nil
}

// --- Streaming ---

type streamingAdapter[Cfg, T any] struct {
	base
	a Streaming[Cfg, T]
}

// AdaptStreaming erases a Streaming action.
func AdaptStreaming[Cfg, T any](a Streaming[Cfg, T]) (StreamingHandler, error) {
	b, err := newBase(a, KindStreaming)
	if err != nil {
		return nil, err
	}
	return &streamingAdapter[Cfg, T]{base: b, a: a}, nil
}

func (s *streamingAdapter[Cfg, T]) Open(ctx Context, raw json.RawMessage) (Stream, error) {
	cfg, err := decodeInput[Cfg](s.codec, raw)
	if err != nil {
		return nil, err
	}
	if err := s.a.Open(ctx, cfg); err != nil {
		return nil, err
	}
	return &stream[Cfg, T]{owner: s, cfg: cfg}, nil
}

type stream[Cfg, T any] struct {
	owner    *streamingAdapter[Cfg, T]
	cfg      Cfg
	once     sync.Once
	closeErr error
}

func (s *stream[Cfg, T]) Next(ctx Context) (json.RawMessage, bool, error) {
	item, ok, err := s.owner.a.Next(ctx, s.cfg)
	if err != nil || !ok {
		return nil, false, err
	}
	b, err := encodeOutput(s.owner.codec, item)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *stream[Cfg, T]) Close(ctx Context) error {
	s.once.Do(func() { s.closeErr = s.owner.a.Close(ctx, s.cfg) })
	return s.closeErr
}

// --- Trigger ---

type triggerAdapter[Cfg, Ev any] struct {
	base
	a Trigger[Cfg, Ev]
}

// AdaptTrigger erases a Trigger action.
func AdaptTrigger[Cfg, Ev any](a Trigger[Cfg, Ev]) (TriggerHandler, error) {
	b, err := newBase(a, KindTrigger)
	if err != nil {
		return nil, err
	}
	return &triggerAdapter[Cfg, Ev]{base: b, a: a}, nil
}

func (t *triggerAdapter[Cfg, Ev]) Start(ctx Context, raw json.RawMessage, sink Sink) error {
	cfg, err := decodeInput[Cfg](t.codec, raw)
	if err != nil {
		return err
	}
	emit := func(ev Ev) error {
		payload, err := encodeOutput(t.codec, ev)
		if err != nil {
			return err
		}
		return sink.Emit(ctx, TriggerEvent{Source: t.meta.Key, At: time.Now().UTC(), Payload: payload})
	}
	return t.a.Start(ctx, cfg, emit)
}

func (t *triggerAdapter[Cfg, Ev]) Stop(ctx Context) error { return t.a.Stop(ctx) }

// --- Transactional ---

type transactionalAdapter[In any] struct {
	base
	a Transactional[In]

	mu     sync.Mutex
	votes  map[string]PrepareResult // prepare key -> vote
	byExec map[string][]string      // execution id -> prepare keys
}

// AdaptTransactional erases a Transactional action. Votes are cached per
// execution and canonical input until Commit or Rollback, so a replayed
// prepare returns the original vote without calling the action again.
func AdaptTransactional[In any](a Transactional[In]) (TransactionalHandler, error) {
	b, err := newBase(a, KindTransactional)
	if err != nil {
		return nil, err
	}
	return &transactionalAdapter[In]{
		base:   b,
		a:      a,
		votes:  make(map[string]PrepareResult),
		byExec: make(map[string][]string),
	}, nil
}

func (t *transactionalAdapter[In]) Prepare(ctx Context, input json.RawMessage) (PrepareResult, error) {
	in, err := decodeInput[In](t.codec, input)
	if err != nil {
		return PrepareResult{}, err
	}
	key, err := canon.PrepareKey(ctx.ExecutionID(), t.meta.Key, input)
	if err != nil {
		return PrepareResult{}, t.codec.invalid(err, "canonicalize input")
	}
	t.mu.Lock()
	v, ok := t.votes[key]
	t.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err = t.a.Prepare(ctx, in)
	if err != nil {
		return PrepareResult{}, err
	}
	if v.Vote != VotePrepared && v.Vote != VoteAbort {
		return PrepareResult{}, fault.Annotate(fault.Newf(fault.Fatal, "unknown vote %q", v.Vote), map[string]string{"action": t.meta.Key})
	}
	t.mu.Lock()
	if prev, ok := t.votes[key]; ok {
		v = prev
	} else {
		t.votes[key] = v
		t.byExec[ctx.ExecutionID()] = append(t.byExec[ctx.ExecutionID()], key)
	}
	t.mu.Unlock()
	return v, nil
}

func (t *transactionalAdapter[In]) Commit(ctx Context) error {
	if err := t.a.Commit(ctx); err != nil {
		return err
	}
	t.forget(ctx.ExecutionID())
	return nil
}

func (t *transactionalAdapter[In]) Rollback(ctx Context) error {
	if err := t.a.Rollback(ctx); err != nil {
		return err
	}
	t.forget(ctx.ExecutionID())
	return nil
}

func (t *transactionalAdapter[In]) forget(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range t.byExec[executionID] {
		delete(t.votes, k)
	}
	delete(t.byExec, executionID)
}

// --- Interactive ---

type interactiveAdapter[In, Resp, Out any] struct {
	base
	a Interactive[In, Resp, Out]
}

// AdaptInteractive erases an Interactive action.
func AdaptInteractive[In, Resp, Out any](a Interactive[In, Resp, Out]) (InteractiveHandler, error) {
	b, err := newBase(a, KindInteractive)
	if err != nil {
		return nil, err
	}
	return &interactiveAdapter[In, Resp, Out]{base: b, a: a}, nil
}

func (i *interactiveAdapter[In, Resp, Out]) RequestInteraction(ctx Context, input json.RawMessage) (Interaction, error) {
	in, err := decodeInput[In](i.codec, input)
	if err != nil {
		return Interaction{}, err
	}
	return i.a.RequestInteraction(ctx, in)
}

func (i *interactiveAdapter[In, Resp, Out]) HandleResponse(ctx Context, input, response json.RawMessage) (Result[json.RawMessage], error) {
	in, err := decodeInput[In](i.codec, input)
	if err != nil {
		return Result[json.RawMessage]{}, err
	}
	resp, err := decodeValue[Resp](i.codec, response, "response")
	if err != nil {
		return Result[json.RawMessage]{}, err
	}
	res, err := i.a.HandleResponse(ctx, in, resp)
	if err != nil {
		return Result[json.RawMessage]{}, err
	}
	return encodeResult(i.codec, res)
}
