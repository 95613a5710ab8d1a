package engine

import (
	"cmp"
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/nebula/internal/action"
)

type runningTrigger struct {
	inv    Invocation
	h      action.TriggerHandler
	actx   action.Context
	cancel context.CancelFunc

	once sync.Once
	err  error
}

// StartTrigger starts the trigger action key with cfg, delivering its
// events to sink. The returned stop function stops the trigger and records
// its completion; it is safe to call more than once. The trigger also
// stops when ctx is cancelled.
//
// Sink errors are logged and do not stop the trigger. A panicking sink is
// reported as an error to the trigger.
func (e *Engine) StartTrigger(ctx context.Context, key string, cfg json.RawMessage, sink action.Sink) (func() error, error) {
	inv, err := e.prepare(Invocation{ActionKey: key, Input: cfg})
	if err != nil {
		_, err = e.reject(inv, err)
		return nil, err
	}
	h, err := e.resolve(inv)
	if err != nil {
		_, err = e.reject(inv, err)
		return nil, err
	}
	th, ok := h.(action.TriggerHandler)
	if !ok {
		_, err = e.reject(inv, NewKindMismatchError(key, string(h.Kind()), string(action.KindTrigger)))
		return nil, err
	}
	if err := e.record(ctx, inv); err != nil {
		_, err = e.reject(inv, err)
		return nil, err
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &runningTrigger{
		inv:    inv,
		h:      th,
		actx:   e.actionContext(tctx, inv),
		cancel: cancel,
	}
	e.mu.Lock()
	e.triggers[inv.ID] = t
	e.mu.Unlock()

	guarded := action.SinkFunc(func(actx action.Context, ev action.TriggerEvent) error {
		err := recovered(inv, func() error { return sink.Emit(actx, ev) })
		if err != nil {
			e.logger.Warn("trigger event not delivered", "trigger", key, "execution", inv.ExecutionID, "error", err)
		}
		return err
	})
	_, err = run(tctx, e, inv, th.Metadata(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, th.Start(action.WithContext(t.actx, ctx), inv.Input, guarded)
	})
	if err != nil {
		cancel()
		e.forget(inv.ID)
		_, err = e.finish(ctx, inv, action.Result[json.RawMessage]{}, err)
		return nil, err
	}
	e.logger.Info("trigger started", "trigger", key, "execution", inv.ExecutionID)

	go func() {
		<-tctx.Done()
		e.stopTrigger(t)
	}()
	return func() error { return e.stopTrigger(t) }, nil
}

// stopTrigger stops t once and records its completion.
func (e *Engine) stopTrigger(t *runningTrigger) error {
	t.once.Do(func() {
		sctx := context.WithoutCancel(t.actx)
		err := recovered(t.inv, func() error { return t.h.Stop(action.WithContext(t.actx, sctx)) })
		t.cancel()
		e.forget(t.inv.ID)
		var res action.Result[json.RawMessage]
		if err == nil {
			res = action.Break[json.RawMessage]("trigger stopped")
		}
		_, t.err = e.finish(sctx, t.inv, res, err)
		e.logger.Info("trigger stopped", "trigger", t.inv.ActionKey, "execution", t.inv.ExecutionID)
	})
	return t.err
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.triggers, id)
	e.mu.Unlock()
}

// ActiveTriggers returns the invocations of running triggers ordered by
// seq.
func (e *Engine) ActiveTriggers() []Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Invocation, 0, len(e.triggers))
	for _, t := range e.triggers {
		out = append(out, t.inv)
	}
	slices.SortFunc(out, func(a, b Invocation) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// StopTriggers stops every running trigger and returns the first error.
func (e *Engine) StopTriggers() error {
	e.mu.Lock()
	running := slices.Collect(maps.Values(e.triggers))
	e.mu.Unlock()
	slices.SortFunc(running, func(a, b *runningTrigger) int { return cmp.Compare(a.inv.Seq, b.inv.Seq) })

	var first error
	for _, t := range running {
		if err := e.stopTrigger(t); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// TriggerSink returns a sink that starts a new execution of target for
// every event, with the event payload as input. The invocations run on the
// Run loop.
func (e *Engine) TriggerSink(target string) action.Sink {
	return action.SinkFunc(func(_ action.Context, ev action.TriggerEvent) error {
		inv := Invocation{
			ExecutionID: e.NewExecution(),
			ActionKey:   target,
			Input:       ev.Payload,
		}
		if !e.Enqueue(inv) {
			return &RuntimeError{Code: ErrCodeEngineStopped, Message: "trigger event dropped", ActionKey: target}
		}
		e.logger.Debug("trigger event enqueued", "source", ev.Source, "target", target, "execution", inv.ExecutionID)
		return nil
	})
}
