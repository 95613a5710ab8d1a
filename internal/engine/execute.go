package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/store"
)

// Execute runs a single-shot invocation of a Process, Stateful,
// Interactive or Transactional action and records its completion.
//
// The returned error is the classified failure, also present as
// Completion.Failure. A WaitFor result (and every Interactive request)
// leaves the node waiting under Completion.Decision.ResumeToken until
// Resume is called.
func (e *Engine) Execute(ctx context.Context, inv Invocation) (Completion, error) {
	inv, err := e.prepare(inv)
	if err != nil {
		return e.reject(inv, err)
	}
	h, err := e.resolve(inv)
	if err != nil {
		return e.reject(inv, err)
	}
	switch h.Kind() {
	case action.KindStreaming:
		return e.reject(inv, NewKindMismatchError(inv.ActionKey, string(h.Kind()), "use Stream"))
	case action.KindTrigger:
		return e.reject(inv, NewKindMismatchError(inv.ActionKey, string(h.Kind()), "use StartTrigger"))
	}
	if err := e.record(ctx, inv); err != nil {
		return e.reject(inv, err)
	}

	actx := e.actionContext(ctx, inv)
	var res action.Result[json.RawMessage]
	switch h := h.(type) {
	case action.ProcessHandler:
		res, err = run(ctx, e, inv, h.Metadata(), func(ctx context.Context) (action.Result[json.RawMessage], error) {
			return h.Execute(action.WithContext(actx, ctx), inv.Input)
		})
	case action.StatefulHandler:
		res, err = e.runStateful(ctx, actx, inv, h)
	case action.InteractiveHandler:
		res, err = e.requestInteraction(ctx, actx, inv, h)
	case action.TransactionalHandler:
		tx := e.transact(ctx, []txPart{{inv: inv, h: h}})
		res, err = tx.results[0].res, tx.results[0].err
	default:
		err = NewKindMismatchError(inv.ActionKey, string(h.Kind()), "single-shot action")
	}
	if err == nil && res.Type == action.ResultWait {
		err = e.suspend(ctx, inv, &res)
	}
	return e.finish(ctx, inv, res, err)
}

// runStateful drives Init and Tick until the action reports Done, saving
// state after every tick. A run restored from the StateStore continues from
// the saved state and tick count.
func (e *Engine) runStateful(ctx context.Context, actx action.Context, inv Invocation, h action.StatefulHandler) (action.Result[json.RawMessage], error) {
	var zero action.Result[json.RawMessage]
	m := h.Metadata()
	quota := NewTickQuota(e.maxTicks)

	var state json.RawMessage
	saved, err := e.states.LoadState(ctx, inv.ExecutionID, inv.NodeID)
	switch {
	case err == nil && saved.ActionKey == inv.ActionKey:
		state = saved.State
		quota.Resume(saved.Ticks)
		e.logger.Debug("stateful run resumed", "execution", inv.ExecutionID, "node", inv.NodeID, "ticks", saved.Ticks)
	case err == nil || errors.Is(err, store.ErrNotFound):
		state, err = run(ctx, e, inv, m, func(ctx context.Context) (json.RawMessage, error) {
			return h.Init(action.WithContext(actx, ctx), inv.Input)
		})
		if err != nil {
			return zero, err
		}
	default:
		return zero, fmt.Errorf("load state: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if err := quota.Check(inv.ExecutionID, inv.NodeID); err != nil {
			return zero, err
		}
		tick, err := run(ctx, e, inv, m, func(ctx context.Context) (action.Tick[json.RawMessage, json.RawMessage], error) {
			return h.Tick(action.WithContext(actx, ctx), state)
		})
		if err != nil {
			return zero, err
		}
		if tick.Done {
			if err := e.states.DeleteState(ctx, inv.ExecutionID, inv.NodeID); err != nil {
				e.logger.Warn("stateful state not deleted", "execution", inv.ExecutionID, "node", inv.NodeID, "error", err)
			}
			return action.Success(tick.Output), nil
		}
		state = tick.State
		err = e.states.SaveState(ctx, store.StateRecord{
			ExecutionID: inv.ExecutionID,
			NodeID:      inv.NodeID,
			ActionKey:   inv.ActionKey,
			State:       state,
			Ticks:       quota.Current(),
			UpdatedAt:   e.clk.Now(),
		})
		if err != nil {
			return zero, fmt.Errorf("save state: %w", err)
		}
	}
}

// requestInteraction asks for human input and suspends the node.
func (e *Engine) requestInteraction(ctx context.Context, actx action.Context, inv Invocation, h action.InteractiveHandler) (action.Result[json.RawMessage], error) {
	in, err := run(ctx, e, inv, h.Metadata(), func(ctx context.Context) (action.Interaction, error) {
		return h.RequestInteraction(action.WithContext(actx, ctx), inv.Input)
	})
	if err != nil {
		return action.Result[json.RawMessage]{}, err
	}
	return action.WaitFor[json.RawMessage](action.WaitCondition{
		Kind:     action.WaitApproval,
		Prompt:   in.Prompt,
		Duration: in.Timeout,
	}, ""), nil
}

// suspend assigns a resume token if the action left it empty and stores
// the waiting node.
func (e *Engine) suspend(ctx context.Context, inv Invocation, res *action.Result[json.RawMessage]) error {
	if res.Wait == nil {
		// Validate in finish reports the malformed result.
		return nil
	}
	if res.ResumeToken == "" {
		res.ResumeToken = e.tokens.Generate()
	}
	cond, err := json.Marshal(res.Wait)
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "encode wait condition")
	}
	err = e.waits.SaveWait(ctx, store.WaitRecord{
		Token:       res.ResumeToken,
		ExecutionID: inv.ExecutionID,
		NodeID:      inv.NodeID,
		ActionKey:   inv.ActionKey,
		Kind:        string(res.Wait.Kind),
		Condition:   cond,
		Input:       inv.Input,
		CreatedAt:   e.clk.Now(),
	})
	if err != nil {
		return fmt.Errorf("save wait: %w", err)
	}
	e.logger.Info("node waiting",
		"execution", inv.ExecutionID,
		"node", inv.NodeID,
		"kind", res.Wait.Kind,
		"token", res.ResumeToken,
	)
	return nil
}

// Resume delivers payload to the node waiting on token.
//
// An Interactive node hands the payload to HandleResponse and completes
// with its result; a response rejected as invalid leaves the node waiting.
// Any other node returns to Ready with the payload as its output.
// A token resumes at most once.
func (e *Engine) Resume(ctx context.Context, token string, payload json.RawMessage) (Completion, error) {
	w, err := e.waits.LoadWait(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return e.reject(Invocation{}, NewUnknownTokenError(token))
	}
	if err != nil {
		return e.reject(Invocation{}, fmt.Errorf("load wait: %w", err))
	}
	existed, err := e.waits.DeleteWait(ctx, token)
	if err != nil {
		return e.reject(Invocation{}, fmt.Errorf("delete wait: %w", err))
	}
	if !existed {
		return e.reject(Invocation{}, NewUnknownTokenError(token))
	}

	inv, err := e.prepare(Invocation{
		ExecutionID: w.ExecutionID,
		NodeID:      w.NodeID,
		ActionKey:   w.ActionKey,
		Input:       payload,
	})
	if err != nil {
		e.restore(ctx, w)
		return e.reject(inv, err)
	}

	h, known := e.registry.Get(w.ActionKey)
	ih, interactive := h.(action.InteractiveHandler)
	if w.Kind == string(action.WaitApproval) && (!known || !interactive) {
		e.restore(ctx, w)
		return e.reject(inv, NewUnknownActionError(inv.ExecutionID, inv.ActionKey))
	}
	if err := e.record(ctx, inv); err != nil {
		e.restore(ctx, w)
		return e.reject(inv, err)
	}
	e.logger.Info("node resumed", "execution", inv.ExecutionID, "node", inv.NodeID, "token", token)

	if !interactive {
		comp, err := e.finish(ctx, inv, action.Success(inv.Input), nil)
		comp.Decision.Status = StatusReady
		return comp, err
	}

	actx := e.actionContext(ctx, inv)
	res, err := run(ctx, e, inv, ih.Metadata(), func(ctx context.Context) (action.Result[json.RawMessage], error) {
		return ih.HandleResponse(action.WithContext(actx, ctx), w.Input, inv.Input)
	})
	switch {
	case fault.Is(err, fault.Validation):
		e.restore(ctx, w)
	case err == nil && res.Type == action.ResultWait:
		err = e.suspend(ctx, inv, &res)
	}
	return e.finish(ctx, inv, res, err)
}

// restore puts a wait back after a failed resume.
func (e *Engine) restore(ctx context.Context, w store.WaitRecord) {
	if err := e.waits.SaveWait(context.WithoutCancel(ctx), w); err != nil {
		e.logger.Error("wait not restored", "token", w.Token, "execution", w.ExecutionID, "error", err)
	}
}

// Waiting lists the nodes waiting in an execution, or in all executions
// when executionID is empty.
func (e *Engine) Waiting(ctx context.Context, executionID string) ([]store.WaitRecord, error) {
	return e.waits.ListWaits(ctx, executionID)
}
