package engine

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/fault"
)

// Participant is one transactional action taking part in a saga.
type Participant struct {
	NodeID    string          `json:"node_id,omitempty"`
	ActionKey string          `json:"action_key"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Outcome is the result of a coordinated transaction.
type Outcome struct {
	ExecutionID string       `json:"execution_id"`
	Committed   bool         `json:"committed"`
	Reason      string       `json:"reason,omitempty"`
	Completions []Completion `json:"completions"`
}

// Coordinator runs two-phase commits across transactional actions.
type Coordinator struct {
	e *Engine
}

// Coordinator returns a coordinator dispatching through e.
func (e *Engine) Coordinator() *Coordinator { return &Coordinator{e: e} }

// Run prepares every participant in order. If all vote prepared, each is
// committed; otherwise the participants prepared so far roll back in
// reverse order. Every participant gets one completion, Commit or
// Rollback.
//
// All participants are resolved before anything is recorded, so an
// unknown or non-transactional action fails the whole run without side
// effects. Prepare is replay-safe: the adapter returns the cached vote for
// the same execution and input.
func (c *Coordinator) Run(ctx context.Context, executionID string, participants []Participant) (Outcome, error) {
	e := c.e
	if len(participants) == 0 {
		return Outcome{}, fault.New(fault.Validation, "transaction has no participants")
	}
	if executionID == "" {
		executionID = e.ids.Generate()
	}
	out := Outcome{ExecutionID: executionID}

	parts := make([]txPart, 0, len(participants))
	for _, p := range participants {
		inv, err := e.prepare(Invocation{
			ExecutionID: executionID,
			NodeID:      p.NodeID,
			ActionKey:   p.ActionKey,
			Input:       p.Input,
		})
		if err != nil {
			return out, err
		}
		h, err := e.resolve(inv)
		if err != nil {
			return out, err
		}
		th, ok := h.(action.TransactionalHandler)
		if !ok {
			return out, NewKindMismatchError(inv.ActionKey, string(h.Kind()), string(action.KindTransactional))
		}
		parts = append(parts, txPart{inv: inv, h: th})
	}
	for _, p := range parts {
		if err := e.record(ctx, p.inv); err != nil {
			return out, err
		}
	}

	tx := e.transact(ctx, parts)
	out.Committed, out.Reason = tx.committed, tx.reason
	var errs []error
	for i, p := range parts {
		comp, err := e.finish(ctx, p.inv, tx.results[i].res, tx.results[i].err)
		out.Completions = append(out.Completions, comp)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

type txPart struct {
	inv Invocation
	h   action.TransactionalHandler
}

type txResult struct {
	res action.Result[json.RawMessage]
	err error
}

type txOutcome struct {
	committed bool
	reason    string
	results   []txResult
}

// transact runs both phases over parts, which are already recorded.
func (e *Engine) transact(ctx context.Context, parts []txPart) txOutcome {
	tx := txOutcome{results: make([]txResult, len(parts))}
	actxs := make([]action.Context, len(parts))
	for i, p := range parts {
		actxs[i] = e.actionContext(ctx, p.inv)
	}

	var prepared []int
	for i, p := range parts {
		if err := ctx.Err(); err != nil {
			tx.reason = "cancelled before prepare"
			tx.results[i].err = err
			break
		}
		actx := actxs[i]
		v, err := run(ctx, e, p.inv, p.h.Metadata(), func(ctx context.Context) (action.PrepareResult, error) {
			return p.h.Prepare(action.WithContext(actx, ctx), p.inv.Input)
		})
		if err != nil {
			tx.reason = "prepare failed: " + err.Error()
			tx.results[i].err = err
			break
		}
		e.logger.Debug("participant voted",
			"execution", p.inv.ExecutionID,
			"node", p.inv.NodeID,
			"vote", v.Vote,
		)
		if v.Vote == action.VoteAbort {
			tx.reason = v.Reason
			if tx.reason == "" {
				tx.reason = "participant " + p.inv.NodeID + " aborted"
			}
			break
		}
		prepared = append(prepared, i)
	}

	if len(prepared) < len(parts) {
		for _, i := range slices.Backward(prepared) {
			p := parts[i]
			rctx := action.WithContext(actxs[i], context.WithoutCancel(ctx))
			if err := recovered(p.inv, func() error { return p.h.Rollback(rctx) }); err != nil {
				e.logger.Error("rollback failed", "execution", p.inv.ExecutionID, "node", p.inv.NodeID, "error", err)
				tx.results[i].err = fault.Wrap(fault.Fatal, err, "rollback")
			}
		}
		for i := range tx.results {
			if tx.results[i].err == nil {
				tx.results[i].res = action.Rollback[json.RawMessage](tx.reason)
			}
		}
		e.logger.Info("transaction rolled back", "execution", parts[0].inv.ExecutionID, "reason", tx.reason)
		return tx
	}

	tx.committed = true
	for i, p := range parts {
		cctx := action.WithContext(actxs[i], context.WithoutCancel(ctx))
		if err := recovered(p.inv, func() error { return p.h.Commit(cctx) }); err != nil {
			e.logger.Error("commit failed", "execution", p.inv.ExecutionID, "node", p.inv.NodeID, "error", err)
			tx.results[i].err = err
			continue
		}
		tx.results[i].res = action.Commit[json.RawMessage]()
	}
	e.logger.Info("transaction committed", "execution", parts[0].inv.ExecutionID, "participants", len(parts))
	return tx
}
