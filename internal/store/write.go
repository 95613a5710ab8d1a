package store

import (
	"context"
	"fmt"
)

// WriteInvocation inserts an invocation record into the store.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently ignored.
// Other constraint violations (e.g., NOT NULL) will still return errors.
//
// The invocation's Input is serialized to canonical JSON per RFC 8785 for
// deterministic replay.
func (s *Store) WriteInvocation(ctx context.Context, inv InvocationRecord) error {
	input, err := marshalPayload(inv.Input)
	if err != nil {
		return fmt.Errorf("write invocation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO invocations
		(id, execution_id, node_id, action_key, input, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`),
		inv.ID,
		inv.ExecutionID,
		inv.NodeID,
		inv.ActionKey,
		input,
		inv.Seq,
		unixNano(inv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("write invocation: %w", err)
	}

	s.log.Debug("invocation written", "id", inv.ID, "action", inv.ActionKey, "seq", inv.Seq)
	return nil
}

// WriteCompletion inserts a completion record into the store.
// Uses ON CONFLICT DO NOTHING for idempotency - duplicate writes are silently ignored.
// Each invocation can have exactly ONE completion (enforced by UNIQUE constraint on invocation_id).
//
// Note: The invocation referenced by InvocationID must exist (foreign key constraint on SQLite).
func (s *Store) WriteCompletion(ctx context.Context, comp CompletionRecord) error {
	var output any
	if comp.Output != nil {
		o, err := marshalPayload(comp.Output)
		if err != nil {
			return fmt.Errorf("write completion: %w", err)
		}
		output = o
	}
	failure, err := marshalFailure(comp.Failure)
	if err != nil {
		return fmt.Errorf("write completion: %w", err)
	}

	// ON CONFLICT DO NOTHING handles both:
	// 1. Duplicate completion ID (same completion written twice)
	// 2. Duplicate invocation_id (second completion for same invocation)
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO completions
		(id, invocation_id, result_type, output, failure, seq, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`),
		comp.ID,
		comp.InvocationID,
		comp.ResultType,
		output,
		failure,
		comp.Seq,
		unixNano(comp.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("write completion: %w", err)
	}
	return nil
}

// SaveState upserts the state of a stateful action.
func (s *Store) SaveState(ctx context.Context, st StateRecord) error {
	state, err := marshalPayload(st.State)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO action_states (execution_id, node_id, action_key, state, ticks, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, node_id) DO UPDATE SET
			action_key = excluded.action_key,
			state = excluded.state,
			ticks = excluded.ticks,
			updated_at = excluded.updated_at
	`), st.ExecutionID, st.NodeID, st.ActionKey, state, st.Ticks, unixNano(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// DeleteState removes a finished action's state. Missing rows are ignored.
func (s *Store) DeleteState(ctx context.Context, executionID, nodeID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM action_states WHERE execution_id = ? AND node_id = ?
	`), executionID, nodeID)
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// SaveWait records a suspended node. A token is written once; saving it
// again is a no-op.
func (s *Store) SaveWait(ctx context.Context, w WaitRecord) error {
	cond, err := marshalPayload(w.Condition)
	if err != nil {
		return fmt.Errorf("save wait: %w", err)
	}
	input, err := marshalPayload(w.Input)
	if err != nil {
		return fmt.Errorf("save wait: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO waits (token, execution_id, node_id, action_key, kind, condition, input, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO NOTHING
	`), w.Token, w.ExecutionID, w.NodeID, w.ActionKey, w.Kind, cond, input, unixNano(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("save wait: %w", err)
	}
	return nil
}

// DeleteWait removes a wait and reports whether it existed. The engine uses
// the result to make resumption exactly-once.
func (s *Store) DeleteWait(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM waits WHERE token = ?`), token)
	if err != nil {
		return false, fmt.Errorf("delete wait: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete wait: %w", err)
	}
	return n > 0, nil
}
