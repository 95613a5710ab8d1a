package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by reads when no row matches.
var ErrNotFound = errors.New("store: not found")

type invocationRow struct {
	ID          string `db:"id"`
	ExecutionID string `db:"execution_id"`
	NodeID      string `db:"node_id"`
	ActionKey   string `db:"action_key"`
	Input       string `db:"input"`
	Seq         int64  `db:"seq"`
	CreatedAt   int64  `db:"created_at"`
}

func (r invocationRow) record() InvocationRecord {
	return InvocationRecord{
		ID:          r.ID,
		ExecutionID: r.ExecutionID,
		NodeID:      r.NodeID,
		ActionKey:   r.ActionKey,
		Input:       unmarshalPayload(sql.NullString{String: r.Input, Valid: true}),
		Seq:         r.Seq,
		CreatedAt:   fromUnixNano(r.CreatedAt),
	}
}

type completionRow struct {
	ID           string         `db:"id"`
	InvocationID string         `db:"invocation_id"`
	ResultType   string         `db:"result_type"`
	Output       sql.NullString `db:"output"`
	Failure      sql.NullString `db:"failure"`
	Seq          int64          `db:"seq"`
	CompletedAt  int64          `db:"completed_at"`
}

func (r completionRow) record() (CompletionRecord, error) {
	f, err := unmarshalFailure(r.Failure)
	if err != nil {
		return CompletionRecord{}, err
	}
	return CompletionRecord{
		ID:           r.ID,
		InvocationID: r.InvocationID,
		ResultType:   r.ResultType,
		Output:       unmarshalPayload(r.Output),
		Failure:      f,
		Seq:          r.Seq,
		CompletedAt:  fromUnixNano(r.CompletedAt),
	}, nil
}

const invocationColumns = `id, execution_id, node_id, action_key, input, seq, created_at`
const completionColumns = `id, invocation_id, result_type, output, failure, seq, completed_at`

// ReadExecution returns all invocations and completions for an execution.
// Results are ordered by seq ASC, id ASC for deterministic replay.
func (s *Store) ReadExecution(ctx context.Context, executionID string) ([]InvocationRecord, []CompletionRecord, error) {
	invs, err := s.ListInvocations(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	var rows []completionRow
	err = s.db.SelectContext(ctx, &rows, s.q(`
		SELECT c.id, c.invocation_id, c.result_type, c.output, c.failure, c.seq, c.completed_at
		FROM completions c
		JOIN invocations i ON c.invocation_id = i.id
		WHERE i.execution_id = ?
		ORDER BY c.seq ASC, c.id ASC
	`), executionID)
	if err != nil {
		return nil, nil, fmt.Errorf("read execution completions: %w", err)
	}
	comps := make([]CompletionRecord, 0, len(rows))
	for _, r := range rows {
		c, err := r.record()
		if err != nil {
			return nil, nil, fmt.Errorf("read execution completions: %w", err)
		}
		comps = append(comps, c)
	}
	return invs, comps, nil
}

// ListInvocations returns an execution's invocations ordered by seq ASC, id ASC.
func (s *Store) ListInvocations(ctx context.Context, executionID string) ([]InvocationRecord, error) {
	var rows []invocationRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+invocationColumns+`
		FROM invocations
		WHERE execution_id = ?
		ORDER BY seq ASC, id ASC
	`), executionID)
	if err != nil {
		return nil, fmt.Errorf("read execution invocations: %w", err)
	}
	out := make([]InvocationRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// ReadInvocation retrieves a single invocation by ID.
func (s *Store) ReadInvocation(ctx context.Context, id string) (InvocationRecord, error) {
	var row invocationRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+invocationColumns+` FROM invocations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return InvocationRecord{}, fmt.Errorf("read invocation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return InvocationRecord{}, fmt.Errorf("read invocation %s: %w", id, err)
	}
	return row.record(), nil
}

// ReadCompletion retrieves the completion of an invocation.
func (s *Store) ReadCompletion(ctx context.Context, invocationID string) (CompletionRecord, error) {
	var row completionRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+completionColumns+` FROM completions WHERE invocation_id = ?`), invocationID)
	if errors.Is(err, sql.ErrNoRows) {
		return CompletionRecord{}, fmt.Errorf("read completion for %s: %w", invocationID, ErrNotFound)
	}
	if err != nil {
		return CompletionRecord{}, fmt.Errorf("read completion for %s: %w", invocationID, err)
	}
	c, err := row.record()
	if err != nil {
		return CompletionRecord{}, fmt.Errorf("read completion for %s: %w", invocationID, err)
	}
	return c, nil
}

type stateRow struct {
	ExecutionID string `db:"execution_id"`
	NodeID      string `db:"node_id"`
	ActionKey   string `db:"action_key"`
	State       string `db:"state"`
	Ticks       int    `db:"ticks"`
	UpdatedAt   int64  `db:"updated_at"`
}

// LoadState returns the stored state of a stateful action.
func (s *Store) LoadState(ctx context.Context, executionID, nodeID string) (StateRecord, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT execution_id, node_id, action_key, state, ticks, updated_at
		FROM action_states WHERE execution_id = ? AND node_id = ?
	`), executionID, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRecord{}, fmt.Errorf("load state %s/%s: %w", executionID, nodeID, ErrNotFound)
	}
	if err != nil {
		return StateRecord{}, fmt.Errorf("load state %s/%s: %w", executionID, nodeID, err)
	}
	return StateRecord{
		ExecutionID: row.ExecutionID,
		NodeID:      row.NodeID,
		ActionKey:   row.ActionKey,
		State:       unmarshalPayload(sql.NullString{String: row.State, Valid: true}),
		Ticks:       row.Ticks,
		UpdatedAt:   fromUnixNano(row.UpdatedAt),
	}, nil
}

type waitRow struct {
	Token       string `db:"token"`
	ExecutionID string `db:"execution_id"`
	NodeID      string `db:"node_id"`
	ActionKey   string `db:"action_key"`
	Kind        string `db:"kind"`
	Condition   string `db:"condition"`
	Input       string `db:"input"`
	CreatedAt   int64  `db:"created_at"`
}

func (r waitRow) record() WaitRecord {
	return WaitRecord{
		Token:       r.Token,
		ExecutionID: r.ExecutionID,
		NodeID:      r.NodeID,
		ActionKey:   r.ActionKey,
		Kind:        r.Kind,
		Condition:   unmarshalPayload(sql.NullString{String: r.Condition, Valid: true}),
		Input:       unmarshalPayload(sql.NullString{String: r.Input, Valid: true}),
		CreatedAt:   fromUnixNano(r.CreatedAt),
	}
}

const waitColumns = `token, execution_id, node_id, action_key, kind, condition, input, created_at`

// LoadWait returns the wait registered under token.
func (s *Store) LoadWait(ctx context.Context, token string) (WaitRecord, error) {
	var row waitRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+waitColumns+` FROM waits WHERE token = ?`), token)
	if errors.Is(err, sql.ErrNoRows) {
		return WaitRecord{}, fmt.Errorf("load wait %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return WaitRecord{}, fmt.Errorf("load wait %s: %w", token, err)
	}
	return row.record(), nil
}

// ListWaits returns every pending wait, oldest first. An empty executionID
// lists all executions.
func (s *Store) ListWaits(ctx context.Context, executionID string) ([]WaitRecord, error) {
	query := `SELECT ` + waitColumns + ` FROM waits`
	var args []any
	if executionID != "" {
		query += ` WHERE execution_id = ?`
		args = append(args, executionID)
	}
	query += ` ORDER BY created_at ASC, token ASC`

	var rows []waitRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list waits: %w", err)
	}
	out := make([]WaitRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}
