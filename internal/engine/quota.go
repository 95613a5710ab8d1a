package engine

import (
	"errors"
	"fmt"
)

// DefaultMaxTicks is the default maximum number of ticks a stateful action
// may take in one execution.
const DefaultMaxTicks = 1000

// TickQuota counts ticks of one stateful run and enforces a maximum.
//
// A stateful action that never reports Done would otherwise tick forever.
// Each run gets its own TickQuota; it is not safe for concurrent use.
type TickQuota struct {
	maxTicks int
	current  int
}

// NewTickQuota creates a quota with the given limit.
func NewTickQuota(maxTicks int) *TickQuota {
	return &TickQuota{maxTicks: maxTicks}
}

// Check increments the tick counter and validates against the limit.
// Returns TicksExceededError once the quota is exceeded.
func (q *TickQuota) Check(executionID, nodeID string) error {
	q.current++
	if q.current > q.maxTicks {
		return &TicksExceededError{
			ExecutionID: executionID,
			NodeID:      nodeID,
			Ticks:       q.current,
			Limit:       q.maxTicks,
		}
	}
	return nil
}

// Resume sets the counter to ticks already taken, for runs restored from a
// StateStore.
func (q *TickQuota) Resume(ticks int) { q.current = ticks }

// Current returns the current tick count.
func (q *TickQuota) Current() int { return q.current }

// MaxTicks returns the limit.
func (q *TickQuota) MaxTicks() int { return q.maxTicks }

// TicksExceededError is returned when a stateful action exceeds its quota.
// The run ends with a Fatal failure and its persisted state is kept for
// inspection.
type TicksExceededError struct {
	ExecutionID string
	NodeID      string
	Ticks       int
	Limit       int
}

// Error implements the error interface.
func (e *TicksExceededError) Error() string {
	return fmt.Sprintf("node %s of execution %s exceeded max ticks: %d ticks > %d limit",
		e.NodeID, e.ExecutionID, e.Ticks, e.Limit)
}

// Unwrap classifies the error as a RuntimeError.
func (e *TicksExceededError) Unwrap() error {
	return &RuntimeError{
		Code:        ErrCodeTicksExceeded,
		Message:     fmt.Sprintf("exceeded max ticks (%d > %d)", e.Ticks, e.Limit),
		ExecutionID: e.ExecutionID,
		Details: map[string]string{
			"node":      e.NodeID,
			"ticks":     fmt.Sprintf("%d", e.Ticks),
			"max_ticks": fmt.Sprintf("%d", e.Limit),
		},
	}
}

// IsTicksExceededError returns true if the error is a TicksExceededError.
// Uses errors.As to handle wrapped errors.
func IsTicksExceededError(err error) bool {
	var te *TicksExceededError
	return errors.As(err, &te)
}
