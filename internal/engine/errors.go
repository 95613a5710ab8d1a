package engine

import (
	"errors"
	"fmt"
	"maps"

	"github.com/roach88/nebula/internal/fault"
)

// RuntimeError represents an error detected by the engine itself rather
// than returned by an action.
//
// Runtime errors include:
//   - Unknown action: no handler registered under the key
//   - Kind mismatch: the handler cannot be driven by the requested entry point
//   - Ticks exceeded: a stateful action did not finish within its quota
//   - Panic: action code panicked
//   - Unknown token: a resume token matches no waiting node
//
// Each code maps to a fault kind, so fault.KindOf classifies a RuntimeError
// like any other error.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// ExecutionID identifies the affected execution.
	ExecutionID string

	// ActionKey identifies the action, when known.
	ActionKey string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	ErrCodeUnknownAction RuntimeErrorCode = "UNKNOWN_ACTION"
	ErrCodeKindMismatch  RuntimeErrorCode = "KIND_MISMATCH"
	ErrCodeTicksExceeded RuntimeErrorCode = "TICKS_EXCEEDED"
	ErrCodePanic         RuntimeErrorCode = "PANIC"
	ErrCodeUnknownToken  RuntimeErrorCode = "UNKNOWN_TOKEN"
	ErrCodeInvalidResult RuntimeErrorCode = "INVALID_RESULT"
	ErrCodeEngineStopped RuntimeErrorCode = "ENGINE_STOPPED"
)

// Kind returns the fault kind for the error's code.
func (c RuntimeErrorCode) Kind() fault.Kind {
	switch c {
	case ErrCodeUnknownAction, ErrCodeKindMismatch, ErrCodeUnknownToken:
		return fault.Validation
	case ErrCodeEngineStopped:
		return fault.Cancelled
	default:
		return fault.Fatal
	}
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.ExecutionID != "" && e.ActionKey != "" {
		return fmt.Sprintf("%s: %s (execution=%s, action=%s)", e.Code, e.Message, e.ExecutionID, e.ActionKey)
	}
	if e.ActionKey != "" {
		return fmt.Sprintf("%s: %s (action=%s)", e.Code, e.Message, e.ActionKey)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the classified form so fault helpers see the kind.
func (e *RuntimeError) Unwrap() error {
	ctx := map[string]string{"code": string(e.Code)}
	if e.ExecutionID != "" {
		ctx["execution"] = e.ExecutionID
	}
	if e.ActionKey != "" {
		ctx["action"] = e.ActionKey
	}
	maps.Copy(ctx, e.Details)
	return &fault.Error{Kind: e.Code.Kind(), Message: e.Message, Context: ctx}
}

// IsRuntimeError reports whether err carries a RuntimeError with code.
// Uses errors.As to handle wrapped errors.
func IsRuntimeError(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NewUnknownActionError creates a RuntimeError for a missing handler.
func NewUnknownActionError(executionID, key string) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeUnknownAction,
		Message:     "no action registered under key",
		ExecutionID: executionID,
		ActionKey:   key,
	}
}

// NewKindMismatchError creates a RuntimeError for a handler driven through
// the wrong entry point.
func NewKindMismatchError(key, got, want string) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeKindMismatch,
		Message:   fmt.Sprintf("action is %s, entry point expects %s", got, want),
		ActionKey: key,
		Details:   map[string]string{"kind": got, "want": want},
	}
}

// NewPanicError converts a recovered panic value.
func NewPanicError(executionID, key string, recovered any) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodePanic,
		Message:     fmt.Sprintf("action panicked: %v", recovered),
		ExecutionID: executionID,
		ActionKey:   key,
	}
}

// NewUnknownTokenError creates a RuntimeError for a resume token that has
// no waiting node, including one already resumed.
func NewUnknownTokenError(token string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownToken,
		Message: "no node is waiting on resume token",
		Details: map[string]string{"token": token},
	}
}
