// Package fault defines the error taxonomy shared by every layer of Nebula.
//
// Every failure that crosses a package boundary is classified by a Kind. The
// kind decides runtime behavior: Validation errors surface immediately,
// Retryable errors are eligible for retry policies, CircuitOpen errors tell the
// caller to wait for the breaker reset, and so on.
//
// Propagation rules:
//   - Inner layers never upgrade a kind. Annotate keeps the kind it finds.
//   - Outer layers may call Downgrade to turn Retryable into Fatal once their
//     retry budget is exhausted.
//   - Context maps are merged as errors move outward, never replaced.
package fault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"
)

// Kind classifies an error for the runtime.
type Kind string

const (
	// Validation marks bad input or a schema mismatch. Never retried.
	Validation Kind = "Validation"

	// Retryable marks transient failures: network errors, 5xx, pool exhaustion.
	Retryable Kind = "Retryable"

	// Fatal marks unrecoverable failures, including converted panics.
	Fatal Kind = "Fatal"

	// Authentication marks 401/403 responses and refresh failures.
	Authentication Kind = "Authentication"

	// RateLimit marks a limiter denial or an upstream 429.
	RateLimit Kind = "RateLimit"

	// Timeout marks wall-clock expiry.
	Timeout Kind = "Timeout"

	// CircuitOpen marks a call rejected by an open circuit breaker.
	CircuitOpen Kind = "CircuitOpen"

	// BulkheadFull marks a call rejected by a saturated bulkhead queue.
	BulkheadFull Kind = "BulkheadFull"

	// Cancelled marks cancellation propagation.
	Cancelled Kind = "Cancelled"
)

var kinds = []Kind{Validation, Retryable, Fatal, Authentication, RateLimit, Timeout, CircuitOpen, BulkheadFull, Cancelled}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Error is a classified error with diagnostic context.
//
// Error values are treated as immutable once returned: Annotate and
// Downgrade return modified copies.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Message is a human-readable description.
	Message string

	// RetryAfter is the suggested wait before the next attempt (RateLimit,
	// CircuitOpen). Zero means unspecified.
	RetryAfter time.Duration

	// Context holds diagnostic breadcrumbs accumulated during propagation.
	Context map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.text())
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

// text joins the message with the cause unless the message already is the
// cause's text.
func (e *Error) text() string {
	if e.Err == nil {
		return e.Message
	}
	cause := e.Err.Error()
	if e.Message == "" || e.Message == cause {
		return cause
	}
	return e.Message + ": " + cause
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// clone returns a shallow copy with its own context map.
func (e *Error) clone() *Error {
	c := *e
	c.Context = maps.Clone(e.Context)
	return &c
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. If err already carries a classification the
// existing kind wins, so wrapping never upgrades.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		kind = fe.Kind
	}
	return &Error{Kind: kind, Message: message, Err: err, RetryAfter: retryAfterOf(err)}
}

// NewRateLimit creates a RateLimit error with a retry hint.
func NewRateLimit(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimit, Message: message, RetryAfter: retryAfter}
}

// KindOf classifies any error.
//
// Context cancellation maps to Cancelled and deadline expiry to Timeout.
// Unclassified errors are Fatal. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Fatal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether a retry layer may attempt the operation again.
// Retryable, Timeout and RateLimit qualify.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case Retryable, Timeout, RateLimit:
		return true
	}
	return false
}

// RetryAfterOf returns the retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	return retryAfterOf(err)
}

func retryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Annotate merges kv into the error's context and returns the result.
//
// Existing keys are kept; only missing keys are added, so the innermost
// breadcrumb survives. Unclassified errors are wrapped with the kind
// KindOf assigns them.
func Annotate(err error, kv map[string]string) error {
	if err == nil {
		return nil
	}
	var out *Error
	if fe, ok := err.(*Error); ok {
		out = fe.clone()
	} else {
		out = &Error{Kind: KindOf(err), Message: err.Error(), Err: err, RetryAfter: retryAfterOf(err)}
		var inner *Error
		if errors.As(err, &inner) {
			out.Context = maps.Clone(inner.Context)
		}
	}
	if out.Context == nil {
		out.Context = make(map[string]string, len(kv))
	}
	for k, v := range kv {
		if _, ok := out.Context[k]; !ok {
			out.Context[k] = v
		}
	}
	return out
}

// With is a shorthand for Annotate with a single key.
func With(err error, key, value string) error {
	return Annotate(err, map[string]string{key: value})
}

// Downgrade turns a transient error into Fatal. Used by outer layers after
// their retry budget is spent. Other kinds are returned unchanged.
func Downgrade(err error, reason string) error {
	if !IsTransient(err) {
		return err
	}
	ctx := map[string]string{"downgraded_from": string(KindOf(err))}
	if reason != "" {
		ctx["downgrade_reason"] = reason
	}
	var fe *Error
	if errors.As(err, &fe) {
		out := fe.clone()
		out.Kind = Fatal
		out.RetryAfter = 0
		return Annotate(out, ctx)
	}
	return &Error{Kind: Fatal, Message: err.Error(), Err: err, Context: ctx}
}

// Scrub returns a copy of err whose message and context values have been
// passed through redact. The cause chain is flattened into the message so
// secrets held by wrapped errors cannot leak through Error().
func Scrub(err error, redact func(string) string) error {
	if err == nil || redact == nil {
		return err
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return &Error{Kind: KindOf(err), Message: redact(err.Error())}
	}
	out := &Error{Kind: fe.Kind, RetryAfter: fe.RetryAfter}
	out.Message = redact(fe.text())
	if len(fe.Context) > 0 {
		out.Context = make(map[string]string, len(fe.Context))
		for k, v := range fe.Context {
			out.Context[k] = redact(v)
		}
	}
	return out
}

// wire is the JSON shape of an Error.
type wire struct {
	Kind       Kind              `json:"kind"`
	Message    string            `json:"message"`
	RetryAfter string            `json:"retry_after,omitempty"`
	Context    map[string]string `json:"context"`
}

// MarshalJSON encodes the error in its wire shape. The cause is folded into
// the message.
func (e *Error) MarshalJSON() ([]byte, error) {
	w := wire{Kind: e.Kind, Message: e.text(), Context: e.Context}
	if e.RetryAfter > 0 {
		w.RetryAfter = e.RetryAfter.String()
	}
	if w.Context == nil {
		w.Context = map[string]string{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape.
func (e *Error) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Kind.Valid() {
		return fmt.Errorf("unknown error kind %q", w.Kind)
	}
	e.Kind = w.Kind
	e.Message = w.Message
	e.Context = w.Context
	e.Err = nil
	e.RetryAfter = 0
	if w.RetryAfter != "" {
		d, err := time.ParseDuration(w.RetryAfter)
		if err != nil {
			return fmt.Errorf("parse retry_after: %w", err)
		}
		e.RetryAfter = d
	}
	return nil
}

// From converts any error into its wire form. Nil stays nil.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindOf(err), Message: err.Error(), Err: err}
}
