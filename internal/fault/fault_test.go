package fault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKindOf_Classification covers fault errors, wrapped errors, and context errors.
func TestKindOf_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct", New(Validation, "bad"), Validation},
		{"wrapped", fmt.Errorf("outer: %w", New(Retryable, "flaky")), Retryable},
		{"canceled", context.Canceled, Cancelled},
		{"deadline", fmt.Errorf("op: %w", context.DeadlineExceeded), Timeout},
		{"plain", errors.New("boom"), Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

// TestWrap_NeverUpgrades verifies an inner classification survives wrapping.
func TestWrap_NeverUpgrades(t *testing.T) {
	inner := New(Validation, "missing field")
	wrapped := Wrap(Retryable, inner, "calling upstream")

	assert.Equal(t, Validation, wrapped.Kind)
	assert.True(t, errors.Is(wrapped, inner))
	assert.Nil(t, Wrap(Fatal, nil, "nothing"))
}

// TestAnnotate_MergesContext verifies context maps merge and inner keys win.
func TestAnnotate_MergesContext(t *testing.T) {
	base := &Error{Kind: Retryable, Message: "flaky", Context: map[string]string{"attempt": "1"}}

	out := Annotate(base, map[string]string{"attempt": "5", "service": "billing"})

	var fe *Error
	require.True(t, errors.As(out, &fe))
	assert.Equal(t, "1", fe.Context["attempt"])
	assert.Equal(t, "billing", fe.Context["service"])
	assert.Equal(t, Retryable, fe.Kind)
	// original untouched
	assert.NotContains(t, base.Context, "service")
}

// TestAnnotate_PlainError wraps unclassified errors as Fatal and keeps the chain.
func TestAnnotate_PlainError(t *testing.T) {
	cause := errors.New("disk on fire")
	out := With(cause, "path", "/tmp/x")

	assert.Equal(t, Fatal, KindOf(out))
	assert.True(t, errors.Is(out, cause))
	assert.Contains(t, out.Error(), "path=/tmp/x")
}

// TestDowngrade_OnlyTransient verifies only transient kinds become Fatal.
func TestDowngrade_OnlyTransient(t *testing.T) {
	retryable := New(Retryable, "still failing")
	out := Downgrade(retryable, "retry budget exhausted")
	assert.Equal(t, Fatal, KindOf(out))
	assert.Equal(t, "Retryable", From(out).Context["downgraded_from"])

	validation := New(Validation, "bad input")
	assert.Same(t, validation, Downgrade(validation, "x"))
}

// TestIsTransient covers the kinds a retry layer may retry.
func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(Retryable, "")))
	assert.True(t, IsTransient(New(Timeout, "")))
	assert.True(t, IsTransient(NewRateLimit("slow down", time.Second)))
	assert.False(t, IsTransient(New(CircuitOpen, "")))
	assert.False(t, IsTransient(New(Validation, "")))
	assert.False(t, IsTransient(errors.New("plain")))
}

// TestError_WireShape verifies the JSON encoding used across the erased boundary.
func TestError_WireShape(t *testing.T) {
	err := &Error{
		Kind:       RateLimit,
		Message:    "too many requests",
		RetryAfter: 1500 * time.Millisecond,
		Context:    map[string]string{"service": "crm"},
	}

	data, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)
	assert.JSONEq(t, `{"kind":"RateLimit","message":"too many requests","retry_after":"1.5s","context":{"service":"crm"}}`, string(data))

	var decoded Error
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, err.Kind, decoded.Kind)
	assert.Equal(t, err.RetryAfter, decoded.RetryAfter)
	assert.Equal(t, err.Context, decoded.Context)
}

// TestError_WireShapeEmptyContext verifies context is always an object.
func TestError_WireShapeEmptyContext(t *testing.T) {
	data, err := json.Marshal(New(Fatal, "x"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"Fatal","message":"x","context":{}}`, string(data))
}

// TestError_UnmarshalRejectsUnknownKind guards the closed kind set.
func TestError_UnmarshalRejectsUnknownKind(t *testing.T) {
	var e Error
	err := json.Unmarshal([]byte(`{"kind":"Oops","message":"x","context":{}}`), &e)
	require.Error(t, err)
}

// TestScrub_RedactsMessageAndContext verifies secret scrubbing covers the cause chain.
func TestScrub_RedactsMessageAndContext(t *testing.T) {
	cause := errors.New(`body: {"access_token":"abc123"}`)
	err := Annotate(Wrap(Authentication, cause, "refresh failed"), map[string]string{"hint": "abc123"})

	scrubbed := Scrub(err, func(s string) string { return strings.ReplaceAll(s, "abc123", "[REDACTED]") })

	assert.Equal(t, Authentication, KindOf(scrubbed))
	assert.NotContains(t, scrubbed.Error(), "abc123")
	assert.Contains(t, scrubbed.Error(), "[REDACTED]")
}
