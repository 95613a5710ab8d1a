package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/nebula/internal/canon"
	"github.com/roach88/nebula/internal/fault"
)

// marshalPayload converts action input or output to canonical JSON TEXT.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalPayload(raw json.RawMessage) (string, error) {
	data, err := canon.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload returns stored JSON TEXT as a raw message. Empty and NULL
// columns come back nil.
func unmarshalPayload(data sql.NullString) json.RawMessage {
	if !data.Valid || data.String == "" {
		return nil
	}
	return json.RawMessage(data.String)
}

// marshalBody encodes a record body as JSON TEXT.
// Uses json.Encoder with HTML escaping disabled.
func marshalBody(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

func unmarshalBody(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal body: %w", err)
	}
	return nil
}

// marshalFailure stores a fault in its wire shape; nil stays NULL.
func marshalFailure(f *fault.Error) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal failure: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalFailure(data sql.NullString) (*fault.Error, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var f fault.Error
	if err := json.Unmarshal([]byte(data.String), &f); err != nil {
		return nil, fmt.Errorf("unmarshal failure: %w", err)
	}
	return &f, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
