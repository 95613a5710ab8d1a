package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash domains. The version suffix leaves room for algorithm changes.
const (
	DomainInvocation = "nebula/invocation/v1"
	DomainPrepare    = "nebula/prepare/v1"
	DomainState      = "nebula/state/v1"
	DomainCompletion = "nebula/completion/v1"
)

// HashBytes computes SHA-256(domain || 0x00 || data) as lowercase hex.
func HashBytes(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonicalizes v and hashes it under domain.
func Hash(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(domain, data), nil
}

// InvocationID computes the content-addressed identity of one action
// invocation within an execution.
func InvocationID(executionID, actionKey string, input []byte, seq int64) (string, error) {
	in, err := Marshal(input)
	if err != nil {
		return "", fmt.Errorf("invocation input: %w", err)
	}
	return Hash(DomainInvocation, map[string]any{
		"execution_id": executionID,
		"action_key":   actionKey,
		"input":        jsonRaw(in),
		"seq":          seq,
	})
}

// CompletionID computes the identity of the completion of invocationID.
func CompletionID(invocationID string, seq int64) (string, error) {
	return Hash(DomainCompletion, map[string]any{
		"invocation_id": invocationID,
		"seq":           seq,
	})
}

// PrepareKey identifies a transactional prepare so that replays hit the same
// cached vote.
func PrepareKey(executionID, actionKey string, input []byte) (string, error) {
	in, err := Marshal(input)
	if err != nil {
		return "", fmt.Errorf("prepare input: %w", err)
	}
	return Hash(DomainPrepare, map[string]any{
		"execution_id": executionID,
		"action_key":   actionKey,
		"input":        jsonRaw(in),
	})
}

// jsonRaw embeds already-canonical JSON in a value passed to Marshal.
type jsonRaw []byte

func (r jsonRaw) MarshalJSON() ([]byte, error) { return r, nil }
