package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/secret"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new SQLite store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord seals state under a fresh static keyring.
func createTestRecord(t *testing.T, id credential.ID, typ string, labels map[string]string) credential.Record {
	t.Helper()
	key, err := secret.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	kr, err := secret.NewStaticKeyring(key)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	blob, err := kr.Seal([]byte(`{"token":"s3cr3t"}`), credential.AAD(id))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return credential.Record{
		ID:      id,
		Type:    typ,
		Version: 1,
		State:   blob,
		Metadata: credential.Metadata{
			CreatedAt: epoch,
			UpdatedAt: epoch,
			Labels:    labels,
		},
	}
}

// createTestInvocation creates a test invocation with minimal required fields.
func createTestInvocation(id, executionID, actionKey string, seq int64) InvocationRecord {
	return InvocationRecord{
		ID:          id,
		ExecutionID: executionID,
		NodeID:      "node-" + id,
		ActionKey:   actionKey,
		Input:       json.RawMessage(`{"b":2,"a":1}`),
		Seq:         seq,
		CreatedAt:   epoch,
	}
}

// createTestCompletion creates a successful test completion.
func createTestCompletion(id, invocationID string, seq int64) CompletionRecord {
	return CompletionRecord{
		ID:           id,
		InvocationID: invocationID,
		ResultType:   "success",
		Output:       json.RawMessage(`{"ok":true}`),
		Seq:          seq,
		CompletedAt:  epoch.Add(time.Second),
	}
}
