package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/nebula/internal/store"
)

// ExecutionLog records what the engine dispatched and how it ended.
// *store.Store implements it.
type ExecutionLog interface {
	WriteInvocation(ctx context.Context, inv store.InvocationRecord) error
	WriteCompletion(ctx context.Context, comp store.CompletionRecord) error
}

// StateStore persists stateful action state between ticks.
type StateStore interface {
	SaveState(ctx context.Context, st store.StateRecord) error
	LoadState(ctx context.Context, executionID, nodeID string) (store.StateRecord, error)
	DeleteState(ctx context.Context, executionID, nodeID string) error
}

// WaitStore holds suspended nodes by resume token. DeleteWait reports
// whether the token existed, which makes resumption exactly-once.
type WaitStore interface {
	SaveWait(ctx context.Context, w store.WaitRecord) error
	LoadWait(ctx context.Context, token string) (store.WaitRecord, error)
	DeleteWait(ctx context.Context, token string) (bool, error)
	ListWaits(ctx context.Context, executionID string) ([]store.WaitRecord, error)
}

// Recoverable is the part of the store used by Engine.Recover.
type Recoverable interface {
	GetLastSeq(ctx context.Context) (int64, error)
	FindIncompleteExecutions(ctx context.Context) ([]store.ExecutionState, error)
}

// Durable is everything the SQL store provides to the engine.
type Durable interface {
	ExecutionLog
	StateStore
	WaitStore
	Recoverable
}

var _ Durable = (*store.Store)(nil)

// MemoryStore keeps state and waits in memory. It is the engine default
// when no durable store is configured.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]store.StateRecord
	waits  map[string]store.WaitRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]store.StateRecord),
		waits:  make(map[string]store.WaitRecord),
	}
}

func stateKey(executionID, nodeID string) string { return executionID + "/" + nodeID }

// SaveState implements StateStore.
func (m *MemoryStore) SaveState(_ context.Context, st store.StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[stateKey(st.ExecutionID, st.NodeID)] = st
	return nil
}

// LoadState implements StateStore.
func (m *MemoryStore) LoadState(_ context.Context, executionID, nodeID string) (store.StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey(executionID, nodeID)]
	if !ok {
		return store.StateRecord{}, fmt.Errorf("load state %s/%s: %w", executionID, nodeID, store.ErrNotFound)
	}
	return st, nil
}

// DeleteState implements StateStore.
func (m *MemoryStore) DeleteState(_ context.Context, executionID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, stateKey(executionID, nodeID))
	return nil
}

// SaveWait implements WaitStore.
func (m *MemoryStore) SaveWait(_ context.Context, w store.WaitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.waits[w.Token]; !ok {
		m.waits[w.Token] = w
	}
	return nil
}

// LoadWait implements WaitStore.
func (m *MemoryStore) LoadWait(_ context.Context, token string) (store.WaitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waits[token]
	if !ok {
		return store.WaitRecord{}, fmt.Errorf("load wait %s: %w", token, store.ErrNotFound)
	}
	return w, nil
}

// DeleteWait implements WaitStore.
func (m *MemoryStore) DeleteWait(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.waits[token]
	delete(m.waits, token)
	return ok, nil
}

// ListWaits implements WaitStore.
func (m *MemoryStore) ListWaits(_ context.Context, executionID string) ([]store.WaitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WaitRecord
	for _, tok := range slices.Sorted(maps.Keys(m.waits)) {
		w := m.waits[tok]
		if executionID == "" || w.ExecutionID == executionID {
			out = append(out, w)
		}
	}
	slices.SortStableFunc(out, func(a, b store.WaitRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}
