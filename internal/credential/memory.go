package credential

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
)

// MemoryStorage is an in-process Storage.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[ID]Record
}

// NewMemoryStorage creates an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[ID]Record)}
}

// Load implements Storage.
func (s *MemoryStorage) Load(_ context.Context, id ID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("load credential %s: %w", id, ErrNotFound)
	}
	return copyRecord(r), nil
}

// Save implements Storage.
func (s *MemoryStorage) Save(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = copyRecord(r)
	return nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("delete credential %s: %w", id, ErrNotFound)
	}
	delete(s.records, id)
	return nil
}

// List implements Storage. Results are sorted by ID.
func (s *MemoryStorage) List(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if f.Matches(r) {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyRecord(r Record) Record {
	r.State.Ciphertext = append([]byte(nil), r.State.Ciphertext...)
	r.Metadata.Labels = maps.Clone(r.Metadata.Labels)
	if r.Metadata.RotationPolicy != nil {
		p := *r.Metadata.RotationPolicy
		r.Metadata.RotationPolicy = &p
	}
	return r
}
