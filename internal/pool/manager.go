package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Managed is the type-erased view of a pool the Manager works with. *Pool[T]
// implements it for every T.
type Managed interface {
	ID() string
	Dependencies() []string
	Warm(ctx context.Context) error
	Stats() Stats
	Close(ctx context.Context) error

	// Checkout acquires an instance without knowing its type.
	Checkout(ctx context.Context) (Lease, error)
}

// Lease is the type-erased form of a Guard.
type Lease interface {
	Value() any
	Release()
	Discard()
}

// Manager owns a set of pools with dependencies between them. Start warms
// them so that every pool's dependencies are warm first; Shutdown closes them
// in the reverse order.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]Managed
	order []string // set by Start
	log   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{pools: make(map[string]Managed), log: logger}
}

// Register adds p. IDs must be unique.
func (m *Manager) Register(p Managed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[p.ID()]; ok {
		return fmt.Errorf("pool %q already registered", p.ID())
	}
	m.pools[p.ID()] = p
	return nil
}

// Get returns the pool registered under id.
func (m *Manager) Get(id string) (Managed, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	return p, ok
}

// Lookup returns the typed pool registered under id.
func Lookup[T any](m *Manager, id string) (*Pool[T], error) {
	p, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("pool %q not registered", id)
	}
	typed, ok := p.(*Pool[T])
	if !ok {
		return nil, fmt.Errorf("pool %q holds %T, not the requested type", id, p)
	}
	return typed, nil
}

// Acquire checks out an instance from the pool registered under id.
func (m *Manager) Acquire(ctx context.Context, id string) (Lease, error) {
	p, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("pool %q not registered", id)
	}
	return p.Checkout(ctx)
}

// IDs lists registered pools, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Order returns pool IDs with every dependency before its dependents. Ties
// are broken by ID so the order is deterministic.
func (m *Manager) Order() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	indegree := make(map[string]int, len(m.pools))
	dependents := make(map[string][]string)
	for id, p := range m.pools {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range p.Dependencies() {
			if _, ok := m.pools[dep]; !ok {
				return nil, fmt.Errorf("pool %q depends on unknown pool %q", id, dep)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(m.pools))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		next := dependents[id]
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(m.pools) {
		var stuck []string
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("pool dependency cycle among %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

// Start warms every pool in dependency order.
func (m *Manager) Start(ctx context.Context) error {
	order, err := m.Order()
	if err != nil {
		return err
	}
	for _, id := range order {
		p, _ := m.Get(id)
		if err := p.Warm(ctx); err != nil {
			return fmt.Errorf("warm pool %s: %w", id, err)
		}
		m.log.Debug("pool warmed", "pool", id, "size", p.Stats().Size)
	}
	m.mu.Lock()
	m.order = order
	m.mu.Unlock()
	return nil
}

// Shutdown closes pools in reverse dependency order, so dependents drain
// before what they depend on. All pools are closed even if some fail.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	order := m.order
	m.mu.RUnlock()
	if order == nil {
		var err error
		if order, err = m.Order(); err != nil {
			order = m.IDs()
		}
	}

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		p, ok := m.Get(order[i])
		if !ok {
			continue
		}
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pool %s: %w", order[i], err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns every pool's stats keyed by ID.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.pools))
	for id, p := range m.pools {
		out[id] = p.Stats()
	}
	return out
}
