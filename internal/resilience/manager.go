package resilience

import (
	"context"
	"sort"
	"sync"
)

// Manager holds one policy per downstream service.
type Manager struct {
	policies sync.Map // service name -> *Policy
	fallback *Policy
	events   *Dispatcher
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaultPolicy sets the policy used for services without their own.
func WithDefaultPolicy(p *Policy) ManagerOption {
	return func(m *Manager) { m.fallback = p }
}

// WithDispatcher attaches the dispatcher the manager closes on shutdown.
func WithDispatcher(d *Dispatcher) ManagerOption {
	return func(m *Manager) { m.events = d }
}

// NewManager creates a manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register installs p for service, replacing any previous policy.
func (m *Manager) Register(service string, p *Policy) {
	m.policies.Store(service, p)
}

// Remove drops the policy for service.
func (m *Manager) Remove(service string) {
	m.policies.Delete(service)
}

// Policy returns the policy that guards service.
func (m *Manager) Policy(service string) (*Policy, bool) {
	if v, ok := m.policies.Load(service); ok {
		return v.(*Policy), true
	}
	if m.fallback != nil {
		return m.fallback, true
	}
	return nil, false
}

// Services lists services with a registered policy.
func (m *Manager) Services() []string {
	var out []string
	m.policies.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Execute runs op for service under its policy. A service with no policy runs
// op directly.
func (m *Manager) Execute(ctx context.Context, service, operation string, op Operation) error {
	ctx = WithCall(ctx, service, operation)
	p, ok := m.Policy(service)
	if !ok {
		return op(ctx)
	}
	return p.Execute(ctx, op)
}

// ExecuteValue is Execute for operations that produce a value.
func ExecuteValue[T any](ctx context.Context, m *Manager, service, operation string, fn func(context.Context) (T, error)) (T, error) {
	ctx = WithCall(ctx, service, operation)
	p, ok := m.Policy(service)
	if !ok {
		return fn(ctx)
	}
	return Do(ctx, p, fn)
}

// Close flushes pending events.
func (m *Manager) Close(ctx context.Context) error {
	if m.events == nil {
		return nil
	}
	return m.events.Close(ctx)
}
