package action

import (
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/nebula/internal/fault"
)

// Registry maps action keys to handlers. Reads are lock-free: writers copy
// the map and swap it in atomically.
type Registry struct {
	mu       sync.Mutex // serializes writers
	handlers atomic.Pointer[map[string]Handler]
	log      *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{log: logger}
	empty := map[string]Handler{}
	r.handlers.Store(&empty)
	return r
}

// Register adds h, replacing any handler with the same key.
func (r *Registry) Register(h Handler) error {
	m := h.Metadata()
	if err := m.Validate(); err != nil {
		return err
	}
	if !h.Kind().Valid() {
		return fault.Newf(fault.Validation, "action %s: unknown kind %q", m.Key, h.Kind())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.handlers.Load()
	next := maps.Clone(cur)
	if prev, ok := cur[m.Key]; ok {
		r.log.Info("action replaced", "key", m.Key, "kind", h.Kind(),
			"old_version", prev.Metadata().Version, "new_version", m.Version)
	}
	next[m.Key] = h
	r.handlers.Store(&next)
	return nil
}

// Get returns the handler for key.
func (r *Registry) Get(key string) (Handler, bool) {
	h, ok := (*r.handlers.Load())[key]
	return h, ok
}

// Remove detaches key and reports whether it was present.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.handlers.Load()
	if _, ok := cur[key]; !ok {
		return false
	}
	next := maps.Clone(cur)
	delete(next, key)
	r.handlers.Store(&next)
	return true
}

// Len returns the number of registered actions.
func (r *Registry) Len() int { return len(*r.handlers.Load()) }

// List returns every action's metadata sorted by key.
func (r *Registry) List() []Metadata {
	cur := *r.handlers.Load()
	keys := slices.Sorted(maps.Keys(cur))
	out := make([]Metadata, 0, len(keys))
	for _, k := range keys {
		out = append(out, cur[k].Metadata())
	}
	return out
}

// Lookup returns the handler for key as H, failing with fault.Validation
// when the key is unknown or the action has another kind.
func Lookup[H Handler](r *Registry, key string) (H, error) {
	var zero H
	h, ok := r.Get(key)
	if !ok {
		return zero, fault.Annotate(fault.Newf(fault.Validation, "unknown action %q", key), map[string]string{"action": key})
	}
	typed, ok := h.(H)
	if !ok {
		return zero, fault.Annotate(fault.Newf(fault.Validation, "action %s is %s, not %s", key, h.Kind(), reflect.TypeFor[H]().Name()),
			map[string]string{"action": key, "kind": string(h.Kind())})
	}
	return typed, nil
}

func register[H Handler](r *Registry, h H, err error) error {
	if err != nil {
		return fmt.Errorf("register action: %w", err)
	}
	return r.Register(h)
}

// RegisterProcess adapts and registers a Process action.
func RegisterProcess[In, Out any](r *Registry, a Process[In, Out]) error {
	h, err := AdaptProcess(a)
	return register(r, h, err)
}

// RegisterSimple adapts and registers a Simple action.
func RegisterSimple[In, Out any](r *Registry, a Simple[In, Out]) error {
	h, err := AdaptSimple(a)
	return register(r, h, err)
}

// RegisterStateful adapts and registers a Stateful action.
func RegisterStateful[In, S, Out any](r *Registry, a Stateful[In, S, Out]) error {
	h, err := AdaptStateful(a)
	return register(r, h, err)
}

// RegisterStreaming adapts and registers a Streaming action.
func RegisterStreaming[Cfg, T any](r *Registry, a Streaming[Cfg, T]) error {
	h, err := AdaptStreaming(a)
	return register(r, h, err)
}

// RegisterTrigger adapts and registers a Trigger action.
func RegisterTrigger[Cfg, Ev any](r *Registry, a Trigger[Cfg, Ev]) error {
	h, err := AdaptTrigger(a)
	return register(r, h, err)
}

// RegisterTransactional adapts and registers a Transactional action.
func RegisterTransactional[In any](r *Registry, a Transactional[In]) error {
	h, err := AdaptTransactional(a)
	return register(r, h, err)
}

// RegisterInteractive adapts and registers an Interactive action.
func RegisterInteractive[In, Resp, Out any](r *Registry, a Interactive[In, Resp, Out]) error {
	h, err := AdaptInteractive(a)
	return register(r, h, err)
}
