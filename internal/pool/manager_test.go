package pool

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPool is a Managed that logs warm and close calls.
type recordingPool struct {
	id   string
	deps []string
	mu   *sync.Mutex
	log  *[]string
}

func (r recordingPool) ID() string             { return r.id }
func (r recordingPool) Dependencies() []string { return r.deps }
func (r recordingPool) Stats() Stats           { return Stats{} }

func (r recordingPool) Checkout(context.Context) (Lease, error) { return nil, ErrClosed }

func (r recordingPool) Warm(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.log = append(*r.log, "warm:"+r.id)
	return nil
}

func (r recordingPool) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.log = append(*r.log, "close:"+r.id)
	return nil
}

// TestManager_DependencyOrder warms dependencies first and closes them last.
func TestManager_DependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var log []string
	m := NewManager(nil)
	mk := func(id string, deps ...string) recordingPool {
		return recordingPool{id: id, deps: deps, mu: &mu, log: &log}
	}
	require.NoError(t, m.Register(mk("api", "cache", "db")))
	require.NoError(t, m.Register(mk("cache", "db")))
	require.NoError(t, m.Register(mk("db")))
	require.NoError(t, m.Register(mk("metrics")))

	order, err := m.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "cache", "api", "metrics"}, order)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []string{
		"warm:db", "warm:cache", "warm:api", "warm:metrics",
		"close:metrics", "close:api", "close:cache", "close:db",
	}, log)
}

// TestManager_Cycle reports dependency cycles.
func TestManager_Cycle(t *testing.T) {
	var mu sync.Mutex
	var log []string
	m := NewManager(nil)
	require.NoError(t, m.Register(recordingPool{id: "a", deps: []string{"b"}, mu: &mu, log: &log}))
	require.NoError(t, m.Register(recordingPool{id: "b", deps: []string{"a"}, mu: &mu, log: &log}))

	_, err := m.Order()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle among a, b")
	assert.Error(t, m.Start(context.Background()))
}

// TestManager_UnknownDependency rejects dangling references.
func TestManager_UnknownDependency(t *testing.T) {
	var mu sync.Mutex
	var log []string
	m := NewManager(nil)
	require.NoError(t, m.Register(recordingPool{id: "a", deps: []string{"ghost"}, mu: &mu, log: &log}))
	_, err := m.Order()
	assert.ErrorContains(t, err, "unknown pool")
}

// TestLookup returns typed pools.
func TestLookup(t *testing.T) {
	m := NewManager(nil)
	p, err := New[*conn](newCounting("db"), Config{MaxSize: 1})
	require.NoError(t, err)
	require.NoError(t, m.Register(p))
	assert.Error(t, m.Register(p))

	got, err := Lookup[*conn](m, "db")
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = Lookup[string](m, "db")
	assert.Error(t, err)
	_, err = Lookup[*conn](m, "nope")
	assert.Error(t, err)

	l, err := m.Acquire(context.Background(), "db")
	require.NoError(t, err)
	assert.IsType(t, &conn{}, l.Value())
	assert.Equal(t, 1, p.Stats().Active)
	l.Release()
	l.Release()
	assert.Equal(t, 0, p.Stats().Active)
	_, err = m.Acquire(context.Background(), "nope")
	assert.Error(t, err)
	require.NoError(t, m.Shutdown(context.Background()))
}
