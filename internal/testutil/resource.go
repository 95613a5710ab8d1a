package testutil

import (
	"context"
	"sync"
	"sync/atomic"
)

// Counter is a pool resource whose instances are consecutive ints. It
// counts every lifecycle call so tests can check pool bookkeeping.
type Counter struct {
	Name     string
	Requires []string

	next     atomic.Int64
	created  atomic.Int64
	recycled atomic.Int64

	mu      sync.Mutex
	cleaned []int
}

// ID implements pool.Resource.
func (c *Counter) ID() string { return c.Name }

// Create implements pool.Resource.
func (c *Counter) Create(context.Context) (int, error) {
	c.created.Add(1)
	return int(c.next.Add(1)), nil
}

// IsValid implements pool.Resource.
func (c *Counter) IsValid(context.Context, int) bool { return true }

// Recycle implements pool.Resource.
func (c *Counter) Recycle(context.Context, int) error {
	c.recycled.Add(1)
	return nil
}

// Cleanup implements pool.Resource.
func (c *Counter) Cleanup(v int) error {
	c.mu.Lock()
	c.cleaned = append(c.cleaned, v)
	c.mu.Unlock()
	return nil
}

// Dependencies implements pool.Resource.
func (c *Counter) Dependencies() []string { return c.Requires }

// Created returns the number of instances created.
func (c *Counter) Created() int64 { return c.created.Load() }

// Recycled returns the number of recycles.
func (c *Counter) Recycled() int64 { return c.recycled.Load() }

// Cleaned returns the instances destroyed so far, in order.
func (c *Counter) Cleaned() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.cleaned...)
}
