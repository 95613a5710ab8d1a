package engine

import "sync/atomic"

// Clock is the engine's logical clock.
//
// Every invocation and completion is stamped with a strictly increasing seq
// from this clock. Stored records are ordered by seq, never by wall time,
// so a recovered engine replays them in the order they happened.
//
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used on recovery to resume after the last stored seq.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// AdvanceTo moves the clock forward to at least seq. It never moves back.
func (c *Clock) AdvanceTo(seq int64) {
	for {
		cur := c.seq.Load()
		if cur >= seq || c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
