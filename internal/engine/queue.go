package engine

import "sync"

// invocationQueue is a thread-safe FIFO queue of pending invocations.
//
// The queue is unbounded so trigger sinks and resumed nodes can enqueue
// follow-on work without blocking the goroutine that produced it.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type invocationQueue struct {
	mu     sync.Mutex
	items  []Invocation
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

// newInvocationQueue creates an empty queue.
func newInvocationQueue() *invocationQueue {
	return &invocationQueue{
		items:  make([]Invocation, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an invocation to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *invocationQueue) Enqueue(inv Invocation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, inv)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Invocation{}, false) if queue is empty.
func (q *invocationQueue) TryDequeue() (Invocation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Invocation{}, false
	}

	inv := q.items[0]

	// Drop the reference so the input can be collected.
	q.items[0] = Invocation{}

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return inv, true
}

// Wait returns a channel that signals when invocations may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *invocationQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *invocationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drained reports whether the queue is closed and empty.
func (q *invocationQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Close signals that no more invocations will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *invocationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
