package credential

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/roach88/nebula/internal/fault"
)

// lockSlot is a one-token channel; holding the token holds the lock.
type lockSlot struct {
	ch chan struct{}
}

// LocalLock is a per-key mutex for a single process. Slots are held weakly:
// a slot lives while some caller waits on or holds it and is collected after,
// so the table does not grow with the number of keys ever locked. Prune drops
// the dead table entries.
type LocalLock struct {
	mu    sync.Mutex
	slots map[string]weak.Pointer[lockSlot]
	ops   atomic.Uint64
}

// NewLocalLock creates an empty lock table.
func NewLocalLock() *LocalLock {
	return &LocalLock{slots: make(map[string]weak.Pointer[lockSlot])}
}

func (l *LocalLock) slot(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if wp, ok := l.slots[key]; ok {
		if s := wp.Value(); s != nil {
			return s
		}
	}
	s := &lockSlot{ch: make(chan struct{}, 1)}
	l.slots[key] = weak.Make(s)
	return s
}

// Acquire implements Lock.
func (l *LocalLock) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	if l.ops.Add(1)%1024 == 0 {
		l.Prune()
	}
	s := l.slot(key)

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "acquire credential lock "+key)
	case <-expired:
		return nil, fault.Annotate(fault.Wrap(fault.Timeout, ErrLockTimeout, "acquire credential lock "+key),
			map[string]string{"lock": key, "timeout": timeout.String()})
	}

	var once sync.Once
	return func() {
		// The closure keeps s reachable until release.
		once.Do(func() { <-s.ch })
	}, nil
}

// Prune removes entries whose slot has been collected.
func (l *LocalLock) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, wp := range l.slots {
		if wp.Value() == nil {
			delete(l.slots, k)
			n++
		}
	}
	return n
}

// Len returns the number of table entries, live or not yet pruned.
func (l *LocalLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
