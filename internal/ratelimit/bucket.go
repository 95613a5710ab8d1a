package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/nebula/internal/clock"
)

// Algorithm names accepted by New.
const (
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmLeakyBucket   = "leaky_bucket"
	AlgorithmSlidingWindow = "sliding_window"
	AlgorithmAdaptive      = "adaptive"
	AlgorithmGCRA          = "gcra"
)

// TokenBucket holds up to burst tokens and refills at rate tokens per second.
// Each request consumes one token; an empty bucket denies with a retry hint
// of one refill interval.
type TokenBucket struct {
	rate  float64
	burst int
	clock clock.Clock
	lim   atomic.Pointer[rate.Limiter]
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(r float64, burst int, opts ...Option) *TokenBucket {
	o := buildOptions(opts)
	tb := &TokenBucket{rate: ClampRate(r), burst: ClampBurst(burst), clock: o.clock}
	tb.Reset()
	return tb
}

// Acquire implements Limiter.
func (tb *TokenBucket) Acquire(context.Context) error {
	now := tb.clock.Now()
	if tb.lim.Load().AllowN(now, 1) {
		return nil
	}
	return denied(AlgorithmTokenBucket, interval(tb.rate))
}

// Execute implements Limiter.
func (tb *TokenBucket) Execute(ctx context.Context, op func(context.Context) error) error {
	return execute(ctx, tb, op)
}

// CurrentRate implements Limiter.
func (tb *TokenBucket) CurrentRate() float64 { return tb.rate }

// Burst returns the bucket capacity.
func (tb *TokenBucket) Burst() int { return tb.burst }

// Tokens returns the tokens currently available.
func (tb *TokenBucket) Tokens() float64 {
	return tb.lim.Load().TokensAt(tb.clock.Now())
}

// Reset refills the bucket.
func (tb *TokenBucket) Reset() {
	tb.lim.Store(rate.NewLimiter(rate.Limit(tb.rate), tb.burst))
}

// LeakyBucket is a meter whose level rises by one per admitted request and
// drains at a constant rate. Requests that would overflow the capacity are
// denied until enough has drained.
type LeakyBucket struct {
	rate     float64
	capacity float64
	clock    clock.Clock

	mu    sync.Mutex
	level float64
	last  time.Time
}

// NewLeakyBucket creates an empty bucket with the given capacity.
func NewLeakyBucket(r float64, capacity int, opts ...Option) *LeakyBucket {
	o := buildOptions(opts)
	return &LeakyBucket{rate: ClampRate(r), capacity: float64(ClampBurst(capacity)), clock: o.clock}
}

// Acquire implements Limiter.
func (lb *LeakyBucket) Acquire(context.Context) error {
	now := lb.clock.Now()
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.drain(now)
	if lb.level+1 > lb.capacity {
		overflow := lb.level + 1 - lb.capacity
		return denied(AlgorithmLeakyBucket, time.Duration(overflow/lb.rate*float64(time.Second)))
	}
	lb.level++
	return nil
}

// drain lowers the level for time elapsed since the last call. Caller holds mu.
func (lb *LeakyBucket) drain(now time.Time) {
	if !lb.last.IsZero() {
		if elapsed := now.Sub(lb.last).Seconds(); elapsed > 0 {
			lb.level -= elapsed * lb.rate
			if lb.level < 0 {
				lb.level = 0
			}
		}
	}
	lb.last = now
}

// Level returns the current fill level.
func (lb *LeakyBucket) Level() float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.drain(lb.clock.Now())
	return lb.level
}

// Execute implements Limiter.
func (lb *LeakyBucket) Execute(ctx context.Context, op func(context.Context) error) error {
	return execute(ctx, lb, op)
}

// CurrentRate implements Limiter.
func (lb *LeakyBucket) CurrentRate() float64 { return lb.rate }

// Reset empties the bucket.
func (lb *LeakyBucket) Reset() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.level = 0
	lb.last = time.Time{}
}

// SlidingWindow admits at most limit requests in any trailing window.
type SlidingWindow struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu    sync.Mutex
	stamp []time.Time // admitted request times, oldest first
}

// NewSlidingWindow creates a limiter admitting limit requests per window.
func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	o := buildOptions(opts)
	limit = ClampBurst(limit)
	// keep the effective rate inside the global clamp
	if minWindow := time.Duration(float64(limit) / MaxRate * float64(time.Second)); window < minWindow {
		window = minWindow
	}
	if maxWindow := time.Duration(float64(limit) / MinRate * float64(time.Second)); window > maxWindow {
		window = maxWindow
	}
	return &SlidingWindow{limit: limit, window: window, clock: o.clock, stamp: make([]time.Time, 0, limit)}
}

// Acquire implements Limiter.
func (sw *SlidingWindow) Acquire(context.Context) error {
	now := sw.clock.Now()
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.prune(now)
	if len(sw.stamp) >= sw.limit {
		return denied(AlgorithmSlidingWindow, sw.stamp[0].Add(sw.window).Sub(now))
	}
	sw.stamp = append(sw.stamp, now)
	return nil
}

// prune drops timestamps outside the window. Caller holds mu.
func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for i < len(sw.stamp) && !sw.stamp[i].After(cutoff) {
		i++
	}
	if i > 0 {
		sw.stamp = append(sw.stamp[:0], sw.stamp[i:]...)
	}
}

// Count returns the requests admitted in the current window.
func (sw *SlidingWindow) Count() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.prune(sw.clock.Now())
	return len(sw.stamp)
}

// Execute implements Limiter.
func (sw *SlidingWindow) Execute(ctx context.Context, op func(context.Context) error) error {
	return execute(ctx, sw, op)
}

// CurrentRate implements Limiter.
func (sw *SlidingWindow) CurrentRate() float64 {
	return float64(sw.limit) / sw.window.Seconds()
}

// Reset forgets every admitted request.
func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.stamp = sw.stamp[:0]
}
