package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/nebula/internal/clock"
)

// GCRA is the Generic Cell Rate Algorithm. It tracks a single theoretical
// arrival time (TAT) and needs no background refill task.
//
// With emission interval T = 1/rate and burst allowance τ = T*(burst-1), a
// request at time t is admitted iff t >= TAT - τ; admission advances TAT to
// max(TAT, t) + T.
type GCRA struct {
	rate      float64
	burst     int
	emission  time.Duration
	allowance time.Duration
	clock     clock.Clock

	mu  sync.Mutex
	tat time.Time
}

// NewGCRA creates a GCRA limiter.
func NewGCRA(r float64, burst int, opts ...Option) *GCRA {
	o := buildOptions(opts)
	r = ClampRate(r)
	burst = ClampBurst(burst)
	emission := interval(r)
	return &GCRA{
		rate:      r,
		burst:     burst,
		emission:  emission,
		allowance: emission * time.Duration(burst-1),
		clock:     o.clock,
	}
}

// EmissionInterval returns the spacing between requests at the steady rate.
func (g *GCRA) EmissionInterval() time.Duration { return g.emission }

// BurstAllowance returns τ.
func (g *GCRA) BurstAllowance() time.Duration { return g.allowance }

// Acquire implements Limiter.
func (g *GCRA) Acquire(context.Context) error {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	tat := g.tat
	if tat.Before(now) {
		tat = now
	}
	allowAt := tat.Add(-g.allowance)
	if now.Before(allowAt) {
		return denied(AlgorithmGCRA, allowAt.Sub(now))
	}
	g.tat = tat.Add(g.emission)
	return nil
}

// Remaining returns how many requests would be admitted right now.
func (g *GCRA) Remaining() int {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	tat := g.tat
	if tat.Before(now) {
		tat = now
	}
	used := int((tat.Sub(now) + g.emission - 1) / g.emission)
	if used > g.burst {
		return 0
	}
	return g.burst - used
}

// Execute implements Limiter.
func (g *GCRA) Execute(ctx context.Context, op func(context.Context) error) error {
	return execute(ctx, g, op)
}

// CurrentRate implements Limiter.
func (g *GCRA) CurrentRate() float64 { return g.rate }

// Reset clears the TAT.
func (g *GCRA) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tat = time.Time{}
}
