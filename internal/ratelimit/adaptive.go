package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/fault"
)

// AdaptiveConfig configures an AIMD limiter.
type AdaptiveConfig struct {
	InitialRate float64
	MinRate     float64
	MaxRate     float64
	Burst       int

	// IncreaseStep is added to the rate after each success. Default: 1% of
	// MaxRate, at least MinRate.
	IncreaseStep float64

	// DecreaseFactor multiplies the rate after a congestion signal. Default 0.5.
	DecreaseFactor float64

	// LatencyTarget, when set, treats slower successful calls as congestion.
	LatencyTarget time.Duration
}

func (c AdaptiveConfig) withDefaults() AdaptiveConfig {
	c.MinRate = ClampRate(c.MinRate)
	if c.MaxRate <= 0 {
		c.MaxRate = math.Max(c.InitialRate, c.MinRate)
	}
	c.MaxRate = ClampRate(c.MaxRate)
	if c.MaxRate < c.MinRate {
		c.MaxRate = c.MinRate
	}
	if c.InitialRate <= 0 {
		c.InitialRate = c.MaxRate
	}
	c.InitialRate = math.Min(math.Max(ClampRate(c.InitialRate), c.MinRate), c.MaxRate)
	if c.IncreaseStep <= 0 {
		c.IncreaseStep = math.Max(c.MaxRate/100, c.MinRate)
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		c.DecreaseFactor = 0.5
	}
	c.Burst = ClampBurst(c.Burst)
	return c
}

// Adaptive is a token bucket whose refill rate follows downstream health:
// additive increase on success, multiplicative decrease on RateLimit or
// Timeout errors (and on successes slower than LatencyTarget).
type Adaptive struct {
	cfg   AdaptiveConfig
	clock clock.Clock

	mu   sync.Mutex
	rate float64
	lim  *rate.Limiter
}

// NewAdaptive creates an adaptive limiter starting at cfg.InitialRate.
func NewAdaptive(cfg AdaptiveConfig, opts ...Option) *Adaptive {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()
	a := &Adaptive{cfg: cfg, clock: o.clock}
	a.Reset()
	return a
}

// Acquire implements Limiter.
func (a *Adaptive) Acquire(context.Context) error {
	now := a.clock.Now()
	a.mu.Lock()
	lim, r := a.lim, a.rate
	a.mu.Unlock()
	if lim.AllowN(now, 1) {
		return nil
	}
	return denied(AlgorithmAdaptive, interval(r))
}

// Execute admits, runs op, and feeds the outcome back into the rate.
func (a *Adaptive) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := a.Acquire(ctx); err != nil {
		return err
	}
	start := a.clock.Now()
	err := op(ctx)
	if err != nil {
		a.RecordFailure(err)
		return err
	}
	if a.cfg.LatencyTarget > 0 && a.clock.Now().Sub(start) > a.cfg.LatencyTarget {
		a.decrease()
		return nil
	}
	a.RecordSuccess()
	return nil
}

// RecordSuccess raises the rate by one step, up to MaxRate.
func (a *Adaptive) RecordSuccess() {
	a.adjust(func(r float64) float64 { return math.Min(r+a.cfg.IncreaseStep, a.cfg.MaxRate) })
}

// RecordFailure lowers the rate when err signals congestion. Other errors are
// ignored.
func (a *Adaptive) RecordFailure(err error) {
	switch fault.KindOf(err) {
	case fault.RateLimit, fault.Timeout:
		a.decrease()
	}
}

func (a *Adaptive) decrease() {
	a.adjust(func(r float64) float64 { return math.Max(r*a.cfg.DecreaseFactor, a.cfg.MinRate) })
}

func (a *Adaptive) adjust(next func(float64) float64) {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	r := next(a.rate)
	if r == a.rate {
		return
	}
	a.rate = r
	a.lim.SetLimitAt(now, rate.Limit(r))
}

// CurrentRate implements Limiter.
func (a *Adaptive) CurrentRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate
}

// Reset restores the initial rate and a full bucket.
func (a *Adaptive) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rate = a.cfg.InitialRate
	a.lim = rate.NewLimiter(rate.Limit(a.rate), a.cfg.Burst)
}
