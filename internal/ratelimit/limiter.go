// Package ratelimit implements the rate limiters used by resilience policies.
//
// Five algorithms share one surface:
//
//	Acquire(ctx)          non-blocking admission; a denial is a fault.RateLimit
//	                      error carrying the suggested retry delay
//	Execute(ctx, op)      Acquire, then run op
//	CurrentRate()         effective requests per second
//	Reset()               forget all history
//
// Every constructor clamps the configured rate to [MinRate, MaxRate] and the
// burst to [1, MaxBurst].
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/fault"
)

const (
	// MinRate is the lowest accepted rate in requests per second.
	MinRate = 0.001

	// MaxRate is the highest accepted rate in requests per second.
	MaxRate = 1_000_000

	// MaxBurst is the largest accepted burst.
	MaxBurst = 100_000
)

// Limiter is the common rate limiter surface.
type Limiter interface {
	// Acquire admits one request or returns a RateLimit error.
	Acquire(ctx context.Context) error

	// Execute admits one request and runs op.
	Execute(ctx context.Context, op func(context.Context) error) error

	// CurrentRate returns the effective rate in requests per second.
	CurrentRate() float64

	// Reset clears all accumulated state.
	Reset()
}

// ClampRate bounds r to [MinRate, MaxRate]. NaN clamps to MinRate.
func ClampRate(r float64) float64 {
	if math.IsNaN(r) || r < MinRate {
		return MinRate
	}
	if r > MaxRate {
		return MaxRate
	}
	return r
}

// ClampBurst bounds b to [1, MaxBurst].
func ClampBurst(b int) int {
	if b < 1 {
		return 1
	}
	if b > MaxBurst {
		return MaxBurst
	}
	return b
}

// interval converts a rate into the spacing between requests.
func interval(rate float64) time.Duration {
	return time.Duration(float64(time.Second) / rate)
}

// denied builds the RateLimit error every limiter returns on denial.
func denied(algorithm string, retryAfter time.Duration) error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	err := fault.NewRateLimit("rate limit exceeded", retryAfter)
	err.Context = map[string]string{"algorithm": algorithm}
	return err
}

// IsDenied reports whether err is a rate-limit denial.
func IsDenied(err error) bool {
	return fault.Is(err, fault.RateLimit)
}

// execute is the shared Execute implementation.
func execute(ctx context.Context, l Limiter, op func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.Cancelled, err, "rate limiter")
	}
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	return op(ctx)
}

// Wait blocks until l admits a request or ctx ends, sleeping for each
// denial's retry hint.
func Wait(ctx context.Context, l Limiter) error {
	for {
		err := l.Acquire(ctx)
		if err == nil || !IsDenied(err) {
			return err
		}
		delay := fault.RetryAfterOf(err)
		if delay <= 0 {
			delay = time.Millisecond
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fault.Wrap(fault.Cancelled, ctx.Err(), "waiting for rate limiter")
		case <-t.C:
		}
	}
}

type options struct {
	clock clock.Clock
}

// Option configures a limiter.
type Option func(*options)

// WithClock sets the clock used for refill and window math.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.Default}
	for _, opt := range opts {
		opt(&o)
	}
	o.clock = clock.OrDefault(o.clock)
	return o
}

// Config describes a limiter for the factory.
type Config struct {
	Algorithm string  `json:"algorithm" yaml:"algorithm"`
	Rate      float64 `json:"rate" yaml:"rate"`
	Burst     int     `json:"burst" yaml:"burst"`

	// Window and Limit configure the sliding window. Limit defaults to
	// Rate*Window.
	Window time.Duration `json:"window" yaml:"window"`
	Limit  int           `json:"limit" yaml:"limit"`

	// Adaptive bounds and AIMD parameters.
	MinRate        float64       `json:"min_rate" yaml:"min_rate"`
	MaxRate        float64       `json:"max_rate" yaml:"max_rate"`
	IncreaseStep   float64       `json:"increase_step" yaml:"increase_step"`
	DecreaseFactor float64       `json:"decrease_factor" yaml:"decrease_factor"`
	LatencyTarget  time.Duration `json:"latency_target" yaml:"latency_target"`
}

// Constructor builds a limiter from config.
type Constructor func(cfg Config, opts ...Option) (Limiter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes an algorithm available to New. Registering an existing name
// replaces it.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Algorithms lists registered algorithm names.
func Algorithms() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the limiter named by cfg.Algorithm.
func New(cfg Config, opts ...Option) (Limiter, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.Algorithm]
	registryMu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.Validation, "unknown rate limit algorithm %q", cfg.Algorithm)
	}
	l, err := ctor(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("build %s limiter: %w", cfg.Algorithm, err)
	}
	return l, nil
}

func init() {
	Register(AlgorithmTokenBucket, func(cfg Config, opts ...Option) (Limiter, error) {
		return NewTokenBucket(cfg.Rate, cfg.Burst, opts...), nil
	})
	Register(AlgorithmLeakyBucket, func(cfg Config, opts ...Option) (Limiter, error) {
		return NewLeakyBucket(cfg.Rate, cfg.Burst, opts...), nil
	})
	Register(AlgorithmSlidingWindow, func(cfg Config, opts ...Option) (Limiter, error) {
		if cfg.Window <= 0 {
			return nil, fault.New(fault.Validation, "sliding window requires a positive window")
		}
		limit := cfg.Limit
		if limit == 0 {
			limit = int(math.Ceil(cfg.Rate * cfg.Window.Seconds()))
		}
		return NewSlidingWindow(limit, cfg.Window, opts...), nil
	})
	Register(AlgorithmAdaptive, func(cfg Config, opts ...Option) (Limiter, error) {
		return NewAdaptive(AdaptiveConfig{
			InitialRate:    cfg.Rate,
			MinRate:        cfg.MinRate,
			MaxRate:        cfg.MaxRate,
			Burst:          cfg.Burst,
			IncreaseStep:   cfg.IncreaseStep,
			DecreaseFactor: cfg.DecreaseFactor,
			LatencyTarget:  cfg.LatencyTarget,
		}, opts...), nil
	})
	Register(AlgorithmGCRA, func(cfg Config, opts ...Option) (Limiter, error) {
		return NewGCRA(cfg.Rate, cfg.Burst, opts...), nil
	})
}
