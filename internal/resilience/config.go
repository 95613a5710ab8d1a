package resilience

import (
	"fmt"
	"time"

	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/ratelimit"
)

// PolicyConfig declares a policy. Nil sections are omitted.
type PolicyConfig struct {
	Timeout        time.Duration           `yaml:"timeout"`
	CircuitBreaker *CircuitBreakerSettings `yaml:"circuit_breaker"`
	Retry          *RetryConfig            `yaml:"retry"`
	RateLimit      *ratelimit.Config       `yaml:"rate_limit"`
	Bulkhead       *BulkheadConfig         `yaml:"bulkhead"`
}

// CircuitBreakerSettings is the declarative subset of CircuitBreakerConfig.
type CircuitBreakerSettings struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	ResetTimeout          time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxOperations int           `yaml:"half_open_max_operations"`
	RollingWindow         time.Duration `yaml:"rolling_window"`
}

// RetryConfig is the declarative form of RetryPolicy.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff is "fixed" or "exponential". Default exponential.
	Backoff    string        `yaml:"backoff"`
	Base       time.Duration `yaml:"base"`
	Multiplier float64       `yaml:"multiplier"`
	Max        time.Duration `yaml:"max"`
	Jitter     bool          `yaml:"jitter"`
}

// Policy converts c into a RetryPolicy.
func (c RetryConfig) Policy() (RetryPolicy, error) {
	p := RetryPolicy{MaxAttempts: c.MaxAttempts}
	switch c.Backoff {
	case "fixed":
		p.Backoff = FixedBackoff{Interval: c.Base}
	case "", "exponential":
		p.Backoff = ExponentialBackoff{Base: c.Base, Multiplier: c.Multiplier, Max: c.Max, Jitter: c.Jitter}
	default:
		return RetryPolicy{}, fault.Newf(fault.Validation, "unknown backoff %q", c.Backoff)
	}
	return p, nil
}

// Validate checks field ranges.
func (c PolicyConfig) Validate() error {
	if c.Timeout < 0 {
		return fault.New(fault.Validation, "timeout must not be negative")
	}
	if r := c.Retry; r != nil {
		if r.MaxAttempts < 1 {
			return fault.New(fault.Validation, "retry.max_attempts must be at least 1")
		}
		if r.Multiplier != 0 && r.Multiplier < 1 {
			return fault.New(fault.Validation, "retry.multiplier must be at least 1")
		}
		if r.Max > 0 && r.Base > r.Max {
			return fault.New(fault.Validation, "retry.base exceeds retry.max")
		}
	}
	if b := c.Bulkhead; b != nil && b.QueueSize < 0 {
		return fault.New(fault.Validation, "bulkhead.queue_size must not be negative")
	}
	if cb := c.CircuitBreaker; cb != nil && cb.FailureThreshold < 0 {
		return fault.New(fault.Validation, "circuit_breaker.failure_threshold must not be negative")
	}
	return nil
}

// FromConfig builds a policy in the canonical order
// Timeout, CircuitBreaker, Retry, RateLimiter, Bulkhead.
func FromConfig(name string, cfg PolicyConfig, events *Dispatcher, opts ...ratelimit.Option) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fault.With(err, "policy", name)
	}
	b := NewPolicy(name).WithEvents(events)
	if cfg.Timeout > 0 {
		b.WithTimeout(cfg.Timeout)
	}
	if s := cfg.CircuitBreaker; s != nil {
		b.WithCircuitBreaker(CircuitBreakerConfig{
			Name:                  name,
			FailureThreshold:      s.FailureThreshold,
			ResetTimeout:          s.ResetTimeout,
			HalfOpenMaxOperations: s.HalfOpenMaxOperations,
			RollingWindow:         s.RollingWindow,
		})
	}
	if r := cfg.Retry; r != nil {
		rp, err := r.Policy()
		if err != nil {
			return nil, fault.With(err, "policy", name)
		}
		b.WithRetry(rp)
	}
	if rl := cfg.RateLimit; rl != nil {
		l, err := ratelimit.New(*rl, opts...)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		b.WithRateLimiter(l)
	}
	if bh := cfg.Bulkhead; bh != nil {
		b.WithBulkhead(*bh)
	}
	return b.Build(), nil
}
