package resilience

import (
	"context"

	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/ratelimit"
)

// RateLimiter adapts a ratelimit.Limiter to Pattern.
type RateLimiter struct {
	limiter ratelimit.Limiter

	// wait makes Execute sleep on denials instead of failing.
	wait bool
}

// NewRateLimiter wraps l. With wait set, denials are waited out until ctx
// ends; otherwise they fail with the limiter's RateLimit error.
func NewRateLimiter(l ratelimit.Limiter, wait bool) *RateLimiter {
	return &RateLimiter{limiter: l, wait: wait}
}

// Name implements Pattern.
func (r *RateLimiter) Name() string { return "rate_limiter" }

// Limiter returns the wrapped limiter.
func (r *RateLimiter) Limiter() ratelimit.Limiter { return r.limiter }

// Execute implements Pattern.
func (r *RateLimiter) Execute(ctx context.Context, op Operation) error {
	if r.wait {
		if err := ratelimit.Wait(ctx, r.limiter); err != nil {
			return err
		}
		return op(ctx)
	}
	if err := ctx.Err(); err != nil {
		return ctxError(ctx, "rate limiter")
	}
	if err := r.limiter.Acquire(ctx); err != nil {
		return fault.With(err, "pattern", r.Name())
	}
	return op(ctx)
}
