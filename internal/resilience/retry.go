package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/roach88/nebula/internal/fault"
)

// Backoff computes the sleep after a failed attempt. attempt is zero-based:
// Delay(0) is the wait between the first and second invocation.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same interval after every attempt.
type FixedBackoff struct {
	Interval time.Duration
}

// Delay implements Backoff.
func (f FixedBackoff) Delay(int) time.Duration { return f.Interval }

// ExponentialBackoff grows the delay geometrically:
//
//	delay = min(Max, Base * Multiplier^attempt)
//
// With Jitter the actual delay is drawn uniformly from [delay/2, delay].
type ExponentialBackoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool

	// Rand returns a float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Ceiling returns the un-jittered delay for attempt.
func (e ExponentialBackoff) Ceiling(attempt int) time.Duration {
	mult := e.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(e.Base) * math.Pow(mult, float64(attempt))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay implements Backoff.
func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	d := e.Ceiling(attempt)
	if !e.Jitter || d <= 0 {
		return d
	}
	r := e.Rand
	if r == nil {
		r = rand.Float64
	}
	half := d / 2
	return half + time.Duration(r()*float64(d-half))
}

// RetryPolicy configures Retry.
type RetryPolicy struct {
	// MaxAttempts bounds invocations of the operation, including the first.
	// Values below 1 mean 1.
	MaxAttempts int

	// Backoff computes sleeps between attempts. Nil means no sleep.
	Backoff Backoff

	// ShouldRetry decides per error. Defaults to fault.IsTransient.
	ShouldRetry func(error) bool

	// DowngradeOnExhaustion turns a transient final error into Fatal.
	DowngradeOnExhaustion bool

	// OnRetry is called before each sleep.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep waits d or until ctx is done, returning ctx.Err() in the latter
	// case. Defaults to a timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Retry re-invokes an operation on retryable failures.
type Retry struct {
	policy RetryPolicy
}

// NewRetry creates a retry pattern.
func NewRetry(policy RetryPolicy) *Retry {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = fault.IsTransient
	}
	if policy.Sleep == nil {
		policy.Sleep = sleepContext
	}
	return &Retry{policy: policy}
}

// Name implements Pattern.
func (r *Retry) Name() string { return "retry" }

// MaxAttempts returns the attempt budget.
func (r *Retry) MaxAttempts() int { return r.policy.MaxAttempts }

// Execute implements Pattern. A RateLimit error's retry hint stretches the
// next sleep when it is longer than the backoff.
func (r *Retry) Execute(ctx context.Context, op Operation) error {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return fault.With(ctxError(ctx, "retry cancelled"), "attempts", strconv.Itoa(attempt))
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		tried := strconv.Itoa(attempt + 1)
		if !r.policy.ShouldRetry(err) {
			return fault.With(err, "attempts", tried)
		}
		if attempt+1 >= r.policy.MaxAttempts {
			err = fault.Annotate(err, map[string]string{"attempts": tried, "retry": "exhausted"})
			if r.policy.DowngradeOnExhaustion {
				err = fault.Downgrade(err, "retry budget exhausted")
			}
			return err
		}

		var delay time.Duration
		if r.policy.Backoff != nil {
			delay = r.policy.Backoff.Delay(attempt)
		}
		if hint := fault.RetryAfterOf(err); hint > delay {
			delay = hint
		}
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt+1, err, delay)
		}
		emitFrom(ctx, Event{
			Type:     EventRetry,
			Pattern:  r.Name(),
			Outcome:  outcomeOf(err),
			Metadata: map[string]string{"attempt": tried, "delay": delay.String()},
		})
		if delay <= 0 {
			continue
		}
		if r.policy.Sleep(ctx, delay) != nil && ctx.Err() != nil {
			return fault.Annotate(ctxError(ctx, "retry cancelled during backoff"), map[string]string{"attempts": tried, "last_error": err.Error()})
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
