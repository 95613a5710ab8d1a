package resilience

import (
	"context"
	"time"

	"github.com/roach88/nebula/internal/fault"
)

// Timeout bounds an operation's wall-clock time.
//
// The operation runs on its own goroutine with a derived context. When the
// timer fires, Execute returns Timeout immediately and the derived context is
// cancelled; the operation is expected to notice and return. Nothing is
// forcibly stopped.
type Timeout struct {
	d time.Duration
}

// NewTimeout creates a timeout pattern. A non-positive duration disables it.
func NewTimeout(d time.Duration) *Timeout {
	return &Timeout{d: d}
}

// Name implements Pattern.
func (t *Timeout) Name() string { return "timeout" }

// Duration returns the configured limit.
func (t *Timeout) Duration() time.Duration { return t.d }

// Execute implements Pattern.
func (t *Timeout) Execute(ctx context.Context, op Operation) error {
	if t.d <= 0 {
		return op(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fault.Newf(fault.Fatal, "panic: %v", r)
			}
		}()
		done <- op(tctx)
	}()

	select {
	case err := <-done:
		if err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil && fault.KindOf(err) == fault.Timeout {
			return t.expired()
		}
		return err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return ctxError(ctx, "operation cancelled")
		}
		return t.expired()
	}
}

func (t *Timeout) expired() error {
	err := fault.Newf(fault.Timeout, "operation exceeded %s", t.d)
	err.Context = map[string]string{"pattern": t.Name(), "timeout": t.d.String()}
	return err
}

// ctxError classifies a finished context: deadline expiry is Timeout,
// cancellation is Cancelled.
func ctxError(ctx context.Context, what string) error {
	cause := ctx.Err()
	if cause == nil {
		return nil
	}
	return fault.Wrap(fault.KindOf(cause), cause, what)
}
