package resilience

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/nebula/internal/fault"
)

// BulkheadConfig configures a bulkhead.
type BulkheadConfig struct {
	Name string `yaml:"name"`

	// MaxConcurrency bounds in-flight operations. Default 10.
	MaxConcurrency int `yaml:"max_concurrency"`

	// QueueSize bounds callers waiting for a permit. Zero means callers are
	// rejected as soon as every permit is taken.
	QueueSize int `yaml:"queue_size"`

	// AcquireTimeout bounds the wait for a permit. Zero waits until ctx ends.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// BulkheadStats is a snapshot of bulkhead usage.
type BulkheadStats struct {
	Active         int
	Waiting        int
	Rejected       uint64
	TimedOut       uint64
	MaxConcurrency int
	QueueSize      int
}

// Bulkhead caps concurrent work with a counted semaphore and a bounded wait
// queue. In-flight work never exceeds MaxConcurrency.
type Bulkhead struct {
	cfg BulkheadConfig
	sem *semaphore.Weighted

	active   atomic.Int64
	waiting  atomic.Int64
	rejected atomic.Uint64
	timedOut atomic.Uint64
}

// NewBulkhead creates a bulkhead.
func NewBulkhead(cfg BulkheadConfig) *Bulkhead {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 10
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &Bulkhead{cfg: cfg, sem: semaphore.NewWeighted(int64(cfg.MaxConcurrency))}
}

// Name implements Pattern.
func (b *Bulkhead) Name() string { return "bulkhead" }

// Acquire takes a permit. The returned release func must be called exactly
// once.
func (b *Bulkhead) Acquire(ctx context.Context) (release func(), err error) {
	if b.sem.TryAcquire(1) {
		return b.granted(), nil
	}
	if b.waiting.Add(1) > int64(b.cfg.QueueSize) {
		b.waiting.Add(-1)
		b.rejected.Add(1)
		return nil, b.fullErr()
	}
	defer b.waiting.Add(-1)

	actx := ctx
	if b.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, b.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := b.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctxError(ctx, "bulkhead acquire")
		}
		b.timedOut.Add(1)
		return nil, fault.Annotate(fault.New(fault.Timeout, "bulkhead acquire timed out"), b.errContext())
	}
	return b.granted(), nil
}

func (b *Bulkhead) granted() func() {
	b.active.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			b.active.Add(-1)
			b.sem.Release(1)
		}
	}
}

func (b *Bulkhead) fullErr() error {
	return fault.Annotate(fault.New(fault.BulkheadFull, "bulkhead queue is full"), b.errContext())
}

func (b *Bulkhead) errContext() map[string]string {
	ctx := map[string]string{
		"pattern":         b.Name(),
		"max_concurrency": strconv.Itoa(b.cfg.MaxConcurrency),
		"queue_size":      strconv.Itoa(b.cfg.QueueSize),
	}
	if b.cfg.Name != "" {
		ctx["bulkhead"] = b.cfg.Name
	}
	return ctx
}

// Execute implements Pattern.
func (b *Bulkhead) Execute(ctx context.Context, op Operation) error {
	release, err := b.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return op(ctx)
}

// Stats returns a snapshot.
func (b *Bulkhead) Stats() BulkheadStats {
	return BulkheadStats{
		Active:         int(b.active.Load()),
		Waiting:        int(b.waiting.Load()),
		Rejected:       b.rejected.Load(),
		TimedOut:       b.timedOut.Load(),
		MaxConcurrency: b.cfg.MaxConcurrency,
		QueueSize:      b.cfg.QueueSize,
	}
}
