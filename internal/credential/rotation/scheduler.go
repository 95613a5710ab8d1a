package rotation

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roach88/nebula/internal/credential"
)

// DefaultSchedule evaluates policies every five minutes.
const DefaultSchedule = "*/5 * * * *"

// Scheduler evaluates rotation policies across stored credentials on a cron
// schedule and rotates those that are due.
type Scheduler struct {
	rotator *Rotator
	spec    string
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedule sets the cron expression (five fields, or descriptors such as
// "@every 1m").
func WithSchedule(spec string) SchedulerOption { return func(s *Scheduler) { s.spec = spec } }

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption { return func(s *Scheduler) { s.log = l } }

// NewScheduler creates a stopped scheduler.
func NewScheduler(r *Rotator, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{rotator: r, spec: DefaultSchedule, sleep: sleepCtx}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins running on the schedule.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("rotation scheduler already started")
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := c.AddFunc(s.spec, s.tick); err != nil {
		s.cancel()
		return err
	}
	s.cron = c
	c.Start()
	s.log.Info("rotation scheduler started", "schedule", s.spec)
	return nil
}

func (s *Scheduler) tick() {
	s.running.Add(1)
	defer s.running.Done()
	if _, err := s.RunOnce(s.ctx); err != nil {
		s.log.Warn("rotation run finished with errors", "error", err)
	}
}

// Stop halts the schedule and waits for a run in progress, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	s.cancel()
	<-c.Stop().Done()
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce rotates every credential whose policy is due, returning the
// transactions it started. Each rotation is delayed by a random share of the
// policy's jitter. Failures do not stop the run; they are joined into the
// returned error.
func (s *Scheduler) RunOnce(ctx context.Context) ([]Transaction, error) {
	creds := s.rotator.Credentials()
	recs, err := creds.List(ctx, credential.Filter{})
	if err != nil {
		return nil, err
	}

	var txs []Transaction
	var errs []error
	for _, rec := range recs {
		if rec.Metadata.RotationPolicy == nil || rec.Metadata.Pending {
			continue
		}
		cfg := *rec.Metadata.RotationPolicy
		policy, err := PolicyFor(cfg)
		if err != nil {
			s.log.Warn("invalid rotation policy", "credential", rec.ID, "error", err)
			continue
		}
		due, reason := policy.Due(rec, creds.FailureCount(rec.ID), creds.Clock().Now())
		if !due {
			continue
		}
		if cfg.Jitter > 0 {
			if err := s.sleep(ctx, rand.N(cfg.Jitter)); err != nil {
				return txs, errors.Join(append(errs, err)...)
			}
		}
		tx, err := s.rotator.Rotate(ctx, rec.ID, reason)
		if tx.ID != "" {
			txs = append(txs, tx)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return txs, errors.Join(errs...)
}
