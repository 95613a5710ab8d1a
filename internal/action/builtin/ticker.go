package builtin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/fault"
)

// TickerConfig is core.ticker's configuration. Count stops the ticker after
// that many events; zero ticks until stopped.
type TickerConfig struct {
	Interval string `json:"interval" validate:"required"`
	Count    int    `json:"count,omitempty" validate:"gte=0"`
}

func (c TickerConfig) Validate() error {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("interval must be positive")
	}
	return nil
}

// TickEvent is the payload of each emitted event.
type TickEvent struct {
	Seq int       `json:"seq"`
	At  time.Time `json:"at"`
}

// Ticker emits a TickEvent every interval.
type Ticker struct {
	mu      sync.Mutex
	running map[string]*tickerRun
}

type tickerRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTicker returns core.ticker.
func NewTicker() *Ticker {
	return &Ticker{running: make(map[string]*tickerRun)}
}

func (*Ticker) Metadata() action.Metadata {
	return action.Metadata{Key: "core.ticker", Name: "Ticker", Version: 1}
}

func (t *Ticker) Start(ctx action.Context, cfg TickerConfig, emit func(TickEvent) error) error {
	interval, _ := time.ParseDuration(cfg.Interval)
	key := scope(ctx)

	t.mu.Lock()
	if _, ok := t.running[key]; ok {
		t.mu.Unlock()
		return fault.Newf(fault.Validation, "ticker %s already running", key)
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &tickerRun{cancel: cancel, done: make(chan struct{})}
	t.running[key] = run
	t.mu.Unlock()

	log := ctx.Logger()
	go func() {
		defer close(run.done)
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for seq := 1; cfg.Count == 0 || seq <= cfg.Count; seq++ {
			select {
			case <-runCtx.Done():
				return
			case now := <-tk.C:
				if err := emit(TickEvent{Seq: seq, At: now.UTC()}); err != nil {
					log.Warn("ticker emit failed", "seq", seq, "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop cancels the ticker started under the same execution and node and
// waits for it to exit.
func (t *Ticker) Stop(ctx action.Context) error {
	key := scope(ctx)
	t.mu.Lock()
	run, ok := t.running[key]
	delete(t.running, key)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	run.cancel()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
