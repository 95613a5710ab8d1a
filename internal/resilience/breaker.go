package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/fault"
)

// State is a circuit breaker state.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// The breaker's state lives in one word: the low two bits hold the State and
// the rest hold a counter whose meaning depends on the state
// (consecutive failures when closed, probes in flight when half-open).
const stateBits = 2

func pack(s State, n uint64) uint64     { return n<<stateBits | uint64(s) }
func unpack(w uint64) (State, uint64) { return State(w & (1<<stateBits - 1)), w >> stateBits }

// CircuitBreakerConfig configures a breaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in events and errors.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxOperations bounds concurrent probes. Default 1.
	HalfOpenMaxOperations int

	// RollingWindow is the horizon of the rolling failure count. Default 1m.
	RollingWindow time.Duration

	// IsFailure decides which errors count against the breaker. Defaults to
	// every error except Validation and Cancelled.
	IsFailure func(error) bool

	// OnStateChange is called synchronously on every transition.
	OnStateChange func(from, to State)

	Clock clock.Clock
}

// DefaultIsFailure counts everything except caller mistakes and cancellation.
func DefaultIsFailure(err error) bool {
	switch fault.KindOf(err) {
	case fault.Validation, fault.Cancelled:
		return false
	}
	return true
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxOperations < 1 {
		c.HalfOpenMaxOperations = 1
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = time.Minute
	}
	if c.IsFailure == nil {
		c.IsFailure = DefaultIsFailure
	}
	c.Clock = clock.OrDefault(c.Clock)
	return c
}

// CircuitBreakerStats is a snapshot of breaker health.
type CircuitBreakerStats struct {
	State               State
	TimeInState         time.Duration
	ConsecutiveFailures int
	ProbesInFlight      int
	RollingFailures     int
	TotalSuccesses      uint64
	TotalFailures       uint64
	Rejected            uint64
}

// CircuitBreaker short-circuits calls to a failing dependency.
//
//   - Closed: calls pass. Successes reset the failure counter; reaching
//     FailureThreshold consecutive failures opens the breaker.
//   - Open: calls fail fast with CircuitOpen until ResetTimeout has elapsed;
//     the next call then moves to HalfOpen.
//   - HalfOpen: at most HalfOpenMaxOperations probes run. The first probe
//     success closes the breaker; any probe failure reopens it.
//
// Thread-safety: transitions are single compare-and-swap operations on a
// packed state word; Open's timestamp is a separate atomic.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	word      atomic.Uint64
	openedAt  atomic.Int64 // unix nanos
	changedAt atomic.Int64 // unix nanos

	successes atomic.Uint64
	failures  atomic.Uint64
	rejected  atomic.Uint64

	mu        sync.Mutex
	recent    []time.Time // failure times inside RollingWindow
	listeners []func(from, to State)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	cb := &CircuitBreaker{cfg: cfg}
	cb.changedAt.Store(cfg.Clock.Now().UnixNano())
	if cfg.OnStateChange != nil {
		cb.listeners = append(cb.listeners, cfg.OnStateChange)
	}
	return cb
}

// Name implements Pattern.
func (cb *CircuitBreaker) Name() string { return "circuit_breaker" }

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig { return cb.cfg }

// OnStateChange registers an additional transition listener.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	s, _ := unpack(cb.word.Load())
	return s
}

// CanExecute reports whether a call issued now would be admitted. It does
// not claim a probe slot.
func (cb *CircuitBreaker) CanExecute() bool {
	s, n := unpack(cb.word.Load())
	switch s {
	case StateOpen:
		return cb.sinceOpened() >= cb.cfg.ResetTimeout
	case StateHalfOpen:
		return n < uint64(cb.cfg.HalfOpenMaxOperations)
	default:
		return true
	}
}

// Execute implements Pattern.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = op(ctx)
	cb.record(probe, err)
	return err
}

func (cb *CircuitBreaker) sinceOpened() time.Duration {
	return cb.cfg.Clock.Now().Sub(time.Unix(0, cb.openedAt.Load()))
}

func (cb *CircuitBreaker) rejectErr(retryAfter time.Duration) error {
	cb.rejected.Add(1)
	err := fault.New(fault.CircuitOpen, "circuit breaker is open")
	err.RetryAfter = retryAfter
	err.Context = map[string]string{"pattern": cb.Name()}
	if cb.cfg.Name != "" {
		err.Context["breaker"] = cb.cfg.Name
	}
	return err
}

// admit claims permission to run. probe is true when the call runs as a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	for {
		w := cb.word.Load()
		s, n := unpack(w)
		switch s {
		case StateClosed:
			return false, nil
		case StateOpen:
			elapsed := cb.sinceOpened()
			if elapsed < cb.cfg.ResetTimeout {
				return false, cb.rejectErr(cb.cfg.ResetTimeout - elapsed)
			}
			if cb.word.CompareAndSwap(w, pack(StateHalfOpen, 1)) {
				cb.transitioned(StateOpen, StateHalfOpen)
				return true, nil
			}
		case StateHalfOpen:
			if n >= uint64(cb.cfg.HalfOpenMaxOperations) {
				return false, cb.rejectErr(0)
			}
			if cb.word.CompareAndSwap(w, pack(StateHalfOpen, n+1)) {
				return true, nil
			}
		}
	}
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	switch {
	case err == nil:
		cb.successes.Add(1)
		cb.onSuccess(probe)
	case cb.cfg.IsFailure(err):
		cb.failures.Add(1)
		cb.onFailure()
	default:
		if probe {
			cb.releaseProbe()
		}
	}
}

func (cb *CircuitBreaker) onSuccess(probe bool) {
	for {
		w := cb.word.Load()
		s, n := unpack(w)
		switch s {
		case StateClosed:
			if n == 0 || cb.word.CompareAndSwap(w, pack(StateClosed, 0)) {
				return
			}
		case StateHalfOpen:
			if !probe {
				return
			}
			if cb.word.CompareAndSwap(w, pack(StateClosed, 0)) {
				cb.transitioned(StateHalfOpen, StateClosed)
				return
			}
		default:
			return
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	now := cb.cfg.Clock.Now()
	cb.noteFailure(now)
	for {
		w := cb.word.Load()
		s, n := unpack(w)
		switch s {
		case StateClosed:
			if n+1 < uint64(cb.cfg.FailureThreshold) {
				if cb.word.CompareAndSwap(w, pack(StateClosed, n+1)) {
					return
				}
				continue
			}
			cb.openedAt.Store(now.UnixNano())
			if cb.word.CompareAndSwap(w, pack(StateOpen, 0)) {
				cb.transitioned(StateClosed, StateOpen)
				return
			}
		case StateHalfOpen:
			cb.openedAt.Store(now.UnixNano())
			if cb.word.CompareAndSwap(w, pack(StateOpen, 0)) {
				cb.transitioned(StateHalfOpen, StateOpen)
				return
			}
		default:
			return
		}
	}
}

// releaseProbe frees a probe slot after a neutral outcome.
func (cb *CircuitBreaker) releaseProbe() {
	for {
		w := cb.word.Load()
		s, n := unpack(w)
		if s != StateHalfOpen || n == 0 {
			return
		}
		if cb.word.CompareAndSwap(w, pack(StateHalfOpen, n-1)) {
			return
		}
	}
}

func (cb *CircuitBreaker) noteFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recent = append(cb.pruneLocked(now), now)
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-cb.cfg.RollingWindow)
	i := 0
	for i < len(cb.recent) && !cb.recent[i].After(cutoff) {
		i++
	}
	cb.recent = cb.recent[i:]
	return cb.recent
}

func (cb *CircuitBreaker) transitioned(from, to State) {
	cb.changedAt.Store(cb.cfg.Clock.Now().UnixNano())
	cb.mu.Lock()
	listeners := append([]func(from, to State){}, cb.listeners...)
	cb.mu.Unlock()
	for _, fn := range listeners {
		fn(from, to)
	}
}

// Stats returns a snapshot.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	now := cb.cfg.Clock.Now()
	s, n := unpack(cb.word.Load())
	st := CircuitBreakerStats{
		State:          s,
		TimeInState:    now.Sub(time.Unix(0, cb.changedAt.Load())),
		TotalSuccesses: cb.successes.Load(),
		TotalFailures:  cb.failures.Load(),
		Rejected:       cb.rejected.Load(),
	}
	switch s {
	case StateClosed:
		st.ConsecutiveFailures = int(n)
	case StateHalfOpen:
		st.ProbesInFlight = int(n)
	}
	cb.mu.Lock()
	st.RollingFailures = len(cb.pruneLocked(now))
	cb.mu.Unlock()
	return st
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	for {
		w := cb.word.Load()
		s, _ := unpack(w)
		if cb.word.CompareAndSwap(w, pack(StateClosed, 0)) {
			if s != StateClosed {
				cb.transitioned(s, StateClosed)
			}
			return
		}
	}
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	var fe *fault.Error
	return errors.As(err, &fe) && fe.Kind == fault.CircuitOpen
}
