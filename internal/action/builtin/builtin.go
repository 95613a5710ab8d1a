// Package builtin provides the stock actions every nebula runtime ships with.
//
// There is one action per kind, so the engine's drivers and the scenario
// harness have something real to run:
//
//	core.echo      Simple         returns its input
//	core.if        Process        routes to "true" or "false"
//	core.wait      Process        suspends for a duration, a deadline or an event
//	http.request   Process        credentialed HTTP call
//	core.approval  Interactive    asks a human to approve
//	core.counter   Stateful       sums a range one tick at a time
//	core.sequence  Streaming      yields a range lazily
//	core.ledger    Transactional  in-memory account ledger with 2PC
//	core.ticker    Trigger        emits an event every interval
package builtin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/roach88/nebula/internal/action"
)

type options struct {
	client *http.Client
	ledger *Ledger
}

// Option configures Register.
type Option func(*options)

// WithHTTPClient sets the client http.request uses when the input names no
// pooled client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLedger registers l as core.ledger instead of a fresh ledger.
func WithLedger(l *Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// Register adds every builtin action to r.
func Register(r *action.Registry, opts ...Option) error {
	o := options{client: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ledger == nil {
		o.ledger = NewLedger(nil)
	}

	steps := []func() error{
		func() error { return action.RegisterSimple[json.RawMessage, json.RawMessage](r, Echo{}) },
		func() error { return action.RegisterProcess[IfInput, any](r, If{}) },
		func() error { return action.RegisterProcess[WaitInput, struct{}](r, Wait{}) },
		func() error { return action.RegisterProcess[HTTPInput, HTTPOutput](r, NewHTTPRequest(o.client)) },
		func() error {
			return action.RegisterInteractive[ApprovalInput, ApprovalResponse, ApprovalOutput](r, Approval{})
		},
		func() error { return action.RegisterStateful[CounterInput, CounterState, CounterOutput](r, Counter{}) },
		func() error { return action.RegisterStreaming[SequenceConfig, int](r, NewSequence()) },
		func() error { return action.RegisterTransactional[Posting](r, o.ledger) },
		func() error { return action.RegisterTrigger[TickerConfig, TickEvent](r, NewTicker()) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// scope keys per-invocation state kept inside a shared action value.
func scope(ctx action.Context) string {
	return ctx.ExecutionID() + "/" + ctx.NodeID()
}
