package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/roach88/nebula/internal/action"
)

// Stream opens a streaming action and hands each item to consume in order.
// The next item is not pulled until consume returns, so a slow consumer
// slows the producer. A consume error stops the stream and fails the
// invocation.
//
// Close runs exactly once on every exit path, including cancellation and
// panics in the action.
func (e *Engine) Stream(ctx context.Context, inv Invocation, consume func(item json.RawMessage) error) (Completion, error) {
	inv, err := e.prepare(inv)
	if err != nil {
		return e.reject(inv, err)
	}
	h, err := e.resolve(inv)
	if err != nil {
		return e.reject(inv, err)
	}
	sh, ok := h.(action.StreamingHandler)
	if !ok {
		return e.reject(inv, NewKindMismatchError(inv.ActionKey, string(h.Kind()), string(action.KindStreaming)))
	}
	if err := e.record(ctx, inv); err != nil {
		return e.reject(inv, err)
	}

	items, err := e.pull(ctx, inv, sh, consume)
	var res action.Result[json.RawMessage]
	if err == nil {
		res = action.StreamEnd[json.RawMessage]()
	}
	comp, err := e.finish(ctx, inv, res, err)
	comp.Items = items
	return comp, err
}

func (e *Engine) pull(ctx context.Context, inv Invocation, h action.StreamingHandler, consume func(json.RawMessage) error) (items int, err error) {
	actx := e.actionContext(ctx, inv)
	s, err := run(ctx, e, inv, h.Metadata(), func(ctx context.Context) (action.Stream, error) {
		return h.Open(action.WithContext(actx, ctx), inv.Input)
	})
	if err != nil {
		return 0, err
	}

	var once sync.Once
	closeStream := func() error {
		var cerr error
		once.Do(func() {
			cctx := action.WithContext(actx, context.WithoutCancel(ctx))
			cerr = recovered(inv, func() error { return s.Close(cctx) })
			if cerr != nil {
				e.logger.Warn("stream close failed", "execution", inv.ExecutionID, "node", inv.NodeID, "error", cerr)
			}
		})
		return cerr
	}
	defer closeStream()

	for {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		var (
			item json.RawMessage
			more bool
		)
		err := recovered(inv, func() error {
			var nerr error
			item, more, nerr = s.Next(actx)
			return nerr
		})
		if err != nil {
			return items, err
		}
		if !more {
			break
		}
		if err := consume(item); err != nil {
			return items, err
		}
		items++
	}
	e.logger.Debug("stream ended", "execution", inv.ExecutionID, "node", inv.NodeID, "items", items)
	return items, closeStream()
}

// StreamChannel runs Stream in a goroutine and delivers items on a channel
// holding at most buffer undelivered items. The error channel receives the
// stream's final error, or nil, and is then closed. Cancelling ctx stops
// the stream.
func (e *Engine) StreamChannel(ctx context.Context, inv Invocation, buffer int) (<-chan json.RawMessage, <-chan error) {
	items := make(chan json.RawMessage, buffer)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(items)
		_, err := e.Stream(ctx, inv, func(item json.RawMessage) error {
			select {
			case items <- item:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		errc <- err
	}()
	return items, errc
}
