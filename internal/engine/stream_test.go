package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/fault"
)

var seqInput = json.RawMessage(`{"start":1,"end":5,"step":2}`)

// TestStream_DeliversInOrder checks every item reaches the consumer and the
// stream is closed afterwards.
func TestStream_DeliversInOrder(t *testing.T) {
	e := newTestEngine(t)

	var got []string
	comp, err := e.Stream(context.Background(), Invocation{ActionKey: "core.sequence", Input: seqInput}, func(item json.RawMessage) error {
		assert.Equal(t, 1, e.seq.OpenStreams(), "open while items flow")
		got = append(got, string(item))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "3", "5"}, got)
	assert.Equal(t, 3, comp.Items)
	assert.Equal(t, action.ResultStreamEnd, comp.Result.Type)
	assert.Equal(t, StatusCompleted, comp.Decision.Status)
	assert.Zero(t, e.seq.OpenStreams())
}

// TestStream_ConsumerError checks a failing consumer stops the stream and
// Close still runs.
func TestStream_ConsumerError(t *testing.T) {
	e := newTestEngine(t)
	errFull := errors.New("sink full")

	comp, err := e.Stream(context.Background(), Invocation{ActionKey: "core.sequence", Input: seqInput}, func(item json.RawMessage) error {
		if string(item) == "5" {
			return errFull
		}
		return nil
	})
	require.ErrorIs(t, err, errFull)
	assert.Equal(t, 2, comp.Items)
	assert.True(t, comp.Failed())
	assert.Zero(t, e.seq.OpenStreams())
}

// TestStream_Cancelled checks cancellation between pulls ends the stream as
// Cancelled and closes it.
func TestStream_Cancelled(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	comp, err := e.Stream(ctx, Invocation{ActionKey: "core.sequence", Input: seqInput}, func(json.RawMessage) error {
		cancel()
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, fault.Cancelled, fault.KindOf(err))
	assert.Equal(t, 1, comp.Items)
	assert.Zero(t, e.seq.OpenStreams())
}

// TestStreamChannel checks the channel form delivers the same items and a
// nil final error.
func TestStreamChannel(t *testing.T) {
	e := newTestEngine(t)

	items, errc := e.StreamChannel(context.Background(), Invocation{ActionKey: "core.sequence", Input: seqInput}, 1)
	var got []string
	for item := range items {
		got = append(got, string(item))
	}
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no final error")
	}
	assert.Equal(t, []string{"1", "3", "5"}, got)
}

// TestStream_QueuedWithoutConsumer checks Run drains a queued stream.
func TestStream_QueuedWithoutConsumer(t *testing.T) {
	got := make(chan Completion, 1)
	e := newTestEngine(t, OnCompletion(func(c Completion) { got <- c }))
	require.True(t, e.Enqueue(Invocation{ActionKey: "core.sequence", Input: seqInput}))

	go e.Run(context.Background())
	defer e.Stop()

	select {
	case c := <-got:
		assert.Equal(t, 3, c.Items)
		assert.Equal(t, action.ResultStreamEnd, c.Result.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("queued stream not run")
	}
}
