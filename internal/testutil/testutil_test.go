package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nebula/internal/pool"
)

func TestFixedIDGenerator_ReturnsSameID(t *testing.T) {
	gen := NewFixedIDGenerator("exec-123")

	assert.Equal(t, "exec-123", gen.Generate())
	assert.Equal(t, "exec-123", gen.Generate())
}

func TestFixedIDGenerator_EmptyDefault(t *testing.T) {
	assert.Equal(t, "test-execution", NewFixedIDGenerator("").Generate())
}

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clk := ManualClock()
	assert.Equal(t, Epoch, clk.Now())
	clk.Advance(time.Minute)
	assert.Equal(t, Epoch.Add(time.Minute), clk.Now())
}

func TestKeyring_RoundTrip(t *testing.T) {
	kr := Keyring(t)
	blob, err := kr.Seal([]byte("hello"), []byte("aad"))
	require.NoError(t, err)
	plain, err := kr.Open(blob, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))
}

func TestStore_IsMigrated(t *testing.T) {
	s := Store(t)
	ids, err := s.ListExecutions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// TestCounter_InPool checks the counter's bookkeeping through a real pool.
func TestCounter_InPool(t *testing.T) {
	ctx := context.Background()
	res := &Counter{Name: "ints"}
	cfg := pool.DefaultConfig()
	cfg.MaxSize = 2
	cfg.MaintenanceInterval = 0
	p, err := pool.New[int](res, cfg)
	require.NoError(t, err)

	g, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Value())
	g.Release()

	g, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Value(), "the idle instance is reused")
	g.Discard()

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, int64(1), res.Created())
	assert.Equal(t, int64(1), res.Recycled())
	assert.Equal(t, []int{1}, res.Cleaned())
}
