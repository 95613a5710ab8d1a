package credential

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/secret"
)

// TestParseID_Rejects covers the malformed identifier set.
func TestParseID_Rejects(t *testing.T) {
	bad := []string{"", "a b", "a/b", "..", strings.Repeat("x", MaxIDLength+1)}
	for _, c := range `./\@#$%!:;,[]{}()<>|&` {
		bad = append(bad, "svc"+string(c)+"1")
	}
	for _, s := range bad {
		_, err := ParseID(s)
		require.Error(t, err, "%q", s)
		assert.ErrorIs(t, err, ErrInvalidID)
		assert.Equal(t, fault.Validation, fault.KindOf(err))
	}
}

// TestParseID_Idempotent accepts valid IDs unchanged.
func TestParseID_Idempotent(t *testing.T) {
	for _, s := range []string{"a", "svc-a", "github_app_42", strings.Repeat("Z", MaxIDLength)} {
		id, err := ParseID(s)
		require.NoError(t, err)
		again, err := ParseID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, again)
	}

	var id ID
	require.NoError(t, id.UnmarshalText([]byte("svc-a")))
	assert.Error(t, id.UnmarshalText([]byte("svc a")))
	assert.Panics(t, func() { MustParseID("no way") })
}

// TestMemoryCache_Expiry drops entries at their TTL or token expiry.
func TestMemoryCache_Expiry(t *testing.T) {
	clk := clock.NewManual(epoch)
	c := NewMemoryCache(64, clk)
	ctx := context.Background()

	exp := epoch.Add(30 * time.Second)
	require.NoError(t, c.Put(ctx, "short", AccessToken{Secret: secret.NewText("a"), ExpiresAt: &exp}, time.Hour))
	require.NoError(t, c.Put(ctx, "ttl", AccessToken{Secret: secret.NewText("b")}, time.Minute))

	_, ok, _ := c.Get(ctx, "short")
	assert.True(t, ok)

	clk.Advance(31 * time.Second)
	_, ok, _ = c.Get(ctx, "short")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "ttl")
	assert.True(t, ok)

	clk.Advance(30 * time.Second)
	_, ok, _ = c.Get(ctx, "ttl")
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(2), st.Misses)
	assert.Equal(t, uint64(2), st.Expired)
	assert.Equal(t, 0, st.Size)
	assert.InDelta(t, 0.5, st.HitRate(), 0.001)
}

// TestMemoryCache_SkipsExpired refuses to store a dead token.
func TestMemoryCache_SkipsExpired(t *testing.T) {
	clk := clock.NewManual(epoch)
	c := NewMemoryCache(64, clk)
	past := epoch.Add(-time.Second)

	require.NoError(t, c.Put(context.Background(), "k", AccessToken{Secret: secret.NewText("a"), ExpiresAt: &past}, time.Hour))
	assert.Equal(t, 0, c.Stats().Size)
}

// TestMemoryCache_Capacity evicts least recently used entries.
func TestMemoryCache_Capacity(t *testing.T) {
	c := NewMemoryCache(cacheShards, clock.NewManual(epoch))
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, c.Put(ctx, fmt.Sprintf("k%d", i), AccessToken{Secret: secret.NewText("v")}, time.Hour))
	}
	st := c.Stats()
	assert.LessOrEqual(t, st.Size, cacheShards)
	assert.Equal(t, uint64(100-st.Size), st.Evictions)

	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Stats().Size)
	assert.Equal(t, uint64(100-st.Size), c.Stats().Evictions, "clear is not an eviction")
}

// TestMemoryCache_ReturnsCopies isolates callers from the cached secret.
func TestMemoryCache_ReturnsCopies(t *testing.T) {
	c := NewMemoryCache(64, clock.NewManual(epoch))
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "k", AccessToken{Secret: secret.NewText("value"), Kind: Bearer}, time.Hour))

	tok, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
	tok.Secret.Destroy()

	tok, ok, _ = c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "Bearer value", tok.Header())
}

// TestLocalLock_MutualExclusion never lets two holders overlap.
func TestLocalLock_MutualExclusion(t *testing.T) {
	l := NewLocalLock()
	ctx := context.Background()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "k", time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

// TestLocalLock_Timeout reports a Timeout wrapping ErrLockTimeout.
func TestLocalLock_Timeout(t *testing.T) {
	l := NewLocalLock()
	ctx := context.Background()
	release, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "k", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, fault.Timeout, fault.KindOf(err))

	other, err := l.Acquire(ctx, "other", 20*time.Millisecond)
	require.NoError(t, err, "keys are independent")
	other()

	release()
	release()
	again, err := l.Acquire(ctx, "k", 20*time.Millisecond)
	require.NoError(t, err, "double release must not unlock a later holder")
	defer again()

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Acquire(cctx, "k", time.Second)
	assert.Equal(t, fault.Cancelled, fault.KindOf(err))
}

// TestLocalLock_Prune forgets slots nobody holds.
func TestLocalLock_Prune(t *testing.T) {
	l := NewLocalLock()
	for i := 0; i < 10; i++ {
		release, err := l.Acquire(context.Background(), fmt.Sprintf("k%d", i), time.Second)
		require.NoError(t, err)
		release()
	}
	assert.Equal(t, 10, l.Len())

	require.Eventually(t, func() bool {
		runtime.GC()
		l.Prune()
		return l.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestFilter_Matches checks type and label filtering.
func TestFilter_Matches(t *testing.T) {
	r := Record{ID: "a", Type: "api_key", Metadata: Metadata{Labels: map[string]string{"env": "prod"}}}

	assert.True(t, Filter{}.Matches(r))
	assert.True(t, Filter{Type: "api_key", Labels: map[string]string{"env": "prod"}}.Matches(r))
	assert.False(t, Filter{Type: "basic"}.Matches(r))
	assert.False(t, Filter{Labels: map[string]string{"env": "dev"}}.Matches(r))
}
