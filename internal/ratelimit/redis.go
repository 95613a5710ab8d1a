package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/nebula/internal/fault"
)

//go:embed gcra.lua
var gcraScript string

// RedisGCRA runs GCRA against a TAT stored in Redis so that several
// processes share one budget. The admission check is a single Lua script and
// therefore atomic.
type RedisGCRA struct {
	client    redis.UniversalClient
	key       string
	script    *redis.Script
	local     *GCRA // rate math and clock
	keyExpiry time.Duration
}

// NewRedisGCRA creates a shared limiter stored under key.
func NewRedisGCRA(client redis.UniversalClient, key string, r float64, burst int, opts ...Option) *RedisGCRA {
	local := NewGCRA(r, burst, opts...)
	expiry := local.emission + local.allowance
	if expiry < time.Second {
		expiry = time.Second
	}
	return &RedisGCRA{
		client:    client,
		key:       key,
		script:    redis.NewScript(gcraScript),
		local:     local,
		keyExpiry: expiry,
	}
}

// Acquire implements Limiter. Redis failures are Retryable.
func (r *RedisGCRA) Acquire(ctx context.Context) error {
	now := r.local.clock.Now()
	res, err := r.script.Run(ctx, r.client, []string{r.key},
		now.UnixMicro(),
		r.local.emission.Microseconds(),
		r.local.allowance.Microseconds(),
		r.keyExpiry.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return fault.Wrap(fault.Retryable, err, "gcra script")
	}
	if len(res) != 2 {
		return fault.New(fault.Fatal, fmt.Sprintf("gcra script returned %d values", len(res)))
	}
	if res[0] == 1 {
		return nil
	}
	return denied(AlgorithmGCRA, time.Duration(res[1])*time.Microsecond)
}

// Execute implements Limiter.
func (r *RedisGCRA) Execute(ctx context.Context, op func(context.Context) error) error {
	return execute(ctx, r, op)
}

// CurrentRate implements Limiter.
func (r *RedisGCRA) CurrentRate() float64 { return r.local.rate }

// Reset deletes the shared TAT.
func (r *RedisGCRA) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.client.Del(ctx, r.key).Err()
}
