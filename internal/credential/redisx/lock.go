// Package redisx backs the credential Lock and Cache ports with Redis so that
// several processes share one refresh lock and one token cache.
package redisx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/fault"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a lease lock: SET NX PX with a random owner token, released by a
// compare-and-delete script. A holder that outlives Lease loses the lock.
type Lock struct {
	client  redis.UniversalClient
	prefix  string
	lease   time.Duration
	minPoll time.Duration
	maxPoll time.Duration
	log     *slog.Logger
}

// LockOption configures a Lock.
type LockOption func(*Lock)

// WithLease sets how long a lock is held before Redis expires it.
func WithLease(d time.Duration) LockOption { return func(l *Lock) { l.lease = d } }

// WithPoll sets the polling backoff bounds while waiting.
func WithPoll(lo, hi time.Duration) LockOption {
	return func(l *Lock) { l.minPoll, l.maxPoll = lo, hi }
}

// WithLockPrefix sets the key prefix.
func WithLockPrefix(p string) LockOption { return func(l *Lock) { l.prefix = p } }

// WithLockLogger sets the logger.
func WithLockLogger(lg *slog.Logger) LockOption { return func(l *Lock) { l.log = lg } }

// NewLock creates a lock on client.
func NewLock(client redis.UniversalClient, opts ...LockOption) *Lock {
	l := &Lock{
		client:  client,
		prefix:  "nebula:lock:",
		lease:   time.Minute,
		minPoll: 10 * time.Millisecond,
		maxPoll: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l
}

// Acquire implements credential.Lock. Redis errors are Retryable.
func (l *Lock) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	rkey := l.prefix + key
	owner := uuid.NewString()
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	wait := l.minPoll
	for {
		ok, err := l.client.SetNX(ctx, rkey, owner, l.lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "acquire credential lock "+key)
			}
			return nil, fault.Wrap(fault.Retryable, err, "acquire credential lock "+key)
		}
		if ok {
			return l.releaser(rkey, owner), nil
		}

		poll := time.NewTimer(wait)
		select {
		case <-poll.C:
		case <-ctx.Done():
			poll.Stop()
			return nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "acquire credential lock "+key)
		case <-deadline:
			poll.Stop()
			return nil, fault.Annotate(fault.Wrap(fault.Timeout, credential.ErrLockTimeout, "acquire credential lock "+key),
				map[string]string{"lock": key, "timeout": timeout.String()})
		}
		wait = min(wait*2, l.maxPoll)
	}
}

func (l *Lock) releaser(rkey, owner string) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(rkey, owner) }) }
}

func (l *Lock) release(rkey, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.client, []string{rkey}, owner).Int64()
	if err != nil {
		l.log.Warn("credential lock release failed", "key", rkey, "error", err)
		return
	}
	if n == 0 {
		l.log.Warn("credential lock expired before release", "key", rkey, "lease", l.lease)
	}
}
