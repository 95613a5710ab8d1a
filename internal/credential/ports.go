package credential

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Storage when no record exists for an ID.
var ErrNotFound = errors.New("credential not found")

// ErrLockTimeout is wrapped when a credential lock cannot be taken in time.
var ErrLockTimeout = errors.New("credential lock timed out")

// Storage persists credential records. Reads and writes for one ID must be
// strongly consistent; List may lag.
type Storage interface {
	Load(ctx context.Context, id ID) (Record, error)
	Save(ctx context.Context, r Record) error
	Delete(ctx context.Context, id ID) error
	List(ctx context.Context, f Filter) ([]Record, error)
}

// Cache holds access tokens. Get never returns an expired token.
type Cache interface {
	Get(ctx context.Context, key string) (AccessToken, bool, error)
	Put(ctx context.Context, key string, tok AccessToken, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats() CacheStats
}

// CacheStats are cumulative cache counters.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
	Size      int    `json:"size"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Lock is a mutex keyed by string. Acquire waits up to timeout; the returned
// func releases the lock and must be called exactly once. Locks are not
// reentrant.
type Lock interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (release func(), err error)
}
