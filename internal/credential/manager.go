package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/resilience"
	"github.com/roach88/nebula/internal/secret"
)

const (
	DefaultLockTimeout = 30 * time.Second
	DefaultCacheTTL    = 5 * time.Minute
	DefaultRefreshSkew = 30 * time.Second
)

// Manager issues access tokens for stored credentials.
//
// GetToken serves from the cache when it can. On a miss it takes the
// per-credential lock, checks the cache again, and only then loads, decrypts
// and, if the stored token is stale, refreshes the credential. With a
// distributed Lock this gives at most one concurrent refresh per credential
// across processes.
type Manager struct {
	storage   Storage
	factories *FactoryRegistry
	keyring   *secret.Keyring
	cache     Cache
	lock      Lock
	clk       clock.Clock
	log       *slog.Logger
	redactor  *secret.Redactor

	lockTimeout time.Duration
	cacheTTL    time.Duration
	refreshSkew time.Duration
	breakers    map[string]*resilience.CircuitBreaker

	refreshes       atomic.Uint64
	refreshFailures atomic.Uint64
	lockAcquired    atomic.Uint64
	lockWaitTotal   atomic.Int64
	lockWaitMax     atomic.Int64

	failures sync.Map // ID -> *atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) Option { return func(m *Manager) { m.cache = c } }

// WithLock replaces the default process-local lock.
func WithLock(l Lock) Option { return func(m *Manager) { m.lock = l } }

// WithClock sets the clock used for expiry decisions.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithLockTimeout bounds the wait for a credential lock.
func WithLockTimeout(d time.Duration) Option { return func(m *Manager) { m.lockTimeout = d } }

// WithCacheTTL bounds how long a token stays cached.
func WithCacheTTL(d time.Duration) Option { return func(m *Manager) { m.cacheTTL = d } }

// WithRefreshSkew refreshes tokens this long before they expire.
func WithRefreshSkew(d time.Duration) Option { return func(m *Manager) { m.refreshSkew = d } }

// WithRedactor sets the redactor applied to logged errors.
func WithRedactor(r *secret.Redactor) Option { return func(m *Manager) { m.redactor = r } }

// WithRefreshBreaker guards refreshes of credential type typ with a circuit
// breaker.
func WithRefreshBreaker(typ string, cfg resilience.CircuitBreakerConfig) Option {
	return func(m *Manager) {
		if cfg.Name == "" {
			cfg.Name = "refresh:" + typ
		}
		m.breakers[typ] = resilience.NewCircuitBreaker(cfg)
	}
}

// NewManager creates a manager over storage, sealing state with keyring.
func NewManager(storage Storage, factories *FactoryRegistry, keyring *secret.Keyring, opts ...Option) *Manager {
	m := &Manager{
		storage:     storage,
		factories:   factories,
		keyring:     keyring,
		lockTimeout: DefaultLockTimeout,
		cacheTTL:    DefaultCacheTTL,
		refreshSkew: DefaultRefreshSkew,
		breakers:    make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.clk = clock.OrDefault(m.clk)
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.cache == nil {
		m.cache = NewMemoryCache(1024, m.clk)
	}
	if m.lock == nil {
		m.lock = NewLocalLock()
	}
	if m.redactor == nil {
		m.redactor = secret.NewRedactor()
	}
	return m
}

// Storage returns the backing store.
func (m *Manager) Storage() Storage { return m.storage }

// Keyring returns the keyring sealing credential state.
func (m *Manager) Keyring() *secret.Keyring { return m.keyring }

// Factories returns the factory registry.
func (m *Manager) Factories() *FactoryRegistry { return m.factories }

// Clock returns the manager's clock.
func (m *Manager) Clock() clock.Clock { return m.clk }

func cacheKey(id ID) string { return "credential:" + string(id) }

// CreateRequest describes a new credential.
type CreateRequest struct {
	ID             ID
	Type           string
	Input          json.RawMessage
	Labels         map[string]string
	RotationPolicy *RotationPolicy
}

// CreateResult is the stored record and, for interactive flows, the step the
// user must complete before Continue.
type CreateResult struct {
	Record  Record
	Pending *Pending
}

// Create initializes and stores a credential.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if _, err := ParseID(string(req.ID)); err != nil {
		return CreateResult{}, err
	}
	f, err := m.factories.Get(req.Type)
	if err != nil {
		return CreateResult{}, err
	}

	var res CreateResult
	err = m.WithLock(ctx, req.ID, func(ctx context.Context) error {
		if _, err := m.storage.Load(ctx, req.ID); err == nil {
			return fault.Newf(fault.Validation, "credential %s already exists", req.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		state, pending, err := f.Initialize(ctx, req.Input)
		if err != nil {
			return fault.With(err, "credential", string(req.ID))
		}
		blob, err := m.SealState(req.ID, state)
		if err != nil {
			return err
		}
		now := m.clk.Now()
		rec := Record{
			ID:    req.ID,
			Type:  req.Type,
			State: blob,
			Metadata: Metadata{
				CreatedAt:      now,
				UpdatedAt:      now,
				RotationPolicy: req.RotationPolicy,
				Labels:         req.Labels,
				Pending:        pending != nil,
			},
		}
		if pending == nil {
			rec.Version = 1
		}
		if err := m.storage.Save(ctx, rec); err != nil {
			return fmt.Errorf("save credential %s: %w", req.ID, err)
		}
		res = CreateResult{Record: rec, Pending: pending}
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	m.log.Info("credential created", "credential", req.ID, "type", req.Type, "pending", res.Pending != nil)
	return res, nil
}

// Continue completes a pending interactive initialization.
func (m *Manager) Continue(ctx context.Context, id ID, params map[string]string) (Record, error) {
	var rec Record
	err := m.WithLock(ctx, id, func(ctx context.Context) error {
		var err error
		if rec, err = m.storage.Load(ctx, id); err != nil {
			return err
		}
		if !rec.Metadata.Pending {
			return fault.Newf(fault.Validation, "credential %s is not awaiting a callback", id)
		}
		f, err := m.factories.Get(rec.Type)
		if err != nil {
			return err
		}
		partial, err := m.OpenState(rec)
		if err != nil {
			return err
		}
		state, err := f.Continue(ctx, partial, params)
		if err != nil {
			return fault.With(err, "credential", string(id))
		}
		if rec.State, err = m.SealState(id, state); err != nil {
			return err
		}
		rec.Version = 1
		rec.Metadata.Pending = false
		rec.Metadata.UpdatedAt = m.clk.Now()
		return m.storage.Save(ctx, rec)
	})
	if err != nil {
		return Record{}, err
	}
	m.log.Info("credential initialization completed", "credential", id, "type", rec.Type)
	return rec, nil
}

// GetToken returns a usable token for id, refreshing it when stale.
func (m *Manager) GetToken(ctx context.Context, id ID) (AccessToken, error) {
	return m.obtain(ctx, id, false)
}

// Refresh forces a refresh regardless of the stored token's freshness.
func (m *Manager) Refresh(ctx context.Context, id ID) (AccessToken, error) {
	return m.obtain(ctx, id, true)
}

func (m *Manager) obtain(ctx context.Context, id ID, force bool) (AccessToken, error) {
	key := cacheKey(id)
	if !force {
		if tok, ok := m.cached(ctx, key); ok {
			return tok, nil
		}
	}

	var tok AccessToken
	var fromStore bool
	err := m.WithLock(ctx, id, func(ctx context.Context) error {
		if !force {
			if t, ok := m.cached(ctx, key); ok {
				tok = t
				return nil
			}
		}
		var err error
		tok, err = m.loadOrRefresh(ctx, id, force)
		fromStore = err == nil
		return err
	})
	if err != nil {
		return AccessToken{}, err
	}
	// The lock is released before the cache write; a waiter that misses the
	// cache finds the fresh state in storage instead.
	if ttl := m.cacheTTLFor(tok); fromStore && ttl > 0 {
		if err := m.cache.Put(ctx, key, tok, ttl); err != nil {
			m.log.Debug("token cache put failed", "credential", id, "error", err)
		}
	}
	return tok, nil
}

// cacheTTLFor keeps a token cached no longer than it stays fresh.
func (m *Manager) cacheTTLFor(tok AccessToken) time.Duration {
	ttl := m.cacheTTL
	if tok.ExpiresAt != nil {
		if d := tok.ExpiresAt.Sub(m.clk.Now()) - m.refreshSkew; d < ttl {
			ttl = d
		}
	}
	return ttl
}

func (m *Manager) cached(ctx context.Context, key string) (AccessToken, bool) {
	tok, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		m.log.Debug("token cache get failed", "key", key, "error", err)
		return AccessToken{}, false
	}
	return tok, ok
}

func (m *Manager) loadOrRefresh(ctx context.Context, id ID, force bool) (AccessToken, error) {
	rec, err := m.storage.Load(ctx, id)
	if err != nil {
		return AccessToken{}, err
	}
	if rec.Metadata.Pending {
		return AccessToken{}, fault.Newf(fault.Validation, "credential %s has not completed initialization", id)
	}
	f, err := m.factories.Get(rec.Type)
	if err != nil {
		return AccessToken{}, err
	}
	state, err := m.OpenState(rec)
	if err != nil {
		return AccessToken{}, err
	}
	if !force {
		tok, err := f.Token(state)
		if err != nil {
			return AccessToken{}, err
		}
		if tok.FreshAt(m.clk.Now(), m.refreshSkew) {
			return tok, nil
		}
	}

	next, err := m.refresh(ctx, rec, f, state)
	if err != nil {
		return AccessToken{}, err
	}
	if rec.State, err = m.SealState(id, next); err != nil {
		return AccessToken{}, err
	}
	rec.Metadata.UpdatedAt = m.clk.Now()
	if err := m.storage.Save(ctx, rec); err != nil {
		return AccessToken{}, fmt.Errorf("save credential %s: %w", id, err)
	}
	tok, err := f.Token(next)
	if err != nil {
		return AccessToken{}, err
	}
	m.log.Info("token refreshed", "credential", id, "type", rec.Type, "version", rec.Version)
	return tok, nil
}

func (m *Manager) refresh(ctx context.Context, rec Record, f Factory, state json.RawMessage) (json.RawMessage, error) {
	var next json.RawMessage
	op := func(ctx context.Context) error {
		var err error
		next, err = f.Refresh(ctx, state)
		return err
	}
	var err error
	if cb := m.breakers[rec.Type]; cb != nil {
		err = cb.Execute(ctx, op)
	} else {
		err = op(ctx)
	}
	m.refreshes.Add(1)
	if err != nil {
		m.refreshFailures.Add(1)
		m.RecordFailure(rec.ID)
		err = fault.Annotate(err, map[string]string{"credential": string(rec.ID), "type": rec.Type})
		m.log.Warn("credential refresh failed", "credential", rec.ID, "type", rec.Type,
			"error", fault.Scrub(err, m.redactor.Redact).Error())
		return nil, err
	}
	m.ResetFailures(rec.ID)
	return next, nil
}

// WithLock runs fn while holding the lock for id.
func (m *Manager) WithLock(ctx context.Context, id ID, fn func(ctx context.Context) error) error {
	start := time.Now()
	release, err := m.lock.Acquire(ctx, cacheKey(id), m.lockTimeout)
	if err != nil {
		return err
	}
	defer release()
	m.noteLockWait(time.Since(start))
	return fn(ctx)
}

func (m *Manager) noteLockWait(d time.Duration) {
	m.lockAcquired.Add(1)
	m.lockWaitTotal.Add(int64(d))
	for {
		cur := m.lockWaitMax.Load()
		if int64(d) <= cur || m.lockWaitMax.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// OpenState decrypts a record's state.
func (m *Manager) OpenState(rec Record) (json.RawMessage, error) {
	plain, err := m.keyring.Open(rec.State, AAD(rec.ID))
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, err, "decrypt credential "+string(rec.ID))
	}
	return plain, nil
}

// SealState encrypts state for id under the primary key.
func (m *Manager) SealState(id ID, state json.RawMessage) (secret.EncryptedBlob, error) {
	blob, err := m.keyring.Seal(state, AAD(id))
	if err != nil {
		return secret.EncryptedBlob{}, fault.Wrap(fault.Fatal, err, "encrypt credential "+string(id))
	}
	return blob, nil
}

// Invalidate drops the cached token for id.
func (m *Manager) Invalidate(ctx context.Context, id ID) error {
	return m.cache.Delete(ctx, cacheKey(id))
}

// Delete removes a credential and its cached token.
func (m *Manager) Delete(ctx context.Context, id ID) error {
	err := m.WithLock(ctx, id, func(ctx context.Context) error {
		return m.storage.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	m.failures.Delete(id)
	if err := m.Invalidate(ctx, id); err != nil {
		m.log.Debug("token cache delete failed", "credential", id, "error", err)
	}
	m.log.Info("credential deleted", "credential", id)
	return nil
}

// List returns stored records matching f.
func (m *Manager) List(ctx context.Context, f Filter) ([]Record, error) {
	return m.storage.List(ctx, f)
}

// RecordFailure counts a failed use of id, feeding failure-triggered
// rotation. It returns the consecutive failure count.
func (m *Manager) RecordFailure(id ID) int64 {
	v, _ := m.failures.LoadOrStore(id, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1)
}

// FailureCount returns consecutive failures recorded for id.
func (m *Manager) FailureCount(id ID) int64 {
	if v, ok := m.failures.Load(id); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// ResetFailures clears the failure count for id.
func (m *Manager) ResetFailures(id ID) {
	m.failures.Delete(id)
}

// Stats is a snapshot of manager activity.
type Stats struct {
	Cache           CacheStats    `json:"cache"`
	Refreshes       uint64        `json:"refreshes"`
	RefreshFailures uint64        `json:"refresh_failures"`
	LockAcquired    uint64        `json:"lock_acquired"`
	LockWaitTotal   time.Duration `json:"lock_wait_total"`
	LockWaitMax     time.Duration `json:"lock_wait_max"`
}

// Stats returns counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Cache:           m.cache.Stats(),
		Refreshes:       m.refreshes.Load(),
		RefreshFailures: m.refreshFailures.Load(),
		LockAcquired:    m.lockAcquired.Load(),
		LockWaitTotal:   time.Duration(m.lockWaitTotal.Load()),
		LockWaitMax:     time.Duration(m.lockWaitMax.Load()),
	}
}

// BreakerState returns the refresh breaker state for typ, if one is set.
func (m *Manager) BreakerState(typ string) (resilience.State, bool) {
	cb, ok := m.breakers[typ]
	if !ok {
		return resilience.StateClosed, false
	}
	return cb.State(), true
}

func (s Stats) String() string {
	return "refreshes=" + strconv.FormatUint(s.Refreshes, 10) +
		" failures=" + strconv.FormatUint(s.RefreshFailures, 10) +
		" cache_hit_rate=" + strconv.FormatFloat(s.Cache.HitRate(), 'f', 2, 64)
}
