// Package config loads runtime configuration from CUE or YAML files and
// compiles it into the builders of the resilience, pool, credential,
// rotation, store and engine packages.
//
// Both formats are checked against the same CUE schema (schema.cue) before
// they are decoded, so a YAML file and the equivalent CUE file produce the
// same File. Durations are Go duration strings ("250ms", "1h30m").
package config

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/credential/redisx"
	"github.com/roach88/nebula/internal/credential/rotation"
	"github.com/roach88/nebula/internal/engine"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/pool"
	"github.com/roach88/nebula/internal/resilience"
	"github.com/roach88/nebula/internal/secret"
	"github.com/roach88/nebula/internal/store"
)

// MasterKeyEnv names the environment variable holding the base64 master key.
const MasterKeyEnv = "NEBULA_MASTER_KEY"

// File is a decoded configuration file. Every section is optional.
type File struct {
	Store       *StoreConfig          `yaml:"store"`
	Engine      EngineConfig          `yaml:"engine"`
	Resilience  ResilienceConfig      `yaml:"resilience"`
	Pools       map[string]PoolConfig `yaml:"pools"`
	Credentials CredentialsConfig     `yaml:"credentials"`
	Rotation    RotationConfig        `yaml:"rotation"`

	// Source is the path the file was loaded from.
	Source string `yaml:"-"`
}

// StoreConfig selects the SQL backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// EngineConfig tunes the action engine.
type EngineConfig struct {
	MaxTicks      int                     `yaml:"max_ticks"`
	ResourceRetry *resilience.RetryConfig `yaml:"resource_retry"`
}

// ResilienceConfig declares per-service policies.
type ResilienceConfig struct {
	EventBuffer int                                `yaml:"event_buffer"`
	Default     *resilience.PolicyConfig           `yaml:"default"`
	Services    map[string]resilience.PolicyConfig `yaml:"services"`
}

// PoolConfig overrides pool.DefaultConfig field by field. Nil fields keep
// the default.
type PoolConfig struct {
	MinSize             *int           `yaml:"min_size"`
	MaxSize             *int           `yaml:"max_size"`
	AcquireTimeout      *time.Duration `yaml:"acquire_timeout"`
	IdleTimeout         *time.Duration `yaml:"idle_timeout"`
	MaxLifetime         *time.Duration `yaml:"max_lifetime"`
	Strategy            *pool.Strategy `yaml:"strategy"`
	MaintenanceInterval *time.Duration `yaml:"maintenance_interval"`
}

// CredentialsConfig tunes the credential manager.
type CredentialsConfig struct {
	CacheCapacity   int                                           `yaml:"cache_capacity"`
	CacheTTL        time.Duration                                 `yaml:"cache_ttl"`
	RefreshSkew     time.Duration                                 `yaml:"refresh_skew"`
	LockTimeout     time.Duration                                 `yaml:"lock_timeout"`
	RefreshBreakers map[string]resilience.CircuitBreakerSettings `yaml:"refresh_breakers"`
	Redis           *RedisConfig                                  `yaml:"redis"`
}

// RedisConfig moves the credential lock and token cache to Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RotationConfig tunes the rotator and its scheduler.
type RotationConfig struct {
	Schedule        string        `yaml:"schedule"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	BackupRetention time.Duration `yaml:"backup_retention"`
}

// Validate applies the checks the schema cannot express.
func (f *File) Validate() error {
	if f.Resilience.Default != nil {
		if err := f.Resilience.Default.Validate(); err != nil {
			return fault.With(err, "service", "default")
		}
	}
	for name, p := range f.Resilience.Services {
		if err := p.Validate(); err != nil {
			return fault.With(err, "service", name)
		}
	}
	for id := range f.Pools {
		if _, err := f.Pool(id); err != nil {
			return err
		}
	}
	if r := f.Engine.ResourceRetry; r != nil {
		if _, err := r.Policy(); err != nil {
			return fault.With(err, "section", "engine")
		}
	}
	return nil
}

// Services lists the configured service names in order.
func (f *File) Services() []string {
	return slices.Sorted(maps.Keys(f.Resilience.Services))
}

// Policies builds a resilience.Manager holding one policy per service, with
// the default policy answering for unknown services.
func (f *File) Policies(events *resilience.Dispatcher) (*resilience.Manager, error) {
	opts := []resilience.ManagerOption{resilience.WithDispatcher(events)}
	if d := f.Resilience.Default; d != nil {
		p, err := resilience.FromConfig("default", *d, events)
		if err != nil {
			return nil, err
		}
		opts = append(opts, resilience.WithDefaultPolicy(p))
	}
	m := resilience.NewManager(opts...)
	for _, name := range f.Services() {
		p, err := resilience.FromConfig(name, f.Resilience.Services[name], events)
		if err != nil {
			return nil, err
		}
		m.Register(name, p)
	}
	return m, nil
}

// Dispatcher creates the event dispatcher sized by the resilience section.
func (f *File) Dispatcher(hooks ...resilience.Hook) *resilience.Dispatcher {
	return resilience.NewDispatcher(f.Resilience.EventBuffer, hooks...)
}

// Pool returns the configuration for pool id, starting from
// pool.DefaultConfig. Unconfigured ids get the default.
func (f *File) Pool(id string) (pool.Config, error) {
	cfg := pool.DefaultConfig()
	pc, ok := f.Pools[id]
	if !ok {
		return cfg, nil
	}
	set(&cfg.MinSize, pc.MinSize)
	set(&cfg.MaxSize, pc.MaxSize)
	set(&cfg.AcquireTimeout, pc.AcquireTimeout)
	set(&cfg.IdleTimeout, pc.IdleTimeout)
	set(&cfg.MaxLifetime, pc.MaxLifetime)
	set(&cfg.Strategy, pc.Strategy)
	set(&cfg.MaintenanceInterval, pc.MaintenanceInterval)
	if err := cfg.Validate(); err != nil {
		return cfg, fault.Wrap(fault.Validation, err, fmt.Sprintf("pool %s", id))
	}
	return cfg, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// EngineOptions returns the engine options of the engine section. The
// resource retry policy is only built when resources is non-nil.
func (f *File) EngineOptions(resources *pool.Manager) ([]engine.Option, error) {
	var opts []engine.Option
	if f.Engine.MaxTicks > 0 {
		opts = append(opts, engine.WithMaxTicks(f.Engine.MaxTicks))
	}
	if resources != nil {
		var retry resilience.Pattern
		if r := f.Engine.ResourceRetry; r != nil {
			rp, err := r.Policy()
			if err != nil {
				return nil, err
			}
			retry = resilience.NewRetry(rp)
		}
		opts = append(opts, engine.WithResources(resources, retry))
	}
	return opts, nil
}

// OpenStore opens the configured store, or the SQLite file at fallback when
// the file has no store section.
func (f *File) OpenStore(ctx context.Context, fallback string, opts ...store.Option) (*store.Store, error) {
	if f.Store == nil {
		return store.Open(fallback, opts...)
	}
	switch f.Store.Driver {
	case "", "sqlite":
		return store.Open(f.Store.DSN, opts...)
	case "postgres":
		return store.OpenPostgres(ctx, f.Store.DSN, opts...)
	default:
		return nil, fault.Newf(fault.Validation, "unknown store driver %q", f.Store.Driver)
	}
}

// CredentialOptions returns the credential manager options of the
// credentials section. With a redis section the lock and the token cache
// live in Redis; the returned close function releases the client.
func (f *File) CredentialOptions(keyring *secret.Keyring, clk clock.Clock, logger *slog.Logger) ([]credential.Option, func() error, error) {
	logger = orDefault(logger)
	c := f.Credentials
	opts := []credential.Option{credential.WithLogger(logger), credential.WithClock(clk)}
	if c.CacheTTL > 0 {
		opts = append(opts, credential.WithCacheTTL(c.CacheTTL))
	}
	if c.RefreshSkew > 0 {
		opts = append(opts, credential.WithRefreshSkew(c.RefreshSkew))
	}
	if c.LockTimeout > 0 {
		opts = append(opts, credential.WithLockTimeout(c.LockTimeout))
	}
	for _, typ := range slices.Sorted(maps.Keys(c.RefreshBreakers)) {
		s := c.RefreshBreakers[typ]
		opts = append(opts, credential.WithRefreshBreaker(typ, resilience.CircuitBreakerConfig{
			Name:                  "refresh." + typ,
			FailureThreshold:      s.FailureThreshold,
			ResetTimeout:          s.ResetTimeout,
			HalfOpenMaxOperations: s.HalfOpenMaxOperations,
			RollingWindow:         s.RollingWindow,
		}))
	}

	if c.Redis == nil {
		if c.CacheCapacity > 0 {
			opts = append(opts, credential.WithCache(credential.NewMemoryCache(c.CacheCapacity, clk)))
		}
		return opts, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	prefix := c.Redis.Prefix
	if prefix == "" {
		prefix = "nebula:"
	}
	opts = append(opts,
		credential.WithLock(redisx.NewLock(client, redisx.WithLockPrefix(prefix+"lock:"), redisx.WithLockLogger(logger))),
		credential.WithCache(redisx.NewCache(client, keyring, prefix+"token:", clk)),
	)
	return opts, client.Close, nil
}

// RotatorOptions returns the rotator options of the rotation section.
func (f *File) RotatorOptions(logger *slog.Logger) []rotation.Option {
	opts := []rotation.Option{rotation.WithLogger(orDefault(logger))}
	if f.Rotation.GracePeriod > 0 {
		opts = append(opts, rotation.WithGracePeriod(f.Rotation.GracePeriod))
	}
	if f.Rotation.BackupRetention > 0 {
		opts = append(opts, rotation.WithBackupRetention(f.Rotation.BackupRetention))
	}
	return opts
}

// SchedulerOptions returns the rotation scheduler options.
func (f *File) SchedulerOptions(logger *slog.Logger) []rotation.SchedulerOption {
	opts := []rotation.SchedulerOption{rotation.WithSchedulerLogger(orDefault(logger))}
	if f.Rotation.Schedule != "" {
		opts = append(opts, rotation.WithSchedule(f.Rotation.Schedule))
	}
	return opts
}

// Keyring builds a single-key keyring from the base64 key in encoded,
// typically the value of NEBULA_MASTER_KEY.
func Keyring(encoded string) (*secret.Keyring, error) {
	if encoded == "" {
		return nil, fault.Newf(fault.Validation, "%s is not set", MasterKeyEnv)
	}
	key, err := secret.ParseKey(encoded)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, MasterKeyEnv)
	}
	return secret.NewStaticKeyring(key)
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
