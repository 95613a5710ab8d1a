package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/action/builtin"
	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/config"
	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/credential/apikey"
	"github.com/roach88/nebula/internal/credential/basic"
	"github.com/roach88/nebula/internal/credential/oauth2"
	"github.com/roach88/nebula/internal/credential/rotation"
	"github.com/roach88/nebula/internal/engine"
	"github.com/roach88/nebula/internal/store"
)

// DefaultDatabase is the SQLite file used without --db or a store section.
const DefaultDatabase = "nebula.db"

// runtime holds what a command builds from the global flags: the decoded
// configuration, the open store and the lazily built services on top.
type runtime struct {
	opts    *RootOptions
	cfg     *config.File
	store   *store.Store
	clk     clock.Clock
	logger  *slog.Logger
	closers []func() error

	creds *credential.Manager
}

func openRuntime(ctx context.Context, opts *RootOptions) (*runtime, error) {
	rt := &runtime{opts: opts, cfg: &config.File{}, clk: clock.System{}, logger: slog.Default()}
	if opts.Config != "" {
		cfg, err := config.Load(opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		rt.cfg = cfg
	}

	var err error
	if opts.Database != "" {
		rt.store, err = store.Open(opts.Database, store.WithLogger(rt.logger))
	} else {
		rt.store, err = rt.cfg.OpenStore(ctx, DefaultDatabase, store.WithLogger(rt.logger))
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	rt.closers = append(rt.closers, rt.store.Close)
	slog.Debug("runtime ready", "config", opts.Config, "db", opts.Database)
	return rt, nil
}

// Close releases everything opened by the runtime, newest first.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}

// credentials builds the credential manager. It needs the master key.
func (rt *runtime) credentials() (*credential.Manager, error) {
	if rt.creds != nil {
		return rt.creds, nil
	}
	keyring, err := config.Keyring(os.Getenv(config.MasterKeyEnv))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "master key unavailable", err)
	}
	opts, closeFn, err := rt.cfg.CredentialOptions(keyring, rt.clk, rt.logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid credentials config", err)
	}
	rt.closers = append(rt.closers, closeFn)

	factories := credential.NewFactoryRegistry()
	apikey.Register(factories, rt.clk)
	basic.Register(factories, rt.clk)
	oauth2.Register(factories, oauth2.NewClient(oauth2.WithClock(rt.clk), oauth2.WithLogger(rt.logger)))

	rt.creds = credential.NewManager(rt.store, factories, keyring, opts...)
	return rt.creds, nil
}

// rotator builds a rotator over the store's transaction tables.
func (rt *runtime) rotator() (*rotation.Rotator, error) {
	creds, err := rt.credentials()
	if err != nil {
		return nil, err
	}
	return rotation.NewRotator(creds, rt.store, rt.cfg.RotatorOptions(rt.logger)...), nil
}

// engine builds an engine over the builtin actions, logging to the store.
// Credentials are wired only when the master key is set, so actions that
// need none run without it. extra options are applied last.
func (rt *runtime) engine(ctx context.Context, extra ...engine.Option) (*engine.Engine, error) {
	reg := action.NewRegistry(rt.logger)
	if err := builtin.Register(reg); err != nil {
		return nil, err
	}
	opts, err := rt.cfg.EngineOptions(nil)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid engine config", err)
	}
	opts = append(opts, engine.WithStore(rt.store), engine.WithLogger(rt.logger), engine.WithClock(rt.clk))
	if os.Getenv(config.MasterKeyEnv) != "" {
		creds, err := rt.credentials()
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithTokens(creds))
	}
	opts = append(opts, extra...)

	eng := engine.New(reg, opts...)
	// Continue the logical clock after the stored log. Incomplete
	// invocations are requeued but only a Run loop would dispatch them.
	if _, err := eng.Recover(ctx); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read execution log", err)
	}
	return eng, nil
}
