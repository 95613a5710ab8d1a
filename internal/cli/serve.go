package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/nebula/internal/config"
	"github.com/roach88/nebula/internal/credential/rotation"
	"github.com/roach88/nebula/internal/engine"
	"github.com/roach88/nebula/internal/resilience"
	"github.com/roach88/nebula/internal/telemetry"
)

// shutdownTimeout bounds how long serve waits for in-flight work on exit.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	MetricsAddr string
	Trace       bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine loop and the rotation scheduler",
		Long: `Run until interrupted:

  - the engine loop, which first finishes invocations left incomplete in
    the execution log
  - the rotation scheduler, evaluating credential policies on the
    configured cron schedule (needs NEBULA_MASTER_KEY)
  - a Prometheus endpoint at /metrics with resilience, engine, credential
    and Go runtime metrics

Examples:
  nebula serve --config nebula.cue
  nebula serve --metrics-addr :9464 --trace`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", ":9464", "listen address for /metrics (empty disables)")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "emit resilience events as spans to the global tracer provider")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to register metrics", err)
	}

	hooks := []resilience.Hook{resilience.LogHook{Logger: rt.logger}, metrics}
	if opts.Trace {
		hooks = append(hooks, telemetry.NewTracingHook(otel.GetTracerProvider()))
	}
	events := rt.cfg.Dispatcher(hooks...)
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := events.Close(sctx); err != nil {
			rt.logger.Warn("resilience events not flushed", "dropped", events.Dropped(), "error", err)
		}
	}()

	eng, err := rt.engine(ctx, engine.WithEvents(events), engine.OnCompletion(metrics.ObserveCompletion))
	if err != nil {
		return err
	}

	var sched *rotation.Scheduler
	if os.Getenv(config.MasterKeyEnv) != "" {
		creds, err := rt.credentials()
		if err != nil {
			return err
		}
		if err := telemetry.RegisterCredentials(reg, creds); err != nil {
			return WrapExitError(ExitFailure, "failed to register credential metrics", err)
		}
		rot, err := rt.rotator()
		if err != nil {
			return err
		}
		sched = rotation.NewScheduler(rot, rt.cfg.SchedulerOptions(rt.logger)...)
		if err := sched.Start(); err != nil {
			return WrapFault("failed to start rotation scheduler", err)
		}
	} else {
		rt.logger.Warn("rotation scheduler disabled", "reason", config.MasterKeyEnv+" is not set")
	}

	var srv *http.Server
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eng.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			rt.logger.Info("metrics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		var errs []error
		if sched != nil {
			errs = append(errs, sched.Stop(sctx))
		}
		if srv != nil {
			errs = append(errs, srv.Shutdown(sctx))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return WrapFault("serve stopped", err)
	}
	rt.logger.Info("serve stopped")
	return nil
}
