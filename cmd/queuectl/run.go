package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/foxx-queues/pkg/cluster"
	"github.com/jdziat/foxx-queues/pkg/cluster/pgcluster"
	"github.com/jdziat/foxx-queues/pkg/config"
	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/executor"
	"github.com/jdziat/foxx-queues/pkg/executor/amqpexec"
	"github.com/jdziat/foxx-queues/pkg/metrics"
	"github.com/jdziat/foxx-queues/pkg/scheduler"
	"github.com/jdziat/foxx-queues/pkg/storage"
	"github.com/jdziat/foxx-queues/pkg/telemetry"
)

func RunCmd(s *settings) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyRunFlags(cmd, s.cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, s.cfg, s.logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		},
	}
	runCmd.Flags().Duration("interval", 0, "tick interval, overrides "+config.EnvInterval)
	runCmd.Flags().String("data-dir", "", "SQLite data directory, overrides "+config.EnvDataDir)
	runCmd.Flags().String("metrics-addr", "", "serve /metrics and /healthz here, overrides "+config.EnvMetricsAddr)
	runCmd.Flags().Int("executor-workers", 0, "in-process executor workers, overrides "+config.EnvExecutorWorkers)
	return runCmd
}

// applyRunFlags copies flags that were set on the command line over cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("interval") {
		cfg.Interval, _ = flags.GetDuration("interval")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("executor-workers") {
		cfg.ExecutorWorkers, _ = flags.GetInt("executor-workers")
	}
	return cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, gather prometheus.Gatherer) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	exec, err := openExecutor(cfg, store, logger)
	if err != nil {
		return err
	}
	if e, ok := exec.(*amqpexec.Executor); ok {
		defer e.Close()
	}

	cl, err := openCluster(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pc, ok := cl.(*pgcluster.Cluster); ok {
		defer pc.Close()
	}

	m := metrics.New(reg)

	ctx, cancel := context.WithCancel(telemetry.WithLogger(ctx, logger))
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if pool, ok := exec.(*executor.Pool); ok {
		g.Go(func() error { return pool.Start(gctx) })
	}

	mgr := scheduler.New(store, exec, schedulerOptions(cfg, cl, logger, m)...)
	g.Go(func() error {
		err := mgr.Start(gctx)
		if err == nil {
			// Disabled: nothing else has work to do.
			cancel()
		}
		return err
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newMux(gather),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newMux(gather prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gather, promhttp.HandlerOpts{}))
	return mux
}

// openExecutor publishes to RabbitMQ when a URL is configured. Otherwise
// jobs run in process on a pool that logs each dispatch and marks it
// complete.
func openExecutor(cfg *config.Config, store *storage.GormStorage, logger *slog.Logger) (core.Executor, error) {
	if cfg.AMQPURL != "" {
		return amqpexec.Dial(cfg.AMQPURL, amqpexec.WithLogger(logger))
	}
	return executor.NewPool(completeDispatch(store),
		executor.WithWorkers(cfg.ExecutorWorkers),
		executor.WithLogger(logger),
	), nil
}

func completeDispatch(store *storage.GormStorage) executor.Handler {
	return func(ctx context.Context, d core.Dispatch) error {
		logger := telemetry.WithJob(telemetry.WithDatabase(telemetry.FromContext(ctx), d.Database), d.Queue, d.JobID)
		logger.Info("job dispatched", "run_as_user", d.RunAsUser, "system", d.IsSystem)

		done, err := store.CompleteJob(ctx, d.Database, d.JobID)
		if err != nil {
			return fmt.Errorf("complete job %s: %w", d.JobID, err)
		}
		if !done {
			logger.Warn("job no longer in progress, left unchanged")
		}
		return nil
	}
}

func openCluster(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.Cluster, error) {
	if cfg.ClusterURL == "" {
		return cluster.Standalone{}, nil
	}
	return pgcluster.Connect(ctx, cfg.ClusterURL, pgcluster.WithLogger(logger))
}

func schedulerOptions(cfg *config.Config, cl core.Cluster, logger *slog.Logger, m *metrics.Metrics) []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithEnabled(cfg.Enabled),
		scheduler.WithInterval(cfg.Interval),
		scheduler.WithDatabaseTTL(cfg.DatabaseTTL),
		scheduler.WithMarkerTTL(cfg.MarkerTTL),
		scheduler.WithDefaultDatabase(cfg.DefaultDatabase),
		scheduler.WithDefaultMaxWorkers(cfg.DefaultMaxWorkers),
		scheduler.WithRecomputePolicy(recomputePolicy(cfg.RecomputePolicy)),
		scheduler.WithCluster(cl),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(m),
	}
}

func recomputePolicy(name string) scheduler.RecomputePolicy {
	if name == config.PolicyUnlessSaturated {
		return scheduler.RecomputeUnlessSaturated
	}
	return scheduler.RecomputeWhenIdle
}
