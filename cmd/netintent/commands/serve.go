package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/netintent/netintent/pkg/config"
	"github.com/netintent/netintent/pkg/control"
	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/netintent/netintent/pkg/policy"
	"github.com/netintent/netintent/pkg/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(version string) *cobra.Command {
	var envFiles []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Control API and scheduler",
		Long: `Run the Control API and the scheduler in one process.

The server applies pending schema migrations, then accepts submissions over
HTTP and dispatches queued runs to the automation engine. Several servers may
share a PostgreSQL store; runs are claimed atomically and a scope never has
more than one executing run.

Configuration is read from --config (or NETINTENT_CONFIG), dotenv files and
NETINTENT_* environment variables.`,
		Example: `  # Start with defaults (SQLite, local artifacts, ansible-playbook)
  netintent serve

  # Start from a config file
  netintent serve --config /etc/netintent/netintent.yaml

  # Share a PostgreSQL store and Redis wakeups between instances
  DATABASE_URL=postgres://netintent@db/netintent NETINTENT_QUEUE_DRIVER=redis \
    NETINTENT_REDIS_URL=redis://cache:6379/0 netintent serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{File: configPath, EnvFiles: envFiles})
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, version)
		},
	}

	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, version string) (err error) {
	tel, err := telemetry.NewTelemetry(ctx, telemetryConfig(cfg, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = errors.Join(err, tel.Shutdown(shutdownCtx))
	}()

	logger := tel.Logger.Zerolog()
	logger.Info().
		Str("version", version).
		Str("environment", cfg.Environment).
		Str("instance", cfg.Scheduler.InstanceID).
		Msg("Starting netintent")

	store, err := openStore(ctx, cfg.Store, tel.Logger.Component("store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	arts, err := openArtifacts(ctx, cfg.Artifacts, store, tel.Logger.Component("artifacts"))
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	engine, releaseEngine, err := openEngine(cfg.Runner, tel.Logger.Component("runner"))
	if err != nil {
		return fmt.Errorf("failed to create engine adapter: %w", err)
	}
	defer releaseEngine()

	wakeups, releaseQueue, err := openQueue(ctx, cfg.Queue, cfg.Scheduler.InstanceID, tel.Logger.Component("queue"))
	if err != nil {
		return fmt.Errorf("failed to open dispatch queue: %w", err)
	}
	defer releaseQueue()

	admission, err := policy.NewAdmission(ctx, cfg.Admission.Policies, cfg.Admission.Watch, tel.Logger.Component("policy"))
	if err != nil {
		return fmt.Errorf("failed to load admission policies: %w", err)
	}

	machine := orchestrator.NewMachine(store, tel.Logger.Component("statemachine"), tel.Observer())

	worker := orchestrator.NewWorker(orchestrator.WorkerConfig{
		ID:                 cfg.Scheduler.InstanceID,
		HeartbeatInterval:  cfg.Scheduler.HeartbeatInterval,
		EventBatchSize:     cfg.Scheduler.EventBatchSize,
		EventFlushInterval: cfg.Scheduler.EventFlushInterval,
	}, machine, arts, engine, tel.Metrics, tel.Logger.Component("worker"))

	schedCfg := orchestrator.SchedulerConfig{
		InstanceID:        cfg.Scheduler.InstanceID,
		MaxParallel:       cfg.Scheduler.MaxParallel,
		PollInterval:      cfg.Scheduler.PollInterval,
		ReapInterval:      cfg.Scheduler.ReapInterval,
		LivenessThreshold: cfg.Scheduler.LivenessThreshold,
		ShutdownGrace:     cfg.Scheduler.ShutdownGrace,
	}
	if err := schedCfg.Validate(cfg.Scheduler.HeartbeatInterval); err != nil {
		return err
	}
	scheduler := orchestrator.NewScheduler(schedCfg, machine, worker, tel.Logger.Component("scheduler"),
		orchestrator.WithWakeupSource(wakeups),
		orchestrator.WithSchedulerMetrics(tel.Metrics),
	)

	svc := control.NewService(control.ServiceConfig{PlanMaxAge: cfg.Admission.PlanMaxAge},
		machine, arts, control.NewFileInventory(cfg.Inventory.Root), tel.Logger.Component("control"),
		control.WithAdmission(admission),
		control.WithNotifier(wakeups),
		control.WithAdmissionMetrics(tel.Metrics),
	)
	watcher := control.NewWatcher(svc, tel.Events, cfg.Server.WatchPollInterval, tel.Logger.Component("watch"))
	handler := control.NewHandler(svc, watcher, tel.Metrics.Handler(), tel.Logger.Component("http"))

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}
	srv := &http.Server{
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		logger.Info().Str("address", listener.Addr().String()).Msg("Control API listening")
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down Control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("netintent stopped")
	return nil
}
