package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/netintent/netintent/pkg/artifacts"
	"github.com/netintent/netintent/pkg/config"
	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/netintent/netintent/pkg/queue"
	"github.com/netintent/netintent/pkg/runner"
	"github.com/netintent/netintent/pkg/stores"
	"github.com/netintent/netintent/pkg/telemetry"
	"github.com/rs/zerolog"
)

// dispatchQueue carries dispatch wakeups from the Control API to schedulers.
type dispatchQueue interface {
	orchestrator.Notifier
	orchestrator.WakeupSource
}

func telemetryConfig(cfg *config.Config, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = cfg.Environment
	tc.Logging.Level = cfg.Logging.Level
	tc.Logging.Format = cfg.Logging.Format
	tc.Logging.Output = cfg.Logging.Output
	tc.Logging.EnableCaller = cfg.Logging.Caller
	tc.Tracing.Exporter = cfg.Tracing.Exporter
	tc.Tracing.Endpoint = cfg.Tracing.Endpoint
	tc.Tracing.SamplingRate = cfg.Tracing.SamplingRate
	tc.Tracing.Insecure = cfg.Tracing.Insecure
	return tc
}

// openStore connects to the configured run store, retrying while the
// database comes up. Migrations are left to the caller.
func openStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (stores.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return config.Connect(ctx, "postgres", logger, func(ctx context.Context) (stores.Store, error) {
			store, err := stores.NewPostgresStore(ctx, stores.PostgresConfig{
				URL:      cfg.URL,
				MaxConns: cfg.MaxConns,
				MinConns: cfg.MinConns,
			})
			if err != nil {
				return nil, err
			}
			return store, nil
		})
	case "sqlite":
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path, BusyTimeout: cfg.BusyTimeout})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openArtifacts(ctx context.Context, cfg config.ArtifactsConfig, index artifacts.Index, logger zerolog.Logger) (*artifacts.Store, error) {
	var (
		backend artifacts.Backend
		err     error
	)
	switch cfg.Backend {
	case "minio":
		backend, err = config.Connect(ctx, "minio", logger, func(ctx context.Context) (artifacts.Backend, error) {
			b, err := artifacts.NewMinioBackend(ctx, artifacts.MinioConfig{
				Endpoint:  cfg.Endpoint,
				AccessKey: cfg.AccessKey,
				SecretKey: cfg.SecretKey,
				Bucket:    cfg.Bucket,
				Region:    cfg.Region,
				UseSSL:    cfg.UseSSL,
			})
			if err != nil {
				return nil, err
			}
			return b, nil
		})
	case "fs":
		backend, err = artifacts.NewFSBackend(cfg.Dir)
	default:
		err = fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	spool := cfg.SpoolDir
	if spool == "" && cfg.Backend == "fs" {
		spool = filepath.Join(cfg.Dir, "spool")
	}
	return artifacts.NewStore(backend, index, spool, logger), nil
}

// openEngine builds the execution engine adapter over the configured runtime.
// The returned func releases the runtime.
func openEngine(cfg config.RunnerConfig, logger zerolog.Logger) (*runner.Adapter, func() error, error) {
	var (
		rt      runner.Runtime
		release = func() error { return nil }
	)
	switch cfg.Runtime {
	case "docker":
		docker, err := runner.NewDockerRuntime(runner.DockerConfig{
			Image:         cfg.Image,
			AllowUnpinned: cfg.AllowUnpinned,
			CPUs:          cfg.CPUs,
			MemoryBytes:   cfg.MemoryBytes,
			NetworkMode:   cfg.NetworkMode,
		})
		if err != nil {
			return nil, nil, err
		}
		rt, release = docker, docker.Close
	case "process":
		rt = runner.NewProcessRuntime()
	default:
		return nil, nil, fmt.Errorf("unknown runner runtime %q", cfg.Runtime)
	}

	adapter, err := runner.NewAdapter(runner.Config{
		WorkRoot:      cfg.WorkRoot,
		Command:       cfg.Command,
		Timeout:       cfg.Timeout,
		KeepWorkspace: cfg.KeepWorkspace,
	}, rt, logger)
	if err != nil {
		release()
		return nil, nil, err
	}
	return adapter, release, nil
}

// openQueue returns the dispatch wakeup transport. The returned func releases it.
func openQueue(ctx context.Context, cfg config.QueueConfig, instanceID string, logger zerolog.Logger) (dispatchQueue, func() error, error) {
	switch cfg.Driver {
	case "redis":
		q, err := config.Connect(ctx, "redis", logger, func(ctx context.Context) (*queue.Redis, error) {
			return queue.NewRedis(ctx, queue.RedisConfig{
				URL:      cfg.RedisURL,
				Stream:   cfg.Stream,
				Group:    cfg.Group,
				Consumer: instanceID,
				Block:    cfg.Block,
			}, logger)
		})
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	case "memory":
		return queue.NewMemory(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}
