package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the configuration of a netintent server.
type Config struct {
	// Environment names the deployment (development, staging, production).
	Environment string `yaml:"environment" validate:"required"`

	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Inventory InventoryConfig `yaml:"inventory"`
	Runner    RunnerConfig    `yaml:"runner"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Admission AdmissionConfig `yaml:"admission"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the address the Control API listens on.
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// WatchPollInterval is how often websocket watchers re-read the store
	// without a lifecycle event.
	WatchPollInterval time.Duration `yaml:"watch_poll_interval" validate:"gt=0"`
}

// StoreConfig selects and configures the run store.
type StoreConfig struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver" validate:"required,oneof=sqlite postgres"`

	// Path is the SQLite database file.
	Path        string        `yaml:"path" validate:"required_if=Driver sqlite"`
	BusyTimeout time.Duration `yaml:"busy_timeout" validate:"gte=0"`

	// URL is the PostgreSQL connection string.
	URL      string `yaml:"url" validate:"required_if=Driver postgres"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=0"`
	MinConns int32  `yaml:"min_conns" validate:"gte=0"`
}

// ArtifactsConfig selects and configures the artifact blob backend.
type ArtifactsConfig struct {
	// Backend is fs or minio.
	Backend string `yaml:"backend" validate:"required,oneof=fs minio"`

	// Dir is the blob root of the fs backend.
	Dir string `yaml:"dir" validate:"required_if=Backend fs"`

	// SpoolDir holds artifacts while their digest is computed.
	SpoolDir string `yaml:"spool_dir"`

	Endpoint  string `yaml:"endpoint" validate:"required_if=Backend minio"`
	AccessKey string `yaml:"access_key" validate:"required_if=Backend minio"`
	SecretKey string `yaml:"secret_key" validate:"required_if=Backend minio"`
	Bucket    string `yaml:"bucket" validate:"required_if=Backend minio"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// InventoryConfig locates per-scope inventories.
type InventoryConfig struct {
	// Root holds one directory per scope with a hosts.yml inside.
	Root string `yaml:"root" validate:"required"`
}

// RunnerConfig configures the execution engine adapter.
type RunnerConfig struct {
	// Runtime is process or docker.
	Runtime string `yaml:"runtime" validate:"required,oneof=process docker"`

	// WorkRoot holds per-phase workspaces.
	WorkRoot string `yaml:"work_root" validate:"required"`

	// Command is the engine argv. Required for the process runtime.
	Command []string `yaml:"command" validate:"required_if=Runtime process"`

	// Timeout is the wall-clock budget of one execution.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	KeepWorkspace bool `yaml:"keep_workspace"`

	// Image is the execution environment image of the docker runtime.
	Image         string  `yaml:"image" validate:"required_if=Runtime docker"`
	AllowUnpinned bool    `yaml:"allow_unpinned"`
	CPUs          float64 `yaml:"cpus" validate:"gte=0"`
	MemoryBytes   int64   `yaml:"memory_bytes" validate:"gte=0"`
	NetworkMode   string  `yaml:"network_mode"`
}

// SchedulerConfig configures dispatch and execution.
type SchedulerConfig struct {
	// InstanceID identifies this scheduler in claims. Defaults to the hostname.
	InstanceID string `yaml:"instance_id"`

	MaxParallel        int           `yaml:"max_parallel" validate:"min=1"`
	PollInterval       time.Duration `yaml:"poll_interval" validate:"gt=0"`
	ReapInterval       time.Duration `yaml:"reap_interval" validate:"gt=0"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	LivenessThreshold  time.Duration `yaml:"liveness_threshold" validate:"gt=0"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
	EventBatchSize     int           `yaml:"event_batch_size" validate:"min=1"`
	EventFlushInterval time.Duration `yaml:"event_flush_interval" validate:"gt=0"`
}

// QueueConfig selects how dispatch wakeups travel between processes.
type QueueConfig struct {
	// Driver is memory or redis.
	Driver string `yaml:"driver" validate:"required,oneof=memory redis"`

	RedisURL string        `yaml:"redis_url" validate:"required_if=Driver redis"`
	Stream   string        `yaml:"stream"`
	Group    string        `yaml:"group"`
	Block    time.Duration `yaml:"block" validate:"gte=0"`
}

// AdmissionConfig configures submission admission.
type AdmissionConfig struct {
	// Policies are rego files or directories. Empty disables policy evaluation.
	Policies []string `yaml:"policies"`

	// Watch reloads policies when they change on disk.
	Watch bool `yaml:"watch"`

	// PlanMaxAge bounds how old an approved plan may be when an apply is
	// submitted. Zero means no bound.
	PlanMaxAge time.Duration `yaml:"plan_max_age" validate:"gte=0"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output"`
	Caller bool   `yaml:"caller"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Exporter     string  `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the configuration of a single-binary development setup.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Listen:            "127.0.0.1:8080",
			ShutdownTimeout:   15 * time.Second,
			WatchPollInterval: 2 * time.Second,
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			Path:        "netintent.db",
			BusyTimeout: 5 * time.Second,
			MaxConns:    10,
		},
		Artifacts: ArtifactsConfig{
			Backend: "fs",
			Dir:     "artifacts",
			Bucket:  "netintent-artifacts",
		},
		Inventory: InventoryConfig{
			Root: "inventories",
		},
		Runner: RunnerConfig{
			Runtime:  "process",
			WorkRoot: "work",
			Command:  []string{"ansible-playbook"},
			Timeout:  30 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			MaxParallel:        4,
			PollInterval:       5 * time.Second,
			ReapInterval:       15 * time.Second,
			HeartbeatInterval:  5 * time.Second,
			LivenessThreshold:  30 * time.Second,
			ShutdownGrace:      30 * time.Second,
			EventBatchSize:     64,
			EventFlushInterval: 250 * time.Millisecond,
		},
		Queue: QueueConfig{
			Driver: "memory",
			Block:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
	}
}

// Validate checks field constraints and the relations between sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	if c.Scheduler.LivenessThreshold <= 2*c.Scheduler.HeartbeatInterval {
		return fmt.Errorf("invalid configuration: scheduler.liveness_threshold %s must exceed twice scheduler.heartbeat_interval %s",
			c.Scheduler.LivenessThreshold, c.Scheduler.HeartbeatInterval)
	}
	return nil
}

// fieldPath turns "Config.Store.URL" into "store.url".
func fieldPath(namespace string) string {
	return strings.ToLower(strings.TrimPrefix(namespace, "Config."))
}
