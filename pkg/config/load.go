package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NETINTENT_"

// LoadOptions tells Load where to look.
type LoadOptions struct {
	// File is a YAML configuration file. Empty falls back to NETINTENT_CONFIG,
	// and to defaults when that is unset too.
	File string

	// EnvFiles are dotenv files loaded before the environment is read. Values
	// already present in the environment win. A missing ".env" is ignored;
	// any other missing file is an error.
	EnvFiles []string

	// Lookup replaces os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load builds the configuration from defaults, the YAML file and the
// environment, in increasing precedence, and validates the result.
func Load(opts LoadOptions) (*Config, error) {
	envFiles := opts.EnvFiles
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, path := range envFiles {
		if err := godotenv.Load(path); err != nil {
			if path == ".env" && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := Default()

	file := opts.File
	if file == "" {
		file, _ = lookup(EnvPrefix + "CONFIG")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	if cfg.Scheduler.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "netintent"
		}
		cfg.Scheduler.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML overlays data onto cfg and rejects unknown keys.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// envVar binds an environment variable, and the unprefixed names the worker
// historically read, to a configuration field.
type envVar struct {
	name    string
	aliases []string
	apply   func(value string) error
}

func envVars(cfg *Config) []envVar {
	return []envVar{
		{"ENV", nil, setString(&cfg.Environment)},

		{"LISTEN", nil, setString(&cfg.Server.Listen)},
		{"SHUTDOWN_TIMEOUT", nil, setDuration(&cfg.Server.ShutdownTimeout)},

		{"STORE_DRIVER", nil, setString(&cfg.Store.Driver)},
		{"SQLITE_PATH", nil, setString(&cfg.Store.Path)},
		{"DATABASE_URL", []string{"DATABASE_URL"}, setDatabaseURL(&cfg.Store)},

		{"ARTIFACTS_BACKEND", nil, setString(&cfg.Artifacts.Backend)},
		{"ARTIFACTS_DIR", []string{"ARTIFACTS_DIR"}, setString(&cfg.Artifacts.Dir)},
		{"MINIO_ENDPOINT", nil, setString(&cfg.Artifacts.Endpoint)},
		{"MINIO_ACCESS_KEY", nil, setString(&cfg.Artifacts.AccessKey)},
		{"MINIO_SECRET_KEY", nil, setString(&cfg.Artifacts.SecretKey)},
		{"MINIO_BUCKET", nil, setString(&cfg.Artifacts.Bucket)},
		{"MINIO_USE_SSL", nil, setBool(&cfg.Artifacts.UseSSL)},

		{"INVENTORY_ROOT", nil, setString(&cfg.Inventory.Root)},

		{"RUNNER_RUNTIME", []string{"RUNNER_CONTAINER_ENGINE"}, setRuntime(&cfg.Runner.Runtime)},
		{"RUNNER_IMAGE", []string{"RUNNER_EE_IMAGE"}, setString(&cfg.Runner.Image)},
		{"RUNNER_COMMAND", nil, setFields(&cfg.Runner.Command)},
		{"RUNNER_TIMEOUT", nil, setDuration(&cfg.Runner.Timeout)},
		{"RUNNER_WORK_ROOT", nil, setString(&cfg.Runner.WorkRoot)},

		{"INSTANCE_ID", nil, setString(&cfg.Scheduler.InstanceID)},
		{"MAX_PARALLEL", nil, setInt(&cfg.Scheduler.MaxParallel)},
		{"POLL_INTERVAL", []string{"POLL_INTERVAL"}, setDuration(&cfg.Scheduler.PollInterval)},

		{"QUEUE_DRIVER", nil, setString(&cfg.Queue.Driver)},
		{"REDIS_URL", nil, setString(&cfg.Queue.RedisURL)},

		{"POLICY_PATHS", nil, setList(&cfg.Admission.Policies)},
		{"POLICY_WATCH", nil, setBool(&cfg.Admission.Watch)},
		{"PLAN_MAX_AGE", nil, setDuration(&cfg.Admission.PlanMaxAge)},

		{"LOG_LEVEL", []string{"LOG_LEVEL"}, setLevel(&cfg.Logging.Level)},
		{"LOG_FORMAT", nil, setString(&cfg.Logging.Format)},

		{"TRACE_EXPORTER", nil, setString(&cfg.Tracing.Exporter)},
		{"OTLP_ENDPOINT", nil, setString(&cfg.Tracing.Endpoint)},
	}
}

// applyEnv overrides cfg from the environment. A prefixed variable wins over
// its aliases.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, v := range envVars(cfg) {
		names := append([]string{EnvPrefix + v.name}, v.aliases...)
		for _, name := range names {
			value, ok := lookup(name)
			if !ok || value == "" {
				continue
			}
			if err := v.apply(value); err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			break
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

// setDuration accepts Go durations and plain integers, read as seconds.
func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func setList(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
		return nil
	}
}

func setFields(dst *[]string) func(string) error {
	return func(v string) error {
		*dst = strings.Fields(v)
		return nil
	}
}

// setRuntime maps container engine names onto the docker runtime, which
// talks to any Docker-compatible API socket.
func setRuntime(dst *string) func(string) error {
	return func(v string) error {
		switch strings.ToLower(v) {
		case "process":
			*dst = "process"
		case "docker", "podman":
			*dst = "docker"
		default:
			return fmt.Errorf("unknown runtime %q", v)
		}
		return nil
	}
}

// setLevel accepts upper-case level names.
func setLevel(dst *string) func(string) error {
	return func(v string) error {
		level := strings.ToLower(v)
		if level == "warning" {
			level = "warn"
		}
		*dst = level
		return nil
	}
}

// setDatabaseURL selects the postgres store when a database URL is given.
// sqlite URLs select the sqlite store at that path.
func setDatabaseURL(dst *StoreConfig) func(string) error {
	return func(v string) error {
		switch {
		case strings.HasPrefix(v, "postgres://"), strings.HasPrefix(v, "postgresql://"):
			dst.Driver = "postgres"
			dst.URL = v
		case strings.HasPrefix(v, "sqlite://"):
			dst.Driver = "sqlite"
			dst.Path = strings.TrimPrefix(strings.TrimPrefix(v, "sqlite://"), "/")
		default:
			return fmt.Errorf("unsupported database url scheme")
		}
		return nil
	}
}
