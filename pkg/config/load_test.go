package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeFile(t, "netintent.yaml", `
environment: staging
server:
  listen: 0.0.0.0:9090
store:
  driver: postgres
  url: postgres://netintent@db/netintent
  max_conns: 20
runner:
  runtime: docker
  image: registry.example.com/netintent-ee@sha256:0123456789abcdef
  timeout: 45m
scheduler:
  max_parallel: 8
  poll_interval: 2s
admission:
  policies: [/etc/netintent/policies]
  plan_max_age: 24h
`)

	cfg, err := Load(LoadOptions{File: path, Lookup: envMap(nil)})
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.Environment != "staging" || cfg.Server.Listen != "0.0.0.0:9090" {
		t.Errorf("unexpected server section: %+v", cfg.Server)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.MaxConns != 20 {
		t.Errorf("unexpected store section: %+v", cfg.Store)
	}
	if cfg.Runner.Runtime != "docker" || cfg.Runner.Timeout != 45*time.Minute {
		t.Errorf("unexpected runner section: %+v", cfg.Runner)
	}
	if cfg.Scheduler.MaxParallel != 8 || cfg.Scheduler.PollInterval != 2*time.Second {
		t.Errorf("unexpected scheduler section: %+v", cfg.Scheduler)
	}
	// Sections the file does not mention keep their defaults.
	if cfg.Scheduler.HeartbeatInterval != Default().Scheduler.HeartbeatInterval {
		t.Errorf("expected default heartbeat, got %s", cfg.Scheduler.HeartbeatInterval)
	}
	if cfg.Admission.PlanMaxAge != 24*time.Hour || len(cfg.Admission.Policies) != 1 {
		t.Errorf("unexpected admission section: %+v", cfg.Admission)
	}
	if cfg.Scheduler.InstanceID == "" {
		t.Error("expected an instance id to be derived")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "netintent.yaml", "store:\n  drvier: sqlite\n")
	if _, err := Load(LoadOptions{File: path, Lookup: envMap(nil)}); err == nil {
		t.Fatal("expected an error for a misspelled key")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "prefixed",
			env: map[string]string{
				"NETINTENT_LISTEN":        ":8181",
				"NETINTENT_MAX_PARALLEL":  "2",
				"NETINTENT_POLICY_PATHS":  "a.rego, b/ ,",
				"NETINTENT_PLAN_MAX_AGE":  "90m",
				"NETINTENT_QUEUE_DRIVER":  "redis",
				"NETINTENT_REDIS_URL":     "redis://cache:6379/0",
				"NETINTENT_RUNNER_COMMAND": "ansible-playbook -v",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.Listen != ":8181" || cfg.Scheduler.MaxParallel != 2 {
					t.Errorf("unexpected overrides: listen=%s parallel=%d", cfg.Server.Listen, cfg.Scheduler.MaxParallel)
				}
				if strings.Join(cfg.Admission.Policies, "|") != "a.rego|b/" {
					t.Errorf("unexpected policies %v", cfg.Admission.Policies)
				}
				if cfg.Admission.PlanMaxAge != 90*time.Minute {
					t.Errorf("unexpected plan max age %s", cfg.Admission.PlanMaxAge)
				}
				if cfg.Queue.Driver != "redis" || cfg.Queue.RedisURL != "redis://cache:6379/0" {
					t.Errorf("unexpected queue %+v", cfg.Queue)
				}
				if len(cfg.Runner.Command) != 2 || cfg.Runner.Command[1] != "-v" {
					t.Errorf("unexpected command %v", cfg.Runner.Command)
				}
			},
		},
		{
			name: "worker aliases",
			env: map[string]string{
				"POLL_INTERVAL":           "7",
				"ARTIFACTS_DIR":           "/srv/artifacts",
				"RUNNER_CONTAINER_ENGINE": "podman",
				"RUNNER_EE_IMAGE":         "netintent-ops-ee@sha256:feedface",
				"LOG_LEVEL":               "WARNING",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Scheduler.PollInterval != 7*time.Second {
					t.Errorf("expected 7s poll interval, got %s", cfg.Scheduler.PollInterval)
				}
				if cfg.Artifacts.Dir != "/srv/artifacts" {
					t.Errorf("unexpected artifacts dir %s", cfg.Artifacts.Dir)
				}
				if cfg.Runner.Runtime != "docker" || cfg.Runner.Image != "netintent-ops-ee@sha256:feedface" {
					t.Errorf("unexpected runner %+v", cfg.Runner)
				}
				if cfg.Logging.Level != "warn" {
					t.Errorf("expected warn, got %s", cfg.Logging.Level)
				}
			},
		},
		{
			name: "prefixed wins over alias",
			env: map[string]string{
				"POLL_INTERVAL":           "7",
				"NETINTENT_POLL_INTERVAL": "3s",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Scheduler.PollInterval != 3*time.Second {
					t.Errorf("expected 3s, got %s", cfg.Scheduler.PollInterval)
				}
			},
		},
		{
			name: "database url selects postgres",
			env:  map[string]string{"DATABASE_URL": "postgresql://netintent:secret@db:5432/netintent"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Store.Driver != "postgres" || cfg.Store.URL == "" {
					t.Errorf("unexpected store %+v", cfg.Store)
				}
			},
		},
		{
			name: "sqlite database url",
			env:  map[string]string{"DATABASE_URL": "sqlite:///./netintent.db"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "./netintent.db" {
					t.Errorf("unexpected store %+v", cfg.Store)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(LoadOptions{Lookup: envMap(tt.env)})
			if err != nil {
				t.Fatalf("failed to load: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown store driver", map[string]string{"NETINTENT_STORE_DRIVER": "mysql"}, "store.driver"},
		{"postgres without url", map[string]string{"NETINTENT_STORE_DRIVER": "postgres"}, "store.url"},
		{"minio without credentials", map[string]string{"NETINTENT_ARTIFACTS_BACKEND": "minio"}, "artifacts.endpoint"},
		{"docker without image", map[string]string{"NETINTENT_RUNNER_RUNTIME": "docker"}, "runner.image"},
		{"redis without url", map[string]string{"NETINTENT_QUEUE_DRIVER": "redis"}, "queue.redisurl"},
		{"otlp without endpoint", map[string]string{"NETINTENT_TRACE_EXPORTER": "otlp"}, "tracing.endpoint"},
		{"bad listen address", map[string]string{"NETINTENT_LISTEN": "localhost"}, "server.listen"},
		{"zero parallelism", map[string]string{"NETINTENT_MAX_PARALLEL": "0"}, "scheduler.maxparallel"},
		{"unparsable duration", map[string]string{"NETINTENT_RUNNER_TIMEOUT": "soon"}, "NETINTENT_RUNNER_TIMEOUT"},
		{"unknown container engine", map[string]string{"RUNNER_CONTAINER_ENGINE": "lxc"}, "RUNNER_CONTAINER_ENGINE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(LoadOptions{Lookup: envMap(tt.env)})
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error to mention %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLivenessMustExceedTwoHeartbeats(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.HeartbeatInterval = 10 * time.Second
	cfg.Scheduler.LivenessThreshold = 20 * time.Second
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "liveness_threshold") {
		t.Fatalf("expected a liveness error, got %v", err)
	}
}

func TestLoadDotenv(t *testing.T) {
	path := writeFile(t, "netintent.env", "NETINTENT_TEST_DOTENV_LISTEN=127.0.0.1:7070\n")
	t.Cleanup(func() { os.Unsetenv("NETINTENT_TEST_DOTENV_LISTEN") })

	if _, err := Load(LoadOptions{EnvFiles: []string{path}, Lookup: envMap(nil)}); err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if got := os.Getenv("NETINTENT_TEST_DOTENV_LISTEN"); got != "127.0.0.1:7070" {
		t.Errorf("expected the dotenv value in the environment, got %q", got)
	}

	missing := filepath.Join(t.TempDir(), "missing.env")
	if _, err := Load(LoadOptions{EnvFiles: []string{missing}, Lookup: envMap(nil)}); err == nil {
		t.Error("expected a missing explicit env file to fail")
	}
}

func TestConnectRetries(t *testing.T) {
	calls := 0
	got, err := ConnectWith(context.Background(), "store", zerolog.Nop(), 3, time.Millisecond, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "connected", nil
	})
	if err != nil {
		t.Fatalf("expected success on the third attempt, got %v", err)
	}
	if got != "connected" || calls != 3 {
		t.Errorf("unexpected result %q after %d calls", got, calls)
	}

	calls = 0
	_, err = ConnectWith(context.Background(), "store", zerolog.Nop(), 2, time.Millisecond, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}
