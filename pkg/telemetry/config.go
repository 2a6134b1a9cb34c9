package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config configures the logger, tracing, metrics and lifecycle events of a
// netintent process. The server fills it from config.Config.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Format string `validate:"oneof=console json"`

	// Output is stderr, stdout or a file path opened for append.
	Output string

	EnableCaller bool

	// Sampling lets SamplingInitial messages per second through, then every
	// SamplingThereafter-th.
	EnableSampling     bool
	SamplingInitial    int `validate:"gte=0"`
	SamplingThereafter int `validate:"gte=0"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter is otlp (gRPC), stdout or none. With none, spans are still
	// created so trace IDs reach the logs.
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the collector address, e.g. "otel-collector:4317".
	Endpoint string `validate:"required_if=Exporter otlp"`

	SamplingRate  float64       `validate:"gte=0,lte=1"`
	ExportTimeout time.Duration `validate:"gte=0"`
	Insecure      bool
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Namespace string

	// DurationBuckets are the execution duration buckets, in seconds.
	DurationBuckets []float64
}

// EventsConfig sizes the lifecycle event fan-out.
type EventsConfig struct {
	BufferSize       int `validate:"gt=0"`
	SubscriberBuffer int `validate:"gte=0"`
}

// DefaultConfig returns the telemetry configuration of a development server.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "netintent",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Namespace: "netintent",
			// Engine executions run from seconds to the better part of an hour.
			DurationBuckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		Events: EventsConfig{
			BufferSize:       1024,
			SubscriberBuffer: 64,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s=%v fails %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Value(), fe.Tag()))
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, ", "))
}
