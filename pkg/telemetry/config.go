package telemetry

import (
	"fmt"
	"strconv"
	"strings"
)

// Config selects where deckhand sends logs, spans and metrics.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment is the project environment, attached to every span.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig

	// ResourceAttributes are added to the trace resource, e.g. the project name.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog sink.
type LoggingConfig struct {
	// Level is one of debug, info, warn or error.
	Level string
	// Format is console or json. CI runners get json.
	Format string
	// Output is stdout, stderr or a file path.
	Output       string
	EnableCaller bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool
	// Exporter is otlp, stdout or none. With none spans are created but dropped.
	Exporter     string
	Endpoint     string
	SamplingRate float64
	Headers      map[string]string
	Insecure     bool
}

// MetricsConfig configures the run and step metrics.
type MetricsConfig struct {
	Enabled bool
	// ListenAddress serves Path over HTTP when set.
	ListenAddress string
	Path          string
	Namespace     string
	// StepBuckets are the duration buckets, in seconds, for run and step histograms.
	StepBuckets []float64
}

var (
	logLevels = []string{"debug", "info", "warn", "error"}
	exporters = []string{"otlp", "stdout", "none"}
)

// DefaultConfig logs to stderr in console format, keeps metrics in memory
// and exports no spans.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "deckhand",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Headers:      map[string]string{},
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			Enabled:     true,
			Path:        "/metrics",
			Namespace:   "deckhand",
			StepBuckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		ResourceAttributes: map[string]string{},
	}
}

// ApplyEnv overrides the config from the environment. It understands
// DECKHAND_LOG_LEVEL, DECKHAND_LOG_FORMAT, the CI marker set by hosted
// runners and the standard OTEL_EXPORTER_OTLP_* variables. An OTLP endpoint
// turns tracing on.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("CI"); v == "true" || v == "1" {
		c.Logging.Format = "json"
	}
	if v := getenv("DECKHAND_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := getenv("DECKHAND_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Enabled = true
		c.Tracing.Exporter = "otlp"
		c.Tracing.Endpoint = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
		c.Tracing.Insecure = !strings.HasPrefix(v, "https://")
	}
	if v := getenv("OTEL_EXPORTER_OTLP_HEADERS"); v != "" {
		if c.Tracing.Headers == nil {
			c.Tracing.Headers = map[string]string{}
		}
		for _, pair := range strings.Split(v, ",") {
			if k, val, ok := strings.Cut(strings.TrimSpace(pair), "="); ok && k != "" {
				c.Tracing.Headers[k] = val
			}
		}
	}
	if v := getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.Tracing.SamplingRate = rate
		}
	}
}

// Validate rejects settings the sinks cannot honour.
func (c *Config) Validate() error {
	if c.ServiceName == "" || c.ServiceVersion == "" {
		return fmt.Errorf("service name and version are required")
	}
	if !oneOf(c.Logging.Level, logLevels) {
		return fmt.Errorf("invalid log level %q (want one of %s)", c.Logging.Level, strings.Join(logLevels, ", "))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format %q (want console or json)", c.Logging.Format)
	}
	if c.Tracing.Enabled && !oneOf(c.Tracing.Exporter, exporters) {
		return fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter needs an endpoint")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be within [0, 1], got %g", c.Tracing.SamplingRate)
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return fmt.Errorf("metrics namespace is required")
	}
	return nil
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
