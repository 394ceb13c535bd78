package config

import (
	"io"
	"regexp"
	"strings"

	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
)

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text; empty picks by terminal

	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// LogConfig converts the section for observability.NewLogger. format is
// used when none is configured.
func (l LoggingConfig) LogConfig(out io.Writer, format string) observability.LogConfig {
	if l.Format != "" {
		format = l.Format
	}
	return observability.LogConfig{
		Level:          l.Level,
		Format:         format,
		Output:         out,
		AddSource:      l.AddSource,
		RedactPatterns: l.RedactPatterns,
	}
}

func (l LoggingConfig) validate() []string {
	var issues []string
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, issuef("logging.level %q is not one of debug, info, warn, error", l.Level))
	}
	switch l.Format {
	case "", "json", "text":
	default:
		issues = append(issues, issuef("logging.format %q is not json or text", l.Format))
	}
	for _, p := range l.RedactPatterns {
		if _, err := regexp.Compile(p); err != nil {
			issues = append(issues, issuef("logging.redact_patterns %q: %v", p, err))
		}
	}
	return issues
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IsEnabled reports whether /metrics is served; it defaults to on.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// TracingConfig controls OpenTelemetry tracing. Tracing is off while
// Endpoint is empty.
type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// TraceConfig converts the section for observability.NewTracer.
func (t TracingConfig) TraceConfig(version string) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Environment:    t.Environment,
		Endpoint:       t.Endpoint,
		SamplingRate:   t.SamplingRate,
		Attributes:     t.Attributes,
		EnableInsecure: t.Insecure,
	}
}

func (o ObservabilityConfig) validate() []string {
	var issues []string
	if o.Metrics.IsEnabled() && !strings.HasPrefix(o.Metrics.Path, "/") {
		issues = append(issues, issuef("observability.metrics.path %q must start with /", o.Metrics.Path))
	}
	if !between(o.Tracing.SamplingRate, 0, 1) {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}
	return issues
}
