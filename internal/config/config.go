package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Farkhat1984/sanbao-sub000/internal/compaction"
	ctxwin "github.com/Farkhat1984/sanbao-sub000/internal/context"
	"github.com/Farkhat1984/sanbao-sub000/internal/stream"
)

// Config is the main configuration structure for Sanbao.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Compaction    CompactionConfig    `yaml:"compaction"`
	Stream        StreamConfig        `yaml:"stream"`
	Tools         ToolsConfig         `yaml:"tools"`
	MCP           MCPConfig           `yaml:"mcp"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ConfigValidationError lists every problem found in a loaded config.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

// Load reads, merges, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, as used when
// no config file is given.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 2 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.MaxRequestBytes == 0 {
		cfg.Server.MaxRequestBytes = 10 << 20
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = stream.DefaultBaseURL
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = stream.DefaultModel
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = stream.DefaultTemperature
	}
	if cfg.LLM.TopP == 0 {
		cfg.LLM.TopP = stream.DefaultTopP
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = stream.DefaultMaxTokens
	}

	if cfg.Compaction.Enabled == nil {
		enabled := true
		cfg.Compaction.Enabled = &enabled
	}
	cfg.Compaction.Provider = strings.ToLower(strings.TrimSpace(cfg.Compaction.Provider))
	if cfg.Compaction.Provider == "" {
		cfg.Compaction.Provider = compaction.ProviderOpenAI
	}
	if cfg.Compaction.Provider == compaction.ProviderOpenAI {
		if cfg.Compaction.BaseURL == "" {
			cfg.Compaction.BaseURL = cfg.LLM.BaseURL
		}
		if cfg.Compaction.APIKey == "" {
			cfg.Compaction.APIKey = cfg.LLM.APIKey
		}
		if cfg.Compaction.Model == "" {
			cfg.Compaction.Model = cfg.LLM.Model
		}
	}
	if cfg.Compaction.MaxTokens == 0 {
		cfg.Compaction.MaxTokens = compaction.DefaultMaxTokens
	}
	if cfg.Compaction.Temperature == 0 {
		cfg.Compaction.Temperature = compaction.DefaultTemperature
	}
	if cfg.Compaction.MaxChunkTokens == 0 {
		cfg.Compaction.MaxChunkTokens = compaction.DefaultMaxChunkTokens
	}
	if cfg.Compaction.Timeout == 0 {
		cfg.Compaction.Timeout = compaction.DefaultTimeout
	}
	if cfg.Compaction.KeepLastMessages == 0 {
		cfg.Compaction.KeepLastMessages = ctxwin.DefaultKeepLastMessages
	}
	if cfg.Compaction.Threshold == 0 {
		cfg.Compaction.Threshold = ctxwin.CompactionThreshold
	}

	if cfg.Stream.MaxTurns == 0 {
		cfg.Stream.MaxTurns = stream.MaxTurns
	}
	if cfg.Stream.RemoteToolTimeout == 0 {
		cfg.Stream.RemoteToolTimeout = stream.RemoteToolTimeout
	}

	if cfg.Tools.HTTPTimeout == 0 {
		cfg.Tools.HTTPTimeout = 30 * time.Second
	}

	if cfg.MCP.Timeout == 0 {
		cfg.MCP.Timeout = 30 * time.Second
	}
	if cfg.MCP.RefreshSchedule == "" {
		cfg.MCP.RefreshSchedule = "@every 10m"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Observability.Metrics.Enabled == nil {
		enabled := true
		cfg.Observability.Metrics.Enabled = &enabled
	}
	if cfg.Observability.Metrics.Path == "" {
		cfg.Observability.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "sanbao"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	if c == nil {
		return &ConfigValidationError{Issues: []string{"config is nil"}}
	}
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	var issues []string
	issues = append(issues, c.Server.validate()...)
	issues = append(issues, c.Database.validate()...)
	issues = append(issues, c.LLM.validate()...)
	issues = append(issues, c.Compaction.validate()...)
	issues = append(issues, c.Stream.validate()...)
	issues = append(issues, c.MCP.validate()...)
	issues = append(issues, c.Logging.validate()...)
	issues = append(issues, c.Observability.validate()...)
	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func between(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}

func issuef(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
