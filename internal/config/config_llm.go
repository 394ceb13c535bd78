package config

import (
	"net/url"
	"time"

	"github.com/Farkhat1984/sanbao-sub000/internal/compaction"
)

// LLMConfig points the orchestrator at an OpenAI-compatible provider.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`

	// ContextWindow overrides the per-model context window table. Zero
	// means look the model up.
	ContextWindow int `yaml:"context_window"`
}

func (l LLMConfig) validate() []string {
	var issues []string
	if u, err := url.Parse(l.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		issues = append(issues, issuef("llm.base_url %q must be an http(s) URL", l.BaseURL))
	}
	if !between(l.Temperature, 0, 2) {
		issues = append(issues, "llm.temperature must be between 0 and 2")
	}
	if !between(l.TopP, 0, 1) {
		issues = append(issues, "llm.top_p must be between 0 and 1")
	}
	if l.MaxTokens < 0 {
		issues = append(issues, "llm.max_tokens must not be negative")
	}
	if l.ContextWindow < 0 {
		issues = append(issues, "llm.context_window must not be negative")
	}
	return issues
}

// CompactionConfig configures background conversation summarization.
type CompactionConfig struct {
	Enabled *bool `yaml:"enabled"`

	// Provider is openai, anthropic, gemini or bedrock. The openai provider
	// inherits base_url, api_key and model from the llm section.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	// Bedrock credentials. When unset the default AWS chain applies.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	MaxTokens        int           `yaml:"max_tokens"`
	Temperature      float64       `yaml:"temperature"`
	MaxChunkTokens   int           `yaml:"max_chunk_tokens"`
	Timeout          time.Duration `yaml:"timeout"`
	KeepLastMessages int           `yaml:"keep_last_messages"`
	Threshold        float64       `yaml:"threshold"`
}

// IsEnabled reports whether compaction runs; it defaults to on.
func (c CompactionConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ProviderConfig converts the section for compaction.NewSummarizer.
func (c CompactionConfig) ProviderConfig() compaction.ProviderConfig {
	return compaction.ProviderConfig{
		Provider:        c.Provider,
		APIKey:          c.APIKey,
		BaseURL:         c.BaseURL,
		Model:           c.Model,
		Region:          c.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
	}
}

func (c CompactionConfig) validate() []string {
	if !c.IsEnabled() {
		return nil
	}
	var issues []string
	switch c.Provider {
	case compaction.ProviderOpenAI, compaction.ProviderAnthropic, compaction.ProviderGemini:
		if c.APIKey == "" {
			issues = append(issues, issuef("compaction.api_key is required for provider %q", c.Provider))
		}
	case compaction.ProviderBedrock:
		if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
			issues = append(issues, "compaction.access_key_id and secret_access_key must be set together")
		}
	default:
		issues = append(issues, issuef("compaction.provider %q is not one of openai, anthropic, gemini, bedrock", c.Provider))
	}
	if c.MaxTokens < 0 || c.MaxChunkTokens < 0 || c.KeepLastMessages < 0 {
		issues = append(issues, "compaction token and message limits must not be negative")
	}
	if !between(c.Threshold, 0, 1) || c.Threshold == 0 {
		issues = append(issues, "compaction.threshold must be in (0, 1]")
	}
	return issues
}

// StreamConfig tunes the tool loop.
type StreamConfig struct {
	MaxTurns          int           `yaml:"max_turns"`
	RemoteToolTimeout time.Duration `yaml:"remote_tool_timeout"`
}

func (s StreamConfig) validate() []string {
	var issues []string
	if s.MaxTurns < 1 {
		issues = append(issues, "stream.max_turns must be at least 1")
	}
	if s.RemoteToolTimeout < 0 {
		issues = append(issues, "stream.remote_tool_timeout must not be negative")
	}
	return issues
}
