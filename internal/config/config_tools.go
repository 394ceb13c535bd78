package config

import (
	"strings"
	"time"

	"github.com/Farkhat1984/sanbao-sub000/internal/mcp"
)

// ToolsConfig configures the native tool registry.
type ToolsConfig struct {
	// HTTPTimeout is the client timeout of http_request; per-call timeouts
	// are capped separately by the tool.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// WebSearch offers the provider's built-in web search when a request
	// does not say otherwise.
	WebSearch bool `yaml:"web_search"`
}

// MCPConfig lists remote tool servers discovered at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`

	// RefreshSchedule is a cron spec for re-listing tools.
	RefreshSchedule string        `yaml:"refresh_schedule"`
	Timeout         time.Duration `yaml:"timeout"`
}

type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Transport string            `yaml:"transport"`
	APIKey    string            `yaml:"api_key"`
	Headers   map[string]string `yaml:"headers"`
}

// ServerConfigs converts the configured servers for mcp.NewCatalog.
func (m MCPConfig) ServerConfigs() []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(m.Servers))
	for _, s := range m.Servers {
		kind, err := mcp.ParseTransportKind(s.Transport)
		if err != nil {
			continue
		}
		out = append(out, mcp.ServerConfig{
			Name:      s.Name,
			URL:       s.URL,
			Transport: kind,
			APIKey:    s.APIKey,
			Headers:   s.Headers,
			Timeout:   m.Timeout,
		})
	}
	return out
}

func (m MCPConfig) validate() []string {
	var issues []string
	seen := make(map[string]bool, len(m.Servers))
	for i, s := range m.Servers {
		label := s.Name
		if label == "" {
			label = issuef("#%d", i)
		}
		key := strings.ToLower(s.Name)
		if s.Name != "" && seen[key] {
			issues = append(issues, issuef("mcp.servers %s: duplicate name", label))
		}
		seen[key] = true

		kind, err := mcp.ParseTransportKind(s.Transport)
		if err != nil {
			issues = append(issues, issuef("mcp.servers %s: %v", label, err))
			continue
		}
		sc := mcp.ServerConfig{Name: s.Name, URL: s.URL, Transport: kind}
		if err := sc.Validate(); err != nil {
			issues = append(issues, issuef("mcp.servers %s: %v", label, err))
		}
	}
	if m.RefreshSchedule != "" && m.RefreshSchedule != "off" {
		if err := mcp.ValidateSchedule(m.RefreshSchedule); err != nil {
			issues = append(issues, issuef("mcp.refresh_schedule %q: %v", m.RefreshSchedule, err))
		}
	}
	if m.Timeout < 0 {
		issues = append(issues, "mcp.timeout must not be negative")
	}
	return issues
}
