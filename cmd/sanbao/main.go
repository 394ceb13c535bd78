// Package main provides the CLI entry point for Sanbao, the chat streaming
// and tool orchestration engine.
//
// # Basic Usage
//
// Start the server:
//
//	sanbao serve --config sanbao.yaml
//
// Apply the storage schema:
//
//	sanbao migrate --config sanbao.yaml
//
// Inspect tools:
//
//	sanbao tools list
//	sanbao mcp discover --url https://mcp.example.com/mcp
//
// # Environment Variables
//
//   - SANBAO_CONFIG: Path to the configuration file when --config is not set
//
// Config files may reference any variable as ${NAME} or ${NAME:-default}.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Farkhat1984/sanbao-sub000/internal/config"
	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const configEnv = "SANBAO_CONFIG"

func main() {
	slog.SetDefault(observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: defaultLogFormat(),
		Output: os.Stderr,
	}))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sanbao",
		Short: "Sanbao - LLM chat streaming and tool orchestration engine",
		Long: `Sanbao streams chat completions from an OpenAI-compatible provider,
runs native and MCP tools between turns, and keeps long conversations inside
the model's context window by summarizing older messages in the background.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildToolsCmd(),
		buildMcpCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers the flag, then SANBAO_CONFIG. An empty result
// means built-in defaults.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	return strings.TrimSpace(os.Getenv(configEnv))
}

func loadConfig(path string) (*config.Config, error) {
	path = resolveConfigPath(path)
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("no config file given (pass --config or set %s): %w", configEnv, err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// defaultLogFormat is text on an interactive terminal and JSON otherwise.
func defaultLogFormat() string {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return "text"
	}
	return "json"
}
