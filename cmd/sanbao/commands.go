package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Sanbao chat server",
		Long: `Start the HTTP server.

The server will:
1. Load configuration from --config (or SANBAO_CONFIG, or built-in defaults)
2. Open storage and apply the schema
3. Load the MCP tool catalog and refresh it on schedule
4. Serve POST /api/chat (NDJSON), GET /api/chat/ws, /healthz and metrics

Edits to the config file's MCP server list are picked up without a restart.
Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with built-in defaults
  sanbao serve

  # Start with a config file and debug logging
  sanbao serve --config /etc/sanbao/sanbao.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Migrate Command
// =============================================================================

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	return cmd
}

// =============================================================================
// Tools Commands
// =============================================================================

func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect native tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print native tool definitions as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd)
		},
	})
	return cmd
}

// =============================================================================
// MCP Commands
// =============================================================================

func buildMcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Interact with MCP servers",
	}
	cmd.AddCommand(buildMcpDiscoverCmd())
	return cmd
}

func buildMcpDiscoverCmd() *cobra.Command {
	var (
		url       string
		transport string
		apiKey    string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List the tools a remote MCP server offers",
		Example: `  sanbao mcp discover --url https://mcp.example.com/mcp
  sanbao mcp discover --url https://legacy.example.com/sse --transport SSE --api-key $KEY`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpDiscover(cmd, url, transport, apiKey)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Server URL")
	cmd.Flags().StringVar(&transport, "transport", "STREAMABLE_HTTP", "Transport: STREAMABLE_HTTP or SSE")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Bearer token sent to the server")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		validate,
	)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("sanbao %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
