package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Farkhat1984/sanbao-sub000/internal/config"
	"github.com/Farkhat1984/sanbao-sub000/internal/mcp"
	"github.com/Farkhat1984/sanbao-sub000/internal/storage"
)

const discoverTimeout = 30 * time.Second

// =============================================================================
// Migrate Command Handler
// =============================================================================

func runMigrate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.InMemory() {
		fmt.Fprintln(cmd.OutOrStdout(), "In-memory storage has no schema to apply.")
		return nil
	}
	stores, err := cfg.Database.Open()
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer stores.Close()

	if err := stores.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema applied (%s).\n", cfg.Database.Driver)
	return nil
}

// =============================================================================
// Tools Command Handlers
// =============================================================================

func runToolsList(cmd *cobra.Command) error {
	registry, err := newRegistry(config.Default(), storage.NewMemoryStores(), slog.Default())
	if err != nil {
		return err
	}
	return writeJSON(cmd, registry.Definitions())
}

// =============================================================================
// MCP Command Handlers
// =============================================================================

func runMcpDiscover(cmd *cobra.Command, url, transport, apiKey string) error {
	kind, err := mcp.ParseTransportKind(transport)
	if err != nil {
		return err
	}
	server := &mcp.ServerConfig{
		Name:      "cli",
		URL:       url,
		Transport: kind,
		APIKey:    apiKey,
		Timeout:   discoverTimeout,
	}
	if err := server.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), discoverTimeout)
	defer cancel()
	tools, err := mcp.Discover(ctx, server, &http.Client{}, slog.Default())
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	return writeJSON(cmd, tools)
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := resolveConfigPath(configPath)
	if path == "" {
		return fmt.Errorf("no config file given: pass --config or set %s", configEnv)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (version %d, %d MCP servers).\n", path, cfg.Version, len(cfg.MCP.Servers))
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
