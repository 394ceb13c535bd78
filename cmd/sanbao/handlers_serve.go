package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Farkhat1984/sanbao-sub000/internal/compaction"
	"github.com/Farkhat1984/sanbao-sub000/internal/config"
	"github.com/Farkhat1984/sanbao-sub000/internal/gateway"
	"github.com/Farkhat1984/sanbao-sub000/internal/mcp"
	"github.com/Farkhat1984/sanbao-sub000/internal/net/ssrf"
	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
	"github.com/Farkhat1984/sanbao-sub000/internal/storage"
	"github.com/Farkhat1984/sanbao-sub000/internal/stream"
	"github.com/Farkhat1984/sanbao-sub000/internal/tools/native"
)

const refreshOff = "off"

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe wires storage, tools, the orchestrator and the compaction worker
// into the gateway and serves until SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	configPath = resolveConfigPath(configPath)
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(cfg.Logging.LogConfig(os.Stderr, defaultLogFormat()))
	slog.SetDefault(logger)

	logger.Info("starting Sanbao",
		"version", version,
		"commit", commit,
		"config", configPath,
		"database", cfg.Database.Driver,
		"model", cfg.LLM.Model,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracer := observability.NewTracer(cfg.Observability.Tracing.TraceConfig(version))
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Observability.Metrics.IsEnabled() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(reg)
		gatherer = reg
	}

	stores, err := cfg.Database.Open()
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("storage close failed", "error", err)
		}
	}()
	if err := stores.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	registry, err := newRegistry(cfg, stores, logger)
	if err != nil {
		return err
	}

	outbound := &http.Client{}
	catalog := mcp.NewCatalog(cfg.MCP.ServerConfigs(), outbound, logger)
	if cfg.MCP.RefreshSchedule == refreshOff {
		if err := catalog.Refresh(ctx); err != nil {
			logger.Warn("mcp catalog refresh incomplete", "error", err)
		}
	} else {
		if err := catalog.Start(ctx, cfg.MCP.RefreshSchedule); err != nil {
			return err
		}
		defer catalog.Stop()
	}
	if configPath != "" {
		stopWatch, err := watchMCPServers(ctx, configPath, catalog, logger)
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		} else {
			defer stopWatch()
		}
	}

	orchestrator := stream.New(stream.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		MaxTurns:    cfg.Stream.MaxTurns,
		HTTPClient:  &http.Client{},
		Registry:    registry,
		RemoteCaller: stream.MCPCaller{
			HTTPClient: outbound,
			Logger:     logger,
		},
		RemoteTimeout: cfg.Stream.RemoteToolTimeout,
		Metrics:       metrics,
		Tracer:        tracer,
		Logger:        logger,
	})

	var (
		compactor gateway.Compactor
		worker    *compaction.Worker
	)
	if cfg.Compaction.IsEnabled() {
		summarizer, err := compaction.NewSummarizer(ctx, cfg.Compaction.ProviderConfig())
		if err != nil {
			return fmt.Errorf("failed to create summarizer: %w", err)
		}
		worker = compaction.NewWorker(compaction.Config{
			Summarizer:     summarizer,
			Summaries:      stores.Summaries,
			Usage:          stores.Usage,
			Model:          cfg.Compaction.Model,
			MaxTokens:      cfg.Compaction.MaxTokens,
			Temperature:    cfg.Compaction.Temperature,
			MaxChunkTokens: cfg.Compaction.MaxChunkTokens,
			Timeout:        cfg.Compaction.Timeout,
			Metrics:        metrics,
			Tracer:         tracer,
			Logger:         logger,
		})
		compactor = worker
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Server.Host,
		HTTPPort:          cfg.Server.HTTPPort,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxRequestBytes:   cfg.Server.MaxRequestBytes,
		Runner:            orchestrator,
		Stores:            stores,
		Compactor:         compactor,
		Catalog:           catalog,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		ContextWindow:     cfg.LLM.ContextWindow,
		KeepLastMessages:  cfg.Compaction.KeepLastMessages,
		Threshold:         cfg.Compaction.Threshold,
		WebSearch:         cfg.Tools.WebSearch,
		Metrics:           metrics,
		Tracer:            tracer,
		Gatherer:          gatherer,
		MetricsPath:       cfg.Observability.Metrics.Path,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("Sanbao started", "http_addr", server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if worker != nil {
		if err := worker.Wait(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("compaction drain: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("Sanbao stopped gracefully")
	return nil
}

// newRegistry builds the native tool registry over stores.
func newRegistry(cfg *config.Config, stores storage.StoreSet, logger *slog.Logger) (*native.Registry, error) {
	httpClient := ssrf.NewHTTPClient(10 * time.Second)
	httpClient.Timeout = cfg.Tools.HTTPTimeout
	registry, err := native.NewDefaultRegistry(native.Deps{
		Conversations: stores.Conversations,
		Tasks:         stores.Tasks,
		Memories:      stores.Memories,
		Notifications: stores.Notifications,
		Scratchpad:    stores.Scratchpad,
		Knowledge:     stores.Knowledge,
		HTTPClient:    httpClient,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register native tools: %w", err)
	}
	return registry, nil
}
