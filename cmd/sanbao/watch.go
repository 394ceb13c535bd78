package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Farkhat1984/sanbao-sub000/internal/config"
	"github.com/Farkhat1984/sanbao-sub000/internal/mcp"
)

const configWatchDebounce = 250 * time.Millisecond

// serverCatalog is the part of *mcp.Catalog the config watcher drives.
type serverCatalog interface {
	SetServers(servers []mcp.ServerConfig)
	Refresh(ctx context.Context) error
}

// watchMCPServers reloads the config file when it changes and hands the new
// MCP server list to catalog. The directory is watched so editors that
// replace the file by rename are seen too. Other sections need a restart.
func watchMCPServers(ctx context.Context, configPath string, catalog serverCatalog, logger *slog.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var mu sync.Mutex
		var timer *time.Timer
		scheduleReload := func() {
			mu.Lock()
			defer mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(configWatchDebounce, func() {
				reloadMCPServers(watchCtx, abs, catalog, logger)
			})
		}

		for {
			select {
			case <-watchCtx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "error", err)
			}
		}
	}()

	return func() {
		cancel()
		_ = watcher.Close()
		wg.Wait()
	}, nil
}

// reloadMCPServers applies the MCP section of the config at path. An invalid
// file keeps the current servers.
func reloadMCPServers(ctx context.Context, path string, catalog serverCatalog, logger *slog.Logger) bool {
	if ctx.Err() != nil {
		return false
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Warn("config reload rejected, keeping current mcp servers", "path", path, "error", err)
		return false
	}
	servers := cfg.MCP.ServerConfigs()
	catalog.SetServers(servers)
	if err := catalog.Refresh(ctx); err != nil {
		logger.Warn("mcp catalog refresh after reload incomplete", "error", err)
	}
	logger.Info("mcp servers reloaded", "servers", len(servers))
	return true
}
