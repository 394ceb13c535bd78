package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// MaxCatalogTools caps the number of remote tools offered to the model.
	MaxCatalogTools = 100
	// DefaultRefreshSchedule refreshes the catalog every ten minutes.
	DefaultRefreshSchedule = "@every 10m"

	defaultDiscoverTimeout = 15 * time.Second
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether spec is a refresh schedule Start accepts.
func ValidateSchedule(spec string) error {
	_, err := cronParser.Parse(spec)
	return err
}

// Catalog keeps the tool lists of the configured servers and refreshes them
// on a schedule.
type Catalog struct {
	logger     *slog.Logger
	httpClient *http.Client

	mu        sync.RWMutex
	servers   []ServerConfig
	tools     []RemoteTool
	refreshed time.Time

	refreshMu sync.Mutex
	cron      *cron.Cron
}

// NewCatalog creates a catalog for servers. Call Refresh or Start to load it.
func NewCatalog(servers []ServerConfig, httpClient *http.Client, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		logger:     logger.With("component", "mcp_catalog"),
		httpClient: httpClient,
		servers:    append([]ServerConfig(nil), servers...),
	}
}

// SetServers replaces the server list. The next Refresh uses it.
func (c *Catalog) SetServers(servers []ServerConfig) {
	c.mu.Lock()
	c.servers = append([]ServerConfig(nil), servers...)
	c.mu.Unlock()
}

// Tools returns a copy of the current tool list.
func (c *Catalog) Tools() []RemoteTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]RemoteTool(nil), c.tools...)
}

// RefreshedAt returns the time of the last completed refresh.
func (c *Catalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}

// Refresh discovers every server's tools. Servers that fail are skipped and
// their errors joined into the returned error; the catalog is still updated
// with the tools that were discovered.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	servers := append([]ServerConfig(nil), c.servers...)
	c.mu.RUnlock()

	var (
		discovered []RemoteTool
		errs       []error
	)
	for i := range servers {
		srv := &servers[i]
		timeout := srv.Timeout
		if timeout <= 0 {
			timeout = defaultDiscoverTimeout
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		tools, err := Discover(dctx, srv, c.httpClient, c.logger)
		cancel()
		if err != nil {
			c.logger.Warn("mcp discovery failed", "server", srv.Name, "url", srv.URL, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", srv.URL, err))
			continue
		}
		for _, t := range tools {
			discovered = append(discovered, RemoteTool{
				URL:         srv.URL,
				Transport:   srv.Transport,
				APIKey:      srv.APIKey,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}

	merged := MergeTools(MaxCatalogTools, discovered)
	c.mu.Lock()
	c.tools = merged
	c.refreshed = time.Now()
	c.mu.Unlock()
	c.logger.Info("mcp catalog refreshed", "servers", len(servers), "tools", len(merged))
	return errors.Join(errs...)
}

// Start loads the catalog once and then refreshes it on schedule.
func (c *Catalog) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid refresh schedule: %w", err)
	}
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial mcp catalog refresh incomplete", "error", err)
	}
	c.cron = cron.New(cron.WithParser(cronParser))
	c.cron.Schedule(sched, cron.FuncJob(func() {
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("scheduled mcp catalog refresh incomplete", "error", err)
		}
	}))
	c.cron.Start()
	return nil
}

// Stop halts scheduled refreshes and waits for a running one to finish.
func (c *Catalog) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
}

// MergeTools concatenates tool lists, keeping the first tool of each name,
// and truncates the result to limit entries (limit <= 0 means no cap).
func MergeTools(limit int, lists ...[]RemoteTool) []RemoteTool {
	seen := make(map[string]struct{})
	var out []RemoteTool
	for _, list := range lists {
		for _, t := range list {
			if t.Name == "" {
				continue
			}
			if _, dup := seen[t.Name]; dup {
				continue
			}
			if limit > 0 && len(out) >= limit {
				return out
			}
			seen[t.Name] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
