package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/Farkhat1984/sanbao-sub000/internal/mcp"
	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
	"github.com/Farkhat1984/sanbao-sub000/internal/tools/native"
)

// RemoteToolTimeout is the hard limit for one remote tool call.
const RemoteToolTimeout = 30 * time.Second

// Backend names where a tool call is executed.
type Backend string

const (
	BackendRemote  Backend = "remote"
	BackendNative  Backend = "native"
	BackendBuiltin Backend = "builtin"
)

// RemoteCaller invokes a tool on a remote tool server.
type RemoteCaller interface {
	CallTool(ctx context.Context, tool mcp.RemoteTool, args map[string]any) (string, error)
}

// MCPCaller calls remote tools over MCP with a fresh session per call.
type MCPCaller struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// CallTool implements RemoteCaller.
func (c MCPCaller) CallTool(ctx context.Context, tool mcp.RemoteTool, args map[string]any) (string, error) {
	return mcp.CallTool(ctx, tool.ServerConfig(), c.HTTPClient, c.Logger, tool.Name, args)
}

// Router resolves completed tool calls to a backend and executes them.
// Resolution order is caller-supplied remote tools, then the native
// registry, then provider built-ins whose arguments pass through unchanged.
type Router struct {
	remote   map[string]mcp.RemoteTool
	registry *native.Registry
	caller   RemoteCaller
	timeout  time.Duration
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
}

// RouterConfig holds the collaborators of a Router.
type RouterConfig struct {
	RemoteTools []mcp.RemoteTool
	Registry    *native.Registry
	Caller      RemoteCaller
	Timeout     time.Duration
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
	Logger      *slog.Logger
}

// NewRouter creates a router for one request.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		remote:   make(map[string]mcp.RemoteTool, len(cfg.RemoteTools)),
		registry: cfg.Registry,
		caller:   cfg.Caller,
		timeout:  cfg.Timeout,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
	}
	for _, t := range cfg.RemoteTools {
		if _, dup := r.remote[t.Name]; !dup {
			r.remote[t.Name] = t
		}
	}
	if r.caller == nil {
		r.caller = MCPCaller{Logger: cfg.Logger}
	}
	if r.timeout <= 0 {
		r.timeout = RemoteToolTimeout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Resolve returns the backend a call to name would be routed to.
func (r *Router) Resolve(name string) Backend {
	if _, ok := r.remote[name]; ok {
		return BackendRemote
	}
	if r.registry != nil && r.registry.Has(name) {
		return BackendNative
	}
	return BackendBuiltin
}

// Dispatch executes one tool call and returns the tool message content.
// Failures are returned as content; Dispatch never fails the request.
func (r *Router) Dispatch(ctx context.Context, call ToolCall, inv *native.Invocation) string {
	backend := r.Resolve(call.Function.Name)
	ctx, span := r.tracer.TraceToolCall(ctx, string(backend), call.Function.Name)
	defer span.End()
	start := time.Now()

	var content string
	failed := false
	switch backend {
	case BackendRemote:
		content, failed = r.callRemote(ctx, r.remote[call.Function.Name], ParseArguments(call.Function.Arguments))
	case BackendNative:
		content, failed = r.registry.Execute(ctx, call.Function.Name, ParseArguments(call.Function.Arguments), inv)
	default:
		content = call.Function.Arguments
	}

	status := "success"
	if failed {
		status = "error"
		r.tracer.AddEvent(span, "tool_failed", "content", content)
		r.logger.Warn("tool call failed",
			"tool", call.Function.Name,
			"backend", string(backend),
			"result", content)
	}
	r.metrics.RecordToolExecution(string(backend), status, time.Since(start).Seconds())
	return content
}

// callRemote races the remote call against the timeout so a server that
// ignores cancellation cannot stall the turn loop.
func (r *Router) callRemote(ctx context.Context, tool mcp.RemoteTool, args map[string]any) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := r.caller.CallTool(ctx, tool, args)
		done <- outcome{text, err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.text, false
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return r.timeoutMessage(tool.Name), true
		}
		return "Error: " + res.err.Error(), true
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return r.timeoutMessage(tool.Name), true
		}
		return "Error: " + ctx.Err().Error(), true
	}
}

func (r *Router) timeoutMessage(name string) string {
	return fmt.Sprintf("Error: MCP tool %s timed out after %s", name, r.timeout)
}

// ParseArguments decodes a tool argument string into an object. Strict JSON
// is tried first, then JSON5; anything that is not an object yields an
// empty map.
func ParseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil && args != nil {
		return args
	}
	args = nil
	if err := json5.Unmarshal([]byte(raw), &args); err == nil && args != nil {
		return args
	}
	return map[string]any{}
}
