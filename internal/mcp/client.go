package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// maxListPages bounds tools/list pagination.
const maxListPages = 20

// emptyObjectSchema replaces missing tool input schemas.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Client is an MCP client that connects to a single server.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	serverInfo ServerInfo
}

// NewClient creates a new MCP client. A nil httpClient uses a default one.
func NewClient(cfg *ServerConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg, httpClient),
		logger:    logger.With("mcp_server", cfg.URL),
	}
}

// Connect establishes the connection and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo{Name: ClientName, Version: ClientVersion},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = initResult.ServerInfo
	c.logger.Debug("connected to MCP server",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}
	return nil
}

// Close closes the connection to the MCP server.
func (c *Client) Close() error {
	return c.transport.Close()
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// Connected returns whether the client is connected.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ListTools returns every tool of the server, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]*Tool, error) {
	var tools []*Tool
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = ListToolsParams{Cursor: cursor}
		}
		result, err := c.transport.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		var resp ListToolsResult
		if err := json.Unmarshal(result, &resp); err != nil {
			return nil, fmt.Errorf("parse tools/list result: %w", err)
		}
		for _, tool := range resp.Tools {
			if tool == nil || tool.Name == "" {
				continue
			}
			if len(tool.InputSchema) == 0 || string(tool.InputSchema) == "null" {
				tool.InputSchema = emptyObjectSchema
			}
			tools = append(tools, tool)
		}
		if resp.NextCursor == "" {
			return tools, nil
		}
		cursor = resp.NextCursor
	}
	c.logger.Warn("tools/list pagination truncated", "pages", maxListPages)
	return tools, nil
}

// CallTool calls a tool on the MCP server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments == nil {
		arguments = map[string]any{}
	}
	argsJSON, err := json.Marshal(arguments)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	params.Arguments = argsJSON

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}

// ToolError is returned when the server reports a failed tool call.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %s failed", e.Tool)
	}
	return e.Message
}

// Discover connects to a server, lists its tools and disconnects.
func Discover(ctx context.Context, cfg *ServerConfig, httpClient *http.Client, logger *slog.Logger) ([]*Tool, error) {
	client := NewClient(cfg, httpClient, logger)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	defer client.Close()
	return client.ListTools(ctx)
}

// CallTool connects to a server, invokes one tool and disconnects. The text
// items of the result are joined with newlines.
func CallTool(ctx context.Context, cfg *ServerConfig, httpClient *http.Client, logger *slog.Logger, name string, arguments map[string]any) (string, error) {
	client := NewClient(cfg, httpClient, logger)
	if err := client.Connect(ctx); err != nil {
		return "", err
	}
	defer client.Close()

	result, err := client.CallTool(ctx, name, arguments)
	if err != nil {
		return "", err
	}
	text := result.Text()
	if result.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}
	return text, nil
}

// IsToolError reports whether err is a server-reported tool failure.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}
