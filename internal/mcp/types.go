// Package mcp provides a Model Context Protocol (MCP) client for remote tool
// servers reachable over legacy SSE or Streamable HTTP.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransportKind specifies the MCP transport protocol.
type TransportKind string

const (
	TransportSSE            TransportKind = "SSE"
	TransportStreamableHTTP TransportKind = "STREAMABLE_HTTP"
)

const (
	// ProtocolVersion is sent in initialize.
	ProtocolVersion = "2024-11-05"
	// ClientName identifies this client to servers.
	ClientName    = "sanbao"
	ClientVersion = "1.0.0"
)

// ParseTransportKind accepts the canonical names and common spellings.
// An empty string selects Streamable HTTP.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "streamable_http", "streamable-http", "streamablehttp", "http":
		return TransportStreamableHTTP, nil
	case "sse":
		return TransportSSE, nil
	default:
		return "", fmt.Errorf("unknown MCP transport %q", s)
	}
}

// ServerConfig describes one remote tool server.
type ServerConfig struct {
	Name      string            `yaml:"name" json:"name"`
	URL       string            `yaml:"url" json:"url"`
	Transport TransportKind     `yaml:"transport" json:"transport"`
	APIKey    string            `yaml:"api_key" json:"-"`
	Headers   map[string]string `yaml:"headers" json:"headers,omitempty"`
	Timeout   time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if err := c.validateHTTPConfig(); err != nil {
		name := c.Name
		if name == "" {
			name = c.URL
		}
		return fmt.Errorf("mcp server %s: %w", name, err)
	}
	return nil
}

func (c *ServerConfig) validateHTTPConfig() error {
	if c.URL == "" {
		return fmt.Errorf("URL is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("URL must start with http:// or https://")
	}
	switch c.Transport {
	case "", TransportSSE, TransportStreamableHTTP:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

// RemoteTool is a tool offered by a remote server, carrying the connection
// details needed to call it.
type RemoteTool struct {
	URL         string          `json:"url"`
	Transport   TransportKind   `json:"transport"`
	APIKey      string          `json:"apiKey,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ServerConfig returns the connection settings of the tool's server.
func (t RemoteTool) ServerConfig() *ServerConfig {
	return &ServerConfig{URL: t.URL, Transport: t.Transport, APIKey: t.APIKey}
}

// Tool is a tool definition returned by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCallResult holds the result of calling an MCP tool.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// Text joins the text items of the result with newlines.
func (r *ToolCallResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolResultContent holds a piece of content from a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// JSON-RPC types

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no ID).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ServerInfo holds information about an MCP server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo holds information about the MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities is the subset of server capabilities the client reads.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// InitializeParams holds the parameters of initialize.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// ListToolsParams holds parameters for tools/list.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools      []*Tool `json:"tools"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
