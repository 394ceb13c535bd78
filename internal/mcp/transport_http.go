package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const sessionHeader = "Mcp-Session-Id"

// StreamableHTTPTransport implements the MCP Streamable HTTP transport. Each
// message is a POST; the server answers with JSON or with a short SSE stream
// that carries the response.
type StreamableHTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	mu        sync.Mutex
	sessionID string
	connected atomic.Bool
}

// NewStreamableHTTPTransport creates a new Streamable HTTP transport.
func NewStreamableHTTPTransport(cfg *ServerConfig, client *http.Client) *StreamableHTTPTransport {
	return &StreamableHTTPTransport{
		config: cfg,
		logger: slog.Default().With("mcp_server", cfg.URL, "transport", "streamable_http"),
		client: client,
	}
}

// Connect marks the transport ready; the session starts with initialize.
func (t *StreamableHTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for HTTP transport")
	}
	t.connected.Store(true)
	return nil
}

// Close terminates the session when the server assigned one.
func (t *StreamableHTTPTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	session := t.session()
	if session == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.config.URL, nil)
	if err != nil {
		return nil
	}
	applyHeaders(req, t.config)
	req.Header.Set(sessionHeader, session)
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("session delete failed", "error", err)
		return nil
	}
	resp.Body.Close()
	return nil
}

// Connected returns whether the transport is connected.
func (t *StreamableHTTPTransport) Connected() bool {
	return t.connected.Load()
}

func (t *StreamableHTTPTransport) session() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *StreamableHTTPTransport) headers() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/event-stream")
	if s := t.session(); s != "" {
		h.Set(sessionHeader, s)
	}
	return h
}

func (t *StreamableHTTPTransport) rememberSession(resp *http.Response) {
	if s := resp.Header.Get(sessionHeader); s != "" {
		t.mu.Lock()
		t.sessionID = s
		t.mu.Unlock()
	}
}

// Call sends a request and waits for its response.
func (t *StreamableHTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}
	req, err := newRequest(method, params)
	if err != nil {
		return nil, err
	}

	resp, err := postJSON(ctx, t.client, t.config, t.config.URL, req, t.headers())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	t.rememberSession(resp)

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		var found *JSONRPCResponse
		err := readSSE(resp.Body, func(_, data string) bool {
			var msg JSONRPCResponse
			if json.Unmarshal([]byte(data), &msg) != nil {
				return true
			}
			if sameID(msg.ID, req.ID) && (msg.Result != nil || msg.Error != nil) {
				found = &msg
				return false
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		if found == nil {
			return nil, fmt.Errorf("no response to %s in event stream", method)
		}
		return resultOf(found)
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resultOf(&rpcResp)
}

// Notify sends a notification (no response expected).
func (t *StreamableHTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	notif, err := newNotification(method, params)
	if err != nil {
		return err
	}
	resp, err := postJSON(ctx, t.client, t.config, t.config.URL, notif, t.headers())
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
