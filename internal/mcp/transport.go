package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxSSELineSize        = 1 << 20
	maxErrorBodyBytes     = 512
)

// ErrNotConnected is returned by transports used before Connect or after Close.
var ErrNotConnected = errors.New("mcp: not connected")

// Transport defines the interface for MCP transports.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Connected returns whether the transport is connected.
	Connected() bool
}

// NewTransport creates a transport for the configured kind. A nil client
// uses a default http.Client.
func NewTransport(cfg *ServerConfig, client *http.Client) Transport {
	if client == nil {
		client = &http.Client{}
	}
	switch cfg.Transport {
	case TransportSSE:
		return NewSSETransport(cfg, client)
	default:
		return NewStreamableHTTPTransport(cfg, client)
	}
}

func newRequest(method string, params any) (*JSONRPCRequest, error) {
	req := &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}
	return req, nil
}

func newNotification(method string, params any) (*JSONRPCNotification, error) {
	notif := &JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	return notif, nil
}

// postJSON sends body to url with the server's auth and extra headers.
func postJSON(ctx context.Context, client *http.Client, cfg *ServerConfig, url string, body any, extra http.Header) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyHeaders(httpReq, cfg)
	for k, vs := range extra {
		for _, v := range vs {
			httpReq.Header.Set(k, v)
		}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func applyHeaders(req *http.Request, cfg *ServerConfig) {
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
}

// resultOf unwraps a JSON-RPC response into its result.
func resultOf(resp *JSONRPCResponse) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// sameID compares JSON-RPC ids that may have been decoded as different types.
func sameID(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// readSSE scans a text/event-stream body and calls fn for every dispatched
// event. Multi-line data fields are joined with "\n". Returning false from fn
// stops the scan.
func readSSE(r io.Reader, fn func(event, data string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)

	var event string
	var data []string
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if len(data) > 0 {
				if !fn(event, strings.Join(data, "\n")) {
					return nil
				}
			}
			event, data = "", nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(data) > 0 {
		fn(event, strings.Join(data, "\n"))
	}
	return nil
}
