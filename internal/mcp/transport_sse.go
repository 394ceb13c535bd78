package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
)

// SSETransport implements the legacy HTTP+SSE transport: a long-lived GET
// stream announces a POST endpoint via an "endpoint" event and carries every
// response as a "message" event.
type SSETransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	endpoint  string
	cancel    context.CancelFunc
	done      chan struct{}
	connected atomic.Bool

	mu      sync.Mutex
	pending map[string]chan *JSONRPCResponse
	err     error
}

// NewSSETransport creates a new legacy SSE transport.
func NewSSETransport(cfg *ServerConfig, client *http.Client) *SSETransport {
	return &SSETransport{
		config:  cfg,
		logger:  slog.Default().With("mcp_server", cfg.URL, "transport", "sse"),
		client:  client,
		pending: make(map[string]chan *JSONRPCResponse),
	}
}

// Connect opens the event stream and waits for the endpoint announcement.
func (t *SSETransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for SSE transport")
	}
	base, err := url.Parse(t.config.URL)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	applyHeaders(req, t.config)

	type dialResult struct {
		resp *http.Response
		err  error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		resp, err := t.client.Do(req)
		dialed <- dialResult{resp, err}
	}()

	var resp *http.Response
	select {
	case r := <-dialed:
		if r.err != nil {
			cancel()
			return fmt.Errorf("open event stream: %w", r.err)
		}
		resp = r.resp
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("open event stream: HTTP %d", resp.StatusCode)
	}

	endpoint := make(chan string, 1)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.readLoop(resp, base, endpoint)

	select {
	case ep, ok := <-endpoint:
		if !ok {
			t.Close()
			return errors.New("event stream closed before endpoint event")
		}
		t.endpoint = ep
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
	t.connected.Store(true)
	return nil
}

func (t *SSETransport) readLoop(resp *http.Response, base *url.URL, endpoint chan<- string) {
	defer close(t.done)
	defer resp.Body.Close()

	announced := false
	err := readSSE(resp.Body, func(event, data string) bool {
		switch event {
		case "endpoint":
			if announced {
				return true
			}
			ref, err := url.Parse(data)
			if err != nil {
				t.logger.Warn("invalid endpoint event", "data", data)
				return true
			}
			announced = true
			endpoint <- base.ResolveReference(ref).String()
		case "", "message":
			var msg JSONRPCResponse
			if json.Unmarshal([]byte(data), &msg) != nil || msg.ID == nil {
				return true
			}
			t.deliver(&msg)
		}
		return true
	})
	if !announced {
		close(endpoint)
	}
	if err == nil {
		err = errors.New("event stream closed")
	}
	t.failPending(err)
}

func (t *SSETransport) deliver(msg *JSONRPCResponse) {
	key := fmt.Sprint(msg.ID)
	t.mu.Lock()
	ch, ok := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (t *SSETransport) failPending(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
	for key, ch := range t.pending {
		close(ch)
		delete(t.pending, key)
	}
	t.connected.Store(false)
}

// Close closes the event stream and fails outstanding calls.
func (t *SSETransport) Close() error {
	t.connected.Store(false)
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
	return nil
}

// Connected returns whether the transport is connected.
func (t *SSETransport) Connected() bool {
	return t.connected.Load()
}

// Call posts a request to the endpoint and waits for the response event.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}
	req, err := newRequest(method, params)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprint(req.ID)
	ch := make(chan *JSONRPCResponse, 1)
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return nil, t.err
	}
	t.pending[key] = ch
	t.mu.Unlock()

	resp, err := postJSON(ctx, t.client, t.config, t.endpoint, req, nil)
	if err != nil {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		return nil, err
	}
	resp.Body.Close()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, t.streamErr())
		}
		return resultOf(msg)
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *SSETransport) streamErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	return ErrNotConnected
}

// Notify posts a notification to the endpoint.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	notif, err := newNotification(method, params)
	if err != nil {
		return err
	}
	resp, err := postJSON(ctx, t.client, t.config, t.endpoint, notif, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
