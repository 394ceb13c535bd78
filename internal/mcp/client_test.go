package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseTransportKind(t *testing.T) {
	tests := []struct {
		in      string
		want    TransportKind
		wantErr bool
	}{
		{"", TransportStreamableHTTP, false},
		{"STREAMABLE_HTTP", TransportStreamableHTTP, false},
		{"streamable-http", TransportStreamableHTTP, false},
		{"SSE", TransportSSE, false},
		{" sse ", TransportSSE, false},
		{"stdio", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTransportKind(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseTransportKind(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{name: "valid", cfg: ServerConfig{Name: "law", URL: "https://mcp.example.com/mcp", Transport: TransportStreamableHTTP}},
		{name: "missing url", cfg: ServerConfig{Name: "law"}, wantErr: "URL is required"},
		{name: "bad scheme", cfg: ServerConfig{URL: "ftp://x"}, wantErr: "must start with http"},
		{name: "bad transport", cfg: ServerConfig{URL: "http://x", Transport: "grpc"}, wantErr: "unknown transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestReadSSE(t *testing.T) {
	stream := ": comment\r\n" +
		"event: endpoint\r\n" +
		"data: /messages\r\n" +
		"\r\n" +
		"data: line one\n" +
		"data: line two\n" +
		"id: 7\n" +
		"\n" +
		"data:no-space"
	type ev struct{ event, data string }
	var got []ev
	if err := readSSE(strings.NewReader(stream), func(event, data string) bool {
		got = append(got, ev{event, data})
		return true
	}); err != nil {
		t.Fatalf("readSSE() error = %v", err)
	}
	want := []ev{{"endpoint", "/messages"}, {"", "line one\nline two"}, {"", "no-space"}}
	if len(got) != len(want) {
		t.Fatalf("events = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDiscoverStreamableHTTP(t *testing.T) {
	for _, sseReply := range []bool{false, true} {
		t.Run(map[bool]string{false: "json", true: "event-stream"}[sseReply], func(t *testing.T) {
			fake := newFakeServer(t)
			fake.apiKey = "secret"
			fake.sseReply = sseReply
			srv := fake.startStreamable()

			tools, err := Discover(context.Background(), &ServerConfig{URL: srv.URL, APIKey: "secret"}, nil, nil)
			if err != nil {
				t.Fatalf("Discover() error = %v", err)
			}
			if len(tools) != 2 || tools[0].Name != "search_law" || tools[1].Name != "echo" {
				t.Fatalf("tools = %+v", tools)
			}
			if string(tools[1].InputSchema) != string(emptyObjectSchema) {
				t.Errorf("missing schema replaced with %s", tools[1].InputSchema)
			}
			calls := strings.Join(fake.calls(), ",")
			if calls != "initialize,notifications/initialized,tools/list" {
				t.Errorf("server saw %s", calls)
			}
			fake.mu.Lock()
			deleted := fake.deleted
			fake.mu.Unlock()
			if !deleted {
				t.Error("session was not terminated on Close")
			}
		})
	}
}

func TestDiscoverUnauthorized(t *testing.T) {
	fake := newFakeServer(t)
	fake.apiKey = "secret"
	srv := fake.startStreamable()

	_, err := Discover(context.Background(), &ServerConfig{URL: srv.URL, APIKey: "wrong"}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Fatalf("Discover() error = %v, want HTTP 401", err)
	}
}

func TestListToolsPagination(t *testing.T) {
	fake := newFakeServer(t)
	fake.pageSize = 1
	srv := fake.startStreamable()

	tools, err := Discover(context.Background(), &ServerConfig{URL: srv.URL}, nil, nil)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2 across pages", len(tools))
	}
}

func TestCallToolStreamableHTTP(t *testing.T) {
	fake := newFakeServer(t)
	srv := fake.startStreamable()
	cfg := &ServerConfig{URL: srv.URL, Transport: TransportStreamableHTTP}
	ctx := context.Background()

	text, err := CallTool(ctx, cfg, nil, nil, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if text != "echo: hi\ndone" {
		t.Errorf("CallTool() = %q, want joined text items", text)
	}

	_, err = CallTool(ctx, cfg, nil, nil, "fail", nil)
	if !IsToolError(err) || err.Error() != "upstream registry offline" {
		t.Errorf("CallTool(fail) error = %v, want ToolError", err)
	}

	_, err = CallTool(ctx, cfg, nil, nil, "missing", nil)
	var rpcErr *JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != ErrCodeInvalidParams {
		t.Errorf("CallTool(missing) error = %v, want JSON-RPC invalid params", err)
	}
}

func TestSSETransport(t *testing.T) {
	fake := newFakeServer(t)
	fake.apiKey = "k"
	srv := fake.startSSE()
	cfg := &ServerConfig{URL: srv.URL + "/sse", Transport: TransportSSE, APIKey: "k"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := Discover(ctx, cfg, nil, nil)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("tools = %+v", tools)
	}

	text, err := CallTool(ctx, cfg, nil, nil, "echo", map[string]any{"text": "over sse"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if text != "echo: over sse\ndone" {
		t.Errorf("CallTool() = %q", text)
	}
}

func TestSSEConnectWithoutEndpoint(t *testing.T) {
	fake := newFakeServer(t)
	fake.noEndpoint = true
	srv := fake.startSSE()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	client := NewClient(&ServerConfig{URL: srv.URL + "/sse", Transport: TransportSSE}, nil, nil)
	err := client.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() error = %v, want deadline exceeded", err)
	}
	if client.Connected() {
		t.Error("client should not report connected")
	}
}

func TestTransportNotConnected(t *testing.T) {
	for _, kind := range []TransportKind{TransportSSE, TransportStreamableHTTP} {
		tr := NewTransport(&ServerConfig{URL: "http://127.0.0.1:1", Transport: kind}, nil)
		if _, err := tr.Call(context.Background(), "tools/list", nil); !errors.Is(err, ErrNotConnected) {
			t.Errorf("%s Call() before Connect error = %v, want ErrNotConnected", kind, err)
		}
	}
}
