package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// fakeServer is a minimal MCP server speaking both transports.
type fakeServer struct {
	t          *testing.T
	apiKey     string
	sseReply   bool // answer Streamable HTTP requests with an event stream
	noEndpoint bool
	tools      []*Tool
	pageSize   int

	mu       sync.Mutex
	methods  []string
	deleted  bool
	sessions map[string]chan *JSONRPCResponse
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{
		t: t,
		tools: []*Tool{
			{Name: "search_law", Description: "Search statutes", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
			{Name: "echo", Description: "Echo text"},
		},
		sessions: make(map[string]chan *JSONRPCResponse),
	}
}

func (f *fakeServer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeServer) authorized(r *http.Request) bool {
	return f.apiKey == "" || r.Header.Get("Authorization") == "Bearer "+f.apiKey
}

func (f *fakeServer) handle(req *JSONRPCRequest) *JSONRPCResponse {
	f.mu.Lock()
	f.methods = append(f.methods, req.Method)
	f.mu.Unlock()
	if req.ID == nil {
		return nil
	}

	resp := &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
	result := func(v any) {
		raw, _ := json.Marshal(v)
		resp.Result = raw
	}
	switch req.Method {
	case "initialize":
		result(InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
			ServerInfo:      ServerInfo{Name: "fake", Version: "0.1"},
		})
	case "tools/list":
		var p ListToolsParams
		_ = json.Unmarshal(req.Params, &p)
		start, _ := strconv.Atoi(p.Cursor)
		end := len(f.tools)
		next := ""
		if f.pageSize > 0 && start+f.pageSize < end {
			end = start + f.pageSize
			next = strconv.Itoa(end)
		}
		result(ListToolsResult{Tools: f.tools[start:end], NextCursor: next})
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &p)
		switch p.Name {
		case "echo":
			result(ToolCallResult{Content: []ToolResultContent{
				{Type: "text", Text: fmt.Sprintf("echo: %v", p.Arguments["text"])},
				{Type: "image", Data: "AAAA", MimeType: "image/png"},
				{Type: "text", Text: "done"},
			}})
		case "fail":
			result(ToolCallResult{IsError: true, Content: []ToolResultContent{{Type: "text", Text: "upstream registry offline"}}})
		default:
			resp.Error = &JSONRPCError{Code: ErrCodeInvalidParams, Message: "unknown tool " + p.Name}
		}
	default:
		resp.Error = &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "method not found"}
	}
	return resp
}

// streamableHandler serves the Streamable HTTP transport.
func (f *fakeServer) streamableHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodDelete {
			f.mu.Lock()
			f.deleted = r.Header.Get(sessionHeader) == "sess-1"
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
			return
		}
		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Method == "initialize" {
			w.Header().Set(sessionHeader, "sess-1")
		} else if r.Header.Get(sessionHeader) != "sess-1" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}
		resp := f.handle(&req)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		payload, _ := json.Marshal(resp)
		if f.sseReply {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, ": keepalive\n\nevent: message\ndata: %s\n\n", payload)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	})
}

// sseHandler serves the legacy SSE transport on /sse and /messages.
func (f *fakeServer) sseHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		out := make(chan *JSONRPCResponse, 16)
		f.mu.Lock()
		id := fmt.Sprintf("s%d", len(f.sessions)+1)
		f.sessions[id] = out
		f.mu.Unlock()

		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if !f.noEndpoint {
			fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=%s\n\n", id)
		}
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case resp := <-out:
				payload, _ := json.Marshal(resp)
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		out, ok := f.sessions[r.URL.Query().Get("sessionId")]
		f.mu.Unlock()
		if !ok || !f.authorized(r) {
			http.Error(w, "bad session", http.StatusBadRequest)
			return
		}
		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if resp := f.handle(&req); resp != nil {
			out <- resp
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func (f *fakeServer) startStreamable() *httptest.Server {
	srv := httptest.NewServer(f.streamableHandler())
	f.t.Cleanup(srv.Close)
	return srv
}

func (f *fakeServer) startSSE() *httptest.Server {
	srv := httptest.NewServer(f.sseHandler())
	f.t.Cleanup(srv.Close)
	return srv
}
