package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Farkhat1984/sanbao-sub000/internal/mcp"
	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
	"github.com/Farkhat1984/sanbao-sub000/internal/tools/native"
)

// scriptedUpstream replays one SSE body per request and records the
// decoded request bodies.
type scriptedUpstream struct {
	t      *testing.T
	mu     sync.Mutex
	turns  []string
	bodies []map[string]any
	auth   []string
	server *httptest.Server
}

func newScriptedUpstream(t *testing.T, turns ...string) *scriptedUpstream {
	t.Helper()
	u := &scriptedUpstream{t: t, turns: turns}
	u.server = httptest.NewServer(http.HandlerFunc(u.handle))
	t.Cleanup(u.server.Close)
	return u
}

func (u *scriptedUpstream) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	n := len(u.bodies)
	u.bodies = append(u.bodies, body)
	u.auth = append(u.auth, r.Header.Get("Authorization"))
	u.mu.Unlock()

	if n >= len(u.turns) {
		u.t.Errorf("unexpected upstream request %d", n+1)
		http.Error(w, "no more turns", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	_, _ = io.WriteString(w, u.turns[n])
}

func (u *scriptedUpstream) requests() []map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]map[string]any(nil), u.bodies...)
}

func sse(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: ")
		b.WriteString(c)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func contentChunk(text string) string {
	raw, _ := json.Marshal(text)
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%s}}]}`, raw)
}

func reasoningChunk(text string) string {
	raw, _ := json.Marshal(text)
	return fmt.Sprintf(`{"choices":[{"delta":{"reasoning_content":%s}}]}`, raw)
}

const stopChunk = `{"choices":[{"delta":{},"finish_reason":"stop"}]}`

const toolCallsFinish = `{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`

// toolCallChunks streams one call whose arguments arrive in n fragments.
func toolCallChunks(index int, id, name, args string, n int) []string {
	size := (len(args) + n - 1) / n
	var parts []string
	for i := 0; i < len(args); i += size {
		end := min(i+size, len(args))
		parts = append(parts, args[i:end])
	}
	for len(parts) < n {
		parts = append(parts, "")
	}
	first, _ := json.Marshal(parts[0])
	chunks := []string{fmt.Sprintf(
		`{"choices":[{"delta":{"tool_calls":[{"index":%d,"id":%q,"type":"function","function":{"name":%q,"arguments":%s}}]}}]}`,
		index, id, name, first)}
	for _, p := range parts[1:] {
		frag, _ := json.Marshal(p)
		chunks = append(chunks, fmt.Sprintf(
			`{"choices":[{"delta":{"tool_calls":[{"index":%d,"function":{"arguments":%s}}]}}]}`, index, frag))
	}
	return chunks
}

func newTestOrchestrator(u *scriptedUpstream, reg *native.Registry, caller RemoteCaller, metrics *observability.Metrics) *Orchestrator {
	return New(Config{
		BaseURL:      u.server.URL,
		APIKey:       "test-key",
		Model:        "kimi-test",
		HTTPClient:   u.server.Client(),
		Registry:     reg,
		RemoteCaller: caller,
		Metrics:      metrics,
	})
}

func userMessages(text string) []ChatMessage {
	return []ChatMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: text},
	}
}

func tags(events []Event) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString(string(e.Tag()))
	}
	return b.String()
}

func TestRunStreamsContentAndPlan(t *testing.T) {
	u := newScriptedUpstream(t, sse(
		contentChunk("Hello <sanbao-"),
		contentChunk("plan>step 1</sanbao-plan>"),
		contentChunk(" world"),
		stopChunk,
	))
	orch := newTestOrchestrator(u, nil, nil, nil)
	rec := &Recorder{}

	res, err := orch.Run(context.Background(), Request{Messages: userMessages("hi")}, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var content, plan strings.Builder
	for _, e := range rec.Events() {
		switch ev := e.(type) {
		case ContentEvent:
			content.WriteString(ev.Text)
		case PlanEvent:
			plan.WriteString(ev.Text)
		default:
			t.Errorf("unexpected event %+v", e)
		}
	}
	if content.String() != "Hello  world" || plan.String() != "step 1" {
		t.Errorf("content = %q, plan = %q", content.String(), plan.String())
	}
	if res.Content != "Hello  world" || res.Plan != "step 1" || res.Turns != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := u.auth[0]; got != "Bearer test-key" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestRunRequestBody(t *testing.T) {
	tests := []struct {
		name     string
		thinking bool
		search   bool
		wantTemp float64
		wantTool []string
	}{
		{"thinking off", false, false, DefaultTemperature, []string{"lookup", "remote_tool"}},
		{"thinking on with search", true, true, ThinkingTemperature, []string{WebSearchToolName, "lookup", "remote_tool"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newScriptedUpstream(t, sse(contentChunk("ok"), stopChunk))
			reg := newTestRegistry(t, echoTool("lookup"))
			orch := newTestOrchestrator(u, reg, &fakeCaller{}, nil)

			_, err := orch.Run(context.Background(), Request{
				Messages:    userMessages("q"),
				MaxTokens:   2048,
				Thinking:    tt.thinking,
				WebSearch:   tt.search,
				RemoteTools: []mcp.RemoteTool{{Name: "remote_tool", Description: "remote"}},
			}, &Recorder{})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			body := u.requests()[0]
			if body["model"] != "kimi-test" || body["stream"] != true || body["max_tokens"] != float64(2048) {
				t.Errorf("body = %v", body)
			}
			if body["temperature"] != tt.wantTemp || body["top_p"] != DefaultTopP {
				t.Errorf("temperature = %v, top_p = %v", body["temperature"], body["top_p"])
			}
			thinking, hasThinking := body["thinking"]
			if tt.thinking && hasThinking {
				t.Errorf("thinking = %v, want omitted", thinking)
			}
			if !tt.thinking {
				if m, ok := thinking.(map[string]any); !ok || m["type"] != "disabled" {
					t.Errorf("thinking = %v, want disabled", thinking)
				}
			}

			tools, _ := body["tools"].([]any)
			var names []string
			for _, raw := range tools {
				fn := raw.(map[string]any)["function"].(map[string]any)
				names = append(names, fn["name"].(string))
			}
			if strings.Join(names, ",") != strings.Join(tt.wantTool, ",") {
				t.Errorf("tools = %v, want %v", names, tt.wantTool)
			}
			remote := tools[len(tools)-1].(map[string]any)
			params := remote["function"].(map[string]any)["parameters"].(map[string]any)
			if remote["type"] != "function" || params["type"] != "object" {
				t.Errorf("remote tool spec = %v", remote)
			}
		})
	}
}

func TestRunContextEventFirst(t *testing.T) {
	u := newScriptedUpstream(t, sse(contentChunk("ok"), stopChunk))
	orch := newTestOrchestrator(u, nil, nil, nil)
	rec := &Recorder{}
	ctxEvent := ContextEvent{UsagePercent: 75, TotalTokens: 96000, ContextWindowSize: 128000, Compacting: true}

	if _, err := orch.Run(context.Background(), Request{Messages: userMessages("q"), Context: &ctxEvent}, rec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := rec.Events()
	if len(events) == 0 || events[0] != ctxEvent {
		t.Fatalf("first event = %+v, want context event", events)
	}
	if got := tags(events); got != "xc" {
		t.Errorf("tags = %q, want xc", got)
	}
}

func TestRunReasoningOnlyWhenThinking(t *testing.T) {
	body := sse(reasoningChunk("let me think"), contentChunk("answer"), stopChunk)
	for _, thinking := range []bool{false, true} {
		u := newScriptedUpstream(t, body)
		orch := newTestOrchestrator(u, nil, nil, nil)
		rec := &Recorder{}
		res, err := orch.Run(context.Background(), Request{Messages: userMessages("q"), Thinking: thinking}, rec)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		want := "c"
		if thinking {
			want = "rc"
		}
		if got := tags(rec.Events()); got != want {
			t.Errorf("thinking=%t tags = %q, want %q", thinking, got, want)
		}
		if thinking && res.Reasoning != "let me think" {
			t.Errorf("reasoning = %q", res.Reasoning)
		}
	}
}

func TestRunToolLoopReassemblesArguments(t *testing.T) {
	for _, fragments := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("%d fragments", fragments), func(t *testing.T) {
			args := `{"text":"contract law"}`
			turn1 := append(toolCallChunks(0, "call_1", "lookup", args, fragments), toolCallsFinish)
			u := newScriptedUpstream(t,
				sse(turn1...),
				sse(contentChunk("Found it."), stopChunk),
			)
			var gotArgs map[string]any
			reg := newTestRegistry(t, native.Definition{
				Name: "lookup",
				Execute: func(_ context.Context, a map[string]any, inv *native.Invocation) (string, error) {
					gotArgs = a
					if inv.UserID != "u1" {
						t.Errorf("invocation user = %q", inv.UserID)
					}
					return "result for " + a["text"].(string), nil
				},
			})
			orch := newTestOrchestrator(u, reg, nil, nil)
			rec := &Recorder{}

			res, err := orch.Run(context.Background(), Request{
				Messages:   userMessages("q"),
				Invocation: &native.Invocation{UserID: "u1"},
			}, rec)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if gotArgs["text"] != "contract law" {
				t.Errorf("tool args = %v", gotArgs)
			}
			if got := tags(rec.Events()); got != "ssc" {
				t.Errorf("tags = %q, want ssc (searching, using_tool, content)", got)
			}
			if res.Turns != 2 || res.ToolCalls != 1 {
				t.Errorf("turns = %d, tool calls = %d", res.Turns, res.ToolCalls)
			}

			second := u.requests()[1]["messages"].([]any)
			if len(second) != 4 {
				t.Fatalf("second request has %d messages, want 4", len(second))
			}
			assistant := second[2].(map[string]any)
			if _, has := assistant["content"]; has {
				t.Errorf("assistant tool-call message has content: %v", assistant)
			}
			if _, has := assistant["reasoning_content"]; has {
				t.Errorf("reasoning_content sent with thinking off: %v", assistant)
			}
			call := assistant["tool_calls"].([]any)[0].(map[string]any)
			if call["function"].(map[string]any)["arguments"] != args {
				t.Errorf("reassembled arguments = %v", call["function"])
			}
			tool := second[3].(map[string]any)
			if tool["role"] != "tool" || tool["tool_call_id"] != "call_1" || tool["content"] != "result for contract law" {
				t.Errorf("tool message = %v", tool)
			}
		})
	}
}

func TestRunMultipleCallsInIndexOrder(t *testing.T) {
	turn1 := append(toolCallChunks(1, "call_b", "second", `{}`, 1), toolCallChunks(0, "call_a", "first", `{}`, 1)...)
	turn1 = append(turn1, toolCallsFinish)
	u := newScriptedUpstream(t, sse(turn1...), sse(contentChunk("done"), stopChunk))
	caller := &fakeCaller{}
	orch := newTestOrchestrator(u, nil, caller, nil)

	_, err := orch.Run(context.Background(), Request{
		Messages:    userMessages("q"),
		RemoteTools: []mcp.RemoteTool{{Name: "first"}, {Name: "second"}},
	}, &Recorder{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(caller.calls, ",") != "first,second" {
		t.Errorf("call order = %v", caller.calls)
	}
}

func TestRunReasoningPlaceholderOnToolTurn(t *testing.T) {
	turn1 := append(toolCallChunks(0, "c1", "$web_search", `{"q":"x"}`, 1), toolCallsFinish)
	u := newScriptedUpstream(t, sse(turn1...), sse(contentChunk("ok"), stopChunk))
	orch := newTestOrchestrator(u, nil, nil, nil)
	rec := &Recorder{}

	if _, err := orch.Run(context.Background(), Request{Messages: userMessages("q"), Thinking: true, WebSearch: true}, rec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	second := u.requests()[1]["messages"].([]any)
	assistant := second[2].(map[string]any)
	if assistant["reasoning_content"] != "." {
		t.Errorf("reasoning_content = %v, want placeholder", assistant["reasoning_content"])
	}
	tool := second[3].(map[string]any)
	if tool["content"] != `{"q":"x"}` {
		t.Errorf("builtin tool content = %v, want raw arguments", tool["content"])
	}
	if got := tags(rec.Events()); got != "sc" {
		t.Errorf("tags = %q, want sc: builtin calls get no using_tool status", got)
	}
}

func TestRunFailingToolDoesNotAbort(t *testing.T) {
	turn1 := append(toolCallChunks(0, "c1", "broken", `{}`, 1), toolCallsFinish)
	u := newScriptedUpstream(t, sse(turn1...), sse(contentChunk("recovered"), stopChunk))
	reg := newTestRegistry(t, native.Definition{
		Name: "broken",
		Execute: func(context.Context, map[string]any, *native.Invocation) (string, error) {
			panic("tool exploded")
		},
	})
	orch := newTestOrchestrator(u, reg, nil, nil)

	res, err := orch.Run(context.Background(), Request{Messages: userMessages("q")}, &Recorder{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "recovered" {
		t.Errorf("content = %q", res.Content)
	}
	tool := u.requests()[1]["messages"].([]any)[3].(map[string]any)
	if !strings.HasPrefix(tool["content"].(string), "Error executing broken") {
		t.Errorf("tool content = %v", tool["content"])
	}
}

func TestRunTurnCap(t *testing.T) {
	turn := sse(append(toolCallChunks(0, "c", "lookup", `{"text":"again"}`, 2), toolCallsFinish)...)
	turns := make([]string, MaxTurns)
	for i := range turns {
		turns[i] = turn
	}
	u := newScriptedUpstream(t, turns...)
	executions := 0
	reg := newTestRegistry(t, native.Definition{
		Name: "lookup",
		Execute: func(context.Context, map[string]any, *native.Invocation) (string, error) {
			executions++
			return "more", nil
		},
	})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	orch := newTestOrchestrator(u, reg, nil, metrics)

	res, err := orch.Run(context.Background(), Request{Messages: userMessages("q")}, &Recorder{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(u.requests()); got != MaxTurns {
		t.Errorf("upstream requests = %d, want %d", got, MaxTurns)
	}
	if executions != MaxTurns-1 {
		t.Errorf("tool executions = %d, want %d", executions, MaxTurns-1)
	}
	if !res.Truncated || res.Turns != MaxTurns {
		t.Errorf("result = %+v, want truncated after %d turns", res, MaxTurns)
	}
	if got := testutil.ToFloat64(metrics.TurnCapHits); got != 1 {
		t.Errorf("turn cap metric = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ChatRequests.WithLabelValues("truncated")); got != 1 {
		t.Errorf("truncated outcome metric = %v", got)
	}
}

func TestRunToolCallsWithoutFinishReasonEndTurn(t *testing.T) {
	u := newScriptedUpstream(t, sse(append(toolCallChunks(0, "c", "lookup", `{}`, 1), stopChunk)...))
	reg := newTestRegistry(t, echoTool("lookup"))
	orch := newTestOrchestrator(u, reg, nil, nil)

	res, err := orch.Run(context.Background(), Request{Messages: userMessages("q")}, &Recorder{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Turns != 1 || res.ToolCalls != 0 {
		t.Errorf("result = %+v, want a single turn without dispatch", res)
	}
}

func TestRunUpstreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
		is      error
	}{
		{
			name: "status with message",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, `{"error":{"message":"rate limited"}}`)
			},
			want: "rate limited",
			is:   ErrUpstreamStatus,
		},
		{
			name: "status without body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: "upstream API error: 502",
			is:   ErrUpstreamStatus,
		},
		{
			name: "error chunk",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, sse(contentChunk("partial"), `{"type":"error"}`))
			},
			want: "provider API error",
			is:   ErrProviderError,
		},
		{
			name: "error chunk with message",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, sse(`{"error":{"message":"content filtered"}}`))
			},
			want: "content filtered",
			is:   ErrProviderError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			metrics := observability.NewMetrics(prometheus.NewRegistry())
			orch := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), Metrics: metrics})
			rec := httptest.NewRecorder()
			enc := NewEncoder(rec, nil)

			_, err := orch.Run(context.Background(), Request{Messages: userMessages("q")}, enc)
			var loopErr *LoopError
			if !errors.As(err, &loopErr) || !errors.Is(err, tt.is) {
				t.Fatalf("err = %v, want LoopError wrapping %v", err, tt.is)
			}

			events := readEvents(t, rec.Body.String())
			errorEvents := 0
			for _, e := range events {
				if e.Tag() == TagError {
					errorEvents++
				}
			}
			last := events[len(events)-1]
			if errorEvents != 1 || last != (ErrorEvent{Message: tt.want}) {
				t.Errorf("events = %+v, want exactly one trailing error %q", events, tt.want)
			}
			if got := testutil.ToFloat64(metrics.ChatRequests.WithLabelValues("error")); got != 1 {
				t.Errorf("error outcome metric = %v", got)
			}
		})
	}
}

func TestRunConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	orch := New(Config{BaseURL: url})
	rec := &Recorder{}
	_, err := orch.Run(context.Background(), Request{Messages: userMessages("q")}, rec)
	if !errors.Is(err, ErrUpstreamConnection) {
		t.Fatalf("err = %v, want ErrUpstreamConnection", err)
	}
	events := rec.Events()
	if len(events) != 1 || events[0] != (ErrorEvent{Message: "upstream connection failed"}) {
		t.Errorf("events = %+v", events)
	}
}

func TestRunClientGoneAbortsWithoutErrorEvent(t *testing.T) {
	u := newScriptedUpstream(t, sse(contentChunk("one"), contentChunk("two"), contentChunk("three"), stopChunk))
	orch := newTestOrchestrator(u, nil, nil, nil)

	var emitted []Event
	sink := SinkFunc(func(_ context.Context, e Event) error {
		emitted = append(emitted, e)
		if len(emitted) == 1 {
			return errors.New("broken pipe")
		}
		return nil
	})
	res, err := orch.Run(context.Background(), Request{Messages: userMessages("q")}, sink)
	if err == nil || !res.Aborted {
		t.Fatalf("err = %v, aborted = %t, want an abort", err, res.Aborted)
	}
	if len(emitted) != 1 {
		t.Errorf("emitted %d events after the client left, want 1", len(emitted))
	}
}

func TestRunCanceledContext(t *testing.T) {
	u := newScriptedUpstream(t)
	orch := newTestOrchestrator(u, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &Recorder{}
	res, err := orch.Run(ctx, Request{Messages: userMessages("q")}, rec)
	if !errors.Is(err, context.Canceled) || !res.Aborted {
		t.Fatalf("err = %v, aborted = %t", err, res.Aborted)
	}
	if len(rec.Events()) != 0 {
		t.Errorf("events = %+v, want none", rec.Events())
	}
	if len(u.requests()) != 0 {
		t.Errorf("upstream called after cancellation")
	}
}

func TestRunPlanSpansTurns(t *testing.T) {
	turn1 := append([]string{contentChunk("<sanbao-plan>gather")}, toolCallChunks(0, "c", "$web_search", `{}`, 1)...)
	turn1 = append(turn1, toolCallsFinish)
	u := newScriptedUpstream(t,
		sse(turn1...),
		sse(contentChunk(" sources</sanbao-plan>Answer"), stopChunk),
	)
	orch := newTestOrchestrator(u, nil, nil, nil)

	res, err := orch.Run(context.Background(), Request{Messages: userMessages("q"), WebSearch: true}, &Recorder{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Plan != "gather sources" || res.Content != "Answer" {
		t.Errorf("plan = %q, content = %q", res.Plan, res.Content)
	}
}

func TestRunUsageAccumulates(t *testing.T) {
	usage := `{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`
	u := newScriptedUpstream(t, sse(contentChunk("x"), usage))
	orch := newTestOrchestrator(u, nil, nil, nil)

	res, err := orch.Run(context.Background(), Request{Messages: userMessages("q")}, &Recorder{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Usage.TotalTokens != 15 || res.Usage.PromptTokens != 10 {
		t.Errorf("usage = %+v", res.Usage)
	}
}
