package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Farkhat1984/sanbao-sub000/internal/mcp"
	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
	"github.com/Farkhat1984/sanbao-sub000/internal/tools/native"
)

type fakeCaller struct {
	mu    sync.Mutex
	calls []string
	args  []map[string]any
	reply func(ctx context.Context, tool mcp.RemoteTool) (string, error)
}

func (f *fakeCaller) CallTool(ctx context.Context, tool mcp.RemoteTool, args map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool.Name)
	f.args = append(f.args, args)
	f.mu.Unlock()
	if f.reply == nil {
		return "remote:" + tool.Name, nil
	}
	return f.reply(ctx, tool)
}

func newTestRegistry(t *testing.T, defs ...native.Definition) *native.Registry {
	t.Helper()
	reg := native.NewRegistry(nil)
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
	}
	reg.Seal()
	return reg
}

func echoTool(name string) native.Definition {
	return native.Definition{
		Name:        name,
		Description: "echoes its input",
		Execute: func(_ context.Context, args map[string]any, _ *native.Invocation) (string, error) {
			v, _ := args["text"].(string)
			return "native:" + v, nil
		},
	}
}

func TestRouterResolve(t *testing.T) {
	reg := newTestRegistry(t, echoTool("shared"), echoTool("local_only"))
	router := NewRouter(RouterConfig{
		RemoteTools: []mcp.RemoteTool{{Name: "shared"}, {Name: "remote_only"}},
		Registry:    reg,
		Caller:      &fakeCaller{},
	})

	tests := []struct {
		name string
		want Backend
	}{
		{"shared", BackendRemote},
		{"remote_only", BackendRemote},
		{"local_only", BackendNative},
		{"$web_search", BackendBuiltin},
	}
	for _, tt := range tests {
		if got := router.Resolve(tt.name); got != tt.want {
			t.Errorf("Resolve(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestRouterDispatch(t *testing.T) {
	caller := &fakeCaller{}
	reg := newTestRegistry(t, echoTool("shared"), echoTool("local_only"))
	router := NewRouter(RouterConfig{
		RemoteTools: []mcp.RemoteTool{{Name: "shared", URL: "https://first"}, {Name: "shared", URL: "https://second"}},
		Registry:    reg,
		Caller:      caller,
	})
	ctx := context.Background()

	got := router.Dispatch(ctx, ToolCall{ID: "1", Function: FunctionCall{Name: "shared", Arguments: `{"text":"hi"}`}}, nil)
	if got != "remote:shared" {
		t.Errorf("remote dispatch = %q", got)
	}
	if len(caller.args) != 1 || caller.args[0]["text"] != "hi" {
		t.Errorf("remote args = %v", caller.args)
	}

	got = router.Dispatch(ctx, ToolCall{ID: "2", Function: FunctionCall{Name: "local_only", Arguments: `{"text":"yo"}`}}, nil)
	if got != "native:yo" {
		t.Errorf("native dispatch = %q", got)
	}

	raw := `{"search_result":{"search_id":"abc"}}`
	got = router.Dispatch(ctx, ToolCall{ID: "3", Function: FunctionCall{Name: "$web_search", Arguments: raw}}, nil)
	if got != raw {
		t.Errorf("builtin dispatch = %q, want raw arguments", got)
	}
}

func TestRouterRemoteErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply func(ctx context.Context, tool mcp.RemoteTool) (string, error)
		want  string
	}{
		{
			name: "call error",
			reply: func(context.Context, mcp.RemoteTool) (string, error) {
				return "", errors.New("HTTP 502")
			},
			want: "Error: HTTP 502",
		},
		{
			name: "timeout respected",
			reply: func(ctx context.Context, _ mcp.RemoteTool) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			want: "Error: MCP tool slow timed out after 50ms",
		},
		{
			name: "timeout ignored by server",
			reply: func(context.Context, mcp.RemoteTool) (string, error) {
				time.Sleep(500 * time.Millisecond)
				return "late", nil
			},
			want: "Error: MCP tool slow timed out after 50ms",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(RouterConfig{
				RemoteTools: []mcp.RemoteTool{{Name: "slow"}},
				Caller:      &fakeCaller{reply: tt.reply},
				Timeout:     50 * time.Millisecond,
			})
			start := time.Now()
			got := router.Dispatch(context.Background(), ToolCall{Function: FunctionCall{Name: "slow"}}, nil)
			if got != tt.want {
				t.Errorf("Dispatch = %q, want %q", got, tt.want)
			}
			if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
				t.Errorf("Dispatch took %s, want it bounded by the timeout", elapsed)
			}
		})
	}
}

func TestRouterNativeStatusFollowsExecutor(t *testing.T) {
	reg := newTestRegistry(t,
		native.Definition{
			Name: "grep_logs",
			Execute: func(context.Context, map[string]any, *native.Invocation) (string, error) {
				return "Error: disk quota exceeded (line 12)", nil
			},
		},
		native.Definition{
			Name: "fails",
			Execute: func(context.Context, map[string]any, *native.Invocation) (string, error) {
				return "", errors.New("backend down")
			},
		},
	)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	router := NewRouter(RouterConfig{Registry: reg, Metrics: metrics})

	got := router.Dispatch(context.Background(), ToolCall{Function: FunctionCall{Name: "grep_logs"}}, nil)
	if got != "Error: disk quota exceeded (line 12)" {
		t.Errorf("Dispatch = %q", got)
	}
	router.Dispatch(context.Background(), ToolCall{Function: FunctionCall{Name: "fails"}}, nil)

	if n := testutil.ToFloat64(metrics.ToolExecutions.WithLabelValues(string(BackendNative), "success")); n != 1 {
		t.Errorf("native successes = %v, want 1", n)
	}
	if n := testutil.ToFloat64(metrics.ToolExecutions.WithLabelValues(string(BackendNative), "error")); n != 1 {
		t.Errorf("native errors = %v, want 1", n)
	}
}

func TestRouterNativeFailureIsContent(t *testing.T) {
	reg := newTestRegistry(t,
		native.Definition{
			Name: "boom",
			Execute: func(context.Context, map[string]any, *native.Invocation) (string, error) {
				panic("exploded")
			},
		},
		native.Definition{
			Name: "fails",
			Execute: func(context.Context, map[string]any, *native.Invocation) (string, error) {
				return "", errors.New("backend down")
			},
		},
	)
	router := NewRouter(RouterConfig{Registry: reg})

	got := router.Dispatch(context.Background(), ToolCall{Function: FunctionCall{Name: "boom"}}, nil)
	if !strings.HasPrefix(got, "Error executing boom") {
		t.Errorf("panic result = %q", got)
	}
	got = router.Dispatch(context.Background(), ToolCall{Function: FunctionCall{Name: "fails"}}, nil)
	if got != "Error executing fails: backend down" {
		t.Errorf("error result = %q", got)
	}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"empty", "", map[string]any{}},
		{"json", `{"a":1,"b":"x"}`, map[string]any{"a": float64(1), "b": "x"}},
		{"json5", `{a: 1, b: "x",}`, map[string]any{"a": float64(1), "b": "x"}},
		{"single quotes", `{a: 1, b: 'x'}`, map[string]any{}},
		{"garbage", `{"a":`, map[string]any{}},
		{"not an object", `[1,2]`, map[string]any{}},
		{"null", `null`, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseArguments(tt.raw)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseArguments(%q) = %v, want %v", tt.raw, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("ParseArguments(%q)[%q] = %v, want %v", tt.raw, k, got[k], v)
				}
			}
		})
	}
}
