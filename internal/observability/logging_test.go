package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"", false, true},
		{"warning", false, false},
		{"bogus", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Level: tt.level, Output: &buf})
			ctx := context.Background()
			if got := logger.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := logger.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := AddRequestID(context.Background(), "req-1")
	ctx = AddConversationID(ctx, "conv-9")
	ctx = AddUserID(ctx, "user-3")
	logger.InfoContext(ctx, "chat finished", "turns", 2)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines", len(lines))
	}
	for key, want := range map[string]any{
		"request_id":      "req-1",
		"conversation_id": "conv-9",
		"user_id":         "user-3",
		"msg":             "chat finished",
		"turns":           float64(2),
	} {
		if lines[0][key] != want {
			t.Errorf("%s = %v, want %v", key, lines[0][key], want)
		}
	}
	if GetRequestID(ctx) != "req-1" {
		t.Error("GetRequestID() lost the request ID")
	}
}

func TestLoggerRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, RedactPatterns: []string{`cust-[0-9]{6}`}})

	logger.With("api_key", "plain-value").Info("calling upstream with Bearer abcdefghijklmnop1234",
		"authorization", "Bearer xyz",
		"error", errors.New("key sk-abcdefghijklmnopqrstuvwxyz0123456789 rejected"),
		"customer", "cust-123456",
		slog.Group("mcp", "token", "t0ps3cret"),
		"count", 3,
	)

	line := buf.String()
	for _, leaked := range []string{"abcdefghijklmnop1234", "Bearer xyz", "sk-abcdef", "cust-123456", "t0ps3cret", "plain-value"} {
		if strings.Contains(line, leaked) {
			t.Errorf("log line leaked %q: %s", leaked, line)
		}
	}
	m := decodeLines(t, &buf)[0]
	if m["count"] != float64(3) {
		t.Errorf("non-sensitive attribute altered: %v", m["count"])
	}
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})
	logger.Warn("plain text", "component", "stream")
	if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), "component=stream") {
		t.Errorf("unexpected text output: %s", buf.String())
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := LogLevelFromString(in); got != want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}
