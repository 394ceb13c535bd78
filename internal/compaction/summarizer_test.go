package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

func captureServer(t *testing.T, path string, response string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, path) {
			t.Errorf("path = %s, want suffix %s", r.URL.Path, path)
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, &body
}

var testRequest = SummaryRequest{
	System:      SystemPrompt,
	Prompt:      "[USER]: hi",
	MaxTokens:   512,
	Temperature: 0.3,
}

func TestOpenAISummarizer(t *testing.T) {
	srv, body := captureServer(t, "/chat/completions",
		`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  The user said hi.  "},"finish_reason":"stop"}]}`)

	s, err := NewOpenAISummarizer(ProviderConfig{APIKey: "k", BaseURL: srv.URL + "/", Model: "kimi-k2"})
	if err != nil {
		t.Fatalf("NewOpenAISummarizer() error = %v", err)
	}
	got, err := s.Summarize(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "The user said hi." {
		t.Errorf("Summarize() = %q", got)
	}

	b := *body
	if b["model"] != "kimi-k2" || b["max_tokens"] != float64(512) || b["stream"] == true {
		t.Errorf("request = %v", b)
	}
	msgs, _ := b["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", b["messages"])
	}
	if m := msgs[0].(map[string]any); m["role"] != "system" || m["content"] != SystemPrompt {
		t.Errorf("system message = %v", m)
	}
	if m := msgs[1].(map[string]any); m["role"] != "user" || m["content"] != "[USER]: hi" {
		t.Errorf("user message = %v", m)
	}
}

func TestOpenAISummarizerEmptyChoice(t *testing.T) {
	srv, _ := captureServer(t, "/chat/completions", `{"choices":[]}`)
	s, err := NewOpenAISummarizer(ProviderConfig{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewOpenAISummarizer() error = %v", err)
	}
	if _, err := s.Summarize(context.Background(), testRequest); !errors.Is(err, ErrEmptySummary) {
		t.Errorf("Summarize() error = %v, want ErrEmptySummary", err)
	}
}

func TestAnthropicSummarizer(t *testing.T) {
	srv, body := captureServer(t, "/v1/messages",
		`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[{"type":"text","text":"Summary text"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":3}}`)

	s, err := NewAnthropicSummarizer(ProviderConfig{APIKey: "k", BaseURL: srv.URL, Model: "claude-test"})
	if err != nil {
		t.Fatalf("NewAnthropicSummarizer() error = %v", err)
	}
	got, err := s.Summarize(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "Summary text" {
		t.Errorf("Summarize() = %q", got)
	}
	b := *body
	if b["model"] != "claude-test" || b["max_tokens"] != float64(512) {
		t.Errorf("request = %v", b)
	}
	system, _ := b["system"].([]any)
	if len(system) != 1 || system[0].(map[string]any)["text"] != SystemPrompt {
		t.Errorf("system = %v", b["system"])
	}
}

func TestGeminiSummarizer(t *testing.T) {
	srv, body := captureServer(t, ":generateContent",
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Gemini summary"}]}}]}`)

	s, err := NewGeminiSummarizer(context.Background(), ProviderConfig{APIKey: "k", BaseURL: srv.URL, Model: "gemini-test"})
	if err != nil {
		t.Fatalf("NewGeminiSummarizer() error = %v", err)
	}
	got, err := s.Summarize(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "Gemini summary" {
		t.Errorf("Summarize() = %q", got)
	}
	if _, ok := (*body)["systemInstruction"]; !ok {
		t.Errorf("request has no systemInstruction: %v", *body)
	}
}

type fakeConverse struct {
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = in
	return f.out, f.err
}

func TestBedrockSummarizer(t *testing.T) {
	fake := &fakeConverse{out: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "Bedrock "},
				&types.ContentBlockMemberText{Value: "summary"},
			},
		}},
	}}
	s := &BedrockSummarizer{client: fake, defaultModel: "anthropic.test"}

	got, err := s.Summarize(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "Bedrock summary" {
		t.Errorf("Summarize() = %q", got)
	}
	if *fake.input.ModelId != "anthropic.test" || *fake.input.InferenceConfig.MaxTokens != 512 {
		t.Errorf("input = %+v", fake.input)
	}
	if len(fake.input.System) != 1 {
		t.Errorf("system blocks = %d, want 1", len(fake.input.System))
	}

	fake.out = &bedrockruntime.ConverseOutput{}
	if _, err := s.Summarize(context.Background(), testRequest); !errors.Is(err, ErrEmptySummary) {
		t.Errorf("Summarize() on empty output error = %v, want ErrEmptySummary", err)
	}
	fake.err = errors.New("throttled")
	if _, err := s.Summarize(context.Background(), testRequest); err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Errorf("Summarize() error = %v", err)
	}
}

func TestNewSummarizer(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr string
	}{
		{"default is openai", ProviderConfig{APIKey: "k"}, ""},
		{"anthropic", ProviderConfig{Provider: "Anthropic", APIKey: "k"}, ""},
		{"missing key", ProviderConfig{Provider: "openai"}, "API key is required"},
		{"anthropic missing key", ProviderConfig{Provider: "anthropic"}, "API key is required"},
		{"gemini missing key", ProviderConfig{Provider: "gemini"}, "API key is required"},
		{"unknown", ProviderConfig{Provider: "cohere", APIKey: "k"}, "unknown summarizer provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSummarizer(context.Background(), tt.cfg)
			if tt.wantErr == "" {
				if err != nil || s == nil {
					t.Fatalf("NewSummarizer() = %v, %v", s, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewSummarizer() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
