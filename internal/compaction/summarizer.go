package compaction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptySummary is returned when a provider answers without text.
var ErrEmptySummary = errors.New("compaction: provider returned an empty summary")

// SummaryRequest is one non-streaming summarization call.
type SummaryRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Summarizer produces a summary from a prompt.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// SummarizerFunc adapts a function to a Summarizer.
type SummarizerFunc func(ctx context.Context, req SummaryRequest) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	return f(ctx, req)
}

// Provider names accepted by NewSummarizer.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderBedrock   = "bedrock"
)

// ProviderConfig selects and configures a summarizer backend.
type ProviderConfig struct {
	Provider   string
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client

	// Bedrock only.
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewSummarizer creates the backend named by cfg.Provider. An empty provider
// means the OpenAI-compatible backend, which also serves the chat provider.
func NewSummarizer(ctx context.Context, cfg ProviderConfig) (Summarizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderOpenAI:
		return NewOpenAISummarizer(cfg)
	case ProviderAnthropic:
		return NewAnthropicSummarizer(cfg)
	case ProviderGemini:
		return NewGeminiSummarizer(ctx, cfg)
	case ProviderBedrock:
		return NewBedrockSummarizer(ctx, cfg)
	default:
		return nil, fmt.Errorf("compaction: unknown summarizer provider %q", cfg.Provider)
	}
}

// OpenAISummarizer calls an OpenAI-compatible chat completions endpoint.
type OpenAISummarizer struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAISummarizer creates a summarizer for an OpenAI-compatible API.
func NewOpenAISummarizer(cfg ProviderConfig) (*OpenAISummarizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("compaction: openai API key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}
	return &OpenAISummarizer{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.Model,
	}, nil
}

// Summarize implements Summarizer.
func (s *OpenAISummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("openai: summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptySummary
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}
