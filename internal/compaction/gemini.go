package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiSummarizer calls the Gemini API through the Gen AI SDK.
type GeminiSummarizer struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiSummarizer creates a summarizer for the Gemini API.
func NewGeminiSummarizer(ctx context.Context, cfg ProviderConfig) (*GeminiSummarizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("compaction: gemini API key is required")
	}
	clientConfig := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiSummarizer{client: client, defaultModel: model}, nil
}

// Summarize implements Summarizer.
func (s *GeminiSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}
	temperature := float32(req.Temperature)
	config := &genai.GenerateContentConfig{Temperature: &temperature}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: req.Prompt}},
	}}

	resp, err := s.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini: summarize: %w", err)
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && !part.Thought {
				sb.WriteString(part.Text)
			}
		}
		break
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", ErrEmptySummary
	}
	return out, nil
}
