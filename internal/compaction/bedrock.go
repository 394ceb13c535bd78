package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const (
	defaultBedrockRegion = "us-east-1"
	defaultBedrockModel  = "anthropic.claude-3-sonnet-20240229-v1:0"
)

// converseAPI is the part of the Bedrock runtime client the summarizer uses.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockSummarizer calls the Bedrock Converse API.
type BedrockSummarizer struct {
	client       converseAPI
	defaultModel string
}

// NewBedrockSummarizer creates a summarizer for Amazon Bedrock. Explicit
// credentials are used when both keys are set; otherwise the default AWS
// credential chain applies.
func NewBedrockSummarizer(ctx context.Context, cfg ProviderConfig) (*BedrockSummarizer, error) {
	region := cfg.Region
	if region == "" {
		region = defaultBedrockRegion
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	var clientOpts []func(*bedrockruntime.Options)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientOpts = append(clientOpts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		})
	}
	model := cfg.Model
	if model == "" {
		model = defaultBedrockModel
	}
	return &BedrockSummarizer{
		client:       bedrockruntime.NewFromConfig(awsCfg, clientOpts...),
		defaultModel: model,
	}, nil
}

// Summarize implements Summarizer.
func (s *BedrockSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Prompt}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}

	out, err := s.client.Converse(ctx, input)
	if err != nil {
		return "", fmt.Errorf("bedrock: summarize: %w", err)
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", ErrEmptySummary
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}
