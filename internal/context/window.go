// Package context provides context window accounting for chat conversations:
// token estimation, the compaction decision and history splitting.
package context

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultContextWindow is used when neither the plan nor the model
	// declares a window size.
	DefaultContextWindow = 128000

	// CompactionThreshold is the fraction of the window at which the
	// conversation is flagged for compaction.
	CompactionThreshold = 0.7

	// DefaultKeepLastMessages is the number of most recent messages that
	// survive compaction verbatim.
	DefaultKeepLastMessages = 12

	// CharsPerToken is the character-to-token ratio of the estimator.
	CharsPerToken = 3
)

// ModelContextWindows maps model IDs to their context window sizes.
var ModelContextWindows = map[string]int{
	// Moonshot / Kimi
	"kimi-k2.5":        262144,
	"kimi-k2":          131072,
	"kimi-latest":      131072,
	"moonshot-v1-8k":   8192,
	"moonshot-v1-32k":  32768,
	"moonshot-v1-128k": 131072,

	// OpenAI
	"gpt-4o":      128000,
	"gpt-4o-mini": 128000,
	"gpt-4.1":     1047576,
	"o3-mini":     200000,

	// Anthropic
	"claude-sonnet-4": 200000,
	"claude-opus-4":   200000,

	// Google
	"gemini-2.0-flash": 1048576,
	"gemini-2.5-pro":   1048576,
}

// Message is the minimal shape of a persisted conversation message that the
// window accounting needs.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CheckResult describes how much of the window a conversation occupies.
type CheckResult struct {
	// TotalTokens is the estimated size of system prompt plus messages.
	TotalTokens int `json:"totalTokens"`

	// ContextWindowSize is the window the estimate was compared against.
	ContextWindowSize int `json:"contextWindowSize"`

	// UsagePercent is TotalTokens / ContextWindowSize as a fraction.
	UsagePercent float64 `json:"usagePercent"`

	// NeedsCompaction is set once usage reaches the threshold.
	NeedsCompaction bool `json:"needsCompaction"`
}

// RoundedPercent returns the usage as an integer percentage.
func (r CheckResult) RoundedPercent() int {
	return int(r.UsagePercent*100 + 0.5)
}

// String returns a human-readable description.
func (r CheckResult) String() string {
	return fmt.Sprintf("%d/%d tokens (%d%% used, compaction=%t)",
		r.TotalTokens, r.ContextWindowSize, r.RoundedPercent(), r.NeedsCompaction)
}

// EstimateTokens estimates the number of tokens in text.
// It is ceil(runes/3) with a floor of one token, so it is deterministic and
// never decreases as text grows.
func EstimateTokens(text string) int {
	chars := utf8.RuneCountInString(text)
	tokens := (chars + CharsPerToken - 1) / CharsPerToken
	if tokens < 1 {
		return 1
	}
	return tokens
}

// EstimateMessagesTokens sums the estimates of all message contents.
func EstimateMessagesTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// CheckContextWindow compares the estimated conversation size against
// windowSize using CompactionThreshold.
func CheckContextWindow(messages []Message, systemTokens, windowSize int) CheckResult {
	return CheckContextWindowWithThreshold(messages, systemTokens, windowSize, CompactionThreshold)
}

// CheckContextWindowWithThreshold is CheckContextWindow with an explicit
// threshold fraction. An empty conversation never needs compaction.
func CheckContextWindowWithThreshold(messages []Message, systemTokens, windowSize int, threshold float64) CheckResult {
	if systemTokens < 0 {
		systemTokens = 0
	}
	total := EstimateMessagesTokens(messages) + systemTokens

	var usage float64
	if windowSize > 0 {
		usage = float64(total) / float64(windowSize)
	}

	return CheckResult{
		TotalTokens:       total,
		ContextWindowSize: windowSize,
		UsagePercent:      usage,
		NeedsCompaction:   len(messages) > 0 && windowSize > 0 && usage >= threshold,
	}
}

// SplitMessagesForCompaction keeps the last keepLast messages verbatim and
// returns everything older for summarization. When the conversation is not
// longer than keepLast, toSummarize is empty.
func SplitMessagesForCompaction(messages []Message, keepLast int) (toSummarize, toKeep []Message) {
	if keepLast < 0 {
		keepLast = 0
	}
	if len(messages) <= keepLast {
		return nil, messages
	}
	split := len(messages) - keepLast
	return messages[:split], messages[split:]
}

// ModelContextWindow returns the window for a model ID using exact match
// first and then the longest matching prefix.
func ModelContextWindow(modelID string) (int, bool) {
	if tokens, ok := ModelContextWindows[modelID]; ok {
		return tokens, true
	}

	bestMatch := ""
	bestTokens := 0
	for prefix, tokens := range ModelContextWindows {
		if strings.HasPrefix(modelID, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestTokens = tokens
		}
	}
	if bestMatch != "" {
		return bestTokens, true
	}
	return 0, false
}

// EffectiveWindow returns the smaller of the plan's window and the model's
// known window. Zero or negative inputs are ignored.
func EffectiveWindow(planWindow int, modelID string) int {
	window := planWindow
	if modelWindow, ok := ModelContextWindow(modelID); ok {
		if window <= 0 || modelWindow < window {
			window = modelWindow
		}
	}
	if window <= 0 {
		return DefaultContextWindow
	}
	return window
}
