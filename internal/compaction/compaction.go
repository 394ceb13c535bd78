// Package compaction summarizes the older part of a conversation in the
// background so later requests fit the context window. The prompt builder
// and chunking here are pure; Worker runs them against a Summarizer and
// persists the result.
package compaction

import (
	"fmt"
	"strings"

	ctxwin "github.com/Farkhat1984/sanbao-sub000/internal/context"
)

const (
	// SystemPrompt is the system message of every summarizer call.
	SystemPrompt = "You are an assistant that condenses conversation context."

	// DefaultMaxTokens caps the summary length.
	DefaultMaxTokens = 2000

	// DefaultTemperature keeps summaries close to the source.
	DefaultTemperature = 0.3

	// DefaultMaxChunkTokens bounds the conversation text sent in one
	// summarizer call. Longer histories are folded in chunk by chunk.
	DefaultMaxChunkTokens = 24000
)

const summaryRules = `Write a summary that:
1. Keeps every key fact, decision, name, date and amount
2. Keeps the legal context (articles of law, references to regulations)
3. Lists every document that was created together with its parameters
4. Drops repetition and low-value exchanges
5. Is written in the third person, past tense
6. Preserves the structure and key content of every created document (<sanbao-doc> tags): type, title, main sections, amounts, parties, requisites. Later edits of those documents depend on it
7. Is no longer than 800 words and uses the language of the conversation

SUMMARY:`

// FormatMessages renders messages as "[ROLE]: content" blocks separated by
// blank lines.
func FormatMessages(messages []ctxwin.Message) string {
	blocks := make([]string, 0, len(messages))
	for _, m := range messages {
		blocks = append(blocks, fmt.Sprintf("[%s]: %s", strings.ToUpper(m.Role), m.Content))
	}
	return strings.Join(blocks, "\n\n")
}

// BuildPrompt builds the summarization prompt. With a previous summary the
// prompt asks for a merged summary covering both.
func BuildPrompt(previousSummary string, messages []ctxwin.Message) string {
	conversation := FormatMessages(messages)

	var b strings.Builder
	b.WriteString(SystemPrompt)
	if strings.TrimSpace(previousSummary) != "" {
		b.WriteString(" You have the previous summary and new messages. Merge them into an updated summary.\n\n")
		b.WriteString("PREVIOUS SUMMARY:\n")
		b.WriteString(previousSummary)
		b.WriteString("\n\nNEW MESSAGES TO INCLUDE:\n")
	} else {
		b.WriteString(" Summarize the following conversation.\n\n")
		b.WriteString("CONVERSATION:\n")
	}
	b.WriteString(conversation)
	b.WriteString("\n\n")
	b.WriteString(summaryRules)
	return b.String()
}

// ChunkMessages splits messages into consecutive chunks whose estimated
// size does not exceed maxTokens. A single message larger than maxTokens
// gets a chunk of its own.
func ChunkMessages(messages []ctxwin.Message, maxTokens int) [][]ctxwin.Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]ctxwin.Message{messages}
	}

	var result [][]ctxwin.Message
	var current []ctxwin.Message
	currentTokens := 0

	for _, msg := range messages {
		msgTokens := ctxwin.EstimateTokens(msg.Content)

		if msgTokens > maxTokens {
			if len(current) > 0 {
				result = append(result, current)
				current, currentTokens = nil, 0
			}
			result = append(result, []ctxwin.Message{msg})
			continue
		}

		if currentTokens+msgTokens > maxTokens && len(current) > 0 {
			result = append(result, current)
			current, currentTokens = nil, 0
		}
		current = append(current, msg)
		currentTokens += msgTokens
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// truncateRunes shortens s to at most n runes.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
