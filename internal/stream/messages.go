package stream

import (
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Message is a persisted conversation message as supplied by the caller.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Attachment is a file sent with the latest user message. Images carry
// base64 data; other files carry their extracted text.
type Attachment struct {
	Name        string `json:"name"`
	MimeType    string `json:"type"`
	Base64      string `json:"base64,omitempty"`
	TextContent string `json:"textContent,omitempty"`
}

// IsImage reports whether the attachment is sent as an image part.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// ChatMessage is a message in the upstream request body. Content is either
// a string or a []ContentPart; it is omitted on assistant tool-call turns.
type ChatMessage struct {
	Role             string     `json:"role"`
	Content          any        `json:"content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
}

// ContentPart is one element of multimodal message content.
type ContentPart struct {
	Type     openai.ChatMessagePartType `json:"type"`
	Text     string                     `json:"text,omitempty"`
	ImageURL *ImageURL                  `json:"image_url,omitempty"`
}

// ImageURL references an image by URL or data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// ToolCall is a completed tool call as sent back to the provider.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries the raw argument string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// BuildAPIMessages assembles the upstream message list: the system prompt
// first, then the history without blank assistant messages. Attachments are
// applied to the last message only when it is a user message: text files
// are prepended to its text and images turn it into multimodal content.
func BuildAPIMessages(systemPrompt string, history []Message, attachments []Attachment) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+1)
	out = append(out, ChatMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})

	for i, msg := range history {
		if msg.Role == openai.ChatMessageRoleAssistant && strings.TrimSpace(msg.Content) == "" {
			continue
		}
		last := i == len(history)-1
		if !last || msg.Role != openai.ChatMessageRoleUser || len(attachments) == 0 {
			out = append(out, ChatMessage{Role: msg.Role, Content: msg.Content})
			continue
		}
		out = append(out, withAttachments(msg, attachments))
	}
	return out
}

func withAttachments(msg Message, attachments []Attachment) ChatMessage {
	var images, files []Attachment
	for _, a := range attachments {
		if a.IsImage() {
			images = append(images, a)
		} else {
			files = append(files, a)
		}
	}

	text := msg.Content
	if len(files) > 0 {
		parts := make([]string, len(files))
		for i, f := range files {
			parts[i] = fmt.Sprintf("--- File: %s ---\n%s", f.Name, f.TextContent)
		}
		text = strings.Join(parts, "\n\n") + "\n\n" + text
	}
	if len(images) == 0 {
		return ChatMessage{Role: msg.Role, Content: text}
	}

	content := make([]ContentPart, 0, len(images)+1)
	for _, img := range images {
		content = append(content, ContentPart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &ImageURL{URL: "data:" + img.MimeType + ";base64," + img.Base64},
		})
	}
	content = append(content, ContentPart{Type: openai.ChatMessagePartTypeText, Text: text})
	return ChatMessage{Role: msg.Role, Content: content}
}
