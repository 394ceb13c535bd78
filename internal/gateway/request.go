package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Farkhat1984/sanbao-sub000/internal/mcp"
	"github.com/Farkhat1984/sanbao-sub000/internal/stream"
	"github.com/Farkhat1984/sanbao-sub000/internal/tools/native"
)

// Request limits.
const (
	MaxMessages       = 200
	MaxMessageChars   = 100_000
	MaxAttachments    = 20
	maxTitleRunes     = 60
	defaultChatTitle  = "New chat"
	userIDHeader      = "X-User-ID"
	userNameHeader    = "X-User-Name"
	userEmailHeader   = "X-User-Email"
	requestIDHeader   = "X-Request-ID"
	ndjsonContentType = "application/x-ndjson; charset=utf-8"
)

// ChatRequest is the body of POST /api/chat and the first frame of a
// WebSocket chat. The caller resolves agent context, remote tools and plan
// limits; the server only consumes them.
type ChatRequest struct {
	Messages       []stream.Message    `json:"messages"`
	ConversationID string              `json:"conversationId,omitempty"`
	AgentID        string              `json:"agentId,omitempty"`
	SystemPrompt   string              `json:"systemPrompt,omitempty"`
	Model          string              `json:"model,omitempty"`
	Thinking       *bool               `json:"thinkingEnabled,omitempty"`
	WebSearch      *bool               `json:"webSearchEnabled,omitempty"`
	Planning       bool                `json:"planningEnabled,omitempty"`
	Attachments    []stream.Attachment `json:"attachments,omitempty"`
	MCPTools       []mcp.RemoteTool    `json:"mcpTools,omitempty"`
	Plan           *PlanInfo           `json:"plan,omitempty"`
}

// PlanInfo carries the caller's subscription plan. It is passed to native
// tools and bounds the context window and reply size; it is not enforced.
type PlanInfo struct {
	Name string `json:"name"`
	native.PlanLimits
}

// ThinkingEnabled defaults to true.
func (r *ChatRequest) ThinkingEnabled() bool {
	return r.Thinking == nil || *r.Thinking
}

// Identity is the caller as asserted by the fronting proxy.
type Identity struct {
	UserID string
	Name   string
	Email  string
}

func identityFromRequest(r *http.Request) (Identity, error) {
	id := Identity{
		UserID: strings.TrimSpace(r.Header.Get(userIDHeader)),
		Name:   r.Header.Get(userNameHeader),
		Email:  r.Header.Get(userEmailHeader),
	}
	if id.UserID == "" {
		// Browsers cannot set headers on a WebSocket handshake.
		id.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if id.UserID == "" {
		return Identity{}, errMissingIdentity
	}
	return id, nil
}

var errMissingIdentity = errors.New("missing user identity")

// RequestError is a client error reported before streaming starts.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

func badRequest(format string, args ...any) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

const chatRequestSchema = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "messages": {
      "type": "array",
      "minItems": 1,
      "maxItems": 200,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["user", "assistant", "system"]},
          "content": {"type": "string"}
        }
      }
    },
    "conversationId": {"type": "string", "maxLength": 128},
    "agentId": {"type": "string", "maxLength": 128},
    "systemPrompt": {"type": "string"},
    "model": {"type": "string"},
    "thinkingEnabled": {"type": "boolean"},
    "webSearchEnabled": {"type": "boolean"},
    "planningEnabled": {"type": "boolean"},
    "attachments": {
      "type": "array",
      "maxItems": 20,
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"},
          "base64": {"type": "string"},
          "textContent": {"type": "string"}
        }
      }
    },
    "mcpTools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["url", "name"],
        "properties": {
          "url": {"type": "string", "pattern": "^https?://"},
          "transport": {"enum": ["", "SSE", "STREAMABLE_HTTP"]},
          "apiKey": {"type": "string"},
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "inputSchema": {"type": "object"}
        }
      }
    },
    "plan": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "messagesPerDay": {"type": "integer", "minimum": 0},
        "tokensPerMessage": {"type": "integer", "minimum": 0},
        "tokensPerMonth": {"type": "integer", "minimum": 0},
        "contextWindowSize": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func chatSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("chat_request.json", chatRequestSchema)
	})
	return compiledSchema, schemaErr
}

// decodeChatRequest validates raw against the request schema and the size
// limits and decodes it.
func decodeChatRequest(raw []byte) (*ChatRequest, error) {
	schema, err := chatSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, badRequest("invalid JSON body: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, badRequest("invalid chat request: %s", validationSummary(err))
	}

	var req ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, badRequest("invalid chat request: %v", err)
	}
	for i, m := range req.Messages {
		if utf8.RuneCountInString(m.Content) > MaxMessageChars {
			return nil, badRequest("message %d exceeds %d characters", i, MaxMessageChars)
		}
	}
	for i := range req.MCPTools {
		if req.MCPTools[i].Transport == "" {
			req.MCPTools[i].Transport = mcp.TransportStreamableHTTP
		}
	}
	return &req, nil
}

// validationSummary flattens a schema error to its most specific causes.
func validationSummary(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}

// lastUserMessage returns the newest user message, if any.
func lastUserMessage(msgs []stream.Message) (stream.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i], true
		}
	}
	return stream.Message{}, false
}

// conversationTitle is the first user message cut to 60 runes.
func conversationTitle(msgs []stream.Message) string {
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		title := strings.TrimSpace(m.Content)
		if r := []rune(title); len(r) > maxTitleRunes {
			title = string(r[:maxTitleRunes])
		}
		if title != "" {
			return title
		}
		break
	}
	return defaultChatTitle
}
