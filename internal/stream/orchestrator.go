package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Farkhat1984/sanbao-sub000/internal/mcp"
	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
	"github.com/Farkhat1984/sanbao-sub000/internal/tools/native"
)

const (
	// MaxTurns caps upstream calls per chat request. A model that keeps
	// requesting tools is stopped here instead of looping indefinitely.
	MaxTurns = 5

	DefaultModel        = "kimi-k2.5"
	DefaultBaseURL      = "https://api.moonshot.ai/v1"
	DefaultTemperature  = 0.6
	ThinkingTemperature = 1.0
	DefaultTopP         = 0.95
	DefaultMaxTokens    = 8192

	// ToolTypeBuiltin is the provider's type for server-side tools and the
	// default type of tool calls that omit one.
	ToolTypeBuiltin = "builtin_function"
	// WebSearchToolName is the provider's built-in search tool.
	WebSearchToolName = "$web_search"

	// reasoningPlaceholder is sent as reasoning_content on tool-call turns
	// that produced no reasoning; the provider rejects an empty string.
	reasoningPlaceholder = "."

	maxErrorBody = 64 << 10
)

// Client-visible error messages.
const (
	msgUpstreamConnection = "upstream connection failed"
	msgProviderError      = "provider API error"
	msgBufferOverflow     = "upstream response exceeded the 1 MiB event buffer"
)

// ToolSpec is a tool descriptor in the upstream request.
type ToolSpec struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

var emptyParameters = json.RawMessage(`{"type":"object","properties":{}}`)

type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []ChatMessage   `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p"`
	Stream      bool            `json:"stream"`
	Tools       []ToolSpec      `json:"tools,omitempty"`
	Thinking    *thinkingOption `json:"thinking,omitempty"`
}

type thinkingOption struct {
	Type string `json:"type"`
}

// Config configures an Orchestrator.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	TopP        float64
	MaxTurns    int

	HTTPClient    *http.Client
	Registry      *native.Registry
	RemoteCaller  RemoteCaller
	RemoteTimeout time.Duration

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Request is one chat request.
type Request struct {
	Messages    []ChatMessage
	Model       string
	MaxTokens   int
	Thinking    bool
	WebSearch   bool
	RemoteTools []mcp.RemoteTool
	Invocation  *native.Invocation

	// Context, when set, is emitted before anything else.
	Context *ContextEvent
}

// Result summarizes a finished request. It is returned on every path,
// including aborts and errors, so partial output can be persisted.
type Result struct {
	Content   string
	Plan      string
	Reasoning string
	Turns     int
	ToolCalls int
	Truncated bool
	Aborted   bool
	Usage     Usage
	Messages  []ChatMessage
}

// Orchestrator drives the multi-turn exchange with the provider. It is
// safe for concurrent use; all per-request state lives in Run.
type Orchestrator struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an orchestrator, filling unset fields with defaults.
func New(cfg Config) *Orchestrator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.TopP == 0 {
		cfg.TopP = DefaultTopP
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = MaxTurns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Orchestrator{
		cfg:        cfg,
		httpClient: client,
		logger:     logger.With("component", "stream"),
	}
}

// Run executes a chat request, writing events to sink. The returned error
// is a *LoopError when the request ended with an error event, or the
// context error when the caller went away; Result is always non-nil.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) (*Result, error) {
	if req.Invocation == nil {
		req.Invocation = &native.Invocation{}
	}
	model := req.Model
	if model == "" {
		model = o.cfg.Model
	}
	ctx, span := o.cfg.Tracer.TraceChatRequest(ctx, req.Invocation.ConversationID, model)
	defer span.End()

	r := &run{
		o:        o,
		req:      req,
		model:    model,
		sink:     sink,
		splitter: NewTagSplitter(),
		messages: append([]ChatMessage(nil), req.Messages...),
		logger:   o.logger.With("model", model),
	}
	r.router = NewRouter(RouterConfig{
		RemoteTools: req.RemoteTools,
		Registry:    o.cfg.Registry,
		Caller:      o.cfg.RemoteCaller,
		Timeout:     o.cfg.RemoteTimeout,
		Metrics:     o.cfg.Metrics,
		Tracer:      o.cfg.Tracer,
		Logger:      r.logger,
	})

	err := r.loop(ctx)
	res := r.result()

	var loopErr *LoopError
	switch {
	case errors.As(err, &loopErr):
		r.emit(ctx, ErrorEvent{Message: loopErr.Message})
		o.cfg.Tracer.RecordError(span, err)
		o.cfg.Metrics.ChatRequestFinished("error")
		r.logger.WarnContext(ctx, "chat request failed", "phase", loopErr.Phase, "turn", loopErr.Turn, "error", err)
	case err != nil:
		res.Aborted = true
		o.cfg.Metrics.ChatRequestFinished("aborted")
		r.logger.InfoContext(ctx, "chat request aborted", "turns", res.Turns, "error", err)
	case res.Truncated:
		o.cfg.Metrics.ChatRequestFinished("truncated")
	default:
		o.cfg.Metrics.ChatRequestFinished("done")
	}
	o.cfg.Tracer.SetAttributes(span,
		"chat.turns", res.Turns,
		"chat.tool_calls", res.ToolCalls,
		"chat.truncated", res.Truncated,
	)
	return res, err
}

// run holds the state of one request.
type run struct {
	o        *Orchestrator
	req      Request
	model    string
	sink     Sink
	router   *Router
	splitter *TagSplitter
	messages []ChatMessage
	logger   *slog.Logger

	content        strings.Builder
	plan           strings.Builder
	reasoning      strings.Builder
	turnReasoning  string
	usage          Usage
	turns          int
	toolCalls      int
	truncated      bool
	searchNotified bool
	sinkErr        error
}

func (r *run) result() *Result {
	return &Result{
		Content:   r.content.String(),
		Plan:      r.plan.String(),
		Reasoning: r.reasoning.String(),
		Turns:     r.turns,
		ToolCalls: r.toolCalls,
		Truncated: r.truncated,
		Usage:     r.usage,
		Messages:  r.messages,
	}
}

func (r *run) emit(ctx context.Context, e Event) {
	if r.sinkErr != nil {
		return
	}
	if err := r.sink.Emit(ctx, e); err != nil {
		r.sinkErr = err
		r.logger.DebugContext(ctx, "client stopped receiving events", "error", err)
	}
}

func (r *run) emitSegments(ctx context.Context, segs []Segment) {
	for _, seg := range segs {
		if seg.Plan {
			r.plan.WriteString(seg.Text)
		} else {
			r.content.WriteString(seg.Text)
		}
		r.emit(ctx, seg.Event())
	}
}

// clientGone reports why the request should stop early, if it should.
func (r *run) clientGone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.sinkErr
}

func (r *run) loop(ctx context.Context) error {
	if r.req.Context != nil {
		r.emit(ctx, *r.req.Context)
	}
	tools := r.toolSpecs()
	maxTurns := r.o.cfg.MaxTurns

	for turn := 1; turn <= maxTurns; turn++ {
		if err := r.clientGone(ctx); err != nil {
			return err
		}
		r.turns = turn
		calls, wantsTools, err := r.streamTurn(ctx, turn, tools)
		if err != nil {
			return err
		}
		if !wantsTools || len(calls) == 0 {
			return nil
		}
		if turn == maxTurns {
			// Results of these calls could never reach the model.
			r.truncated = true
			r.o.cfg.Metrics.TurnCapHit()
			r.logger.WarnContext(ctx, "turn cap reached with pending tool calls",
				"max_turns", maxTurns, "pending_calls", len(calls))
			return nil
		}
		if err := r.runTools(ctx, calls); err != nil {
			return err
		}
	}
	return nil
}

// runTools appends the assistant tool-call message and one tool message per
// call, executing calls sequentially in index order.
func (r *run) runTools(ctx context.Context, calls []ToolCall) error {
	assistant := ChatMessage{Role: openai.ChatMessageRoleAssistant, ToolCalls: calls}
	if r.req.Thinking {
		assistant.ReasoningContent = r.turnReasoning
		if assistant.ReasoningContent == "" {
			assistant.ReasoningContent = reasoningPlaceholder
		}
	}
	r.messages = append(r.messages, assistant)

	for _, call := range calls {
		if err := r.clientGone(ctx); err != nil {
			return err
		}
		if r.router.Resolve(call.Function.Name) == BackendNative {
			r.emit(ctx, StatusEvent{Status: StatusUsingTool})
		}
		content := r.router.Dispatch(ctx, call, r.req.Invocation)
		r.messages = append(r.messages, ChatMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: call.ID,
			Content:    content,
		})
		r.toolCalls++
	}
	return nil
}

func (r *run) toolSpecs() []ToolSpec {
	var tools []ToolSpec
	if r.req.WebSearch {
		tools = append(tools, ToolSpec{Type: ToolTypeBuiltin, Function: ToolFunction{Name: WebSearchToolName}})
	}
	if reg := r.o.cfg.Registry; reg != nil {
		for _, def := range reg.Definitions() {
			tools = append(tools, ToolSpec{
				Type: def.Type,
				Function: ToolFunction{
					Name:        def.Function.Name,
					Description: def.Function.Description,
					Parameters:  def.Function.Parameters,
				},
			})
		}
	}
	for _, t := range r.req.RemoteTools {
		params := t.InputSchema
		if len(params) == 0 {
			params = emptyParameters
		}
		tools = append(tools, ToolSpec{
			Type:     string(openai.ToolTypeFunction),
			Function: ToolFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return tools
}

// streamTurn performs one upstream call and streams its output. It returns
// the collected tool calls and whether the model finished with tool_calls.
func (r *run) streamTurn(ctx context.Context, turn int, tools []ToolSpec) ([]ToolCall, bool, error) {
	ctx, span := r.o.cfg.Tracer.TraceTurn(ctx, turn)
	defer span.End()
	r.o.cfg.Metrics.TurnStarted()
	r.turnReasoning = ""

	resp, err := r.post(ctx, tools)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		return nil, false, &LoopError{Phase: PhaseUpstream, Turn: turn, Message: msgUpstreamConnection, Cause: errors.Join(ErrUpstreamConnection, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := upstreamErrorMessage(resp)
		return nil, false, &LoopError{
			Phase:   PhaseUpstream,
			Turn:    turn,
			Message: msg,
			Cause:   &StatusError{StatusCode: resp.StatusCode, Message: msg},
		}
	}

	collector := newToolCallCollector()
	wantsTools := false
	dec := NewDecoder(resp.Body)
	for {
		chunk, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, false, ctxErr
			}
			if errors.Is(err, ErrBufferOverflow) {
				return nil, false, &LoopError{Phase: PhaseDecode, Turn: turn, Message: msgBufferOverflow, Cause: err}
			}
			return nil, false, &LoopError{Phase: PhaseUpstream, Turn: turn, Message: msgUpstreamConnection, Cause: errors.Join(ErrUpstreamConnection, err)}
		}

		if chunk.IsError() {
			msg := msgProviderError
			if chunk.Error != nil && chunk.Error.Message != "" {
				msg = chunk.Error.Message
			}
			return nil, false, &LoopError{Phase: PhaseProvider, Turn: turn, Message: msg, Cause: ErrProviderError}
		}
		if chunk.Usage != nil {
			r.usage.PromptTokens += chunk.Usage.PromptTokens
			r.usage.CompletionTokens += chunk.Usage.CompletionTokens
			r.usage.TotalTokens += chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		if len(delta.ToolCalls) > 0 {
			collector.add(delta.ToolCalls)
			if !r.searchNotified {
				r.searchNotified = true
				r.emit(ctx, StatusEvent{Status: StatusSearching})
			}
		}
		if choice.FinishReason == string(openai.FinishReasonToolCalls) {
			wantsTools = true
		}
		if r.req.Thinking && delta.ReasoningContent != "" {
			r.turnReasoning += delta.ReasoningContent
			r.reasoning.WriteString(delta.ReasoningContent)
			r.emit(ctx, ReasoningEvent{Text: delta.ReasoningContent})
		}
		if delta.Content != "" {
			r.emitSegments(ctx, r.splitter.Feed(delta.Content))
		}
		if r.sinkErr != nil {
			break
		}
	}
	r.emitSegments(ctx, r.splitter.Flush())
	if err := r.clientGone(ctx); err != nil {
		return nil, false, err
	}
	return collector.list(), wantsTools, nil
}

func (r *run) post(ctx context.Context, tools []ToolSpec) (*http.Response, error) {
	maxTokens := r.req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	body := chatCompletionRequest{
		Model:       r.model,
		Messages:    r.messages,
		MaxTokens:   maxTokens,
		Temperature: r.o.cfg.Temperature,
		TopP:        r.o.cfg.TopP,
		Stream:      true,
		Tools:       tools,
	}
	if r.req.Thinking {
		body.Temperature = ThinkingTemperature
	} else {
		body.Thinking = &thinkingOption{Type: "disabled"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(r.o.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if r.o.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.o.cfg.APIKey)
	}

	_, span := r.o.cfg.Tracer.TraceUpstreamRequest(ctx, r.model)
	defer span.End()
	start := time.Now()
	resp, err := r.o.httpClient.Do(httpReq)
	status := "transport_error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	} else {
		r.o.cfg.Tracer.RecordError(span, err)
	}
	r.o.cfg.Metrics.RecordUpstreamRequest(r.model, status, time.Since(start).Seconds())
	return resp, err
}

// upstreamErrorMessage extracts error.message from a rejected response.
func upstreamErrorMessage(resp *http.Response) string {
	fallback := fmt.Sprintf("upstream API error: %d", resp.StatusCode)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fallback
	}
	var payload struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil || payload.Error == nil || payload.Error.Message == "" {
		return fallback
	}
	return payload.Error.Message
}

// toolCallCollector reassembles tool calls from streamed fragments.
type toolCallCollector struct {
	calls map[int]*ToolCall
}

func newToolCallCollector() *toolCallCollector {
	return &toolCallCollector{calls: make(map[int]*ToolCall)}
}

func (c *toolCallCollector) add(deltas []ToolCallDelta) {
	for _, d := range deltas {
		idx := 0
		if d.Index != nil {
			idx = *d.Index
		}
		if d.ID != "" {
			typ := d.Type
			if typ == "" {
				typ = ToolTypeBuiltin
			}
			c.calls[idx] = &ToolCall{
				ID:       d.ID,
				Type:     typ,
				Function: FunctionCall{Name: d.Function.Name, Arguments: d.Function.Arguments},
			}
			continue
		}
		if call, ok := c.calls[idx]; ok && d.Function.Arguments != "" {
			call.Function.Arguments += d.Function.Arguments
		}
	}
}

// list returns the calls ordered by index.
func (c *toolCallCollector) list() []ToolCall {
	out := make([]ToolCall, 0, len(c.calls))
	for _, idx := range slices.Sorted(maps.Keys(c.calls)) {
		out = append(out, *c.calls[idx])
	}
	return out
}
