package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/Farkhat1984/sanbao-sub000/internal/compaction"
	ctxwin "github.com/Farkhat1984/sanbao-sub000/internal/context"
	"github.com/Farkhat1984/sanbao-sub000/internal/mcp"
	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
	"github.com/Farkhat1984/sanbao-sub000/internal/storage"
	"github.com/Farkhat1984/sanbao-sub000/internal/stream"
	"github.com/Farkhat1984/sanbao-sub000/internal/tools/native"
)

// Prompt context limits.
const (
	maxPromptFiles    = 30
	minUsageEstimate  = 100
	charsPerUsageUnit = 3
)

const planningPrompt = "When a task needs several steps, first outline your plan inside " +
	stream.PlanOpenTag + " and " + stream.PlanCloseTag + ", and list the choices you settle on " +
	"under a **Key decisions** heading inside the plan."

// chatSession is a validated request with everything resolved for the run.
type chatSession struct {
	req             *ChatRequest
	identity        Identity
	run             stream.Request
	estimatedTokens int
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	req, err := decodeChatRequest(raw)
	if err != nil {
		s.writeRequestError(w, err)
		return
	}

	ctx := r.Context()
	sess, err := s.prepare(ctx, req, identity)
	if err != nil {
		s.writeRequestError(w, err)
		return
	}

	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	s.stream(ctx, sess, stream.NewEncoder(w, s.cfg.Metrics))
}

func (s *Server) writeRequestError(w http.ResponseWriter, err error) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		writeJSONError(w, reqErr.Status, reqErr.Message)
		return
	}
	s.logger.Error("chat request setup failed", "error", err)
	writeJSONError(w, http.StatusInternalServerError, "internal server error")
}

// prepare resolves the request into an orchestrator request: it loads the
// stored conversation context, checks the context window, schedules
// compaction and records the estimated usage.
func (s *Server) prepare(ctx context.Context, req *ChatRequest, identity Identity) (*chatSession, error) {
	ctx = observability.AddUserID(ctx, identity.UserID)
	convID := req.ConversationID
	if convID != "" {
		ctx = observability.AddConversationID(ctx, convID)
		conv, err := s.cfg.Stores.Conversations.GetConversation(ctx, convID)
		switch {
		case err == nil && conv.UserID != identity.UserID:
			return nil, &RequestError{Status: http.StatusNotFound, Message: "conversation not found"}
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = s.cfg.SystemPrompt
	}
	if req.Planning {
		systemPrompt += "\n\n" + planningPrompt
	}
	systemPrompt += s.filesSection(ctx, identity.UserID)

	summary, planMemory := s.conversationContext(ctx, convID)
	userMemory := s.userMemoryContext(ctx, identity.UserID)
	tasks := s.tasksContext(ctx, convID)

	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}
	planWindow := s.cfg.ContextWindow
	if req.Plan != nil && req.Plan.ContextWindow > 0 {
		planWindow = req.Plan.ContextWindow
	}
	history := toWindowMessages(req.Messages)
	check := ctxwin.CheckContextWindowWithThreshold(
		history,
		ctxwin.EstimateTokens(systemPrompt),
		ctxwin.EffectiveWindow(planWindow, model),
		s.threshold(),
	)

	effective := req.Messages
	compacting := false
	if check.NeedsCompaction {
		toSummarize, _ := ctxwin.SplitMessagesForCompaction(history, s.keepLast())
		if len(toSummarize) > 0 {
			effective = req.Messages[len(toSummarize):]
			compacting = true
			if convID != "" && s.cfg.Compactor != nil {
				s.cfg.Compactor.Trigger(ctx, compaction.Job{
					ConversationID:  convID,
					UserID:          identity.UserID,
					PreviousSummary: summary,
					Messages:        toSummarize,
					MaxTokens:       s.planTokensPerMessage(req),
				})
			}
		}
	}

	enriched := ctxwin.BuildSystemPromptWithContext(systemPrompt, summary, planMemory, userMemory, tasks)
	contextEvent := stream.ContextEventFrom(check, compacting)

	estimated := estimateUsage(req.Messages)
	if err := s.cfg.Stores.Usage.AddUsage(ctx, identity.UserID, s.now(), 1, estimated); err != nil {
		s.logger.WarnContext(ctx, "record usage estimate", "error", err)
	}

	webSearch := s.cfg.WebSearch
	if req.WebSearch != nil {
		webSearch = *req.WebSearch
	}
	var catalog []mcp.RemoteTool
	if s.cfg.Catalog != nil {
		catalog = s.cfg.Catalog.Tools()
	}

	inv := &native.Invocation{
		UserID:         identity.UserID,
		UserName:       identity.Name,
		UserEmail:      identity.Email,
		ConversationID: convID,
		AgentID:        req.AgentID,
	}
	if req.Plan != nil {
		limits := req.Plan.PlanLimits
		inv.PlanName = req.Plan.Name
		inv.Limits = &limits
	}

	s.logger.DebugContext(ctx, "chat request prepared",
		"model", model,
		"messages", len(req.Messages),
		"context", check.String(),
		"compacting", compacting,
	)
	return &chatSession{
		req:      req,
		identity: identity,
		run: stream.Request{
			Messages:    stream.BuildAPIMessages(enriched, effective, req.Attachments),
			Model:       model,
			MaxTokens:   s.maxTokens(req),
			Thinking:    req.ThinkingEnabled(),
			WebSearch:   webSearch,
			RemoteTools: mcp.MergeTools(mcp.MaxCatalogTools, req.MCPTools, catalog),
			Invocation:  inv,
			Context:     &contextEvent,
		},
		estimatedTokens: estimated,
	}, nil
}

// stream runs the orchestrator into sink and then persists the outcome on a
// context that survives the client going away.
func (s *Server) stream(ctx context.Context, sess *chatSession, sink stream.Sink) *stream.Result {
	ctx = observability.AddUserID(ctx, sess.identity.UserID)
	if sess.req.ConversationID != "" {
		ctx = observability.AddConversationID(ctx, sess.req.ConversationID)
	}
	res, err := s.cfg.Runner.Run(ctx, sess.run, sink)
	if res == nil {
		res = &stream.Result{Aborted: err != nil}
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	s.finish(persistCtx, sess, res)
	return res
}

// finish corrects the usage estimate with the provider's count and stores
// the exchange. Failures are logged only.
func (s *Server) finish(ctx context.Context, sess *chatSession, res *stream.Result) {
	userID := sess.identity.UserID
	if total := res.Usage.TotalTokens; total > 0 {
		if extra := total - sess.estimatedTokens; extra > 0 {
			if err := s.cfg.Stores.Usage.AddUsage(ctx, userID, s.now(), 0, extra); err != nil {
				s.logger.WarnContext(ctx, "record usage correction", "error", err)
			}
		}
	}

	convID := sess.req.ConversationID
	if convID == "" {
		return
	}
	conversations := s.cfg.Stores.Conversations
	if err := conversations.EnsureConversation(ctx, &storage.Conversation{
		ID:     convID,
		UserID: userID,
		Title:  conversationTitle(sess.req.Messages),
	}); err != nil {
		s.logger.WarnContext(ctx, "save conversation", "error", err)
		return
	}
	if msg, ok := lastUserMessage(sess.req.Messages); ok {
		if err := conversations.AppendMessage(ctx, &storage.Message{
			ConversationID: convID,
			Role:           msg.Role,
			Content:        msg.Content,
		}); err != nil {
			s.logger.WarnContext(ctx, "save user message", "error", err)
		}
	}
	if res.Content == "" && res.Plan == "" {
		return
	}
	if err := conversations.AppendMessage(ctx, &storage.Message{
		ConversationID: convID,
		Role:           "assistant",
		Content:        res.Content,
		PlanContent:    res.Plan,
	}); err != nil {
		s.logger.WarnContext(ctx, "save assistant message", "error", err)
	}
	if res.Plan != "" && s.cfg.Stores.Plans != nil {
		if err := savePlan(ctx, s.cfg.Stores.Plans, convID, res.Plan); err != nil {
			s.logger.WarnContext(ctx, "save plan", "error", err)
		}
	}
}

func (s *Server) conversationContext(ctx context.Context, convID string) (summary, planMemory string) {
	if convID == "" {
		return "", ""
	}
	if s.cfg.Stores.Summaries != nil {
		sum, err := s.cfg.Stores.Summaries.GetSummary(ctx, convID)
		switch {
		case err == nil:
			summary = sum.Content
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.WarnContext(ctx, "load summary", "error", err)
		}
	}
	if s.cfg.Stores.Plans != nil {
		plan, err := s.cfg.Stores.Plans.ActivePlan(ctx, convID)
		switch {
		case err == nil:
			planMemory = plan.Memory
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.WarnContext(ctx, "load plan", "error", err)
		}
	}
	return summary, planMemory
}

func (s *Server) userMemoryContext(ctx context.Context, userID string) string {
	if s.cfg.Stores.Memories == nil {
		return ""
	}
	memories, err := s.cfg.Stores.Memories.ListMemories(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "load user memories", "error", err)
		return ""
	}
	entries := make([]ctxwin.MemoryEntry, len(memories))
	for i, m := range memories {
		entries[i] = ctxwin.MemoryEntry{Key: m.Key, Content: m.Content}
	}
	return ctxwin.BuildMemoryContext(entries, ctxwin.DefaultMemoryTokens)
}

func (s *Server) tasksContext(ctx context.Context, convID string) string {
	if convID == "" || s.cfg.Stores.Tasks == nil {
		return ""
	}
	tasks, err := s.cfg.Stores.Tasks.ListTasks(ctx, convID, storage.TaskInProgress)
	if err != nil {
		s.logger.WarnContext(ctx, "load tasks", "error", err)
		return ""
	}
	entries := make([]ctxwin.TaskEntry, len(tasks))
	for i, t := range tasks {
		steps := make([]ctxwin.TaskStep, len(t.Steps))
		for j, st := range t.Steps {
			steps[j] = ctxwin.TaskStep{Text: st.Text, Done: st.Done}
		}
		entries[i] = ctxwin.TaskEntry{Title: t.Title, Progress: t.Progress, Steps: steps}
	}
	return ctxwin.FormatTasksContext(entries)
}

func (s *Server) filesSection(ctx context.Context, userID string) string {
	if s.cfg.Stores.Knowledge == nil {
		return ""
	}
	files, err := s.cfg.Stores.Knowledge.ListFiles(ctx, storage.SourceUser, userID, maxPromptFiles)
	if err != nil {
		s.logger.WarnContext(ctx, "load knowledge files", "error", err)
		return ""
	}
	entries := make([]ctxwin.FileEntry, len(files))
	for i, f := range files {
		entries[i] = ctxwin.FileEntry{Name: f.Name, Description: f.Description, FileType: f.FileType}
	}
	return ctxwin.FormatFilesList(entries)
}

func (s *Server) threshold() float64 {
	if s.cfg.Threshold > 0 {
		return s.cfg.Threshold
	}
	return ctxwin.CompactionThreshold
}

func (s *Server) keepLast() int {
	if s.cfg.KeepLastMessages > 0 {
		return s.cfg.KeepLastMessages
	}
	return ctxwin.DefaultKeepLastMessages
}

func (s *Server) planTokensPerMessage(req *ChatRequest) int {
	if req.Plan != nil {
		return req.Plan.TokensPerMessage
	}
	return 0
}

// maxTokens is the plan's per-message budget capped by the configured
// maximum.
func (s *Server) maxTokens(req *ChatRequest) int {
	limit := s.cfg.MaxTokens
	if n := s.planTokensPerMessage(req); n > 0 && (limit <= 0 || n < limit) {
		return n
	}
	return limit
}

func toWindowMessages(msgs []stream.Message) []ctxwin.Message {
	out := make([]ctxwin.Message, len(msgs))
	for i, m := range msgs {
		out[i] = ctxwin.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// estimateUsage is the pre-stream token estimate: one token per three
// characters of input, at least 100.
func estimateUsage(msgs []stream.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += utf8.RuneCountInString(m.Content)
	}
	return max(minUsageEstimate, (chars+charsPerUsageUnit-1)/charsPerUsageUnit)
}
