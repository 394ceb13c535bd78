package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	ctxwin "github.com/Farkhat1984/sanbao-sub000/internal/context"
	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
	"github.com/Farkhat1984/sanbao-sub000/internal/storage"
)

// DefaultTimeout bounds one background compaction.
const DefaultTimeout = 2 * time.Minute

// ErrNothingToSummarize is returned by Compact for an empty job.
var ErrNothingToSummarize = errors.New("compaction: no messages to summarize")

// Job describes one compaction of a conversation.
type Job struct {
	ConversationID  string
	UserID          string
	PreviousSummary string
	Messages        []ctxwin.Message

	// MaxTokens caps the summary; it is further limited by the worker's
	// configured maximum.
	MaxTokens int
}

// Config configures a Worker.
type Config struct {
	Summarizer     Summarizer
	Summaries      storage.SummaryStore
	Usage          storage.UsageStore
	Model          string
	MaxTokens      int
	Temperature    float64
	MaxChunkTokens int
	Timeout        time.Duration

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Worker runs compactions in the background, at most one per conversation.
// Jobs triggered while one is running for the same conversation are dropped.
type Worker struct {
	cfg      Config
	logger   *slog.Logger
	inflight sync.Map
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewWorker creates a worker.
func NewWorker(cfg Config) *Worker {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxChunkTokens <= 0 {
		cfg.MaxChunkTokens = DefaultMaxChunkTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:    cfg,
		logger: logger.With("component", "compaction"),
		now:    time.Now,
	}
}

// Trigger starts job in the background and reports whether it was started.
// The job keeps ctx's values but not its cancellation, so it survives the
// request that triggered it. Failures are logged and counted only.
func (w *Worker) Trigger(ctx context.Context, job Job) bool {
	if len(job.Messages) == 0 || job.ConversationID == "" {
		return false
	}
	if _, busy := w.inflight.LoadOrStore(job.ConversationID, struct{}{}); busy {
		w.cfg.Metrics.CompactionFinished("skipped")
		w.logger.DebugContext(ctx, "compaction already running", "conversation_id", job.ConversationID)
		return false
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.inflight.Delete(job.ConversationID)

		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.Timeout)
		defer cancel()
		if _, err := w.Compact(jobCtx, job); err != nil {
			w.logger.WarnContext(jobCtx, "compaction failed",
				"conversation_id", job.ConversationID,
				"messages", len(job.Messages),
				"error", err)
		}
	}()
	return true
}

// Running reports whether a compaction is in flight for the conversation.
func (w *Worker) Running(conversationID string) bool {
	_, ok := w.inflight.Load(conversationID)
	return ok
}

// Wait blocks until all background jobs finish or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compact summarizes job.Messages synchronously and upserts the summary. A
// panicking summarizer or store is reported as an error.
// Histories larger than the chunk budget are folded in chunk by chunk, each
// call merging the next chunk into the running summary.
func (w *Worker) Compact(ctx context.Context, job Job) (summary *storage.Summary, err error) {
	ctx, span := w.cfg.Tracer.TraceCompaction(ctx, job.ConversationID, len(job.Messages))
	defer span.End()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			w.cfg.Tracer.RecordError(span, err)
		}
		w.cfg.Metrics.CompactionFinished(status)
	}()
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.ErrorContext(ctx, "compaction panicked",
				"conversation_id", job.ConversationID,
				"panic", rec,
				"stack", string(debug.Stack()))
			summary, err = nil, fmt.Errorf("compaction panicked: %v", rec)
		}
	}()

	if len(job.Messages) == 0 {
		return nil, ErrNothingToSummarize
	}
	if w.cfg.Summarizer == nil || w.cfg.Summaries == nil {
		return nil, errors.New("compaction: worker has no summarizer or summary store")
	}

	maxTokens := w.cfg.MaxTokens
	if job.MaxTokens > 0 && job.MaxTokens < maxTokens {
		maxTokens = job.MaxTokens
	}

	text := job.PreviousSummary
	usedTokens := 0
	chunks := ChunkMessages(job.Messages, w.cfg.MaxChunkTokens)
	for i, chunk := range chunks {
		prompt := BuildPrompt(text, chunk)
		out, err := w.cfg.Summarizer.Summarize(ctx, SummaryRequest{
			Model:       w.cfg.Model,
			System:      SystemPrompt,
			Prompt:      prompt,
			MaxTokens:   maxTokens,
			Temperature: w.cfg.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("summarize chunk %d of %d: %w", i+1, len(chunks), err)
		}
		usedTokens += ctxwin.EstimateTokens(prompt) + ctxwin.EstimateTokens(out)
		text = out
	}

	summary, err = w.cfg.Summaries.UpsertSummary(ctx, job.ConversationID, text, ctxwin.EstimateTokens(text), len(job.Messages))
	if err != nil {
		return nil, fmt.Errorf("save summary: %w", err)
	}

	if w.cfg.Usage != nil && job.UserID != "" {
		if err := w.cfg.Usage.AddUsage(ctx, job.UserID, w.now(), 0, usedTokens); err != nil {
			w.logger.WarnContext(ctx, "record compaction usage", "user_id", job.UserID, "error", err)
		}
	}

	w.cfg.Tracer.SetAttributes(span,
		"compaction.chunks", len(chunks),
		"compaction.version", summary.Version,
		"compaction.tokens", usedTokens,
	)
	w.logger.InfoContext(ctx, "conversation compacted",
		"conversation_id", job.ConversationID,
		"messages", len(job.Messages),
		"version", summary.Version,
		"messages_covered", summary.MessagesCovered,
		"summary_preview", truncateRunes(text, 120))
	return summary, nil
}
