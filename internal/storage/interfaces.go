package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	// EnsureConversation creates the conversation if it does not exist and
	// touches its updated time otherwise.
	EnsureConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	AppendMessage(ctx context.Context, msg *Message) error
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// SummaryStore persists conversation summaries produced by compaction.
type SummaryStore interface {
	GetSummary(ctx context.Context, conversationID string) (*Summary, error)
	// UpsertSummary creates the summary with version 1, or replaces the
	// content and increments messagesCovered and version.
	UpsertSummary(ctx context.Context, conversationID, content string, tokenEstimate, messagesCovered int) (*Summary, error)
}

// PlanStore persists plan blocks and their accumulated memory.
type PlanStore interface {
	ActivePlan(ctx context.Context, conversationID string) (*Plan, error)
	// SavePlan deactivates the current plan and stores a new active one.
	SavePlan(ctx context.Context, conversationID, content, memory string) (*Plan, error)
}

// TaskStore persists checklist tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	// ListTasks returns tasks of a conversation; status "" matches all.
	ListTasks(ctx context.Context, conversationID, status string) ([]*Task, error)
}

// UserMemoryStore persists long-term user memories.
type UserMemoryStore interface {
	// UpsertMemory reports created=true when the key did not exist.
	UpsertMemory(ctx context.Context, userID, key, content, source string) (*Memory, bool, error)
	// ListMemories returns memories ordered by updated time, newest first.
	ListMemories(ctx context.Context, userID string) ([]*Memory, error)
}

// NotificationStore persists user notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
}

// ScratchpadStore persists per-conversation notes.
type ScratchpadStore interface {
	UpsertNote(ctx context.Context, conversationID, key, content string) (*ScratchpadNote, bool, error)
	GetNote(ctx context.Context, conversationID, key string) (*ScratchpadNote, error)
	// ListNotes returns notes ordered by updated time, newest first.
	ListNotes(ctx context.Context, conversationID string) ([]*ScratchpadNote, error)
}

// KnowledgeStore persists knowledge files.
type KnowledgeStore interface {
	SaveFile(ctx context.Context, file *KnowledgeFile) error
	// ListFiles returns files of one owner and source, newest first. A
	// non-positive limit returns all files.
	ListFiles(ctx context.Context, source, ownerID string, limit int) ([]*KnowledgeFile, error)
}

// UsageStore persists per-day usage counters.
type UsageStore interface {
	AddUsage(ctx context.Context, userID string, at time.Time, messages, tokens int) error
	GetUsage(ctx context.Context, userID string, at time.Time) (*Usage, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Conversations ConversationStore
	Summaries     SummaryStore
	Plans         PlanStore
	Tasks         TaskStore
	Memories      UserMemoryStore
	Notifications NotificationStore
	Scratchpad    ScratchpadStore
	Knowledge     KnowledgeStore
	Usage         UsageStore
	closer        func() error
	migrate       func(ctx context.Context) error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Migrate applies the schema. It is a no-op for in-memory stores.
func (s StoreSet) Migrate(ctx context.Context) error {
	if s.migrate == nil {
		return nil
	}
	return s.migrate(ctx)
}
