package storage

import "time"

// Task statuses.
const (
	TaskInProgress = "IN_PROGRESS"
	TaskCompleted  = "COMPLETED"
)

// Notification types.
const (
	NotificationInfo = "INFO"
)

// Knowledge file sources.
const (
	SourceAgent = "agent"
	SourceUser  = "user"
)

// Conversation is a chat thread owned by a user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a persisted conversation message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	PlanContent    string    `json:"planContent,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Summary is the compacted summary of the older part of a conversation.
type Summary struct {
	ConversationID  string    `json:"conversationId"`
	Content         string    `json:"content"`
	TokenEstimate   int       `json:"tokenEstimate"`
	MessagesCovered int       `json:"messagesCovered"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Plan is a plan block extracted from an assistant reply. Only the latest
// plan of a conversation is active.
type Plan struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	Memory         string    `json:"memory,omitempty"`
	Active         bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TaskStep is one checklist item of a task.
type TaskStep struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Task is a checklist created for a user.
type Task struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	ConversationID string     `json:"conversationId,omitempty"`
	Title          string     `json:"title"`
	Steps          []TaskStep `json:"steps"`
	Status         string     `json:"status"`
	Progress       int        `json:"progress"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Memory is a long-term user memory keyed by (user, key).
type Memory struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Notification is a message delivered to a user's inbox.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// ScratchpadNote is a per-conversation note keyed by (conversation, key).
type ScratchpadNote struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Key            string    `json:"key"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// KnowledgeFile is an uploaded document with its extracted text. OwnerID is
// an agent id for agent files and a user id for user files.
type KnowledgeFile struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Source      string    `json:"source"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	FileType    string    `json:"fileType"`
	Content     string    `json:"-"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Usage is the per-user counter for one UTC day.
type Usage struct {
	UserID       string `json:"userId"`
	Day          string `json:"day"`
	MessageCount int    `json:"messageCount"`
	TokenCount   int    `json:"tokenCount"`
}

// DayKey formats t as the UTC day used by usage counters.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
