package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemoryStores returns a StoreSet backed by process memory. It is used by
// tests and by `serve` when no database is configured.
func NewMemoryStores() StoreSet {
	b := newMemoryBackend()
	return StoreSet{
		Conversations: b,
		Summaries:     b,
		Plans:         b,
		Tasks:         b,
		Memories:      b,
		Notifications: b,
		Scratchpad:    b,
		Knowledge:     b,
		Usage:         b,
	}
}

type memKey struct {
	scope string
	key   string
}

// memoryBackend implements every store interface over maps guarded by one
// RWMutex. Records are copied on the way in and out.
type memoryBackend struct {
	mu            sync.RWMutex
	now           func() time.Time
	conversations map[string]*Conversation
	messages      map[string][]*Message
	summaries     map[string]*Summary
	plans         map[string][]*Plan
	tasks         []*Task
	memories      map[memKey]*Memory
	notifications []*Notification
	notes         map[memKey]*ScratchpadNote
	files         []*KnowledgeFile
	usage         map[memKey]*Usage
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		now:           time.Now,
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		summaries:     make(map[string]*Summary),
		plans:         make(map[string][]*Plan),
		memories:      make(map[memKey]*Memory),
		notes:         make(map[memKey]*ScratchpadNote),
		usage:         make(map[memKey]*Usage),
	}
}

func (b *memoryBackend) EnsureConversation(ctx context.Context, conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if existing, ok := b.conversations[conv.ID]; ok {
		existing.UpdatedAt = now
		return nil
	}
	c := *conv
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	b.conversations[c.ID] = &c
	return nil
}

func (b *memoryBackend) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (b *memoryBackend) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ConversationID == "" {
		return fmt.Errorf("message with conversation id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := *msg
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = b.now()
	}
	b.messages[m.ConversationID] = append(b.messages[m.ConversationID], &m)
	if c, ok := b.conversations[m.ConversationID]; ok {
		c.UpdatedAt = m.CreatedAt
	}
	msg.ID = m.ID
	msg.CreatedAt = m.CreatedAt
	return nil
}

func (b *memoryBackend) CountMessages(ctx context.Context, conversationID string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages[conversationID]), nil
}

func (b *memoryBackend) GetSummary(ctx context.Context, conversationID string) (*Summary, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.summaries[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

func (b *memoryBackend) UpsertSummary(ctx context.Context, conversationID, content string, tokenEstimate, messagesCovered int) (*Summary, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	s, ok := b.summaries[conversationID]
	if !ok {
		s = &Summary{
			ConversationID:  conversationID,
			MessagesCovered: messagesCovered,
			Version:         1,
			CreatedAt:       now,
		}
		b.summaries[conversationID] = s
	} else {
		s.MessagesCovered += messagesCovered
		s.Version++
	}
	s.Content = content
	s.TokenEstimate = tokenEstimate
	s.UpdatedAt = now
	out := *s
	return &out, nil
}

func (b *memoryBackend) ActivePlan(ctx context.Context, conversationID string) (*Plan, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	plans := b.plans[conversationID]
	for i := len(plans) - 1; i >= 0; i-- {
		if plans[i].Active {
			out := *plans[i]
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (b *memoryBackend) SavePlan(ctx context.Context, conversationID, content, memory string) (*Plan, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.plans[conversationID] {
		p.Active = false
	}
	p := &Plan{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		Memory:         memory,
		Active:         true,
		CreatedAt:      b.now(),
	}
	b.plans[conversationID] = append(b.plans[conversationID], p)
	out := *p
	return &out, nil
}

func (b *memoryBackend) CreateTask(ctx context.Context, task *Task) error {
	if task == nil || task.UserID == "" {
		return fmt.Errorf("task with user id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := b.now()
	task.CreatedAt, task.UpdatedAt = now, now
	t := *task
	t.Steps = append([]TaskStep(nil), task.Steps...)
	b.tasks = append(b.tasks, &t)
	return nil
}

func (b *memoryBackend) ListTasks(ctx context.Context, conversationID, status string) ([]*Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Task
	for _, t := range b.tasks {
		if t.ConversationID != conversationID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		c := *t
		c.Steps = append([]TaskStep(nil), t.Steps...)
		out = append(out, &c)
	}
	return out, nil
}

func (b *memoryBackend) UpsertMemory(ctx context.Context, userID, key, content, source string) (*Memory, bool, error) {
	if userID == "" || key == "" {
		return nil, false, fmt.Errorf("user id and key are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	k := memKey{scope: userID, key: key}
	m, ok := b.memories[k]
	if !ok {
		m = &Memory{ID: uuid.NewString(), UserID: userID, Key: key, CreatedAt: now}
		b.memories[k] = m
	}
	m.Content = content
	m.Source = source
	m.UpdatedAt = now
	out := *m
	return &out, !ok, nil
}

func (b *memoryBackend) ListMemories(ctx context.Context, userID string) ([]*Memory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Memory
	for k, m := range b.memories {
		if k.scope != userID {
			continue
		}
		c := *m
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (b *memoryBackend) CreateNotification(ctx context.Context, n *Notification) error {
	if n == nil || n.UserID == "" {
		return fmt.Errorf("notification with user id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = b.now()
	c := *n
	b.notifications = append(b.notifications, &c)
	return nil
}

func (b *memoryBackend) UpsertNote(ctx context.Context, conversationID, key, content string) (*ScratchpadNote, bool, error) {
	if conversationID == "" || key == "" {
		return nil, false, fmt.Errorf("conversation id and key are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	k := memKey{scope: conversationID, key: key}
	n, ok := b.notes[k]
	if !ok {
		n = &ScratchpadNote{ID: uuid.NewString(), ConversationID: conversationID, Key: key, CreatedAt: now}
		b.notes[k] = n
	}
	n.Content = content
	n.UpdatedAt = now
	out := *n
	return &out, !ok, nil
}

func (b *memoryBackend) GetNote(ctx context.Context, conversationID, key string) (*ScratchpadNote, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.notes[memKey{scope: conversationID, key: key}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *n
	return &out, nil
}

func (b *memoryBackend) ListNotes(ctx context.Context, conversationID string) ([]*ScratchpadNote, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*ScratchpadNote
	for k, n := range b.notes {
		if k.scope != conversationID {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (b *memoryBackend) SaveFile(ctx context.Context, file *KnowledgeFile) error {
	if file == nil || file.OwnerID == "" || file.Name == "" {
		return fmt.Errorf("file with owner and name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if file.UpdatedAt.IsZero() {
		file.UpdatedAt = b.now()
	}
	c := *file
	for i, f := range b.files {
		if f.ID == c.ID {
			b.files[i] = &c
			return nil
		}
	}
	b.files = append(b.files, &c)
	return nil
}

func (b *memoryBackend) ListFiles(ctx context.Context, source, ownerID string, limit int) ([]*KnowledgeFile, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*KnowledgeFile
	for _, f := range b.files {
		if f.Source != source || f.OwnerID != ownerID {
			continue
		}
		c := *f
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *memoryBackend) AddUsage(ctx context.Context, userID string, at time.Time, messages, tokens int) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	day := DayKey(at)
	k := memKey{scope: userID, key: day}
	u, ok := b.usage[k]
	if !ok {
		u = &Usage{UserID: userID, Day: day}
		b.usage[k] = u
	}
	u.MessageCount += messages
	u.TokenCount += tokens
	return nil
}

func (b *memoryBackend) GetUsage(ctx context.Context, userID string, at time.Time) (*Usage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	day := DayKey(at)
	u, ok := b.usage[memKey{scope: userID, key: day}]
	if !ok {
		return &Usage{UserID: userID, Day: day}, nil
	}
	out := *u
	return &out, nil
}
