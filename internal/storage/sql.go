package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"  // postgres / cockroach driver
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// Dialect selects placeholder syntax and the database/sql driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "cockroach", "cockroachdb":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLStoresFromDSN opens a database and returns SQL-backed stores.
func NewSQLStoresFromDSN(driver, dsn string, config *PoolConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	dialect, err := ParseDialect(driver)
	if err != nil {
		return StoreSet{}, err
	}
	if config == nil {
		config = DefaultPoolConfig()
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	if dialect == DialectSQLite {
		// sqlite serializes writers; a single connection also keeps
		// ":memory:" databases alive across calls.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	return NewSQLStores(db, dialect), nil
}

// NewSQLStores wraps an open database. The returned StoreSet owns db.
func NewSQLStores(db *sql.DB, dialect Dialect) StoreSet {
	b := &sqlBackend{db: db, dialect: dialect, now: time.Now}
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
		closer:        db.Close,
		migrate:       func(ctx context.Context) error { return migrate(ctx, db) },
	}
}

type sqlBackend struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// rebind rewrites "?" placeholders to "$n" for postgres.
func (s *sqlBackend) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlBackend) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func (s *sqlBackend) EnsureConversation(ctx context.Context, conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	now := s.now()
	created := conv.CreatedAt
	if created.IsZero() {
		created = now
	}
	err := s.exec(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at`,
		conv.ID, conv.UserID, conv.Title, millis(created), millis(now))
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

func (s *sqlBackend) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ?`), id)
	var c Conversation
	var created, updated int64
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &c, nil
}

func (s *sqlBackend) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ConversationID == "" {
		return fmt.Errorf("message with conversation id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if err := s.exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, plan_content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.PlanContent, millis(msg.CreatedAt)); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := s.exec(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		millis(msg.CreatedAt), msg.ConversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *sqlBackend) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT count(*) FROM messages WHERE conversation_id = ?`), conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

const summaryColumns = `conversation_id, content, token_estimate, messages_covered, version, created_at, updated_at`

func scanSummary(row interface{ Scan(...any) error }) (*Summary, error) {
	var sum Summary
	var created, updated int64
	if err := row.Scan(&sum.ConversationID, &sum.Content, &sum.TokenEstimate,
		&sum.MessagesCovered, &sum.Version, &created, &updated); err != nil {
		return nil, err
	}
	sum.CreatedAt, sum.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &sum, nil
}

func (s *sqlBackend) GetSummary(ctx context.Context, conversationID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+summaryColumns+` FROM conversation_summaries WHERE conversation_id = ?`), conversationID)
	sum, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get summary: %w", err)
	}
	return sum, nil
}

func (s *sqlBackend) UpsertSummary(ctx context.Context, conversationID, content string, tokenEstimate, messagesCovered int) (*Summary, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	now := millis(s.now())
	row := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO conversation_summaries (`+summaryColumns+`)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET
			content = excluded.content,
			token_estimate = excluded.token_estimate,
			messages_covered = conversation_summaries.messages_covered + excluded.messages_covered,
			version = conversation_summaries.version + 1,
			updated_at = excluded.updated_at
		 RETURNING `+summaryColumns),
		conversationID, content, tokenEstimate, messagesCovered, now, now)
	sum, err := scanSummary(row)
	if err != nil {
		return nil, fmt.Errorf("upsert summary: %w", err)
	}
	return sum, nil
}

func (s *sqlBackend) ActivePlan(ctx context.Context, conversationID string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, conversation_id, content, memory, created_at FROM conversation_plans
		 WHERE conversation_id = ? AND is_active = 1 ORDER BY created_at DESC LIMIT 1`), conversationID)
	p := Plan{Active: true}
	var created int64
	if err := row.Scan(&p.ID, &p.ConversationID, &p.Content, &p.Memory, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active plan: %w", err)
	}
	p.CreatedAt = fromMillis(created)
	return &p, nil
}

func (s *sqlBackend) SavePlan(ctx context.Context, conversationID, content, memory string) (*Plan, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	p := &Plan{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		Memory:         memory,
		Active:         true,
		CreatedAt:      s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin plan tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE conversation_plans SET is_active = 0 WHERE conversation_id = ? AND is_active = 1`),
		conversationID); err != nil {
		return nil, fmt.Errorf("deactivate plans: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO conversation_plans (id, conversation_id, content, memory, is_active, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)`),
		p.ID, p.ConversationID, p.Content, p.Memory, millis(p.CreatedAt)); err != nil {
		return nil, fmt.Errorf("insert plan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit plan: %w", err)
	}
	return p, nil
}

func (s *sqlBackend) CreateTask(ctx context.Context, task *Task) error {
	if task == nil || task.UserID == "" {
		return fmt.Errorf("task with user id is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := s.now()
	task.CreatedAt, task.UpdatedAt = now, now
	steps, err := json.Marshal(task.Steps)
	if err != nil {
		return fmt.Errorf("marshal task steps: %w", err)
	}
	if err := s.exec(ctx,
		`INSERT INTO tasks (id, user_id, conversation_id, title, steps, status, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.UserID, task.ConversationID, task.Title, string(steps),
		task.Status, task.Progress, millis(now), millis(now)); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *sqlBackend) ListTasks(ctx context.Context, conversationID, status string) ([]*Task, error) {
	query := `SELECT id, user_id, conversation_id, title, steps, status, progress, created_at, updated_at
		FROM tasks WHERE conversation_id = ?`
	args := []any{conversationID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var t Task
		var steps string
		var created, updated int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.ConversationID, &t.Title, &steps,
			&t.Status, &t.Progress, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if steps != "" {
			if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
				return nil, fmt.Errorf("unmarshal task steps: %w", err)
			}
		}
		t.CreatedAt, t.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *sqlBackend) UpsertMemory(ctx context.Context, userID, key, content, source string) (*Memory, bool, error) {
	if userID == "" || key == "" {
		return nil, false, fmt.Errorf("user id and key are required")
	}
	id := uuid.NewString()
	now := s.now()
	row := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO user_memories (id, user_id, mem_key, content, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, mem_key) DO UPDATE SET
			content = excluded.content,
			source = excluded.source,
			updated_at = excluded.updated_at
		 RETURNING id, created_at`),
		id, userID, key, content, source, millis(now), millis(now))

	m := &Memory{UserID: userID, Key: key, Content: content, Source: source, UpdatedAt: now}
	var created int64
	if err := row.Scan(&m.ID, &created); err != nil {
		return nil, false, fmt.Errorf("upsert memory: %w", err)
	}
	m.CreatedAt = fromMillis(created)
	return m, m.ID == id, nil
}

func (s *sqlBackend) ListMemories(ctx context.Context, userID string) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_id, mem_key, content, source, created_at, updated_at
		 FROM user_memories WHERE user_id = ? ORDER BY updated_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		var m Memory
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Key, &m.Content, &m.Source, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.CreatedAt, m.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *sqlBackend) CreateNotification(ctx context.Context, n *Notification) error {
	if n == nil || n.UserID == "" {
		return fmt.Errorf("notification with user id is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = s.now()
	if err := s.exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, millis(n.CreatedAt)); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *sqlBackend) UpsertNote(ctx context.Context, conversationID, key, content string) (*ScratchpadNote, bool, error) {
	if conversationID == "" || key == "" {
		return nil, false, fmt.Errorf("conversation id and key are required")
	}
	id := uuid.NewString()
	now := s.now()
	row := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO scratchpad_notes (id, conversation_id, note_key, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id, note_key) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at
		 RETURNING id, created_at`),
		id, conversationID, key, content, millis(now), millis(now))

	n := &ScratchpadNote{ConversationID: conversationID, Key: key, Content: content, UpdatedAt: now}
	var created int64
	if err := row.Scan(&n.ID, &created); err != nil {
		return nil, false, fmt.Errorf("upsert note: %w", err)
	}
	n.CreatedAt = fromMillis(created)
	return n, n.ID == id, nil
}

func (s *sqlBackend) GetNote(ctx context.Context, conversationID, key string) (*ScratchpadNote, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, conversation_id, note_key, content, created_at, updated_at
		 FROM scratchpad_notes WHERE conversation_id = ? AND note_key = ?`), conversationID, key)
	var n ScratchpadNote
	var created, updated int64
	if err := row.Scan(&n.ID, &n.ConversationID, &n.Key, &n.Content, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get note: %w", err)
	}
	n.CreatedAt, n.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &n, nil
}

func (s *sqlBackend) ListNotes(ctx context.Context, conversationID string) ([]*ScratchpadNote, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, conversation_id, note_key, content, created_at, updated_at
		 FROM scratchpad_notes WHERE conversation_id = ? ORDER BY updated_at DESC, note_key`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []*ScratchpadNote
	for rows.Next() {
		var n ScratchpadNote
		var created, updated int64
		if err := rows.Scan(&n.ID, &n.ConversationID, &n.Key, &n.Content, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.CreatedAt, n.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *sqlBackend) SaveFile(ctx context.Context, file *KnowledgeFile) error {
	if file == nil || file.OwnerID == "" || file.Name == "" {
		return fmt.Errorf("file with owner and name is required")
	}
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if file.UpdatedAt.IsZero() {
		file.UpdatedAt = s.now()
	}
	if err := s.exec(ctx,
		`INSERT INTO knowledge_files (id, owner_id, source, name, description, file_type, content, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			file_type = excluded.file_type,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		file.ID, file.OwnerID, file.Source, file.Name, file.Description, file.FileType,
		file.Content, millis(file.UpdatedAt)); err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	return nil
}

func (s *sqlBackend) ListFiles(ctx context.Context, source, ownerID string, limit int) ([]*KnowledgeFile, error) {
	query := `SELECT id, owner_id, source, name, description, file_type, content, updated_at
		FROM knowledge_files WHERE source = ? AND owner_id = ? ORDER BY updated_at DESC`
	args := []any{source, ownerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*KnowledgeFile
	for rows.Next() {
		var f KnowledgeFile
		var updated int64
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Source, &f.Name, &f.Description,
			&f.FileType, &f.Content, &updated); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.UpdatedAt = fromMillis(updated)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *sqlBackend) AddUsage(ctx context.Context, userID string, at time.Time, messages, tokens int) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if err := s.exec(ctx,
		`INSERT INTO daily_usage (user_id, day, message_count, token_count) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, day) DO UPDATE SET
			message_count = daily_usage.message_count + excluded.message_count,
			token_count = daily_usage.token_count + excluded.token_count`,
		userID, DayKey(at), messages, tokens); err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

func (s *sqlBackend) GetUsage(ctx context.Context, userID string, at time.Time) (*Usage, error) {
	u := &Usage{UserID: userID, Day: DayKey(at)}
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT message_count, token_count FROM daily_usage WHERE user_id = ? AND day = ?`),
		userID, u.Day).Scan(&u.MessageCount, &u.TokenCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return u, nil
}
