package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements is shared by sqlite and postgres. Timestamps are unix
// milliseconds so both dialects store them the same way.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		plan_content TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS conversation_summaries (
		conversation_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		token_estimate INTEGER NOT NULL,
		messages_covered INTEGER NOT NULL,
		version INTEGER NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_plans (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		content TEXT NOT NULL,
		memory TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plans_conversation ON conversation_plans (conversation_id, is_active)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		steps TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_memories (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		mem_key TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (user_id, mem_key)
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scratchpad_notes (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		note_key TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (conversation_id, note_key)
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_files (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		source TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		file_type TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_owner ON knowledge_files (source, owner_id)`,
	`CREATE TABLE IF NOT EXISTS daily_usage (
		user_id TEXT NOT NULL,
		day TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		token_count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, day)
	)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
