package chat

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the conversation tables when they do not exist yet.
// The users table is the directory consulted by IdentityResolver; rows are
// provisioned out of band.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS helmsman`,
		`CREATE TABLE IF NOT EXISTS helmsman.users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS helmsman.conversations (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_email TEXT NOT NULL,
			session_key TEXT,
			title TEXT,
			summary TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_helmsman_conversations_user
			ON helmsman.conversations (user_email, updated_at DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_helmsman_conversations_session
			ON helmsman.conversations (user_email, session_key)
			WHERE session_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS helmsman.messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			conversation_id UUID NOT NULL REFERENCES helmsman.conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			citations JSONB,
			model_used TEXT,
			token_count_input INTEGER NOT NULL DEFAULT 0,
			token_count_output INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_helmsman_messages_conversation
			ON helmsman.messages (conversation_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure chat schema: %w", err)
		}
	}
	return nil
}
