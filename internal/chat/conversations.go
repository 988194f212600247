package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrConversationNotFound = errors.New("conversation not found")

type Conversation struct {
	ID        string    `json:"id"`
	UserEmail string    `json:"user_email"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

type ConversationSummary struct {
	ID            string       `json:"id"`
	UserEmail     string       `json:"user_email"`
	Title         string       `json:"title"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	LastMessageAt sql.NullTime `json:"last_message_at"`
	MessageCount  int          `json:"message_count"`
}

type Message struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversation_id"`
	Role             string          `json:"role"`
	Content          string          `json:"content"`
	Citations        json.RawMessage `json:"citations,omitempty"`
	ModelUsed        string          `json:"model_used,omitempty"`
	TokenCountInput  int             `json:"token_count_input"`
	TokenCountOutput int             `json:"token_count_output"`
	CreatedAt        time.Time       `json:"created_at"`
}

type TokenCounts struct {
	Input  int
	Output int
}

// ConversationStore persists conversations and their turns, scoped to the
// owning user's email. Access is append-only per conversation; there is no
// cross-conversation merge logic.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// CreateConversation starts a thread for the user. A non-empty sessionKey
// binds the thread to a client session so later turns carrying only that
// session find it again.
func (s *ConversationStore) CreateConversation(ctx context.Context, userEmail, sessionKey string) (string, error) {
	if userEmail == "" {
		return "", fmt.Errorf("user email is required")
	}

	var sessionValue sql.NullString
	if sessionKey != "" {
		sessionValue = sql.NullString{String: sessionKey, Valid: true}
	}

	var conversationID string
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO helmsman.conversations (user_email, session_key)
		 VALUES ($1, $2)
		 RETURNING id`,
		userEmail,
		sessionValue,
	).Scan(&conversationID)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	return conversationID, nil
}

// FindBySessionKey returns the conversation bound to the session, or
// ErrConversationNotFound when the session has no thread yet.
func (s *ConversationStore) FindBySessionKey(ctx context.Context, userEmail, sessionKey string) (string, error) {
	if userEmail == "" {
		return "", fmt.Errorf("user email is required")
	}
	if sessionKey == "" {
		return "", fmt.Errorf("session key is required")
	}

	var conversationID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM helmsman.conversations
		 WHERE user_email = $1 AND session_key = $2
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userEmail, sessionKey,
	).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrConversationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find conversation by session: %w", err)
	}
	return conversationID, nil
}

func (s *ConversationStore) AddMessage(
	ctx context.Context,
	userEmail,
	conversationID,
	role,
	content string,
	citations json.RawMessage,
	modelUsed string,
	tokens TokenCounts,
) error {
	if userEmail == "" {
		return fmt.Errorf("user email is required")
	}

	citationsValue := normalizeJSONInput(citations)

	var messageID string
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO helmsman.messages (
			conversation_id,
			role,
			content,
			citations,
			model_used,
			token_count_input,
			token_count_output
		)
		SELECT c.id, $2, $3, $4, $5, $6, $7
		FROM helmsman.conversations c
		WHERE c.id = $1 AND c.user_email = $8
		RETURNING id`,
		conversationID,
		role,
		content,
		citationsValue,
		modelUsed,
		tokens.Input,
		tokens.Output,
		userEmail,
	).Scan(&messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("add message: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`UPDATE helmsman.conversations
		 SET updated_at = NOW()
		 WHERE id = $1 AND user_email = $2`,
		conversationID,
		userEmail,
	)
	if err != nil {
		return fmt.Errorf("update conversation timestamp: %w", err)
	}

	return nil
}

func (s *ConversationStore) GetConversation(ctx context.Context, userEmail, conversationID string) (Conversation, error) {
	if userEmail == "" {
		return Conversation{}, fmt.Errorf("user email is required")
	}

	var convo Conversation
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_email, title, COALESCE(summary, ''), created_at, updated_at
		 FROM helmsman.conversations
		 WHERE id = $1 AND user_email = $2`,
		conversationID, userEmail,
	).Scan(
		&convo.ID,
		&convo.UserEmail,
		&title,
		&convo.Summary,
		&convo.CreatedAt,
		&convo.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}

	convo.Title = title.String

	messages, err := s.fetchMessages(ctx, userEmail, conversationID, 0)
	if err != nil {
		return Conversation{}, err
	}
	convo.Messages = messages

	return convo, nil
}

func (s *ConversationStore) ListConversations(ctx context.Context, userEmail string, limit, offset int) ([]ConversationSummary, error) {
	if userEmail == "" {
		return nil, fmt.Errorf("user email is required")
	}
	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT
			c.id,
			c.user_email,
			c.title,
			c.created_at,
			c.updated_at,
			MAX(m.created_at) AS last_message_at,
			COUNT(m.id) AS message_count
		FROM helmsman.conversations c
		LEFT JOIN helmsman.messages m ON m.conversation_id = c.id
		WHERE c.user_email = $1
		GROUP BY c.id, c.user_email, c.title, c.created_at, c.updated_at
		ORDER BY COALESCE(MAX(m.created_at), c.created_at) DESC
		LIMIT $2 OFFSET $3`,
		userEmail, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var summaries []ConversationSummary
	for rows.Next() {
		var summary ConversationSummary
		var title sql.NullString
		if err := rows.Scan(
			&summary.ID,
			&summary.UserEmail,
			&title,
			&summary.CreatedAt,
			&summary.UpdatedAt,
			&summary.LastMessageAt,
			&summary.MessageCount,
		); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		summary.Title = title.String
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations rows: %w", err)
	}

	return summaries, nil
}

func (s *ConversationStore) UpdateTitle(ctx context.Context, userEmail, conversationID, title string) error {
	if userEmail == "" {
		return fmt.Errorf("user email is required")
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE helmsman.conversations
		 SET title = $1, updated_at = NOW()
		 WHERE id = $2 AND user_email = $3`,
		title, conversationID, userEmail,
	)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *ConversationStore) DeleteConversation(ctx context.Context, userEmail, conversationID string) error {
	if userEmail == "" {
		return fmt.Errorf("user email is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, execErr := tx.ExecContext(ctx,
		`DELETE FROM helmsman.messages
		 WHERE conversation_id = $1
		   AND conversation_id IN (
		     SELECT id FROM helmsman.conversations WHERE user_email = $2
		   )`,
		conversationID, userEmail,
	); execErr != nil {
		return fmt.Errorf("delete messages: %w", execErr)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM helmsman.conversations
		 WHERE id = $1 AND user_email = $2`,
		conversationID, userEmail,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConversationNotFound
	}

	return tx.Commit()
}

func (s *ConversationStore) GetRecentMessages(ctx context.Context, userEmail, conversationID string, limit int) ([]Message, error) {
	if userEmail == "" {
		return nil, fmt.Errorf("user email is required")
	}
	if limit <= 0 {
		limit = 25
	}
	return s.fetchMessages(ctx, userEmail, conversationID, limit)
}

func (s *ConversationStore) fetchMessages(ctx context.Context, userEmail, conversationID string, limit int) ([]Message, error) {
	query := `SELECT
		m.id,
		m.conversation_id,
		m.role,
		m.content,
		COALESCE(m.citations, 'null'),
		COALESCE(m.model_used, ''),
		m.token_count_input,
		m.token_count_output,
		m.created_at
	FROM helmsman.messages m
	JOIN helmsman.conversations c ON m.conversation_id = c.id
	WHERE m.conversation_id = $1 AND c.user_email = $2`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		// Newest N, re-ordered chronologically.
		rows, err = s.db.QueryContext(
			ctx,
			`SELECT * FROM (`+query+` ORDER BY m.created_at DESC LIMIT $3) recent ORDER BY created_at ASC`,
			conversationID,
			userEmail,
			limit,
		)
	} else {
		rows, err = s.db.QueryContext(
			ctx,
			query+` ORDER BY m.created_at ASC`,
			conversationID,
			userEmail,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var message Message
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.Role,
			&message.Content,
			&message.Citations,
			&message.ModelUsed,
			&message.TokenCountInput,
			&message.TokenCountOutput,
			&message.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get messages rows: %w", err)
	}

	return messages, nil
}

func (s *ConversationStore) GetSummary(ctx context.Context, userEmail, conversationID string) (string, error) {
	if userEmail == "" {
		return "", fmt.Errorf("user email is required")
	}
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT summary FROM helmsman.conversations WHERE id = $1 AND user_email = $2`,
		conversationID, userEmail,
	).Scan(&summary)
	if err != nil {
		return "", fmt.Errorf("get summary: %w", err)
	}
	return summary.String, nil
}

func (s *ConversationStore) UpdateSummary(ctx context.Context, userEmail, conversationID, summary string) error {
	if userEmail == "" {
		return fmt.Errorf("user email is required")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE helmsman.conversations SET summary = $1, updated_at = NOW() WHERE id = $2 AND user_email = $3`,
		summary, conversationID, userEmail,
	)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

func (s *ConversationStore) MessageCount(ctx context.Context, userEmail, conversationID string) (int, error) {
	if userEmail == "" {
		return 0, fmt.Errorf("user email is required")
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM helmsman.messages m
		 JOIN helmsman.conversations c ON m.conversation_id = c.id
		 WHERE m.conversation_id = $1 AND c.user_email = $2`,
		conversationID, userEmail,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return count, nil
}

func normalizeJSONInput(value json.RawMessage) json.RawMessage {
	if len(value) == 0 {
		return json.RawMessage("null")
	}
	return value
}
