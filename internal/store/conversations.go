package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/enginerr"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
)

// CreateConversation inserts a conversation and its context in one
// transaction: the two records are created atomically or not at all.
func (s *Store) CreateConversation(ctx context.Context, conv *model.Conversation, convCtx *model.ConversationContext) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	tags, err := marshalJSON(conv.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, character_id, title, status,
			message_count, user_message_count, assistant_message_count, total_tokens,
			last_message_at, summary, relationship_score, tags, language, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.CharacterID, conv.Title, conv.Status,
		conv.MessageCount, conv.UserMessageCount, conv.AssistantMessageCount, conv.TotalTokens,
		nullTime(conv.LastMessageAt), conv.Summary, conv.RelationshipScore, tags, conv.Language,
		conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	settings, err := marshalJSON(convCtx.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	sessionVars, err := marshalJSON(convCtx.SessionVars)
	if err != nil {
		return fmt.Errorf("marshal session vars: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversation_contexts (id, conversation_id, settings, session_vars,
			current_topic, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		convCtx.ID, convCtx.ConversationID, settings.String, sessionVars,
		convCtx.CurrentTopic, convCtx.Active, convCtx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation context: %w", err)
	}

	return tx.Commit()
}

// GetConversation retrieves a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, character_id, title, status,
			message_count, user_message_count, assistant_message_count, total_tokens,
			last_message_at, summary, relationship_score, tags, language, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enginerr.NotFound("conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// UpdateConversation persists the mutable fields of a conversation.
func (s *Store) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	tags, err := marshalJSON(conv.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, status = ?,
			message_count = ?, user_message_count = ?, assistant_message_count = ?, total_tokens = ?,
			last_message_at = ?, summary = ?, relationship_score = ?, tags = ?, language = ?, updated_at = ?
		 WHERE id = ?`,
		conv.Title, conv.Status,
		conv.MessageCount, conv.UserMessageCount, conv.AssistantMessageCount, conv.TotalTokens,
		nullTime(conv.LastMessageAt), conv.Summary, conv.RelationshipScore, tags, conv.Language,
		conv.UpdatedAt, conv.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return enginerr.NotFound("conversation not found")
	}
	return nil
}

// BumpMessageCounters advances a conversation's message counters and
// last-message time in place. Lifecycle fields (status, summary) are
// written by other paths and must not be touched here.
func (s *Store) BumpMessageCounters(ctx context.Context, conversationID string, total, user, assistant int, tokens int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET
			message_count = message_count + ?,
			user_message_count = user_message_count + ?,
			assistant_message_count = assistant_message_count + ?,
			total_tokens = total_tokens + ?,
			last_message_at = ?, updated_at = ?
		 WHERE id = ?`,
		total, user, assistant, tokens, at, at, conversationID,
	)
	if err != nil {
		return fmt.Errorf("bump message counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return enginerr.NotFound("conversation not found")
	}
	return nil
}

// ListConversations returns a user's conversations, most recent activity
// first. Conversations in DELETED state are excluded.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ? AND status != ?`,
		userID, model.StatusDeleted,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, character_id, title, status,
			message_count, user_message_count, assistant_message_count, total_tokens,
			last_message_at, summary, relationship_score, tags, language, created_at, updated_at
		 FROM conversations
		 WHERE user_id = ? AND status != ?
		 ORDER BY COALESCE(last_message_at, created_at) DESC
		 LIMIT ? OFFSET ?`,
		userID, model.StatusDeleted, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, total, rows.Err()
}

// ListConversationsByCharacter returns all non-deleted conversations between
// a user and a character.
func (s *Store) ListConversationsByCharacter(ctx context.Context, userID, characterID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, character_id, title, status,
			message_count, user_message_count, assistant_message_count, total_tokens,
			last_message_at, summary, relationship_score, tags, language, created_at, updated_at
		 FROM conversations
		 WHERE user_id = ? AND character_id = ? AND status != ?
		 ORDER BY COALESCE(last_message_at, created_at) DESC`,
		userID, characterID, model.StatusDeleted,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations by character: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

// DeleteConversationData removes everything a conversation owns. Deletion
// is explicit and ordered: messages first, then the conversation context,
// then the conversation row itself is tombstoned as DELETED. Memory items
// sourced from the conversation belong to the character context and are
// kept.
func (s *Store) DeleteConversationData(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_contexts WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete conversation context: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		model.StatusDeleted, conversationID); err != nil {
		return fmt.Errorf("tombstone conversation: %w", err)
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var conv model.Conversation
	var title, summary sql.NullString
	var tags sql.NullString
	var lastMessageAt sql.NullTime

	err := row.Scan(
		&conv.ID, &conv.UserID, &conv.CharacterID, &title, &conv.Status,
		&conv.MessageCount, &conv.UserMessageCount, &conv.AssistantMessageCount, &conv.TotalTokens,
		&lastMessageAt, &summary, &conv.RelationshipScore, &tags, &conv.Language,
		&conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conv.Title = title.String
	conv.Summary = summary.String
	conv.LastMessageAt = timePtr(lastMessageAt)
	if err := unmarshalJSON(tags, &conv.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return &conv, nil
}
