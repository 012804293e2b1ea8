package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/enginerr"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
)

// InsertMessage persists a message and sets its insertion sequence.
func (s *Store) InsertMessage(ctx context.Context, msg *model.Message) error {
	metadata, err := marshalJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, role, content, metadata, created_at, deleted, deleted_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Role, msg.Content, metadata,
		msg.CreatedAt, msg.Deleted, msg.DeletedReason,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("message sequence: %w", err)
	}
	msg.Seq = seq
	return nil
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, conversation_id, user_id, role, content, metadata, created_at, deleted, deleted_reason
		 FROM messages WHERE id = ?`, id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enginerr.NotFound("message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages ordered by timestamp, ties
// broken by insertion sequence. Soft-deleted messages are excluded unless
// includeDeleted is set.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int, includeDeleted bool) ([]model.Message, int, error) {
	filter := `conversation_id = ?`
	if !includeDeleted {
		filter += ` AND deleted = 0`
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE `+filter, conversationID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, conversation_id, user_id, role, content, metadata, created_at, deleted, deleted_reason
		 FROM messages WHERE `+filter+`
		 ORDER BY created_at ASC, seq ASC
		 LIMIT ? OFFSET ?`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// RecentMessages returns the last n non-deleted messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, conversation_id, user_id, role, content, metadata, created_at, deleted, deleted_reason
		 FROM (
			SELECT * FROM messages
			WHERE conversation_id = ? AND deleted = 0
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		 ) ORDER BY created_at ASC, seq ASC`,
		conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// CountMessages counts non-deleted messages for a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND deleted = 0`,
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// SoftDeleteMessage marks a message deleted. The row itself is immutable
// otherwise.
func (s *Store) SoftDeleteMessage(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted = 1, deleted_reason = ? WHERE id = ?`,
		reason, id,
	)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return enginerr.NotFound("message not found")
	}
	return nil
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var msg model.Message
	var metadata sql.NullString
	var deletedReason sql.NullString

	err := row.Scan(
		&msg.Seq, &msg.ID, &msg.ConversationID, &msg.UserID, &msg.Role,
		&msg.Content, &metadata, &msg.CreatedAt, &msg.Deleted, &deletedReason,
	)
	if err != nil {
		return nil, err
	}

	msg.DeletedReason = deletedReason.String
	if metadata.Valid && metadata.String != "" {
		msg.Metadata = &model.MessageMetadata{}
		if err := unmarshalJSON(metadata, msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	var msgs []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}
