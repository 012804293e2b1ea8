package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/enginerr"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
)

// InsertMemory persists a new memory item.
func (s *Store) InsertMemory(ctx context.Context, item *model.MemoryItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, character_id, conversation_id, content,
			importance, emotional_tag, access_count, last_accessed_at, deleted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.CharacterID, item.ConversationID, item.Content,
		item.Importance, item.EmotionalTag, item.AccessCount, nullTime(item.LastAccessedAt),
		item.Deleted, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// GetMemory retrieves one memory item.
func (s *Store) GetMemory(ctx context.Context, id string) (*model.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, character_id, conversation_id, content,
			importance, emotional_tag, access_count, last_accessed_at, deleted, created_at
		 FROM memories WHERE id = ?`, id)

	item, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enginerr.NotFound("memory not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return item, nil
}

// ListMemories returns non-deleted memory items for a user/character pair.
func (s *Store) ListMemories(ctx context.Context, userID, characterID string) ([]model.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, character_id, conversation_id, content,
			importance, emotional_tag, access_count, last_accessed_at, deleted, created_at
		 FROM memories
		 WHERE user_id = ? AND character_id = ? AND deleted = 0
		 ORDER BY importance DESC, created_at DESC`,
		userID, characterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var items []model.MemoryItem
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// CountMemories counts non-deleted memory items for a pair.
func (s *Store) CountMemories(ctx context.Context, userID, characterID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = ? AND character_id = ? AND deleted = 0`,
		userID, characterID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// TouchMemories records that the given memories were used in a context
// window: bumps access counts and last-access timestamps.
func (s *Store) TouchMemories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
		 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("touch memories: %w", err)
	}
	return nil
}

// AdjustMemoryImportance sets a memory's importance; only consolidation
// logic calls this.
func (s *Store) AdjustMemoryImportance(ctx context.Context, id string, importance float64) error {
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET importance = ? WHERE id = ?`, importance, id)
	if err != nil {
		return fmt.Errorf("adjust memory importance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return enginerr.NotFound("memory not found")
	}
	return nil
}

// SoftDeleteMemory retracts a memory item. Retracted items are never
// selected for context assembly again.
func (s *Store) SoftDeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("soft delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return enginerr.NotFound("memory not found")
	}
	return nil
}

func scanMemory(row rowScanner) (*model.MemoryItem, error) {
	var item model.MemoryItem
	var conversationID, emotionalTag sql.NullString
	var lastAccessed sql.NullTime

	err := row.Scan(&item.ID, &item.UserID, &item.CharacterID, &conversationID,
		&item.Content, &item.Importance, &emotionalTag, &item.AccessCount,
		&lastAccessed, &item.Deleted, &item.CreatedAt)
	if err != nil {
		return nil, err
	}

	item.ConversationID = conversationID.String
	item.EmotionalTag = emotionalTag.String
	item.LastAccessedAt = timePtr(lastAccessed)
	return &item, nil
}
