package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/enginerr"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
)

// GetConversationContext retrieves the context for a conversation.
func (s *Store) GetConversationContext(ctx context.Context, conversationID string) (*model.ConversationContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, settings, session_vars, current_topic, active, updated_at
		 FROM conversation_contexts WHERE conversation_id = ?`, conversationID)

	var cc model.ConversationContext
	var settings string
	var sessionVars, topic sql.NullString

	err := row.Scan(&cc.ID, &cc.ConversationID, &settings, &sessionVars, &topic, &cc.Active, &cc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enginerr.NotFound("conversation context not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation context: %w", err)
	}

	if err := unmarshalJSON(sql.NullString{String: settings, Valid: true}, &cc.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := unmarshalJSON(sessionVars, &cc.SessionVars); err != nil {
		return nil, fmt.Errorf("unmarshal session vars: %w", err)
	}
	cc.CurrentTopic = topic.String
	return &cc, nil
}

// UpdateConversationContext persists mutable context fields.
func (s *Store) UpdateConversationContext(ctx context.Context, cc *model.ConversationContext) error {
	settings, err := marshalJSON(cc.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	sessionVars, err := marshalJSON(cc.SessionVars)
	if err != nil {
		return fmt.Errorf("marshal session vars: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_contexts SET settings = ?, session_vars = ?, current_topic = ?, active = ?, updated_at = ?
		 WHERE conversation_id = ?`,
		settings.String, sessionVars, cc.CurrentTopic, cc.Active, time.Now().UTC(), cc.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("update conversation context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return enginerr.NotFound("conversation context not found")
	}
	return nil
}

// EnsureCharacterContext returns the character context for a user/character
// pair, creating it with relationship level 0 if absent.
func (s *Store) EnsureCharacterContext(ctx context.Context, userID, characterID string) (*model.CharacterContext, error) {
	cc, err := s.GetCharacterContext(ctx, userID, characterID)
	if err == nil {
		return cc, nil
	}
	if !enginerr.IsNotFound(err) {
		return nil, err
	}

	cc = &model.CharacterContext{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserID:      userID,
		CharacterID: characterID,
		UpdatedAt:   time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO character_contexts (id, user_id, character_id, relationship_level, shared_memory_ids, preferences, version, updated_at)
		 VALUES (?, ?, ?, 0, NULL, NULL, 0, ?)
		 ON CONFLICT(user_id, character_id) DO NOTHING`,
		cc.ID, userID, characterID, cc.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create character context: %w", err)
	}

	// Re-read in case a concurrent create won.
	return s.GetCharacterContext(ctx, userID, characterID)
}

// GetCharacterContext retrieves the character context for a pair.
func (s *Store) GetCharacterContext(ctx context.Context, userID, characterID string) (*model.CharacterContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, character_id, relationship_level, shared_memory_ids, preferences, version, updated_at
		 FROM character_contexts WHERE user_id = ? AND character_id = ?`,
		userID, characterID)

	var cc model.CharacterContext
	var memoryIDs, preferences sql.NullString

	err := row.Scan(&cc.ID, &cc.UserID, &cc.CharacterID, &cc.RelationshipLevel,
		&memoryIDs, &preferences, &cc.Version, &cc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enginerr.NotFound("character context not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get character context: %w", err)
	}

	if err := unmarshalJSON(memoryIDs, &cc.SharedMemoryIDs); err != nil {
		return nil, fmt.Errorf("unmarshal shared memory ids: %w", err)
	}
	if err := unmarshalJSON(preferences, &cc.Preferences); err != nil {
		return nil, fmt.Errorf("unmarshal preferences: %w", err)
	}
	return &cc, nil
}

// maxCASAttempts bounds the optimistic-concurrency retry loop.
const maxCASAttempts = 5

// MutateCharacterContext applies fn to the current character context under
// optimistic concurrency: the write only lands if no other writer bumped
// the version in between, otherwise the read-mutate-write cycle retries.
func (s *Store) MutateCharacterContext(ctx context.Context, userID, characterID string, fn func(*model.CharacterContext)) (*model.CharacterContext, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cc, err := s.EnsureCharacterContext(ctx, userID, characterID)
		if err != nil {
			return nil, err
		}

		fn(cc)

		memoryIDs, err := marshalJSON(cc.SharedMemoryIDs)
		if err != nil {
			return nil, fmt.Errorf("marshal shared memory ids: %w", err)
		}
		preferences, err := marshalJSON(cc.Preferences)
		if err != nil {
			return nil, fmt.Errorf("marshal preferences: %w", err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE character_contexts
			 SET relationship_level = ?, shared_memory_ids = ?, preferences = ?, version = version + 1, updated_at = ?
			 WHERE user_id = ? AND character_id = ? AND version = ?`,
			cc.RelationshipLevel, memoryIDs, preferences, time.Now().UTC(),
			userID, characterID, cc.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("update character context: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			cc.Version++
			return cc, nil
		}
		// Lost the race, re-read and retry.
	}
	return nil, enginerr.Internal("character context update contention", nil)
}
