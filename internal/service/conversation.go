// Package service implements the conversation lifecycle and message
// orchestration.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/character"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/enginerr"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/events"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/llm"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/memory"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/moderation"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/store"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/metrics"
)

// Gateway is the generation surface the service depends on. Satisfied by
// llm.Gateway.
type Gateway interface {
	Generate(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error)
	GenerateStream(ctx context.Context, req *llm.CompletionRequest, onChunk llm.ChunkCallback) (*llm.CompletionResponse, error)
	Provider() string
}

// Assembler builds generation requests. Satisfied by assembler.Assembler.
type Assembler interface {
	Build(ctx context.Context, conv *model.Conversation, convCtx *model.ConversationContext,
		charCtx *model.CharacterContext, ch *character.Character, userContent string) (*llm.CompletionRequest, error)
}

// ConversationService owns conversation lifecycle and message turns.
type ConversationService struct {
	store        *store.Store
	catalog      character.Catalog
	screener     moderation.Screener
	assembler    Assembler
	gateway      Gateway
	extractor    *memory.Extractor
	consolidator *memory.Consolidator
	publisher    events.Publisher
	logger       *logger.Logger
	locks        *lockTable
}

// NewConversationService wires the service together.
func NewConversationService(
	st *store.Store,
	catalog character.Catalog,
	screener moderation.Screener,
	asm Assembler,
	gw Gateway,
	extractor *memory.Extractor,
	consolidator *memory.Consolidator,
	publisher events.Publisher,
	log *logger.Logger,
) *ConversationService {
	return &ConversationService{
		store:        st,
		catalog:      catalog,
		screener:     screener,
		assembler:    asm,
		gateway:      gw,
		extractor:    extractor,
		consolidator: consolidator,
		publisher:    publisher,
		logger:       log,
		locks:        newLockTable(10 * time.Minute),
	}
}

// Close releases background resources.
func (s *ConversationService) Close() {
	s.locks.close()
}

// Start creates a new ACTIVE conversation with its context, ensures the
// durable character context exists, and optionally runs an initial turn.
func (s *ConversationService) Start(ctx context.Context, userID string, req *model.StartConversationRequest) (*model.Conversation, *model.SendMessageResponse, error) {
	if req.CharacterID == "" {
		return nil, nil, enginerr.Validation("character_id is required")
	}

	ch, err := s.catalog.GetCharacter(ctx, req.CharacterID)
	if err != nil {
		return nil, nil, err
	}

	title := req.Title
	if title == "" {
		title = "Chat with " + ch.Name
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserID:      userID,
		CharacterID: ch.ID,
		Title:       title,
		Status:      model.StatusActive,
		Tags:        req.Tags,
		Language:    req.Language,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if conv.Language == "" {
		conv.Language = "en"
	}

	convCtx := &model.ConversationContext{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Active:         true,
		UpdatedAt:      now,
	}
	if req.Settings != nil {
		convCtx.Settings = *req.Settings
	}

	if err := s.store.CreateConversation(ctx, conv, convCtx); err != nil {
		return nil, nil, err
	}
	if _, err := s.store.EnsureCharacterContext(ctx, userID, ch.ID); err != nil {
		return nil, nil, err
	}

	metrics.ConversationsTotal.Inc()
	s.logger.Infow("conversation started",
		"conversation_id", conv.ID, "user_id", userID, "character_id", ch.ID)

	s.publisher.Publish(ctx, model.SubjectConversationStarted, model.ConversationEvent{
		ConversationID: conv.ID,
		UserID:         userID,
		CharacterID:    ch.ID,
		Status:         string(conv.Status),
		OccurredAt:     now,
	})

	var first *model.SendMessageResponse
	if req.InitialMessage != "" {
		first, err = s.SendMessage(ctx, conv.ID, userID, &model.SendMessageRequest{Content: req.InitialMessage})
		if err != nil {
			// The conversation itself was created; the failed turn
			// surfaces through the response, not by unwinding.
			s.logger.Warnw("initial message failed", "conversation_id", conv.ID, "error", err)
			return conv, nil, nil
		}
		refreshed, err := s.store.GetConversation(ctx, conv.ID)
		if err == nil {
			conv = refreshed
		}
	}

	return conv, first, nil
}

// Get returns a conversation owned by the caller.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	return s.owned(ctx, conversationID, userID)
}

// List returns the caller's conversations, most recently active first.
func (s *ConversationService) List(ctx context.Context, userID string, limit, offset int) (*model.ListConversationsResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	convs, total, err := s.store.ListConversations(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         total,
		HasMore:       offset+len(convs) < total,
	}, nil
}

// End closes a conversation: the status moves to ENDED, the conversation
// context is deactivated, and consolidation folds the exchange into the
// durable relationship state. Ending an already-ENDED conversation is a
// no-op.
func (s *ConversationService) End(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	unlock := s.locks.acquire(conversationID)
	defer unlock()

	conv, err := s.owned(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv.Status == model.StatusEnded {
		return conv, nil
	}
	if !conv.Status.CanTransitionTo(model.StatusEnded) {
		return nil, enginerr.InvalidState("conversation cannot be ended from status " + string(conv.Status))
	}

	if convCtx, err := s.store.GetConversationContext(ctx, conv.ID); err == nil {
		convCtx.Active = false
		if err := s.store.UpdateConversationContext(ctx, convCtx); err != nil {
			s.logger.Warnw("context deactivation failed", "conversation_id", conv.ID, "error", err)
		}
	}

	if err := s.consolidator.Consolidate(ctx, conv); err != nil {
		s.logger.Errorw("consolidation failed", "conversation_id", conv.ID, "error", err)
	}

	conv.Status = model.StatusEnded
	conv.UpdatedAt = time.Now()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}

	metrics.ConversationsEnded.WithLabelValues(string(model.StatusEnded)).Inc()
	s.logger.Infow("conversation ended",
		"conversation_id", conv.ID, "message_count", conv.MessageCount)

	s.publisher.Publish(ctx, model.SubjectConversationEnded, model.ConversationEvent{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		CharacterID:    conv.CharacterID,
		Status:         string(conv.Status),
		MessageCount:   conv.MessageCount,
		OccurredAt:     time.Now(),
	})
	return conv, nil
}

// Pause suspends an active conversation.
func (s *ConversationService) Pause(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	return s.transition(ctx, conversationID, userID, model.StatusPaused)
}

// Resume reactivates a paused conversation.
func (s *ConversationService) Resume(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	return s.transition(ctx, conversationID, userID, model.StatusActive)
}

// Archive moves an ended conversation to the archive.
func (s *ConversationService) Archive(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	return s.transition(ctx, conversationID, userID, model.StatusArchived)
}

// Delete removes the conversation's data. Messages go first, then the
// conversation context, then the row is tombstoned. Only ENDED or
// ARCHIVED conversations can be deleted.
func (s *ConversationService) Delete(ctx context.Context, conversationID, userID string) error {
	unlock := s.locks.acquire(conversationID)
	defer unlock()

	conv, err := s.owned(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !conv.Status.CanTransitionTo(model.StatusDeleted) {
		return enginerr.InvalidState("conversation cannot be deleted from status " + string(conv.Status))
	}

	if err := s.store.DeleteConversationData(ctx, conv.ID); err != nil {
		return err
	}
	s.logger.Infow("conversation deleted", "conversation_id", conv.ID, "user_id", userID)
	return nil
}

// transition moves a conversation to the next status under the same
// per-conversation lock that serializes turns, so a transition can never
// interleave with a turn in flight.
func (s *ConversationService) transition(ctx context.Context, conversationID, userID string, next model.ConversationStatus) (*model.Conversation, error) {
	unlock := s.locks.acquire(conversationID)
	defer unlock()

	conv, err := s.owned(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !conv.Status.CanTransitionTo(next) {
		return nil, enginerr.InvalidState(
			"cannot move conversation from " + string(conv.Status) + " to " + string(next))
	}

	conv.Status = next
	conv.UpdatedAt = time.Now()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}
	s.logger.Infow("conversation transitioned",
		"conversation_id", conv.ID, "status", string(next))
	return conv, nil
}

// Export returns full histories for the given conversations. Unknown or
// foreign ids fail the whole export.
func (s *ConversationService) Export(ctx context.Context, userID string, req *model.ExportRequest) (*model.ExportResponse, error) {
	if len(req.ConversationIDs) == 0 {
		return nil, enginerr.Validation("conversation_ids is required")
	}

	out := &model.ExportResponse{ExportedAt: time.Now()}
	for _, id := range req.ConversationIDs {
		conv, err := s.owned(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		msgs, _, err := s.store.ListMessages(ctx, id, 1<<20, 0, req.IncludeDeleted)
		if err != nil {
			return nil, err
		}
		out.Conversations = append(out.Conversations, model.ConversationExport{
			Conversation: *conv,
			Messages:     msgs,
		})
	}
	return out, nil
}

// UpdateMemory merges caller-provided memory items into the character
// context. Importance defaults to 0.5 when unset.
func (s *ConversationService) UpdateMemory(ctx context.Context, userID string, req *model.MemoryUpdateRequest) ([]model.MemoryItem, error) {
	if req.CharacterID == "" {
		return nil, enginerr.Validation("character_id is required")
	}
	if len(req.Memories) == 0 {
		return nil, enginerr.Validation("memories is required")
	}

	if _, err := s.store.EnsureCharacterContext(ctx, userID, req.CharacterID); err != nil {
		return nil, err
	}

	items := make([]model.MemoryItem, 0, len(req.Memories))
	ids := make([]string, 0, len(req.Memories))
	for _, up := range req.Memories {
		if up.Content == "" {
			return nil, enginerr.Validation("memory content is required")
		}
		importance := up.Importance
		if importance <= 0 {
			importance = 0.5
		}
		if importance > 1.0 {
			importance = 1.0
		}
		item := model.MemoryItem{
			ID:           uuid.Must(uuid.NewV7()).String(),
			UserID:       userID,
			CharacterID:  req.CharacterID,
			Content:      up.Content,
			Importance:   importance,
			EmotionalTag: up.EmotionalTag,
			CreatedAt:    time.Now(),
		}
		if err := s.store.InsertMemory(ctx, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
		ids = append(ids, item.ID)
	}

	_, err := s.store.MutateCharacterContext(ctx, userID, req.CharacterID, func(cc *model.CharacterContext) {
		cc.SharedMemoryIDs = append(cc.SharedMemoryIDs, ids...)
		if len(cc.SharedMemoryIDs) > model.MaxSharedMemories {
			cc.SharedMemoryIDs = cc.SharedMemoryIDs[len(cc.SharedMemoryIDs)-model.MaxSharedMemories:]
		}
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Statistics summarizes engagement between the caller and a character.
func (s *ConversationService) Statistics(ctx context.Context, userID, characterID string) (*model.ConversationStatistics, error) {
	convs, err := s.store.ListConversationsByCharacter(ctx, userID, characterID)
	if err != nil {
		return nil, err
	}

	stats := &model.ConversationStatistics{CharacterID: characterID}
	for _, conv := range convs {
		stats.TotalConversations++
		stats.TotalMessages += conv.MessageCount
		stats.TotalTokens += conv.TotalTokens
		if conv.LastMessageAt != nil {
			if stats.LastInteractionAt == nil || conv.LastMessageAt.After(*stats.LastInteractionAt) {
				t := *conv.LastMessageAt
				stats.LastInteractionAt = &t
			}
		}
	}

	if cc, err := s.store.GetCharacterContext(ctx, userID, characterID); err == nil {
		stats.RelationshipLevel = cc.RelationshipLevel
	}
	if count, err := s.store.CountMemories(ctx, userID, characterID); err == nil {
		stats.MemoryCount = count
	}
	return stats, nil
}

// owned loads a conversation and verifies caller ownership. Deleted
// conversations read as absent.
func (s *ConversationService) owned(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == model.StatusDeleted {
		return nil, enginerr.NotFound("conversation not found")
	}
	if conv.UserID != userID {
		return nil, enginerr.Unauthorized("conversation belongs to another user")
	}
	return conv, nil
}
