package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/enginerr"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/llm"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/memory"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/moderation"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/metrics"
)

// maxMessageLength bounds inbound message content.
const maxMessageLength = 4000

// blockedContentNotice is persisted as a system message when moderation
// blocks a user message.
const blockedContentNotice = "This message could not be processed. Please rephrase and try again."

// generationFallbackNotice is persisted as an assistant message when the
// provider stays unavailable after retries, so the history has no
// half-sent turn.
const generationFallbackNotice = "I'm having trouble finding my words right now. Give me a moment and ask me again."

// SendMessage runs one synchronous turn: persist the user message, build
// the context, generate, persist the assistant message. The turn commit
// is serialized per conversation.
func (s *ConversationService) SendMessage(ctx context.Context, conversationID, userID string, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	return s.runTurn(ctx, conversationID, userID, req, nil)
}

// StreamMessage runs one turn like SendMessage but delivers the response
// incrementally through onChunk. A client disconnect mid-stream cancels
// delivery, not persistence: the accumulated partial response is still
// committed.
func (s *ConversationService) StreamMessage(ctx context.Context, conversationID, userID string, req *model.SendMessageRequest, onChunk llm.ChunkCallback) (*model.SendMessageResponse, error) {
	if onChunk == nil {
		return nil, enginerr.Internal("stream callback is required", nil)
	}
	return s.runTurn(ctx, conversationID, userID, req, onChunk)
}

func (s *ConversationService) runTurn(ctx context.Context, conversationID, userID string, req *model.SendMessageRequest, onChunk llm.ChunkCallback) (*model.SendMessageResponse, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, enginerr.Validation("content is required")
	}
	if len(content) > maxMessageLength {
		return nil, enginerr.Validation("content exceeds maximum length")
	}

	unlock := s.locks.acquire(conversationID)
	defer unlock()

	conv, err := s.owned(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !conv.Status.AcceptsMessages() {
		return nil, enginerr.InvalidState("conversation is " + string(conv.Status) + ", messages require an active conversation")
	}

	verdict, err := s.screener.Screen(ctx, content)
	if err != nil {
		s.logger.Warnw("moderation screen failed, allowing", "conversation_id", conv.ID, "error", err)
		verdict = moderation.Result{Verdict: moderation.VerdictAllow}
	}

	userMsg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           model.RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if verdict.Verdict != moderation.VerdictAllow {
		userMsg.Metadata = &model.MessageMetadata{ModerationFlag: verdict.Category}
	}
	if err := s.store.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()

	if verdict.Verdict == moderation.VerdictBlock {
		notice := &model.Message{
			ID:             uuid.Must(uuid.NewV7()).String(),
			ConversationID: conv.ID,
			UserID:         userID,
			Role:           model.RoleSystem,
			Content:        blockedContentNotice,
			Metadata:       &model.MessageMetadata{ModerationFlag: verdict.Category},
			CreatedAt:      time.Now(),
		}
		if err := s.store.InsertMessage(ctx, notice); err != nil {
			return nil, err
		}
		s.bumpCounters(ctx, conv, notice.Role, 0)
		s.logger.Infow("message blocked by moderation",
			"conversation_id", conv.ID, "category", verdict.Category)
		return &model.SendMessageResponse{UserMessage: userMsg, AssistantMessage: notice}, nil
	}

	assistantMsg, err := s.generate(ctx, conv, content, req.Options, onChunk)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertMessage(persistCtx(ctx), assistantMsg); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()

	var turnTokens int64
	if assistantMsg.Metadata != nil {
		turnTokens = int64(assistantMsg.Metadata.TokenCount)
	}
	s.bumpCounters(persistCtx(ctx), conv, assistantMsg.Role, turnTokens)

	unlock()

	// Async side effects happen outside the turn lock.
	if assistantMsg.Role == model.RoleAssistant && (assistantMsg.Metadata == nil || !assistantMsg.Metadata.FallbackMessage) {
		s.extractor.Enqueue(memory.Task{
			ConversationID:   conv.ID,
			UserID:           userID,
			CharacterID:      conv.CharacterID,
			UserContent:      content,
			AssistantContent: assistantMsg.Content,
		})
	}
	s.publisher.Publish(ctx, model.SubjectMessageSent, model.MessageEvent{
		ConversationID: conv.ID,
		MessageID:      userMsg.ID,
		UserID:         userID,
		Role:           model.RoleUser,
		OccurredAt:     userMsg.CreatedAt,
	})

	return &model.SendMessageResponse{UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

// generate builds the request and runs the provider, mapping failures to
// persistable messages where the taxonomy requires it. It always returns
// exactly one message to persist, or an error that aborts the turn.
func (s *ConversationService) generate(ctx context.Context, conv *model.Conversation, userContent string, opts *model.MessageOptions, onChunk llm.ChunkCallback) (*model.Message, error) {
	convCtx, err := s.store.GetConversationContext(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	charCtx, err := s.store.GetCharacterContext(ctx, conv.UserID, conv.CharacterID)
	if err != nil {
		return nil, err
	}
	ch, err := s.catalog.GetCharacter(ctx, conv.CharacterID)
	if err != nil {
		return nil, err
	}

	genReq, err := s.assembler.Build(ctx, conv, convCtx, charCtx, ch, userContent)
	if err != nil {
		return nil, err
	}
	if opts != nil && opts.MaxResponseTokens > 0 {
		genReq.MaxTokens = opts.MaxResponseTokens
	}

	var resp *llm.CompletionResponse
	var partial strings.Builder

	if onChunk == nil {
		resp, err = s.gateway.Generate(ctx, genReq)
	} else {
		resp, err = s.gateway.GenerateStream(ctx, genReq, func(chunk llm.Chunk) error {
			if !chunk.IsComplete {
				partial.WriteString(chunk.Content)
			}
			if cbErr := onChunk(chunk); cbErr != nil {
				// Delivery failed; generation and persistence go on.
				s.logger.Debugw("chunk delivery failed",
					"conversation_id", conv.ID, "error", cbErr)
			}
			return nil
		})
	}

	now := time.Now()
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           model.RoleAssistant,
		CreatedAt:      now,
	}

	switch {
	case err == nil:
		msg.Content = resp.Content
		msg.Metadata = &model.MessageMetadata{
			TokenCount: resp.TokensIn + resp.TokensOut,
			LatencyMs:  resp.LatencyMs,
		}
		return msg, nil

	case enginerr.IsContentRejected(err):
		// The refusal the provider produced is part of the history.
		var engErr *enginerr.Error
		if errors.As(err, &engErr) {
			msg.Content = engErr.Message
		}
		if msg.Content == "" {
			msg.Content = generationFallbackNotice
		}
		msg.Metadata = &model.MessageMetadata{ModerationFlag: "provider_refusal"}
		s.logger.Infow("provider refused generation", "conversation_id", conv.ID)
		return msg, nil

	case enginerr.IsRetryable(err):
		// Retries are spent. Persist a coherent fallback turn instead of
		// surfacing a broken one.
		msg.Content = generationFallbackNotice
		msg.Metadata = &model.MessageMetadata{FallbackMessage: true}
		s.logger.Errorw("generation failed after retries",
			"conversation_id", conv.ID, "provider", s.gateway.Provider(), "error", err)
		return msg, nil

	case ctx.Err() != nil && partial.Len() > 0:
		// Client disconnected mid-stream; keep what was generated.
		msg.Content = partial.String()
		s.logger.Infow("persisting partial response after disconnect",
			"conversation_id", conv.ID, "chars", partial.Len())
		return msg, nil

	default:
		return nil, err
	}
}

// bumpCounters advances the conversation counters after a committed turn.
// The write is a targeted increment so a concurrent lifecycle change is
// never overwritten from a stale snapshot.
func (s *ConversationService) bumpCounters(ctx context.Context, conv *model.Conversation, replyRole model.Role, tokens int64) {
	now := time.Now()
	assistant := 0
	if replyRole == model.RoleAssistant {
		assistant = 1
	}

	if err := s.store.BumpMessageCounters(ctx, conv.ID, 2, 1, assistant, tokens, now); err != nil {
		s.logger.Errorw("counter update failed", "conversation_id", conv.ID, "error", err)
		return
	}

	conv.MessageCount += 2
	conv.UserMessageCount++
	conv.AssistantMessageCount += assistant
	conv.TotalTokens += tokens
	conv.LastMessageAt = &now
	conv.UpdatedAt = now
}

// Messages lists a conversation's history, oldest first.
func (s *ConversationService) Messages(ctx context.Context, conversationID, userID string, limit, offset int) (*model.ListMessagesResponse, error) {
	if _, err := s.owned(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	msgs, total, err := s.store.ListMessages(ctx, conversationID, limit, offset, false)
	if err != nil {
		return nil, err
	}
	return &model.ListMessagesResponse{
		Messages: msgs,
		Total:    total,
		HasMore:  offset+len(msgs) < total,
	}, nil
}

// persistCtx detaches persistence from request cancellation: a dropped
// connection must not lose an already-generated turn.
func persistCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
