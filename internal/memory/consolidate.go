package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/llm"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/store"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
)

// consolidationWindow bounds how much history one consolidation pass reads.
const consolidationWindow = 50

// Generator produces a completion. Satisfied by llm.Gateway.
type Generator interface {
	Generate(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Consolidator runs the end-of-conversation pass: it folds the finished
// conversation into the durable relationship state and writes a rolling
// summary onto the conversation row.
type Consolidator struct {
	store  *store.Store
	gen    Generator
	policy SignificancePolicy
	logger *logger.Logger
}

// NewConsolidator creates a consolidator. gen may be nil, in which case
// summaries always use the deterministic fallback.
func NewConsolidator(st *store.Store, gen Generator, policy SignificancePolicy, log *logger.Logger) *Consolidator {
	return &Consolidator{store: st, gen: gen, policy: policy, logger: log}
}

// Consolidate updates relationship level and summary for an ended
// conversation. The conversation's Summary and RelationshipScore fields
// are updated in place; the caller persists the row.
func (c *Consolidator) Consolidate(ctx context.Context, conv *model.Conversation) error {
	messages, err := c.store.RecentMessages(ctx, conv.ID, consolidationWindow)
	if err != nil {
		return err
	}

	delta := 0
	for _, msg := range messages {
		if msg.Role != model.RoleUser {
			continue
		}
		sig := c.policy.Evaluate(msg.Content, "")
		if sig.Significant {
			delta += sig.Sentiment
		}
	}

	charCtx, err := c.store.MutateCharacterContext(ctx, conv.UserID, conv.CharacterID, func(cc *model.CharacterContext) {
		level := cc.RelationshipLevel + delta
		if level < 0 {
			level = 0
		}
		if level > model.MaxRelationshipLevel {
			level = model.MaxRelationshipLevel
		}
		cc.RelationshipLevel = level
	})
	if err != nil {
		return err
	}

	conv.RelationshipScore = charCtx.RelationshipLevel
	conv.Summary = c.summarize(ctx, messages)

	c.logger.Infow("conversation consolidated",
		"conversation_id", conv.ID,
		"relationship_delta", delta,
		"relationship_level", charCtx.RelationshipLevel)
	return nil
}

// summarize asks the generation backend for a short summary and falls
// back to a deterministic digest when generation is unavailable.
func (c *Consolidator) summarize(ctx context.Context, messages []model.Message) string {
	if len(messages) == 0 {
		return ""
	}

	if c.gen != nil {
		var sb strings.Builder
		for _, msg := range messages {
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
		}

		resp, err := c.gen.Generate(ctx, &llm.CompletionRequest{
			Messages: []llm.ChatMessage{
				{Role: "system", Content: "Summarize the following conversation in two sentences. Mention names, facts, and feelings worth remembering."},
				{Role: "user", Content: sb.String()},
			},
			MaxTokens: 150,
		})
		if err == nil && resp.Content != "" {
			return strings.TrimSpace(resp.Content)
		}
		if err != nil {
			c.logger.Warnw("summary generation failed, using fallback", "error", err)
		}
	}

	return fallbackSummary(messages)
}

// fallbackSummary digests the exchange without a provider: first user
// turn, last user turn, and the exchange size.
func fallbackSummary(messages []model.Message) string {
	var first, last string
	turns := 0
	for _, msg := range messages {
		if msg.Role != model.RoleUser {
			continue
		}
		if first == "" {
			first = msg.Content
		}
		last = msg.Content
		turns++
	}
	if first == "" {
		return fmt.Sprintf("Exchange of %d messages.", len(messages))
	}

	first = truncate(first, 120)
	if turns == 1 {
		return fmt.Sprintf("Opened with %q (1 user turn).", first)
	}
	return fmt.Sprintf("Opened with %q, closed with %q (%d user turns).", first, truncate(last, 120), turns)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
