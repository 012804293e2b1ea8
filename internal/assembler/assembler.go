// Package assembler builds bounded generation requests from conversation
// history, long-term memory, and character state.
package assembler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/character"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/llm"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/store"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
)

// Options configure the assembler.
type Options struct {
	// Window is the number of recent messages included, oldest first.
	Window int
	// MemoryLimit is the maximum number of long-term memories included.
	MemoryLimit int
	// Budget is the prompt size limit in characters.
	Budget int
	// RecencyHalfLife controls memory score decay: a memory untouched for
	// one half-life scores half its importance.
	RecencyHalfLife time.Duration
}

// Assembler selects and renders the context for one generation call.
type Assembler struct {
	store  *store.Store
	logger *logger.Logger
	opts   Options
}

// New creates an assembler. Zero option fields fall back to defaults.
func New(st *store.Store, log *logger.Logger, opts Options) *Assembler {
	if opts.Window <= 0 {
		opts.Window = 10
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = 5
	}
	if opts.Budget <= 0 {
		opts.Budget = 6000
	}
	if opts.RecencyHalfLife <= 0 {
		opts.RecencyHalfLife = 7 * 24 * time.Hour
	}
	return &Assembler{store: st, logger: log, opts: opts}
}

const memoryHeader = "\nThings you remember about this person:\n"

type scoredMemory struct {
	item  model.MemoryItem
	score float64
}

// Build assembles a generation request for the pending user message. The
// request never exceeds the character budget: oldest window turns are
// dropped first, then the lowest-scored memories, and only then is the
// preamble tail cut. The user message is never truncated.
func (a *Assembler) Build(
	ctx context.Context,
	conv *model.Conversation,
	convCtx *model.ConversationContext,
	charCtx *model.CharacterContext,
	ch *character.Character,
	userContent string,
) (*llm.CompletionRequest, error) {
	window, err := a.store.RecentMessages(ctx, conv.ID, a.opts.Window)
	if err != nil {
		return nil, err
	}

	memories, err := a.selectMemories(ctx, conv.UserID, conv.CharacterID)
	if err != nil {
		return nil, err
	}

	budget := a.opts.Budget
	if convCtx.Settings.PromptBudget > 0 {
		budget = convCtx.Settings.PromptBudget
	}

	preamble := a.renderPreamble(convCtx, charCtx, ch)

	// Trim to budget. The user message and memory lines are sized up
	// front; window turns go first, lowest-scored memories second, the
	// preamble tail last.
	used := len(userContent) + len(preamble)
	if len(memories) > 0 {
		used += len(memoryHeader)
	}
	for _, m := range memories {
		used += len(renderMemoryLine(m.item))
	}
	for _, msg := range window {
		used += len(msg.Content)
	}

	for used > budget && len(window) > 0 {
		used -= len(window[0].Content)
		window = window[1:]
	}
	for used > budget && len(memories) > 0 {
		last := memories[len(memories)-1]
		used -= len(renderMemoryLine(last.item))
		memories = memories[:len(memories)-1]
		if len(memories) == 0 {
			used -= len(memoryHeader)
		}
	}
	if used > budget {
		overflow := used - budget
		if overflow < len(preamble) {
			preamble = preamble[:len(preamble)-overflow]
		} else {
			preamble = ""
		}
	}

	if len(memories) > 0 {
		var sb strings.Builder
		sb.WriteString(preamble)
		sb.WriteString(memoryHeader)
		ids := make([]string, 0, len(memories))
		for _, m := range memories {
			sb.WriteString(renderMemoryLine(m.item))
			ids = append(ids, m.item.ID)
		}
		preamble = sb.String()

		if err := a.store.TouchMemories(ctx, ids); err != nil {
			a.logger.Warnw("memory touch failed", "conversation_id", conv.ID, "error", err)
		}
	}

	messages := make([]llm.ChatMessage, 0, len(window)+2)
	if preamble != "" {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: preamble})
	}
	for _, msg := range window {
		messages = append(messages, llm.ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: userContent})

	mdl := convCtx.Settings.Model
	if mdl == "" {
		mdl = ch.DefaultModel
	}

	return &llm.CompletionRequest{
		Model:       mdl,
		Messages:    messages,
		MaxTokens:   convCtx.Settings.MaxResponseTokens,
		Temperature: convCtx.Settings.Temperature,
	}, nil
}

// selectMemories returns the top memories by importance weighted with
// recency decay. Soft-deleted items are filtered at the store layer.
func (a *Assembler) selectMemories(ctx context.Context, userID, characterID string) ([]scoredMemory, error) {
	items, err := a.store.ListMemories(ctx, userID, characterID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	scored := make([]scoredMemory, 0, len(items))
	for _, item := range items {
		scored = append(scored, scoredMemory{item: item, score: a.score(item, now)})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].item.Importance > scored[j].item.Importance
	})

	if len(scored) > a.opts.MemoryLimit {
		scored = scored[:a.opts.MemoryLimit]
	}
	return scored, nil
}

func (a *Assembler) score(item model.MemoryItem, now time.Time) float64 {
	ref := item.CreatedAt
	if item.LastAccessedAt != nil {
		ref = *item.LastAccessedAt
	}
	age := now.Sub(ref)
	if age < 0 {
		age = 0
	}
	decay := math.Exp(-math.Ln2 * age.Hours() / a.opts.RecencyHalfLife.Hours())
	return item.Importance * decay
}

func (a *Assembler) renderPreamble(convCtx *model.ConversationContext, charCtx *model.CharacterContext, ch *character.Character) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s.\n%s\n", ch.Name, ch.Persona)
	if ch.SpeakingStyle != "" {
		fmt.Fprintf(&sb, "Speaking style: %s\n", ch.SpeakingStyle)
	}
	if style := convCtx.Settings.ResponseStyle; style != "" {
		fmt.Fprintf(&sb, "Respond in a %s manner.\n", style)
	}

	fmt.Fprintf(&sb, "Relationship level with this person: %d of %d.\n",
		charCtx.RelationshipLevel, model.MaxRelationshipLevel)

	if len(charCtx.Preferences) > 0 {
		keys := make([]string, 0, len(charCtx.Preferences))
		for k := range charCtx.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Known preferences:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, charCtx.Preferences[k])
		}
	}

	if convCtx.CurrentTopic != "" {
		fmt.Fprintf(&sb, "Current topic: %s\n", convCtx.CurrentTopic)
	}

	return sb.String()
}

func renderMemoryLine(item model.MemoryItem) string {
	if item.EmotionalTag != "" {
		return fmt.Sprintf("- %s (%s)\n", item.Content, item.EmotionalTag)
	}
	return fmt.Sprintf("- %s\n", item.Content)
}
