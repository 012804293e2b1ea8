package assembler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/character"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/store"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedConversation(t *testing.T, st *store.Store) (*model.Conversation, *model.ConversationContext, *model.CharacterContext) {
	t.Helper()
	ctx := context.Background()

	conv := &model.Conversation{
		ID:          uuid.NewString(),
		UserID:      uuid.NewString(),
		CharacterID: uuid.NewString(),
		Status:      model.StatusActive,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	convCtx := &model.ConversationContext{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Active:         true,
	}
	require.NoError(t, st.CreateConversation(ctx, conv, convCtx))

	charCtx, err := st.EnsureCharacterContext(ctx, conv.UserID, conv.CharacterID)
	require.NoError(t, err)

	return conv, convCtx, charCtx
}

func seedMessage(t *testing.T, st *store.Store, conv *model.Conversation, role model.Role, content string) *model.Message {
	t.Helper()
	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, st.InsertMessage(context.Background(), msg))
	return msg
}

func seedMemory(t *testing.T, st *store.Store, conv *model.Conversation, content string, importance float64, accessed time.Time) *model.MemoryItem {
	t.Helper()
	item := &model.MemoryItem{
		ID:             uuid.NewString(),
		UserID:         conv.UserID,
		CharacterID:    conv.CharacterID,
		ConversationID: conv.ID,
		Content:        content,
		Importance:     importance,
		LastAccessedAt: &accessed,
		CreatedAt:      accessed,
	}
	require.NoError(t, st.InsertMemory(context.Background(), item))
	return item
}

func testCharacter() *character.Character {
	return &character.Character{
		ID:      "luna",
		Name:    "Luna",
		Persona: "A thoughtful companion who loves astronomy.",
	}
}

func TestBuildOrdersWindowOldestFirst(t *testing.T) {
	st := newTestStore(t)
	conv, convCtx, charCtx := seedConversation(t, st)

	for i := 0; i < 4; i++ {
		seedMessage(t, st, conv, model.RoleUser, fmt.Sprintf("user turn %d", i))
		seedMessage(t, st, conv, model.RoleAssistant, fmt.Sprintf("assistant turn %d", i))
	}

	a := New(st, logger.NewNop(), Options{Window: 4})
	req, err := a.Build(context.Background(), conv, convCtx, charCtx, testCharacter(), "latest question")
	require.NoError(t, err)

	// system preamble + 4 window turns + pending user message
	require.Len(t, req.Messages, 6)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user turn 2", req.Messages[1].Content)
	assert.Equal(t, "assistant turn 3", req.Messages[4].Content)
	assert.Equal(t, "latest question", req.Messages[5].Content)
}

func TestBuildSelectsMemoriesByWeightedScore(t *testing.T) {
	st := newTestStore(t)
	conv, convCtx, charCtx := seedConversation(t, st)

	now := time.Now()
	old := now.Add(-30 * 24 * time.Hour)

	// High importance but a month stale loses to moderate and fresh.
	stale := seedMemory(t, st, conv, "stale but important fact", 0.9, old)
	fresh := seedMemory(t, st, conv, "fresh moderate fact", 0.6, now)
	weak := seedMemory(t, st, conv, "weak fact", 0.1, now)

	a := New(st, logger.NewNop(), Options{MemoryLimit: 2, RecencyHalfLife: 7 * 24 * time.Hour})
	req, err := a.Build(context.Background(), conv, convCtx, charCtx, testCharacter(), "hi")
	require.NoError(t, err)

	preamble := req.Messages[0].Content
	assert.Contains(t, preamble, fresh.Content)
	assert.Contains(t, preamble, weak.Content)
	assert.NotContains(t, preamble, stale.Content)
}

func TestBuildExcludesDeletedMemories(t *testing.T) {
	st := newTestStore(t)
	conv, convCtx, charCtx := seedConversation(t, st)

	kept := seedMemory(t, st, conv, "kept memory", 0.5, time.Now())
	gone := seedMemory(t, st, conv, "retracted memory", 0.9, time.Now())
	require.NoError(t, st.SoftDeleteMemory(context.Background(), gone.ID))

	a := New(st, logger.NewNop(), Options{})
	req, err := a.Build(context.Background(), conv, convCtx, charCtx, testCharacter(), "hi")
	require.NoError(t, err)

	preamble := req.Messages[0].Content
	assert.Contains(t, preamble, kept.Content)
	assert.NotContains(t, preamble, gone.Content)
}

func TestBuildTouchesSelectedMemories(t *testing.T) {
	st := newTestStore(t)
	conv, convCtx, charCtx := seedConversation(t, st)

	item := seedMemory(t, st, conv, "touched memory", 0.8, time.Now())

	a := New(st, logger.NewNop(), Options{})
	_, err := a.Build(context.Background(), conv, convCtx, charCtx, testCharacter(), "hi")
	require.NoError(t, err)

	got, err := st.GetMemory(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
}

func TestBuildTrimsWindowBeforeMemories(t *testing.T) {
	st := newTestStore(t)
	conv, convCtx, charCtx := seedConversation(t, st)

	filler := strings.Repeat("x", 400)
	for i := 0; i < 6; i++ {
		seedMessage(t, st, conv, model.RoleUser, filler)
	}
	mem := seedMemory(t, st, conv, "favorite color is teal", 0.9, time.Now())

	// Budget fits the preamble, the memory, and roughly two filler turns.
	a := New(st, logger.NewNop(), Options{Window: 6, Budget: 1200})
	req, err := a.Build(context.Background(), conv, convCtx, charCtx, testCharacter(), "short question")
	require.NoError(t, err)

	assert.Contains(t, req.Messages[0].Content, mem.Content, "memories survive window trimming")

	var total int
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	assert.LessOrEqual(t, total, 1200+len("short question"))

	windowTurns := len(req.Messages) - 2
	assert.Less(t, windowTurns, 6, "oldest window turns dropped")
}

func TestBuildNeverTruncatesUserMessage(t *testing.T) {
	st := newTestStore(t)
	conv, convCtx, charCtx := seedConversation(t, st)

	long := strings.Repeat("q", 500)
	a := New(st, logger.NewNop(), Options{Budget: 300})
	req, err := a.Build(context.Background(), conv, convCtx, charCtx, testCharacter(), long)
	require.NoError(t, err)

	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, long, last.Content)
}

func TestBuildRendersRelationshipAndPreferences(t *testing.T) {
	st := newTestStore(t)
	conv, convCtx, _ := seedConversation(t, st)

	charCtx, err := st.MutateCharacterContext(context.Background(), conv.UserID, conv.CharacterID, func(cc *model.CharacterContext) {
		cc.RelationshipLevel = 4
		cc.Preferences = map[string]string{"nickname": "Sam"}
	})
	require.NoError(t, err)

	a := New(st, logger.NewNop(), Options{})
	req, err := a.Build(context.Background(), conv, convCtx, charCtx, testCharacter(), "hi")
	require.NoError(t, err)

	preamble := req.Messages[0].Content
	assert.Contains(t, preamble, "Relationship level with this person: 4 of 10")
	assert.Contains(t, preamble, "nickname: Sam")
}
