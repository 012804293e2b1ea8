package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/llm"
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

func TestKeywordPolicyMatchesVocabulary(t *testing.T) {
	policy := NewKeywordPolicy()

	tests := []struct {
		name        string
		content     string
		significant bool
		importance  float64
		sentiment   int
	}{
		{"plain chat", "what do you think about the weather", false, 0, 0},
		{"single cue", "I love hiking in autumn", true, 0.6, 1},
		{"two cues", "remember this, it is important to me", true, 0.7, 1},
		{"negative cue", "I hate mondays", true, 0.6, -1},
		{"phrase cue", "never forget what I told you", true, 0.6, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := policy.Evaluate(tt.content, "sure")
			assert.Equal(t, tt.significant, sig.Significant)
			if tt.significant {
				assert.InDelta(t, tt.importance, sig.Importance, 0.001)
				assert.Equal(t, tt.sentiment, sig.Sentiment)
			}
		})
	}
}

func TestKeywordPolicyCapsImportance(t *testing.T) {
	policy := NewKeywordPolicy()
	sig := policy.Evaluate(
		"i love you, remember my secret, this is important, a confession, the truth, i promise, always", "")
	assert.True(t, sig.Significant)
	assert.InDelta(t, 1.0, sig.Importance, 0.001)
}

func TestKeywordPolicyTagsEmotion(t *testing.T) {
	policy := NewKeywordPolicy()
	assert.Equal(t, "affection", policy.Evaluate("I love this song", "").EmotionalTag)
	assert.Equal(t, "anger", policy.Evaluate("I hate waiting", "").EmotionalTag)
	assert.Equal(t, "trust", policy.Evaluate("can you keep a secret", "").EmotionalTag)
}

func TestExtractorWritesMemoryAndSharedReference(t *testing.T) {
	st := newTestStore(t)
	userID, characterID := uuid.NewString(), uuid.NewString()
	_, err := st.EnsureCharacterContext(context.Background(), userID, characterID)
	require.NoError(t, err)

	ex := NewExtractor(st, logger.NewNop(), NewKeywordPolicy(), 1, 8)
	ex.Start()

	ex.Enqueue(Task{
		ConversationID:   uuid.NewString(),
		UserID:           userID,
		CharacterID:      characterID,
		UserContent:      "please remember that my sister is named Ana",
		AssistantContent: "I will remember that.",
	})
	ex.Stop()

	items, err := st.ListMemories(context.Background(), userID, characterID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "please remember that my sister is named Ana", items[0].Content)
	assert.InDelta(t, 0.6, items[0].Importance, 0.001)

	cc, err := st.GetCharacterContext(context.Background(), userID, characterID)
	require.NoError(t, err)
	require.Len(t, cc.SharedMemoryIDs, 1)
	assert.Equal(t, items[0].ID, cc.SharedMemoryIDs[0])
}

func TestExtractorSkipsInsignificantTurns(t *testing.T) {
	st := newTestStore(t)
	userID, characterID := uuid.NewString(), uuid.NewString()
	_, err := st.EnsureCharacterContext(context.Background(), userID, characterID)
	require.NoError(t, err)

	ex := NewExtractor(st, logger.NewNop(), NewKeywordPolicy(), 1, 8)
	ex.Start()
	ex.Enqueue(Task{
		UserID:      userID,
		CharacterID: characterID,
		UserContent: "nice weather today",
	})
	ex.Stop()

	count, err := st.CountMemories(context.Background(), userID, characterID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestExtractorDropsWhenQueueFull(t *testing.T) {
	st := newTestStore(t)
	// Workers not started, so the queue fills and the overflow drops
	// instead of blocking.
	ex := NewExtractor(st, logger.NewNop(), NewKeywordPolicy(), 1, 1)

	done := make(chan struct{})
	go func() {
		ex.Enqueue(Task{UserContent: "remember one"})
		ex.Enqueue(Task{UserContent: "remember two"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	assert.Equal(t, 1, len(ex.queue))
}

func TestExtractorCapsSharedMemoryList(t *testing.T) {
	st := newTestStore(t)
	userID, characterID := uuid.NewString(), uuid.NewString()
	_, err := st.EnsureCharacterContext(context.Background(), userID, characterID)
	require.NoError(t, err)

	// Pre-fill the shared list to the cap, then extract one more.
	prefill := make([]string, model.MaxSharedMemories)
	for i := range prefill {
		prefill[i] = uuid.NewString()
	}
	_, err = st.MutateCharacterContext(context.Background(), userID, characterID, func(cc *model.CharacterContext) {
		cc.SharedMemoryIDs = prefill
	})
	require.NoError(t, err)

	ex := NewExtractor(st, logger.NewNop(), NewKeywordPolicy(), 1, 8)
	ex.Start()
	ex.Enqueue(Task{
		UserID:      userID,
		CharacterID: characterID,
		UserContent: "promise me you will stay",
	})
	ex.Stop()

	cc, err := st.GetCharacterContext(context.Background(), userID, characterID)
	require.NoError(t, err)
	assert.Len(t, cc.SharedMemoryIDs, model.MaxSharedMemories)
	assert.NotEqual(t, prefill[0], cc.SharedMemoryIDs[0], "oldest reference evicted")
}

func seedEndedConversation(t *testing.T, st *store.Store, userTurns []string) *model.Conversation {
	t.Helper()
	ctx := context.Background()

	conv := &model.Conversation{
		ID:          uuid.NewString(),
		UserID:      uuid.NewString(),
		CharacterID: uuid.NewString(),
		Status:      model.StatusEnded,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	convCtx := &model.ConversationContext{ID: uuid.NewString(), ConversationID: conv.ID}
	require.NoError(t, st.CreateConversation(ctx, conv, convCtx))
	_, err := st.EnsureCharacterContext(ctx, conv.UserID, conv.CharacterID)
	require.NoError(t, err)

	for _, content := range userTurns {
		require.NoError(t, st.InsertMessage(ctx, &model.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			UserID:         conv.UserID,
			Role:           model.RoleUser,
			Content:        content,
			CreatedAt:      time.Now(),
		}))
		require.NoError(t, st.InsertMessage(ctx, &model.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			UserID:         conv.UserID,
			Role:           model.RoleAssistant,
			Content:        "mhm",
			CreatedAt:      time.Now(),
		}))
	}
	return conv
}

type stubGenerator struct {
	content string
	err     error
}

func (g *stubGenerator) Generate(_ context.Context, _ *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &llm.CompletionResponse{Content: g.content}, nil
}

func TestConsolidateRaisesRelationshipLevel(t *testing.T) {
	st := newTestStore(t)
	conv := seedEndedConversation(t, st, []string{
		"I love talking to you",
		"promise you will be here tomorrow",
		"what time is it",
	})

	c := NewConsolidator(st, &stubGenerator{content: "A warm chat."}, NewKeywordPolicy(), logger.NewNop())
	require.NoError(t, c.Consolidate(context.Background(), conv))

	cc, err := st.GetCharacterContext(context.Background(), conv.UserID, conv.CharacterID)
	require.NoError(t, err)
	assert.Equal(t, 2, cc.RelationshipLevel)
	assert.Equal(t, 2, conv.RelationshipScore)
	assert.Equal(t, "A warm chat.", conv.Summary)
}

func TestConsolidateClampsAtZero(t *testing.T) {
	st := newTestStore(t)
	conv := seedEndedConversation(t, st, []string{"I hate this", "I hate everything"})

	c := NewConsolidator(st, nil, NewKeywordPolicy(), logger.NewNop())
	require.NoError(t, c.Consolidate(context.Background(), conv))

	cc, err := st.GetCharacterContext(context.Background(), conv.UserID, conv.CharacterID)
	require.NoError(t, err)
	assert.Equal(t, 0, cc.RelationshipLevel)
}

func TestConsolidateFallbackSummaryOnGenerationFailure(t *testing.T) {
	st := newTestStore(t)
	conv := seedEndedConversation(t, st, []string{"hello there", "goodbye now"})

	c := NewConsolidator(st, &stubGenerator{err: errors.New("provider down")}, NewKeywordPolicy(), logger.NewNop())
	require.NoError(t, c.Consolidate(context.Background(), conv))

	assert.Contains(t, conv.Summary, `"hello there"`)
	assert.Contains(t, conv.Summary, "2 user turns")
}
