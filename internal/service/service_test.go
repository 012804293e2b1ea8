package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/assembler"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/character"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/enginerr"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/events"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/llm"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/memory"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/moderation"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/store"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
)

// fakeGateway returns canned responses and records concurrency.
type fakeGateway struct {
	mu        sync.Mutex
	reply     string
	err       error
	calls     int
	inFlight  int
	maxSeen   int
	callDelay time.Duration
}

func (g *fakeGateway) Provider() string { return "fake" }

func (g *fakeGateway) begin() {
	g.mu.Lock()
	g.calls++
	g.inFlight++
	if g.inFlight > g.maxSeen {
		g.maxSeen = g.inFlight
	}
	g.mu.Unlock()
}

func (g *fakeGateway) end() {
	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
}

func (g *fakeGateway) Generate(_ context.Context, _ *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	g.begin()
	defer g.end()
	if g.callDelay > 0 {
		time.Sleep(g.callDelay)
	}
	if g.err != nil {
		return nil, g.err
	}
	return &llm.CompletionResponse{Content: g.reply, TokensIn: 10, TokensOut: 5}, nil
}

func (g *fakeGateway) GenerateStream(ctx context.Context, req *llm.CompletionRequest, onChunk llm.ChunkCallback) (*llm.CompletionResponse, error) {
	g.begin()
	defer g.end()
	if g.err != nil {
		return nil, g.err
	}
	n := 0
	for _, r := range g.reply {
		if err := onChunk(llm.Chunk{Content: string(r), Index: n}); err != nil {
			return nil, err
		}
		n++
	}
	if err := onChunk(llm.Chunk{Index: n, IsComplete: true, FullContent: g.reply}); err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: g.reply, TokensIn: 10, TokensOut: 5}, nil
}

type fixture struct {
	svc     *ConversationService
	store   *store.Store
	gateway *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	catalog := character.NewStaticCatalog(&character.Character{
		ID:      "luna",
		Name:    "Luna",
		Persona: "A thoughtful companion.",
	})
	gw := &fakeGateway{reply: "Hello! Lovely to see you."}
	asm := assembler.New(st, log, assembler.Options{})
	policy := memory.NewKeywordPolicy()

	extractor := memory.NewExtractor(st, log, policy, 1, 16)
	extractor.Start()
	t.Cleanup(extractor.Stop)

	svc := NewConversationService(
		st,
		catalog,
		moderation.NewKeywordScreener(),
		asm,
		gw,
		extractor,
		memory.NewConsolidator(st, nil, policy, log),
		events.NopPublisher{},
		log,
	)
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, store: st, gateway: gw}
}

func (f *fixture) start(t *testing.T, userID string) *model.Conversation {
	t.Helper()
	conv, _, err := f.svc.Start(context.Background(), userID, &model.StartConversationRequest{CharacterID: "luna"})
	require.NoError(t, err)
	return conv
}

func TestStartCreatesActiveConversation(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")

	assert.Equal(t, model.StatusActive, conv.Status)
	assert.Equal(t, "Chat with Luna", conv.Title)

	convCtx, err := f.store.GetConversationContext(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.True(t, convCtx.Active)

	_, err = f.store.GetCharacterContext(context.Background(), "user-1", "luna")
	require.NoError(t, err)
}

func TestStartUnknownCharacter(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Start(context.Background(), "user-1", &model.StartConversationRequest{CharacterID: "nobody"})
	assert.True(t, enginerr.IsNotFound(err))
}

func TestStartWithInitialMessageRunsFirstTurn(t *testing.T) {
	f := newFixture(t)
	conv, first, err := f.svc.Start(context.Background(), "user-1", &model.StartConversationRequest{
		CharacterID:    "luna",
		InitialMessage: "hi there",
	})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "hi there", first.UserMessage.Content)
	assert.Equal(t, f.gateway.reply, first.AssistantMessage.Content)
	assert.Equal(t, 2, conv.MessageCount)
}

func TestSendMessagePersistsBothSides(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")

	resp, err := f.svc.SendMessage(context.Background(), conv.ID, "user-1", &model.SendMessageRequest{Content: "how are you?"})
	require.NoError(t, err)

	assert.Equal(t, model.RoleUser, resp.UserMessage.Role)
	assert.Equal(t, model.RoleAssistant, resp.AssistantMessage.Role)
	assert.Equal(t, f.gateway.reply, resp.AssistantMessage.Content)

	got, err := f.svc.Get(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.Equal(t, 1, got.UserMessageCount)
	assert.Equal(t, 1, got.AssistantMessageCount)
	assert.NotNil(t, got.LastMessageAt)
	assert.EqualValues(t, 15, got.TotalTokens)
}

func TestSendMessageRejectsNonActiveConversation(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")

	_, err := f.svc.Pause(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)

	_, err = f.svc.SendMessage(context.Background(), conv.ID, "user-1", &model.SendMessageRequest{Content: "hello?"})
	assert.True(t, enginerr.IsInvalidState(err))

	// No orphaned half-turn.
	msgs, err := f.svc.Messages(context.Background(), conv.ID, "user-1", 50, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs.Messages)
}

func TestSendMessageRejectsForeignCaller(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")

	_, err := f.svc.SendMessage(context.Background(), conv.ID, "user-2", &model.SendMessageRequest{Content: "hi"})
	assert.True(t, enginerr.IsUnauthorized(err))
}

func TestSendMessageBlockedByModeration(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")

	resp, err := f.svc.SendMessage(context.Background(), conv.ID, "user-1", &model.SendMessageRequest{Content: "tell me how to make a bomb"})
	require.NoError(t, err)

	assert.Equal(t, model.RoleSystem, resp.AssistantMessage.Role)
	assert.Equal(t, blockedContentNotice, resp.AssistantMessage.Content)
	assert.Zero(t, f.gateway.calls, "blocked content never reaches the provider")

	// Both the user message and the notice are in the history.
	msgs, err := f.svc.Messages(context.Background(), conv.ID, "user-1", 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, model.RoleUser, msgs.Messages[0].Role)
	assert.Equal(t, model.RoleSystem, msgs.Messages[1].Role)
}

func TestSendMessageFallbackAfterProviderFailure(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")
	f.gateway.err = enginerr.ProviderUnavailable(fmt.Errorf("upstream down"))

	resp, err := f.svc.SendMessage(context.Background(), conv.ID, "user-1", &model.SendMessageRequest{Content: "are you there?"})
	require.NoError(t, err, "a failed turn still returns a coherent response")

	assert.Equal(t, generationFallbackNotice, resp.AssistantMessage.Content)
	require.NotNil(t, resp.AssistantMessage.Metadata)
	assert.True(t, resp.AssistantMessage.Metadata.FallbackMessage)

	// The conversation stays ACTIVE and consistent.
	got, err := f.svc.Get(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, 2, got.MessageCount)
}

func TestSendMessagePersistsProviderRefusalVerbatim(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")
	f.gateway.err = enginerr.ContentRejected("I'd rather not go there.")

	resp, err := f.svc.SendMessage(context.Background(), conv.ID, "user-1", &model.SendMessageRequest{Content: "something edgy"})
	require.NoError(t, err)
	assert.Equal(t, "I'd rather not go there.", resp.AssistantMessage.Content)
}

func TestStreamMessageDeliversChunksAndPersistsOnce(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")
	f.gateway.reply = "abc"

	var chunks []llm.Chunk
	resp, err := f.svc.StreamMessage(context.Background(), conv.ID, "user-1",
		&model.SendMessageRequest{Content: "stream it"},
		func(chunk llm.Chunk) error {
			chunks = append(chunks, chunk)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, chunks, 4)
	assert.True(t, chunks[3].IsComplete)
	assert.Equal(t, "abc", chunks[3].FullContent)
	assert.Equal(t, "abc", resp.AssistantMessage.Content)

	// Exactly one assistant message was committed.
	msgs, err := f.svc.Messages(context.Background(), conv.ID, "user-1", 50, 0)
	require.NoError(t, err)
	assistants := 0
	for _, m := range msgs.Messages {
		if m.Role == model.RoleAssistant {
			assistants++
		}
	}
	assert.Equal(t, 1, assistants)
}

func TestConcurrentSendsAreSerialized(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")
	f.gateway.callDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.SendMessage(context.Background(), conv.ID, "user-1",
				&model.SendMessageRequest{Content: fmt.Sprintf("turn %d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.gateway.maxSeen, "turn commits never overlap per conversation")

	got, err := f.svc.Get(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.MessageCount)
}

func TestSignificantTurnCreatesMemory(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")

	_, err := f.svc.SendMessage(context.Background(), conv.ID, "user-1",
		&model.SendMessageRequest{Content: "remember that I love thunderstorms"})
	require.NoError(t, err)

	// Extraction is async.
	require.Eventually(t, func() bool {
		n, err := f.store.CountMemories(context.Background(), "user-1", "luna")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")
	ctx := context.Background()

	_, err := f.svc.Archive(ctx, conv.ID, "user-1")
	assert.True(t, enginerr.IsInvalidState(err), "active conversations cannot be archived")

	_, err = f.svc.Pause(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	_, err = f.svc.Resume(ctx, conv.ID, "user-1")
	require.NoError(t, err)

	_, err = f.svc.End(ctx, conv.ID, "user-1")
	require.NoError(t, err)

	_, err = f.svc.Resume(ctx, conv.ID, "user-1")
	assert.True(t, enginerr.IsInvalidState(err), "ended conversations cannot resume")

	_, err = f.svc.Archive(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, conv.ID, "user-1"))

	_, err = f.svc.Get(ctx, conv.ID, "user-1")
	assert.True(t, enginerr.IsNotFound(err), "deleted conversations read as absent")
}

func TestEndIsIdempotentAndDeactivatesContext(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")
	ctx := context.Background()

	ended, err := f.svc.End(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnded, ended.Status)

	again, err := f.svc.End(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnded, again.Status)

	convCtx, err := f.store.GetConversationContext(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, convCtx.Active)
}

func TestEndConsolidatesRelationship(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, conv.ID, "user-1",
		&model.SendMessageRequest{Content: "I love talking with you, I promise to come back"})
	require.NoError(t, err)

	ended, err := f.svc.End(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, ended.RelationshipScore)
	assert.NotEmpty(t, ended.Summary)

	cc, err := f.store.GetCharacterContext(ctx, "user-1", "luna")
	require.NoError(t, err)
	assert.Equal(t, 1, cc.RelationshipLevel)
}

func TestEndDuringInFlightTurnStaysEnded(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")
	ctx := context.Background()
	f.gateway.callDelay = 300 * time.Millisecond

	turnDone := make(chan error, 1)
	go func() {
		_, err := f.svc.SendMessage(ctx, conv.ID, "user-1",
			&model.SendMessageRequest{Content: "one last thing"})
		turnDone <- err
	}()

	require.Eventually(t, func() bool {
		f.gateway.mu.Lock()
		defer f.gateway.mu.Unlock()
		return f.gateway.inFlight == 1
	}, time.Second, 5*time.Millisecond, "turn must be mid-generation")

	// End serializes behind the turn; once it commits ENDED the
	// conversation must not flip back when the turn lands.
	ended, err := f.svc.End(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	require.NoError(t, <-turnDone)
	assert.Equal(t, model.StatusEnded, ended.Status)

	got, err := f.svc.Get(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnded, got.Status)
	assert.NotEmpty(t, got.Summary)
	assert.Equal(t, 2, got.MessageCount, "the in-flight turn still counted")
}

func TestDeleteRemovesMessagesAndContext(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, conv.ID, "user-1", &model.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)
	_, err = f.svc.End(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, conv.ID, "user-1"))

	n, err := f.store.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.store.GetConversationContext(ctx, conv.ID)
	assert.True(t, enginerr.IsNotFound(err))
}

func TestListConversationsPaginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.start(t, "user-1")
	}
	f.start(t, "user-2")

	page, err := f.svc.List(context.Background(), "user-1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page.Conversations, 2)
	assert.Equal(t, 3, page.Total)
	assert.True(t, page.HasMore)
}

func TestExportIncludesFullHistory(t *testing.T) {
	f := newFixture(t)
	conv := f.start(t, "user-1")
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, conv.ID, "user-1", &model.SendMessageRequest{Content: "for the record"})
	require.NoError(t, err)

	out, err := f.svc.Export(ctx, "user-1", &model.ExportRequest{ConversationIDs: []string{conv.ID}})
	require.NoError(t, err)
	require.Len(t, out.Conversations, 1)
	assert.Len(t, out.Conversations[0].Messages, 2)

	_, err = f.svc.Export(ctx, "user-2", &model.ExportRequest{ConversationIDs: []string{conv.ID}})
	assert.True(t, enginerr.IsUnauthorized(err))
}

func TestUpdateMemoryMergesItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	items, err := f.svc.UpdateMemory(ctx, "user-1", &model.MemoryUpdateRequest{
		CharacterID: "luna",
		Memories: []model.MemoryUpsert{
			{Content: "allergic to peanuts", Importance: 0.9},
			{Content: "grew up by the sea"},
		},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.InDelta(t, 0.5, items[1].Importance, 0.001, "importance defaults when unset")

	cc, err := f.store.GetCharacterContext(ctx, "user-1", "luna")
	require.NoError(t, err)
	assert.Len(t, cc.SharedMemoryIDs, 2)
}

func TestStatisticsAggregatesAcrossConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		conv := f.start(t, "user-1")
		_, err := f.svc.SendMessage(ctx, conv.ID, "user-1", &model.SendMessageRequest{Content: "hello there"})
		require.NoError(t, err)
	}

	stats, err := f.svc.Statistics(ctx, "user-1", "luna")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalConversations)
	assert.Equal(t, 4, stats.TotalMessages)
	assert.NotNil(t, stats.LastInteractionAt)
}
