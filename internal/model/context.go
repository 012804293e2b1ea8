package model

import (
	"time"
)

// GenerationSettings are the per-conversation knobs used when building
// generation requests.
type GenerationSettings struct {
	Temperature       float64 `json:"temperature,omitempty"`
	ResponseStyle     string  `json:"response_style,omitempty"`
	PromptBudget      int     `json:"prompt_budget,omitempty"`
	MaxResponseTokens int     `json:"max_response_tokens,omitempty"`
	Model             string  `json:"model,omitempty"`
}

// ConversationContext holds the per-conversation state used to assemble
// generation requests. Created atomically with its conversation and never
// shared across conversations.
type ConversationContext struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	Settings     GenerationSettings `json:"settings"`
	SessionVars  map[string]string  `json:"session_vars,omitempty"`
	CurrentTopic string             `json:"current_topic,omitempty"`

	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CharacterContext is the durable relationship state between one user and
// one character. It outlives any single conversation. The relationship
// level only changes through consolidation.
type CharacterContext struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`

	RelationshipLevel int               `json:"relationship_level"`
	SharedMemoryIDs   []string          `json:"shared_memory_ids,omitempty"`
	Preferences       map[string]string `json:"preferences,omitempty"`

	// Version supports optimistic-concurrency updates: multiple
	// conversations for the same pair may consolidate concurrently.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxRelationshipLevel bounds the consolidation update rule.
const MaxRelationshipLevel = 10

// MaxSharedMemories caps the shared-memory reference list; the oldest
// reference is evicted when full.
const MaxSharedMemories = 100

// MemoryItem is one durable long-term memory owned by a character context.
// Importance only decays or is reinforced by consolidation logic.
type MemoryItem struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	CharacterID    string `json:"character_id"`
	ConversationID string `json:"conversation_id,omitempty"`

	Content      string  `json:"content"`
	Importance   float64 `json:"importance"`
	EmotionalTag string  `json:"emotional_tag,omitempty"`

	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryUpsert is one caller-provided memory in an update request.
type MemoryUpsert struct {
	Content      string  `json:"content"`
	Importance   float64 `json:"importance,omitempty"`
	EmotionalTag string  `json:"emotional_tag,omitempty"`
}

// MemoryUpdateRequest merges caller-provided memories into a character
// context.
type MemoryUpdateRequest struct {
	CharacterID string         `json:"character_id"`
	Memories    []MemoryUpsert `json:"memories"`
}
