// Package model defines data structures for the companion engine.
package model

import (
	"time"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusPaused   ConversationStatus = "paused"
	StatusEnded    ConversationStatus = "ended"
	StatusArchived ConversationStatus = "archived"
	StatusDeleted  ConversationStatus = "deleted"
)

// CanTransitionTo reports whether the status machine allows moving from s to
// next. Transitions are one-directional except ACTIVE<->PAUSED.
func (s ConversationStatus) CanTransitionTo(next ConversationStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusPaused || next == StatusEnded
	case StatusPaused:
		return next == StatusActive || next == StatusEnded
	case StatusEnded:
		return next == StatusArchived || next == StatusDeleted
	case StatusArchived:
		return next == StatusDeleted
	default:
		return false
	}
}

// AcceptsMessages reports whether new messages may be sent.
func (s ConversationStatus) AcceptsMessages() bool {
	return s == StatusActive
}

// Conversation represents a dialogue session between one user and one
// character.
type Conversation struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	CharacterID string             `json:"character_id"`
	Title       string             `json:"title,omitempty"`
	Status      ConversationStatus `json:"status"`

	// Counters are monotonically non-decreasing.
	MessageCount          int   `json:"message_count"`
	UserMessageCount      int   `json:"user_message_count"`
	AssistantMessageCount int   `json:"assistant_message_count"`
	TotalTokens           int64 `json:"total_tokens"`

	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	RelationshipScore int        `json:"relationship_score"`
	Tags              []string   `json:"tags,omitempty"`
	Language          string     `json:"language"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StartConversationRequest is the request to start a new conversation.
type StartConversationRequest struct {
	CharacterID    string              `json:"character_id"`
	Title          string              `json:"title,omitempty"`
	InitialMessage string              `json:"initial_message,omitempty"`
	Settings       *GenerationSettings `json:"settings,omitempty"`
	Tags           []string            `json:"tags,omitempty"`
	Language       string              `json:"language,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}

// ConversationStatistics summarizes engagement between a user and a
// character across conversations.
type ConversationStatistics struct {
	CharacterID        string     `json:"character_id"`
	TotalConversations int        `json:"total_conversations"`
	TotalMessages      int        `json:"total_messages"`
	TotalTokens        int64      `json:"total_tokens"`
	RelationshipLevel  int        `json:"relationship_level"`
	MemoryCount        int        `json:"memory_count"`
	LastInteractionAt  *time.Time `json:"last_interaction_at,omitempty"`
}

// ExportRequest is the request to export conversations.
type ExportRequest struct {
	ConversationIDs []string `json:"conversation_ids"`
	IncludeDeleted  bool     `json:"include_deleted,omitempty"`
}

// ConversationExport is one exported conversation with its full history.
type ConversationExport struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// ExportResponse is the response for a conversation export.
type ExportResponse struct {
	Conversations []ConversationExport `json:"conversations"`
	ExportedAt    time.Time            `json:"exported_at"`
}
