package model

import (
	"time"
)

// Event bus subjects published by the engine.
const (
	SubjectConversationStarted = "companion.conversation.started"
	SubjectConversationEnded   = "companion.conversation.ended"
	SubjectMessageSent         = "companion.message.sent"
)

// ConversationEvent is the payload for conversation lifecycle notifications.
type ConversationEvent struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	CharacterID    string    `json:"character_id"`
	Status         string    `json:"status,omitempty"`
	MessageCount   int       `json:"message_count,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// MessageEvent is the payload for message notifications.
type MessageEvent struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	TokenCount     int       `json:"token_count,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Stream event types delivered to connected clients.
const (
	StreamEventConnected       = "connected"
	StreamEventChunk           = "message_chunk"
	StreamEventUserMessage     = "user_message"
	StreamEventMessageComplete = "message_complete"
	StreamEventError           = "error"
	StreamEventKeepalive       = "keepalive"
)

// StreamEvent is one frame delivered over a streaming connection.
type StreamEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	ChunkIndex     int       `json:"chunk_index,omitempty"`
	IsComplete     bool      `json:"is_complete,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	Code           string    `json:"code,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
