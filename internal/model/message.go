package model

import (
	"fmt"
	"time"
)

// Role represents the role of a message sender. The set is closed: all
// downstream logic branches on exactly these three values.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates a role string against the closed set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// MessageMetadata carries optional structured annotations on a message.
type MessageMetadata struct {
	Emotion         string  `json:"emotion,omitempty"`
	Action          string  `json:"action,omitempty"`
	TokenCount      int     `json:"token_count,omitempty"`
	LatencyMs       int64   `json:"latency_ms,omitempty"`
	ModerationFlag  string  `json:"moderation_flag,omitempty"`
	SentimentScore  float64 `json:"sentiment_score,omitempty"`
	FallbackMessage bool    `json:"fallback_message,omitempty"`
}

// Message represents one conversation message. Messages are immutable once
// persisted except for the soft-delete markers.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`

	Role     Role             `json:"role"`
	Content  string           `json:"content"`
	Metadata *MessageMetadata `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Seq is the insertion sequence, used to break timestamp ties.
	Seq int64 `json:"seq,omitempty"`

	Deleted       bool   `json:"deleted,omitempty"`
	DeletedReason string `json:"deleted_reason,omitempty"`
}

// MessageOptions tunes a single send/stream call.
type MessageOptions struct {
	IncludeEmotion    bool `json:"include_emotion,omitempty"`
	IncludeAction     bool `json:"include_action,omitempty"`
	MaxResponseTokens int  `json:"max_response_tokens,omitempty"`
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Content string          `json:"content"`
	Options *MessageOptions `json:"options,omitempty"`
}

// SendMessageResponse is the response after sending a message.
type SendMessageResponse struct {
	UserMessage      *Message `json:"user_message"`
	AssistantMessage *Message `json:"assistant_message"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"has_more"`
}
