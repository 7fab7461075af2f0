package model

import (
	"time"
)

// TypingTTL is how long a typing signal stays live without a refresh.
const TypingTTL = 3 * time.Second

// EventType represents the type of a pushed session event.
type EventType string

const (
	EventTypeConnected     EventType = "connected"
	EventTypeMessageNew    EventType = "message.new"
	EventTypeMessageStatus EventType = "message.status"
	EventTypeTyping        EventType = "typing"
	EventTypePreview       EventType = "conversation.preview"
	EventTypeHeartbeat     EventType = "heartbeat"
	EventTypeError         EventType = "error"
)

// Event is the envelope pushed to live sessions.
type Event struct {
	Type           EventType            `json:"type"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Message        *Message             `json:"message,omitempty"`
	Status         *StatusEvent         `json:"status,omitempty"`
	Typing         *TypingEvent         `json:"typing,omitempty"`
	Preview        *ConversationPreview `json:"preview,omitempty"`
	Error          *ErrorEvent          `json:"error,omitempty"`
	SessionID      string               `json:"session_id,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// StatusEvent reports a status transition for a batch of messages.
type StatusEvent struct {
	MessageIDs []string `json:"message_ids"`
	Status     Status   `json:"status"`
	UpToSeq    uint64   `json:"up_to_seq,omitempty"`
}

// TypingEvent reports that a user started or stopped typing.
type TypingEvent struct {
	UserID    string `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
	ExpiresMs int64  `json:"expires_ms,omitempty"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// FrameType is the type of a frame a client sends over its session.
type FrameType string

const (
	FrameAck      FrameType = "ack"
	FrameTyping   FrameType = "typing"
	FrameMarkRead FrameType = "mark_read"
	FramePing     FrameType = "ping"
)

// Frame is an inbound client frame multiplexed over a session.
type Frame struct {
	Type           FrameType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	IsTyping       bool      `json:"is_typing,omitempty"`
}
