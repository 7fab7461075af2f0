package model

import (
	"time"
)

// Status is the delivery state of a message. It only moves forward.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
)

// Rank orders statuses; unknown values rank below SENT.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// StatusFromRank is the inverse of Rank.
func StatusFromRank(rank int) Status {
	switch rank {
	case 2:
		return StatusDelivered
	case 3:
		return StatusRead
	default:
		return StatusSent
	}
}

// Advances reports whether moving from s to next is a forward transition.
func (s Status) Advances(next Status) bool {
	return next.Rank() > s.Rank()
}

// MaxStatus returns the more advanced of two statuses.
func MaxStatus(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AttachmentKind is the kind of externally produced media.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentFile  AttachmentKind = "file"
)

// Valid reports whether k is a known attachment kind.
func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentImage, AttachmentVideo, AttachmentFile:
		return true
	}
	return false
}

// Attachment references pre-uploaded media.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	URL      string         `json:"url"`
	Filename string         `json:"filename,omitempty"`
}

// Message is a single message in a conversation.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ClientID       string `json:"client_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	Seq            uint64 `json:"seq"`
	SenderID       string `json:"sender_id"`

	// Content
	Body       string      `json:"body,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`

	// Delivery state
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// Before reports whether m was assigned before other in its conversation.
func (m *Message) Before(other *Message) bool {
	if m.Seq != other.Seq {
		return m.Seq < other.Seq
	}
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SendMessageRequest is the request to send a new message. Exactly one of
// ConversationID and RecipientID identifies the conversation.
type SendMessageRequest struct {
	ConversationID string      `json:"conversation_id,omitempty"`
	RecipientID    string      `json:"recipient_id,omitempty"`
	ClientID       string      `json:"client_id,omitempty"`
	Body           string      `json:"body,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

// SendMessageResponse is the response after sending a message.
type SendMessageResponse struct {
	Message *Message `json:"message"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	LastSeq  uint64    `json:"last_seq"`
}

// MarkReadRequest acknowledges messages up to an optional boundary.
type MarkReadRequest struct {
	UpToMessageID string `json:"up_to_message_id,omitempty"`
}

// MarkReadResponse reports the outcome of a mark-read call.
type MarkReadResponse struct {
	UpdatedCount int `json:"updated_count"`
	UnreadCount  int `json:"unread_count"`
	// BoundarySeq is the highest seq the request covered. Messages past it
	// stay unread.
	BoundarySeq uint64 `json:"boundary_seq"`
}

// TypingRequest sets the caller's typing state in a conversation.
type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// TypingResponse lists users currently typing in a conversation.
type TypingResponse struct {
	UserIDs []string `json:"user_ids"`
}
