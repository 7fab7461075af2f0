// Package model defines data structures for the direct messaging core.
package model

import (
	"time"
)

// Conversation is the 1:1 channel between two users. Participants are
// stored sorted (ParticipantA < ParticipantB) so an unordered pair has a
// single representation.
type Conversation struct {
	ID            string     `json:"id"`
	ParticipantA  string     `json:"participant_a"`
	ParticipantB  string     `json:"participant_b"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt time.Time  `json:"last_message_at"`
	LastSeq       uint64     `json:"last_seq"`
	DeletedAtA    *time.Time `json:"-"`
	DeletedAtB    *time.Time `json:"-"`
}

// SortPair returns the two user IDs in canonical order.
func SortPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// PairKey identifies the unordered pair of users.
func PairKey(a, b string) string {
	a, b = SortPair(a, b)
	return a + "|" + b
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Participants returns both participant IDs.
func (c *Conversation) Participants() []string {
	return []string{c.ParticipantA, c.ParticipantB}
}

// DeletedAt returns the viewer's deletion watermark, if any.
func (c *Conversation) DeletedAt(viewerID string) *time.Time {
	switch viewerID {
	case c.ParticipantA:
		return c.DeletedAtA
	case c.ParticipantB:
		return c.DeletedAtB
	}
	return nil
}

// VisibleTo reports whether the conversation shows up in the viewer's
// directory. A side that deleted the conversation sees it again once a
// message newer than the deletion arrives.
func (c *Conversation) VisibleTo(viewerID string) bool {
	deleted := c.DeletedAt(viewerID)
	return deleted == nil || c.LastMessageAt.After(*deleted)
}

// User carries the display attributes of a participant.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Handle      string `json:"handle,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ConversationPreview is the per-viewer projection shown in the directory.
type ConversationPreview struct {
	ConversationID   string    `json:"conversation_id"`
	OtherParticipant User      `json:"other_participant"`
	LastMessage      *Message  `json:"last_message,omitempty"`
	UnreadCount      int       `json:"unread_count"`
	LastMessageAt    time.Time `json:"last_message_at"`

	// LastSeq and ReadSeq version the preview. Both only grow, so of two
	// previews of one conversation the one built later is never behind on
	// either.
	LastSeq uint64 `json:"last_seq"`
	ReadSeq uint64 `json:"read_seq"`
}

// Supersedes reports whether p may replace old. Previews built from the
// same state are interchangeable; an older one never wins.
func (p ConversationPreview) Supersedes(old ConversationPreview) bool {
	if p.LastSeq != old.LastSeq {
		return p.LastSeq > old.LastSeq
	}
	return p.ReadSeq >= old.ReadSeq
}

// StartConversationRequest starts a chat with a user without sending a message.
type StartConversationRequest struct {
	RecipientID string `json:"recipient_id"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationPreview `json:"conversations"`
	HasMore       bool                  `json:"has_more"`
	NextCursor    string                `json:"next_cursor,omitempty"`
}
