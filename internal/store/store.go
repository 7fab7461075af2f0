// Package store persists conversations and messages. It is the single
// source of truth; previews and unread counts are derived from it.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/direct-messaging/internal/model"
)

// Store is the persistence contract used by the services.
type Store interface {
	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error

	// FindOrCreateConversation returns the conversation for the unordered
	// pair, creating it if needed. Concurrent callers converge on one row.
	FindOrCreateConversation(ctx context.Context, a, b, newID string, at time.Time) (*model.Conversation, bool, error)

	// GetConversation returns a conversation by ID.
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)

	// AppendMessage assigns the next sequence number and persists a SENT
	// message, creating the conversation in the same unit when addressed
	// by recipient.
	AppendMessage(ctx context.Context, p AppendParams) (*AppendResult, error)

	// GetMessage returns a message by ID.
	GetMessage(ctx context.Context, id string) (*model.Message, error)

	// AdvanceStatus moves a message forward. A regression or repeat
	// returns an error wrapping model.ErrStaleState.
	AdvanceStatus(ctx context.Context, messageID string, status model.Status, at time.Time) (*model.Message, error)

	// MarkRead atomically marks every eligible message up to the boundary
	// as READ and returns what changed.
	MarkRead(ctx context.Context, viewerID, conversationID, upToMessageID string, at time.Time) (*ReadResult, error)

	// ListMessages pages through a conversation as seen by the viewer.
	ListMessages(ctx context.Context, q MessageQuery) ([]model.Message, bool, error)

	// UnreadCount counts messages the viewer has not read.
	UnreadCount(ctx context.Context, viewerID, conversationID string) (int, error)

	// ListSummaries lists the viewer's visible conversations, newest first.
	ListSummaries(ctx context.Context, viewerID string, cursor *Cursor, limit int) ([]Summary, bool, error)

	// GetSummary returns a single conversation summary for the viewer.
	GetSummary(ctx context.Context, viewerID, conversationID string) (*Summary, error)

	// DeleteConversation hides the conversation for one side only.
	DeleteConversation(ctx context.Context, viewerID, conversationID string, at time.Time) error

	// GetUsers returns display attributes; unknown IDs map to a bare User.
	GetUsers(ctx context.Context, ids []string) (map[string]model.User, error)

	// UpsertUser stores display attributes for a user.
	UpsertUser(ctx context.Context, u model.User) error

	// Close releases resources.
	Close()
}

// AppendParams describes a message to persist.
type AppendParams struct {
	ID                string
	ConversationID    string
	NewConversationID string
	SenderID          string
	RecipientID       string
	ClientID          string
	Body              string
	Attachment        *model.Attachment
	CreatedAt         time.Time
}

// AppendResult is the outcome of AppendMessage.
type AppendResult struct {
	Conversation        *model.Conversation
	Message             *model.Message
	ConversationCreated bool
	// Duplicate is set when ClientID matched an already stored message;
	// Message is then the stored one and nothing was written.
	Duplicate bool
}

// ReadResult is the outcome of MarkRead.
type ReadResult struct {
	Conversation *model.Conversation
	Updated      []model.Message
	BoundarySeq  uint64
	UnreadCount  int
}

// MessageQuery selects a page of messages. With BeforeSeq set the newest
// messages below it are returned; otherwise messages after AfterSeq.
// Results are always in ascending sequence order.
type MessageQuery struct {
	ConversationID string
	ViewerID       string
	AfterSeq       uint64
	BeforeSeq      uint64
	Limit          int
}

// Summary is the raw material of a preview.
type Summary struct {
	Conversation model.Conversation
	LastMessage  *model.Message
	UnreadCount  int
	// ReadSeq is the seq just below the viewer's oldest unread incoming
	// message, or the conversation's LastSeq when nothing is unread.
	ReadSeq uint64
}

// Cursor is a position in the directory ordering (last_message_at desc, id desc).
type Cursor struct {
	LastMessageAt  time.Time
	ConversationID string
}

// String encodes the cursor as "<unixnano>:<conversationID>".
func (c Cursor) String() string {
	return strconv.FormatInt(c.LastMessageAt.UnixNano(), 10) + ":" + c.ConversationID
}

// ParseCursor decodes a cursor produced by Cursor.String.
func ParseCursor(s string) (*Cursor, error) {
	ts, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return nil, model.Validationf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, model.Validationf("malformed cursor")
	}
	return &Cursor{LastMessageAt: time.Unix(0, nanos).UTC(), ConversationID: id}, nil
}

// after reports whether conv sorts strictly after the cursor position.
func (c *Cursor) after(conv *model.Conversation) bool {
	if c == nil {
		return true
	}
	if !conv.LastMessageAt.Equal(c.LastMessageAt) {
		return conv.LastMessageAt.Before(c.LastMessageAt)
	}
	return conv.ID < c.ConversationID
}

// nextCreatedAt keeps message timestamps monotonic within a conversation
// and strictly after either side's deletion watermark.
func nextCreatedAt(conv *model.Conversation, at time.Time) time.Time {
	if at.Before(conv.LastMessageAt) {
		at = conv.LastMessageAt
	}
	for _, deleted := range []*time.Time{conv.DeletedAtA, conv.DeletedAtB} {
		if deleted != nil && !at.After(*deleted) {
			at = deleted.Add(time.Microsecond)
		}
	}
	return at
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func validateAppend(p AppendParams) error {
	if p.ID == "" || p.SenderID == "" {
		return fmt.Errorf("%w: message id and sender are required", model.ErrValidation)
	}
	if p.ConversationID == "" {
		if p.RecipientID == "" || p.NewConversationID == "" {
			return fmt.Errorf("%w: conversation or recipient is required", model.ErrValidation)
		}
		if p.RecipientID == p.SenderID {
			return fmt.Errorf("%w: cannot message yourself", model.ErrValidation)
		}
	}
	return nil
}
