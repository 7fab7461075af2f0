package client

import (
	"context"

	"github.com/capitalize-ai/direct-messaging/internal/model"
)

// Transport is the request side of the server API.
type Transport interface {
	Send(ctx context.Context, req *model.SendMessageRequest) (*model.Message, error)
	Messages(ctx context.Context, conversationID string, afterSeq uint64, limit int) (*model.ListMessagesResponse, error)
	Conversations(ctx context.Context, cursor string, limit int) (*model.ListConversationsResponse, error)
	MarkRead(ctx context.Context, conversationID, upToMessageID string) (*model.MarkReadResponse, error)
	SetTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// Listener is the push side: it holds one live session open and hands every
// event to handle until the session ends or ctx is done.
type Listener interface {
	Listen(ctx context.Context, handle func(*model.Event)) error
}
