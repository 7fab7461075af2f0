package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/internal/safety"
	"github.com/capitalize-ai/direct-messaging/internal/store"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
	"github.com/capitalize-ai/direct-messaging/pkg/metrics"
)

const (
	searchPageSize = 100
	searchMaxPages = 10
)

// DirectoryService builds each viewer's conversation list.
type DirectoryService struct {
	store    store.Store
	safety   safety.Checker
	notifier Notifier
	clock    clockwork.Clock
	logger   *logger.Logger
}

// List returns the viewer's visible conversations, most recent first.
func (s *DirectoryService) List(ctx context.Context, viewerID, cursor string, limit int) (*model.ListConversationsResponse, error) {
	var c *store.Cursor
	if cursor != "" {
		var err error
		if c, err = store.ParseCursor(cursor); err != nil {
			return nil, err
		}
	}

	summaries, hasMore, err := s.store.ListSummaries(ctx, viewerID, c, limit)
	if err != nil {
		return nil, err
	}
	previews, err := s.previews(ctx, viewerID, summaries)
	if err != nil {
		return nil, err
	}

	resp := &model.ListConversationsResponse{Conversations: previews, HasMore: hasMore}
	if hasMore && len(summaries) > 0 {
		last := summaries[len(summaries)-1].Conversation
		resp.NextCursor = store.Cursor{LastMessageAt: last.LastMessageAt, ConversationID: last.ID}.String()
	}
	return resp, nil
}

// Search filters the viewer's conversations by the other participant's
// display name, handle or ID. Matching is case-insensitive substring.
func (s *DirectoryService) Search(ctx context.Context, viewerID, query string) (*model.ListConversationsResponse, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, model.Validationf("search query is required")
	}

	resp := &model.ListConversationsResponse{Conversations: []model.ConversationPreview{}}
	var cursor *store.Cursor
	for page := 0; page < searchMaxPages; page++ {
		summaries, hasMore, err := s.store.ListSummaries(ctx, viewerID, cursor, searchPageSize)
		if err != nil {
			return nil, err
		}
		previews, err := s.previews(ctx, viewerID, summaries)
		if err != nil {
			return nil, err
		}
		for _, p := range previews {
			if matches(p.OtherParticipant, query) {
				resp.Conversations = append(resp.Conversations, p)
			}
		}
		if !hasMore || len(summaries) == 0 {
			return resp, nil
		}
		last := summaries[len(summaries)-1].Conversation
		cursor = &store.Cursor{LastMessageAt: last.LastMessageAt, ConversationID: last.ID}
	}
	resp.HasMore = true
	return resp, nil
}

func matches(u model.User, query string) bool {
	return strings.Contains(strings.ToLower(u.DisplayName), query) ||
		strings.Contains(strings.ToLower(u.Handle), query) ||
		strings.Contains(strings.ToLower(u.ID), query)
}

// Get returns a single preview.
func (s *DirectoryService) Get(ctx context.Context, viewerID, conversationID string) (*model.ConversationPreview, error) {
	summary, err := s.store.GetSummary(ctx, viewerID, conversationID)
	if err != nil {
		return nil, err
	}
	previews, err := s.previews(ctx, viewerID, []store.Summary{*summary})
	if err != nil {
		return nil, err
	}
	return &previews[0], nil
}

// Start finds or creates the conversation with recipientID without sending
// anything.
func (s *DirectoryService) Start(ctx context.Context, viewerID, recipientID string) (*model.ConversationPreview, error) {
	if recipientID == "" {
		return nil, model.Validationf("recipient_id is required")
	}
	if recipientID == viewerID {
		return nil, model.Validationf("cannot start a conversation with yourself")
	}
	if err := checkBlocked(ctx, s.safety, viewerID, recipientID); err != nil {
		return nil, err
	}

	conv, created, err := s.store.FindOrCreateConversation(ctx, viewerID, recipientID, newID(), s.clock.Now())
	if err != nil {
		return nil, err
	}
	if created {
		metrics.ConversationsTotal.Inc()
		s.logger.Info("conversation started",
			zap.String("conversation_id", conv.ID),
			zap.String("user_id", viewerID),
		)
	}
	return s.Get(ctx, viewerID, conv.ID)
}

// Delete hides the conversation for the viewer only. It reappears when a
// new message arrives.
func (s *DirectoryService) Delete(ctx context.Context, viewerID, conversationID string) error {
	if err := s.store.DeleteConversation(ctx, viewerID, conversationID, s.clock.Now()); err != nil {
		return err
	}
	s.logger.Info("conversation deleted",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", viewerID),
	)
	return nil
}

// PushPreview sends the user's current preview of a conversation to all
// their sessions.
func (s *DirectoryService) PushPreview(ctx context.Context, userID, conversationID string) {
	preview, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		s.logger.Warn("build preview failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}
	s.notifier.Notify(ctx, userID, &model.Event{
		Type:           model.EventTypePreview,
		ConversationID: conversationID,
		Preview:        preview,
		CreatedAt:      s.clock.Now(),
	})
}

func (s *DirectoryService) previews(ctx context.Context, viewerID string, summaries []store.Summary) ([]model.ConversationPreview, error) {
	ids := make([]string, 0, len(summaries))
	for _, sum := range summaries {
		ids = append(ids, sum.Conversation.Other(viewerID))
	}
	users, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]model.ConversationPreview, 0, len(summaries))
	for _, sum := range summaries {
		other := sum.Conversation.Other(viewerID)
		user, ok := users[other]
		if !ok {
			user = model.User{ID: other}
		}
		out = append(out, model.ConversationPreview{
			ConversationID:   sum.Conversation.ID,
			OtherParticipant: user,
			LastMessage:      sum.LastMessage,
			UnreadCount:      sum.UnreadCount,
			LastMessageAt:    sum.Conversation.LastMessageAt,
			LastSeq:          sum.Conversation.LastSeq,
			ReadSeq:          sum.ReadSeq,
		})
	}
	return out, nil
}

func checkBlocked(ctx context.Context, checker safety.Checker, a, b string) error {
	blocked, err := checker.IsBlocked(ctx, a, b)
	if err != nil {
		return fmt.Errorf("%w: safety check: %v", model.ErrTransport, err)
	}
	if blocked {
		return model.ErrBlocked
	}
	return nil
}
