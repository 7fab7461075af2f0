package service

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/internal/store"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
	"github.com/capitalize-ai/direct-messaging/pkg/metrics"
)

// ReceiptService marks messages read and keeps unread counts in step.
type ReceiptService struct {
	store     store.Store
	notifier  Notifier
	directory *DirectoryService
	locks     *keyedMutex
	clock     clockwork.Clock
	tracer    trace.Tracer
	logger    *logger.Logger
}

// MarkRead marks every message the viewer received up to upToMessageID as
// READ, or up to the latest message when upToMessageID is empty. Calling
// it again changes nothing.
func (s *ReceiptService) MarkRead(ctx context.Context, viewerID, conversationID, upToMessageID string) (resp *model.MarkReadResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "ReceiptService.MarkRead",
		trace.WithAttributes(
			attribute.String("conversation_id", conversationID),
			attribute.String("viewer_id", viewerID),
		))
	defer func() { spanEnd(span, err) }()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewerID) {
		return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
	}

	unlock := s.locks.Lock(model.PairKey(conv.ParticipantA, conv.ParticipantB))
	res, err := s.store.MarkRead(ctx, viewerID, conversationID, upToMessageID, s.clock.Now())
	if err != nil {
		unlock()
		return nil, err
	}
	if len(res.Updated) > 0 {
		ids := make([]string, 0, len(res.Updated))
		for _, m := range res.Updated {
			ids = append(ids, m.ID)
		}
		s.notifier.Notify(ctx, conv.Other(viewerID), &model.Event{
			Type:           model.EventTypeMessageStatus,
			ConversationID: conversationID,
			Status: &model.StatusEvent{
				MessageIDs: ids,
				Status:     model.StatusRead,
				UpToSeq:    res.BoundarySeq,
			},
			CreatedAt: s.clock.Now(),
		})
	}
	unlock()

	span.SetAttributes(attribute.Int("updated", len(res.Updated)))
	if len(res.Updated) > 0 {
		metrics.StatusTransitions.WithLabelValues(string(model.StatusRead)).Add(float64(len(res.Updated)))
		// Every device of the viewer drops its badge; the sender's preview
		// shows the new status.
		s.directory.PushPreview(ctx, viewerID, conversationID)
		s.directory.PushPreview(ctx, conv.Other(viewerID), conversationID)
		s.logger.Debug("messages read",
			zap.String("conversation_id", conversationID),
			zap.String("viewer_id", viewerID),
			zap.Int("count", len(res.Updated)),
			zap.Uint64("up_to_seq", res.BoundarySeq),
		)
	}

	return &model.MarkReadResponse{
		UpdatedCount: len(res.Updated),
		UnreadCount:  res.UnreadCount,
		BoundarySeq:  res.BoundarySeq,
	}, nil
}
