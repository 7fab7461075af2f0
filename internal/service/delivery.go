package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/internal/safety"
	"github.com/capitalize-ai/direct-messaging/internal/store"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
	"github.com/capitalize-ai/direct-messaging/pkg/metrics"
)

// MaxBodyLength is the longest message body accepted, in runes.
const MaxBodyLength = 4000

// DeliveryService persists messages, stamps their order and fans them out.
type DeliveryService struct {
	store     store.Store
	safety    safety.Checker
	notifier  Notifier
	typing    TypingClearer
	directory *DirectoryService
	locks     *keyedMutex
	clock     clockwork.Clock
	tracer    trace.Tracer
	logger    *logger.Logger
}

// Send delivers a message from senderID. The conversation is addressed by
// ID or, for a first message, by recipient. Resubmitting the same ClientID
// returns the stored message without delivering it again.
func (s *DeliveryService) Send(ctx context.Context, senderID string, req *model.SendMessageRequest) (msg *model.Message, err error) {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, "DeliveryService.Send",
		trace.WithAttributes(attribute.String("sender_id", senderID)))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = errorOutcome(err)
		}
		metrics.RecordSend(outcome, s.clock.Since(start).Seconds())
		spanEnd(span, err)
	}()

	if err := validateSend(senderID, req); err != nil {
		return nil, err
	}

	recipientID := req.RecipientID
	if req.ConversationID != "" {
		conv, err := s.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if !conv.HasParticipant(senderID) {
			return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, req.ConversationID)
		}
		other := conv.Other(senderID)
		if recipientID != "" && recipientID != other {
			return nil, model.Validationf("recipient does not match conversation")
		}
		recipientID = other
	}

	if err := checkBlocked(ctx, s.safety, senderID, recipientID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(model.PairKey(senderID, recipientID))
	res, err := s.store.AppendMessage(ctx, store.AppendParams{
		ID:                newID(),
		ConversationID:    req.ConversationID,
		NewConversationID: newID(),
		SenderID:          senderID,
		RecipientID:       recipientID,
		ClientID:          req.ClientID,
		Body:              req.Body,
		Attachment:        req.Attachment,
		CreatedAt:         s.clock.Now(),
	})
	if err != nil {
		unlock()
		s.logger.Warn("append message failed",
			zap.String("sender_id", senderID),
			zap.String("recipient_id", recipientID),
			zap.Error(err),
		)
		return nil, err
	}
	if res.Duplicate {
		unlock()
		s.logger.Debug("duplicate send collapsed",
			zap.String("message_id", res.Message.ID),
			zap.String("client_id", req.ClientID),
		)
		return res.Message, nil
	}

	// Fan-out happens under the ordering lock so every session sees
	// message.new in sequence order.
	ev := &model.Event{
		Type:           model.EventTypeMessageNew,
		ConversationID: res.Conversation.ID,
		Message:        res.Message,
		CreatedAt:      res.Message.CreatedAt,
	}
	for _, userID := range res.Conversation.Participants() {
		s.notifier.Notify(ctx, userID, ev)
	}
	unlock()

	span.SetAttributes(
		attribute.String("conversation_id", res.Conversation.ID),
		attribute.Int64("seq", int64(res.Message.Seq)),
	)
	kind := "text"
	if res.Message.Attachment != nil {
		kind = string(res.Message.Attachment.Kind)
	}
	metrics.MessagesTotal.WithLabelValues(kind).Inc()
	if res.ConversationCreated {
		metrics.ConversationsTotal.Inc()
	}

	if s.typing != nil {
		s.typing.Clear(ctx, res.Conversation.ID, senderID)
	}
	for _, userID := range res.Conversation.Participants() {
		s.directory.PushPreview(ctx, userID, res.Conversation.ID)
	}

	s.logger.Debug("message sent",
		zap.String("message_id", res.Message.ID),
		zap.String("conversation_id", res.Conversation.ID),
		zap.Uint64("seq", res.Message.Seq),
	)
	return res.Message, nil
}

// Acknowledge records that one of the recipient's sessions received the
// message and tells the sender. Acks from the sender's own devices and
// late acks for messages already read are ignored.
func (s *DeliveryService) Acknowledge(ctx context.Context, userID, messageID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "DeliveryService.Acknowledge",
		trace.WithAttributes(attribute.String("message_id", messageID)))
	defer func() { spanEnd(span, err) }()

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("%w: message %s", model.ErrNotFound, messageID)
	}
	if msg.SenderID == userID {
		return nil
	}

	updated, err := s.store.AdvanceStatus(ctx, messageID, model.StatusDelivered, s.clock.Now())
	if errors.Is(err, model.ErrStaleState) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.StatusTransitions.WithLabelValues(string(model.StatusDelivered)).Inc()

	s.notifier.Notify(ctx, updated.SenderID, &model.Event{
		Type:           model.EventTypeMessageStatus,
		ConversationID: updated.ConversationID,
		Status: &model.StatusEvent{
			MessageIDs: []string{updated.ID},
			Status:     model.StatusDelivered,
			UpToSeq:    updated.Seq,
		},
		CreatedAt: s.clock.Now(),
	})
	return nil
}

// Messages returns a page of a conversation for gap-fill or history.
func (s *DeliveryService) Messages(ctx context.Context, viewerID, conversationID string, afterSeq, beforeSeq uint64, limit int) (*model.ListMessagesResponse, error) {
	msgs, hasMore, err := s.store.ListMessages(ctx, store.MessageQuery{
		ConversationID: conversationID,
		ViewerID:       viewerID,
		AfterSeq:       afterSeq,
		BeforeSeq:      beforeSeq,
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	lastSeq := afterSeq
	if n := len(msgs); n > 0 {
		lastSeq = msgs[n-1].Seq
	}
	return &model.ListMessagesResponse{Messages: msgs, HasMore: hasMore, LastSeq: lastSeq}, nil
}

func validateSend(senderID string, req *model.SendMessageRequest) error {
	if req == nil {
		return model.Validationf("request body is required")
	}
	if req.ConversationID == "" && req.RecipientID == "" {
		return model.Validationf("conversation_id or recipient_id is required")
	}
	if req.RecipientID == senderID {
		return model.Validationf("cannot message yourself")
	}
	if strings.TrimSpace(req.Body) == "" && req.Attachment == nil {
		return model.Validationf("message must have a body or an attachment")
	}
	if !utf8.ValidString(req.Body) {
		return model.Validationf("body must be valid UTF-8")
	}
	if utf8.RuneCountInString(req.Body) > MaxBodyLength {
		return model.Validationf("body exceeds %d characters", MaxBodyLength)
	}
	if a := req.Attachment; a != nil {
		if !a.Kind.Valid() {
			return model.Validationf("unsupported attachment kind %q", a.Kind)
		}
		if a.URL == "" {
			return model.Validationf("attachment url is required")
		}
	}
	return nil
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, model.ErrBlocked):
		return "blocked"
	case errors.Is(err, model.ErrValidation):
		return "invalid"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
