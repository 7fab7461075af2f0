// Package presence relays ephemeral typing indicators. Signals live only in
// a TTL store and never touch the message store.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
	"github.com/capitalize-ai/direct-messaging/pkg/metrics"
)

// ConversationGetter resolves conversation membership.
type ConversationGetter interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
}

// Notifier pushes an event to every live session of a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, ev *model.Event)
}

// Broadcaster records typing signals and relays them to the other participant.
type Broadcaster struct {
	store    Store
	convs    ConversationGetter
	notifier Notifier
	clock    clockwork.Clock
	ttl      time.Duration
	log      *logger.Logger
}

// NewBroadcaster creates a Broadcaster with the standard TTL.
func NewBroadcaster(store Store, convs ConversationGetter, notifier Notifier, clock clockwork.Clock, log *logger.Logger) *Broadcaster {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Broadcaster{
		store:    store,
		convs:    convs,
		notifier: notifier,
		clock:    clock,
		ttl:      model.TypingTTL,
		log:      log.Named("presence"),
	}
}

// SetTyping records the user's typing state and tells the other participant.
// Repeated true signals refresh the expiry.
func (b *Broadcaster) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	conv, err := b.member(ctx, conversationID, userID)
	if err != nil {
		return err
	}

	now := b.clock.Now()
	if isTyping {
		err = b.store.Set(ctx, conversationID, userID, now.Add(b.ttl))
	} else {
		err = b.store.Clear(ctx, conversationID, userID)
	}
	if err != nil {
		return err
	}

	state := "stop"
	if isTyping {
		state = "start"
	}
	metrics.TypingSignals.WithLabelValues(state).Inc()

	ev := &model.Event{
		Type:           model.EventTypeTyping,
		ConversationID: conversationID,
		Typing: &model.TypingEvent{
			UserID:   userID,
			IsTyping: isTyping,
		},
		CreatedAt: now,
	}
	if isTyping {
		ev.Typing.ExpiresMs = b.ttl.Milliseconds()
	}
	b.notifier.Notify(ctx, conv.Other(userID), ev)
	return nil
}

// Clear drops a user's signal without notifying anyone. The next message
// from the user replaces the indicator on the other side.
func (b *Broadcaster) Clear(ctx context.Context, conversationID, userID string) {
	if err := b.store.Clear(ctx, conversationID, userID); err != nil {
		b.log.Warn("clear typing failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// Typing returns who is typing in the conversation, excluding the viewer.
func (b *Broadcaster) Typing(ctx context.Context, conversationID, viewerID string) ([]string, error) {
	if _, err := b.member(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	active, err := b.store.Active(ctx, conversationID, b.clock.Now())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(active))
	for _, userID := range active {
		if userID != viewerID {
			out = append(out, userID)
		}
	}
	return out, nil
}

func (b *Broadcaster) member(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := b.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
	}
	return conv, nil
}
