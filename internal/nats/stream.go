package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
	"github.com/capitalize-ai/direct-messaging/pkg/metrics"
)

const (
	// StreamName is the name of the session event stream.
	StreamName = "CHAT_EVENTS"

	// SubjectPrefix is the prefix for all durable event subjects.
	SubjectPrefix = "chat.events"

	// TypingPrefix is the prefix for typing signals. They go over core NATS:
	// a lost typing signal expires on its own.
	TypingPrefix = "chat.typing"

	// streamMaxAge bounds replay; clients older than this gap-fill from the store.
	streamMaxAge = time.Hour
)

// Deliverer hands an event to the local sessions of a user.
type Deliverer interface {
	Deliver(userID string, ev *model.Event) int
}

// envelope is the wire form of an event addressed to one user.
type envelope struct {
	UserID string       `json:"user_id"`
	Origin string       `json:"origin,omitempty"`
	Event  *model.Event `json:"event"`
}

// Bus publishes session events to every API instance and delivers the ones
// it receives to the local registry.
type Bus struct {
	client *Client
	local  Deliverer
	origin string
	logger *logger.Logger

	mu       sync.Mutex
	consumer jetstream.ConsumeContext
	typing   *nats.Subscription
}

// NewBus creates a bus delivering into local. origin names this instance in
// published envelopes for debugging.
func NewBus(client *Client, local Deliverer, origin string, log *logger.Logger) *Bus {
	return &Bus{
		client: client,
		local:  local,
		origin: origin,
		logger: log.Named("bus"),
	}
}

// EnsureStream ensures the event stream exists with proper configuration.
func (b *Bus) EnsureStream(ctx context.Context) error {
	js := b.client.JetStream()

	// Check if stream exists
	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Discard:     jetstream.DiscardOld,
		MaxAge:      streamMaxAge,
		MaxBytes:    1024 * 1024 * 1024, // 1GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Per-user session events fanned out across API instances",
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// UserSubject returns the durable event subject for a user.
func UserSubject(userID string) string {
	return fmt.Sprintf("%s.user.%s", SubjectPrefix, subjectToken(userID))
}

// TypingSubject returns the typing subject for a user.
func TypingSubject(userID string) string {
	return fmt.Sprintf("%s.%s", TypingPrefix, subjectToken(userID))
}

// subjectToken makes a user ID safe as a single subject token. IDs that are
// already safe pass through unchanged.
func subjectToken(userID string) string {
	if userID != "" && !strings.ContainsAny(userID, ".*> \t\r\n~") {
		return userID
	}
	return "~" + base64.RawURLEncoding.EncodeToString([]byte(userID))
}

// Notify publishes ev for userID. Publishing blocks until JetStream
// acknowledges, so events published in order arrive in order. When the bus
// is unavailable the event is delivered to local sessions only.
func (b *Bus) Notify(ctx context.Context, userID string, ev *model.Event) {
	data, err := json.Marshal(&envelope{UserID: userID, Origin: b.origin, Event: ev})
	if err != nil {
		b.logger.Error("failed to encode event", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}

	if ev.Type == model.EventTypeTyping {
		err = b.client.Conn().Publish(TypingSubject(userID), data)
	} else {
		_, err = b.client.JetStream().Publish(ctx, UserSubject(userID), data)
	}
	if err != nil {
		metrics.BusMessages.WithLabelValues("out", "failed").Inc()
		b.logger.Warn("publish failed, delivering locally",
			zap.String("user_id", userID),
			zap.String("event", string(ev.Type)),
			zap.Error(err),
		)
		b.local.Deliver(userID, ev)
		return
	}
	metrics.BusMessages.WithLabelValues("out", string(ev.Type)).Inc()
}

// Start subscribes to new events and typing signals. Each instance reads the
// whole stream with an ordered consumer, which preserves publish order.
func (b *Bus) Start(ctx context.Context) error {
	cons, err := b.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{SubjectPrefix + ".user.>"},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		b.handle(msg.Data())
	})
	if err != nil {
		return fmt.Errorf("failed to consume events: %w", err)
	}

	sub, err := b.client.Conn().Subscribe(TypingPrefix+".>", func(msg *nats.Msg) {
		b.handle(msg.Data)
	})
	if err != nil {
		cc.Stop()
		return fmt.Errorf("failed to subscribe to typing: %w", err)
	}

	b.mu.Lock()
	b.consumer = cc
	b.typing = sub
	b.mu.Unlock()

	b.logger.Info("event bus started", zap.String("stream", StreamName))
	return nil
}

// Stop ends both subscriptions.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumer != nil {
		b.consumer.Stop()
		b.consumer = nil
	}
	if b.typing != nil {
		b.typing.Unsubscribe()
		b.typing = nil
	}
}

func (b *Bus) handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == nil || env.UserID == "" {
		metrics.BusMessages.WithLabelValues("in", "invalid").Inc()
		b.logger.Warn("dropping malformed envelope", zap.Int("bytes", len(data)))
		return
	}
	metrics.BusMessages.WithLabelValues("in", string(env.Event.Type)).Inc()
	b.local.Deliver(env.UserID, env.Event)
}

// RefreshStreamMetrics exports the stream's size.
func (b *Bus) RefreshStreamMetrics(ctx context.Context) error {
	stream, err := b.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return err
	}
	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	metrics.NATSStreamBytes.WithLabelValues(StreamName).Set(float64(info.State.Bytes))
	return nil
}

// RunMetrics refreshes stream metrics every interval until ctx is done.
func (b *Bus) RunMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.RefreshStreamMetrics(ctx); err != nil {
				b.logger.Debug("stream metrics refresh failed", zap.Error(err))
			}
		}
	}
}
