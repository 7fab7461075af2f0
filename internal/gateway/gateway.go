// Package gateway accepts authenticated websocket sessions, registers them
// in the hub and dispatches the frames clients send over them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/capitalize-ai/direct-messaging/internal/hub"
	"github.com/capitalize-ai/direct-messaging/internal/identity"
	"github.com/capitalize-ai/direct-messaging/internal/middleware"
	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
)

// Acknowledger records transport-level receipt of a message.
type Acknowledger interface {
	Acknowledge(ctx context.Context, userID, messageID string) error
}

// ReadMarker marks a conversation read.
type ReadMarker interface {
	MarkRead(ctx context.Context, viewerID, conversationID, upToMessageID string) (*model.MarkReadResponse, error)
}

// TypingSetter records typing signals.
type TypingSetter interface {
	SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error
}

// Config wires a Gateway.
type Config struct {
	Verifier identity.Verifier
	Hub      *hub.Registry
	Acks     Acknowledger
	Receipts ReadMarker
	Typing   TypingSetter
	Clock    clockwork.Clock
	Logger   *logger.Logger

	// CheckOrigin overrides the upgrader's origin check. Nil allows all
	// origins; tokens, not cookies, authenticate sessions.
	CheckOrigin func(r *http.Request) bool
}

// Gateway terminates websocket sessions.
type Gateway struct {
	verifier identity.Verifier
	hub      *hub.Registry
	acks     Acknowledger
	receipts ReadMarker
	typing   TypingSetter
	clock    clockwork.Clock
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Gateway{
		verifier: cfg.Verifier,
		hub:      cfg.Hub,
		acks:     cfg.Acks,
		receipts: cfg.Receipts,
		typing:   cfg.Typing,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Connect authenticates token and registers conn as a new session of its
// user. The connected event carrying the session ID is the first event the
// client sees.
func (g *Gateway) Connect(ctx context.Context, token string, conn hub.Conn) (*hub.Session, error) {
	userID, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	return g.attach(userID, "websocket", conn), nil
}

func (g *Gateway) attach(userID, transport string, conn hub.Conn) *hub.Session {
	session := g.hub.Register(userID, transport, conn)
	session.Send(&model.Event{
		Type:      model.EventTypeConnected,
		SessionID: session.ID,
		CreatedAt: g.clock.Now(),
	})
	return session
}

// ServeHTTP handles GET /ws. The token is checked before the upgrade so a
// bad token gets a plain 401.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		token = r.URL.Query().Get("token")
	}
	userID, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid token","code":"unauthorized"}`))
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	conn := newWSConn(ws, g.hub.HeartbeatInterval())
	go conn.writeLoop()
	session := g.attach(userID, "websocket", conn)

	// The request context ends with the handler; the session outlives it.
	g.serve(context.WithoutCancel(r.Context()), session, ws, conn)
}

func (g *Gateway) serve(ctx context.Context, session *hub.Session, ws *websocket.Conn, conn *wsConn) {
	log := g.logger.WithSession(session.UserID, session.ID)
	defer func() {
		g.hub.Deregister(session.ID)
		conn.Close("session ended")
	}()

	timeout := g.hub.Timeout()
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	ws.SetPongHandler(func(string) error {
		g.hub.Touch(session.ID)
		return ws.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(timeout))
		g.hub.Touch(session.ID)

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.sendError(session, model.Validationf("malformed frame"))
			continue
		}
		if err := g.HandleFrame(ctx, session, &frame); err != nil {
			log.Debug("frame rejected", zap.String("frame", string(frame.Type)), zap.Error(err))
			g.sendError(session, err)
		}
	}
}

// HandleFrame dispatches one inbound frame for session.
func (g *Gateway) HandleFrame(ctx context.Context, session *hub.Session, frame *model.Frame) error {
	g.hub.Touch(session.ID)

	switch frame.Type {
	case model.FrameAck:
		if frame.MessageID == "" {
			return model.Validationf("ack requires message_id")
		}
		return g.acks.Acknowledge(ctx, session.UserID, frame.MessageID)

	case model.FrameTyping:
		if frame.ConversationID == "" {
			return model.Validationf("typing requires conversation_id")
		}
		return g.typing.SetTyping(ctx, frame.ConversationID, session.UserID, frame.IsTyping)

	case model.FrameMarkRead:
		if frame.ConversationID == "" {
			return model.Validationf("mark_read requires conversation_id")
		}
		_, err := g.receipts.MarkRead(ctx, session.UserID, frame.ConversationID, frame.MessageID)
		return err

	case model.FramePing:
		return session.Send(&model.Event{
			Type:      model.EventTypeHeartbeat,
			CreatedAt: g.clock.Now(),
		})

	default:
		return model.Validationf("unknown frame type %q", frame.Type)
	}
}

func (g *Gateway) sendError(session *hub.Session, err error) {
	msg := err.Error()
	if !errors.Is(err, model.ErrValidation) && !errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrTransport) {
		msg = fmt.Sprintf("%s failed", model.Code(err))
	}
	session.Send(&model.Event{
		Type: model.EventTypeError,
		Error: &model.ErrorEvent{
			Code:      model.Code(err),
			Message:   msg,
			Retryable: model.Retryable(err),
		},
		CreatedAt: g.clock.Now(),
	})
}
