package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/capitalize-ai/direct-messaging/internal/hub"
	"github.com/capitalize-ai/direct-messaging/internal/middleware"
	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
)

const sseBuffer = 64

var (
	errSlowConsumer = errors.New("session buffer full")
	errSessionGone  = errors.New("session closed")
)

// StreamHandler serves the Server-Sent Events session transport.
type StreamHandler struct {
	hub    *hub.Registry
	clock  clockwork.Clock
	logger *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(registry *hub.Registry, clock clockwork.Clock, log *logger.Logger) *StreamHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StreamHandler{
		hub:    registry,
		clock:  clock,
		logger: log,
	}
}

// sseConn adapts an event stream to hub.Conn. Events queue on a bounded
// channel drained by the request goroutine.
type sseConn struct {
	events chan *model.Event
	done   chan struct{}
	once   sync.Once
	reason string
}

func newSSEConn() *sseConn {
	return &sseConn{
		events: make(chan *model.Event, sseBuffer),
		done:   make(chan struct{}),
	}
}

func (c *sseConn) Send(ev *model.Event) error {
	select {
	case <-c.done:
		return errSessionGone
	default:
	}
	select {
	case c.events <- ev:
		return nil
	default:
		// A dropped event leaves a hole; ending the stream makes the client
		// reconnect and gap-fill.
		c.Close("send buffer full")
		return errSlowConsumer
	}
}

func (c *sseConn) Close(reason string) {
	c.once.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// Stream handles GET /api/v1/events
// Every event pushed to the user arrives here until the client disconnects.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn := newSSEConn()
	session := h.hub.Register(userID, "sse", conn)
	log := h.logger.WithSession(userID, session.ID)
	defer func() {
		h.hub.Deregister(session.ID)
		conn.Close("client disconnected")
		log.Info("SSE session closed", zap.String("reason", conn.reason))
	}()

	if err := sendSSEEvent(w, flusher, &model.Event{
		Type:      model.EventTypeConnected,
		SessionID: session.ID,
		CreatedAt: h.clock.Now(),
	}); err != nil {
		return
	}

	heartbeat := h.clock.NewTicker(h.hub.HeartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-conn.done:
			return

		case ev := <-conn.events:
			if err := sendSSEEvent(w, flusher, ev); err != nil {
				log.Debug("SSE write failed", zap.Error(err))
				return
			}

		case <-heartbeat.Chan():
			// A successful write is the only liveness proof an SSE client gives.
			if err := sendSSEEvent(w, flusher, &model.Event{
				Type:      model.EventTypeHeartbeat,
				CreatedAt: h.clock.Now(),
			}); err != nil {
				return
			}
			h.hub.Touch(session.ID)
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev *model.Event) error {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
