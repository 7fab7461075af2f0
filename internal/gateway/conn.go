package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/direct-messaging/internal/model"
)

const (
	writeWait     = 10 * time.Second
	sendBuffer    = 128
	maxFrameBytes = 16 << 10
)

var (
	errConnClosed = errors.New("connection closed")
	errBufferFull = errors.New("connection buffer exceeded")
)

// wsConn wraps a websocket and serializes outbound writes through a
// buffered channel drained by one write loop.
type wsConn struct {
	ws         *websocket.Conn
	send       chan []byte
	once       sync.Once
	close      chan struct{}
	pingPeriod time.Duration
}

func newWSConn(ws *websocket.Conn, pingPeriod time.Duration) *wsConn {
	return &wsConn{
		ws:         ws,
		send:       make(chan []byte, sendBuffer),
		close:      make(chan struct{}),
		pingPeriod: pingPeriod,
	}
}

// Send enqueues ev. A client too slow to drain its buffer is disconnected;
// it recovers missed events by gap-fill on reconnect.
func (c *wsConn) Send(ev *model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.close:
		return errConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close("send buffer full")
		return errBufferFull
	}
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once.
func (c *wsConn) Close(reason string) {
	c.once.Do(func() {
		close(c.close)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close("ping failed")
				return
			}
		}
	}
}

func (c *wsConn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
