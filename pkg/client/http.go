package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/direct-messaging/internal/model"
)

const ackWriteWait = 10 * time.Second

// HTTPTransport talks to the server's REST API and holds a websocket
// session open for pushes, acknowledging every message it receives.
type HTTPTransport struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.http = c }
}

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) HTTPOption {
	return func(t *HTTPTransport) { t.dialer = d }
}

// NewHTTPTransport creates a transport for the server at baseURL.
func NewHTTPTransport(baseURL, token string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type apiError struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// sentinelFor maps an HTTP status back onto the server's error kinds.
func sentinelFor(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return model.ErrAuth
	case status == http.StatusForbidden:
		return model.ErrBlocked
	case status == http.StatusBadRequest:
		return model.ErrValidation
	case status == http.StatusNotFound:
		return model.ErrNotFound
	case status == http.StatusConflict:
		return model.ErrConflict
	default:
		return model.ErrTransport
	}
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%w: %s", sentinelFor(resp.StatusCode), apiErr.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", model.ErrTransport, err)
	}
	return nil
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *model.SendMessageRequest) (*model.Message, error) {
	var resp model.SendMessageResponse
	if err := t.do(ctx, http.MethodPost, "/api/v1/messages", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// Messages implements Transport.
func (t *HTTPTransport) Messages(ctx context.Context, conversationID string, afterSeq uint64, limit int) (*model.ListMessagesResponse, error) {
	query := url.Values{}
	query.Set("after_seq", strconv.FormatUint(afterSeq, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp model.ListMessagesResponse
	if err := t.do(ctx, http.MethodGet, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Conversations implements Transport.
func (t *HTTPTransport) Conversations(ctx context.Context, cursor string, limit int) (*model.ListConversationsResponse, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp model.ListConversationsResponse
	if err := t.do(ctx, http.MethodGet, "/api/v1/conversations", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead implements Transport.
func (t *HTTPTransport) MarkRead(ctx context.Context, conversationID, upToMessageID string) (*model.MarkReadResponse, error) {
	var resp model.MarkReadResponse
	body := &model.MarkReadRequest{UpToMessageID: upToMessageID}
	if err := t.do(ctx, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetTyping implements Transport.
func (t *HTTPTransport) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	body := &model.TypingRequest{IsTyping: isTyping}
	return t.do(ctx, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/typing", nil, body, nil)
}

// Listen implements Listener over a websocket session. Every message.new
// is acknowledged before it is handed on.
func (t *HTTPTransport) Listen(ctx context.Context, handle func(*model.Event)) error {
	u := "ws" + strings.TrimPrefix(t.baseURL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)

	ws, resp, err := t.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: session rejected", model.ErrAuth)
		}
		return fmt.Errorf("%w: dial: %w", model.ErrTransport, err)
	}
	defer ws.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = ws.Close()
		case <-done:
		}
	}()

	for {
		var ev model.Event
		if err := ws.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read: %w", model.ErrTransport, err)
		}
		if ev.Type == model.EventTypeMessageNew && ev.Message != nil {
			_ = ws.SetWriteDeadline(time.Now().Add(ackWriteWait))
			if err := ws.WriteJSON(model.Frame{Type: model.FrameAck, MessageID: ev.Message.ID}); err != nil {
				return fmt.Errorf("%w: ack: %w", model.ErrTransport, err)
			}
		}
		handle(&ev)
	}
}
