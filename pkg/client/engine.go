// Package client keeps a device's view of its conversations consistent
// with the server: optimistic sends, live pushes, typing indicators and
// gap-fill after reconnects.
package client

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
)

const (
	DefaultSendTimeout = 10 * time.Second
	DefaultPageSize    = 100

	// maxPreviewPages bounds a directory refresh.
	maxPreviewPages = 20
)

var (
	// ErrUnknownMessage is returned by Retry for a local ID the engine does
	// not hold as pending or failed.
	ErrUnknownMessage = errors.New("unknown local message")

	// ErrNotRetryable is returned by Retry for a send that failed terminally.
	ErrNotRetryable = errors.New("message cannot be retried")
)

// Options configures an Engine.
type Options struct {
	// UserID is the signed-in user; required to tell own messages apart.
	UserID      string
	SendTimeout time.Duration
	PageSize    int
	Clock       clockwork.Clock
	Logger      *logger.Logger
}

type conversation struct {
	entries  []*Entry
	byServer map[string]*Entry

	// contiguous is the highest seq at or below which nothing is missing;
	// gap-fill resumes from it. above holds seqs seen past it.
	contiguous uint64
	above      map[uint64]struct{}

	open   bool
	typing map[string]time.Time // user ID -> expiry
	typer  *Typer
}

// record notes that seq is present.
func (c *conversation) record(seq uint64) {
	if seq <= c.contiguous {
		return
	}
	c.above[seq] = struct{}{}
	c.advance()
}

// cover notes that the server returned everything in (after, upTo].
func (c *conversation) cover(after, upTo uint64) {
	if after > c.contiguous || upTo <= c.contiguous {
		return
	}
	c.contiguous = upTo
	c.advance()
}

func (c *conversation) advance() {
	for seq := range c.above {
		if seq <= c.contiguous {
			delete(c.above, seq)
		}
	}
	for {
		if _, ok := c.above[c.contiguous+1]; !ok {
			return
		}
		delete(c.above, c.contiguous+1)
		c.contiguous++
	}
}

func (c *conversation) remove(entry *Entry) {
	for i, e := range c.entries {
		if e == entry {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

func (c *conversation) contains(entry *Entry) bool {
	for _, e := range c.entries {
		if e == entry {
			return true
		}
	}
	return false
}

// Engine is the client-side reconciliation state for one signed-in user.
// All state sits behind one mutex; network calls are made without it.
type Engine struct {
	transport Transport
	self      string
	timeout   time.Duration
	pageSize  int
	clock     clockwork.Clock
	log       *logger.Logger

	mu       sync.Mutex
	convs    map[string]*conversation
	pending  map[string]*Entry // local ID -> unconfirmed entry
	previews map[string]model.ConversationPreview
}

// NewEngine creates an Engine.
func NewEngine(transport Transport, opts Options) *Engine {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Engine{
		transport: transport,
		self:      opts.UserID,
		timeout:   opts.SendTimeout,
		pageSize:  opts.PageSize,
		clock:     opts.Clock,
		log:       opts.Logger.Named("client"),
		convs:     make(map[string]*conversation),
		pending:   make(map[string]*Entry),
		previews:  make(map[string]model.ConversationPreview),
	}
}

func (e *Engine) conv(id string) *conversation {
	c, ok := e.convs[id]
	if !ok {
		c = &conversation{
			byServer: make(map[string]*Entry),
			above:    make(map[uint64]struct{}),
			typing:   make(map[string]time.Time),
		}
		e.convs[id] = c
	}
	return c
}

// Send queues an optimistic entry and submits it. The returned entry is
// Confirmed on success and Failed otherwise; a Failed entry keeps its
// local ID for Retry.
func (e *Engine) Send(ctx context.Context, req model.SendMessageRequest) (Entry, error) {
	localID := uuid.NewString()
	req.ClientID = localID
	entry := &Entry{
		LocalID:  localID,
		State:    StatePending,
		QueuedAt: e.clock.Now(),
		Message: model.Message{
			ClientID:       localID,
			ConversationID: req.ConversationID,
			SenderID:       e.self,
			Body:           req.Body,
			Attachment:     req.Attachment,
			CreatedAt:      e.clock.Now(),
		},
	}

	e.mu.Lock()
	e.pending[localID] = entry
	var typer *Typer
	if req.ConversationID != "" {
		c := e.conv(req.ConversationID)
		c.entries = append(c.entries, entry)
		typer = c.typer
	}
	e.mu.Unlock()

	if typer != nil {
		_ = typer.Stop(ctx)
	}
	return e.submit(ctx, entry, req)
}

// Retry resubmits a failed send under its original local ID, which the
// server uses to collapse duplicates.
func (e *Engine) Retry(ctx context.Context, localID string) (Entry, error) {
	e.mu.Lock()
	entry, ok := e.pending[localID]
	if !ok {
		e.mu.Unlock()
		return Entry{}, ErrUnknownMessage
	}
	if entry.State != StateFailed {
		snapshot := *entry
		e.mu.Unlock()
		return snapshot, nil
	}
	if !entry.Retryable {
		snapshot := *entry
		e.mu.Unlock()
		return snapshot, ErrNotRetryable
	}
	entry.State = StatePending
	entry.Err = nil
	req := model.SendMessageRequest{
		ConversationID: entry.Message.ConversationID,
		RecipientID:    entry.recipient,
		ClientID:       localID,
		Body:           entry.Message.Body,
		Attachment:     entry.Message.Attachment,
	}
	e.mu.Unlock()

	return e.submit(ctx, entry, req)
}

func (e *Engine) submit(ctx context.Context, entry *Entry, req model.SendMessageRequest) (Entry, error) {
	e.mu.Lock()
	entry.recipient = req.RecipientID
	e.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	msg, err := e.transport.Send(sendCtx, &req)
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		// A push may have confirmed the message while the response was lost.
		if entry.Confirmed() {
			return *entry, nil
		}
		entry.State = StateFailed
		entry.Err = err
		entry.Retryable = retryable(err)
		e.log.Debug("send failed",
			zap.String("local_id", entry.LocalID),
			zap.Bool("retryable", entry.Retryable),
			zap.Error(err),
		)
		return *entry, err
	}
	return *e.confirmLocked(entry, msg), nil
}

func retryable(err error) bool {
	return model.Retryable(err) || errors.Is(err, context.DeadlineExceeded)
}

// confirmLocked binds an optimistic entry to its server message and returns
// the entry that now represents it.
func (e *Engine) confirmLocked(entry *Entry, msg *model.Message) *Entry {
	delete(e.pending, entry.LocalID)
	c := e.conv(msg.ConversationID)
	if entry.Message.ConversationID == "" {
		entry.Message.ConversationID = msg.ConversationID
	}

	if existing, ok := c.byServer[msg.ID]; ok && existing != entry {
		c.remove(entry)
		existing.LocalID = entry.LocalID
		e.advanceLocked(existing, msg.Status)
		return existing
	}

	status := model.MaxStatus(entry.Message.Status, msg.Status)
	entry.confirm(msg)
	entry.Message.Status = status
	if !c.contains(entry) {
		c.entries = append(c.entries, entry)
	}
	c.byServer[msg.ID] = entry
	c.record(msg.Seq)
	return entry
}

func (e *Engine) advanceLocked(entry *Entry, status model.Status) {
	entry.Message.Status = model.MaxStatus(entry.Message.Status, status)
	entry.advance(stateFor(entry.Message.Status))
}

// applyLocked merges a server message, deduplicating by ID and by the
// client ID of this device's own sends.
func (e *Engine) applyLocked(msg *model.Message) {
	c := e.conv(msg.ConversationID)
	if existing, ok := c.byServer[msg.ID]; ok {
		e.advanceLocked(existing, msg.Status)
		return
	}
	if msg.SenderID == e.self && msg.ClientID != "" {
		if entry, ok := e.pending[msg.ClientID]; ok {
			e.confirmLocked(entry, msg)
			return
		}
	}

	entry := &Entry{Message: *msg, State: stateFor(msg.Status)}
	c.entries = append(c.entries, entry)
	c.byServer[msg.ID] = entry
	c.record(msg.Seq)
}

// HandleEvent applies one pushed event.
func (e *Engine) HandleEvent(ev *model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Type {
	case model.EventTypeMessageNew:
		if ev.Message == nil {
			return
		}
		e.applyLocked(ev.Message)
		// A message ends its sender's typing.
		delete(e.conv(ev.Message.ConversationID).typing, ev.Message.SenderID)

	case model.EventTypeMessageStatus:
		if ev.Status != nil {
			e.applyStatusLocked(ev.ConversationID, ev.Status)
		}

	case model.EventTypeTyping:
		if ev.Typing == nil || ev.Typing.UserID == e.self {
			return
		}
		c := e.conv(ev.ConversationID)
		if ev.Typing.IsTyping {
			c.typing[ev.Typing.UserID] = e.clock.Now().Add(model.TypingTTL)
		} else {
			delete(c.typing, ev.Typing.UserID)
		}

	case model.EventTypePreview:
		if ev.Preview != nil {
			e.applyPreviewLocked(*ev.Preview)
		}

	case model.EventTypeError:
		if ev.Error != nil {
			e.log.Warn("server reported error",
				zap.String("code", ev.Error.Code),
				zap.String("message", ev.Error.Message),
			)
		}
	}
}

func (e *Engine) applyStatusLocked(conversationID string, st *model.StatusEvent) {
	c, ok := e.convs[conversationID]
	if !ok {
		return
	}
	for _, id := range st.MessageIDs {
		if entry, ok := c.byServer[id]; ok {
			e.advanceLocked(entry, st.Status)
		}
	}
	// A read receipt covers every message of ours up to its boundary.
	if st.Status == model.StatusRead && st.UpToSeq > 0 {
		for _, entry := range c.entries {
			if entry.Confirmed() && entry.Message.SenderID == e.self && entry.Message.Seq <= st.UpToSeq {
				e.advanceLocked(entry, model.StatusRead)
			}
		}
	}
}

// applyPreviewLocked keeps the newest preview per conversation. Pushes and
// directory pages race, so a preview built before the one held is dropped.
func (e *Engine) applyPreviewLocked(p model.ConversationPreview) {
	if old, ok := e.previews[p.ConversationID]; ok && !p.Supersedes(old) {
		return
	}
	e.previews[p.ConversationID] = p
}

// Open marks a conversation as on screen and fills it from the server.
// Open conversations are gap-filled on every reconnect.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	c := e.conv(conversationID)
	c.open = true
	after := c.contiguous
	e.mu.Unlock()

	return e.fill(ctx, conversationID, after)
}

// Close marks a conversation as no longer on screen.
func (e *Engine) Close(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.convs[conversationID]; ok {
		c.open = false
	}
}

// fill pages through the conversation after seq until exhausted.
func (e *Engine) fill(ctx context.Context, conversationID string, after uint64) error {
	for {
		page, err := e.transport.Messages(ctx, conversationID, after, e.pageSize)
		if err != nil {
			return err
		}
		e.mu.Lock()
		for i := range page.Messages {
			e.applyLocked(&page.Messages[i])
		}
		e.conv(conversationID).cover(after, page.LastSeq)
		e.mu.Unlock()

		if !page.HasMore || len(page.Messages) == 0 || page.LastSeq <= after {
			return nil
		}
		after = page.LastSeq
	}
}

// resync drops state a dropped session may have left stale and snapshots
// where each open conversation must resume. It must run before any event
// from the new session is applied.
func (e *Engine) resync() map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	resume := make(map[string]uint64)
	for id, c := range e.convs {
		clear(c.typing)
		if c.open {
			resume[id] = c.contiguous
		}
	}
	return resume
}

// Reconnect reconciles after a new session: typing indicators are cleared,
// previews refreshed and every open conversation gap-filled.
func (e *Engine) Reconnect(ctx context.Context) error {
	return e.reconcile(ctx, e.resync())
}

func (e *Engine) reconcile(ctx context.Context, resume map[string]uint64) error {
	var errs []error
	if err := e.RefreshPreviews(ctx); err != nil {
		errs = append(errs, err)
	}
	for id, after := range resume {
		if err := e.fill(ctx, id, after); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshPreviews reloads the conversation directory.
func (e *Engine) RefreshPreviews(ctx context.Context) error {
	cursor := ""
	for page := 0; page < maxPreviewPages; page++ {
		resp, err := e.transport.Conversations(ctx, cursor, e.pageSize)
		if err != nil {
			return err
		}
		e.mu.Lock()
		for _, p := range resp.Conversations {
			e.applyPreviewLocked(p)
		}
		e.mu.Unlock()
		if !resp.HasMore || resp.NextCursor == "" {
			return nil
		}
		cursor = resp.NextCursor
	}
	return nil
}

// MarkRead marks the conversation read on the server and locally.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) (*model.MarkReadResponse, error) {
	resp, err := e.transport.MarkRead(ctx, conversationID, "")
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.convs[conversationID]; ok {
		// Anything pushed while the request was in flight is past the
		// boundary and still unread on the server.
		for _, entry := range c.entries {
			if entry.Confirmed() && entry.Message.SenderID != e.self && entry.Message.Seq <= resp.BoundarySeq {
				e.advanceLocked(entry, model.StatusRead)
			}
		}
	}
	if p, ok := e.previews[conversationID]; ok && p.LastSeq <= resp.BoundarySeq && p.ReadSeq < resp.BoundarySeq {
		p.UnreadCount = resp.UnreadCount
		p.ReadSeq = resp.BoundarySeq
		e.previews[conversationID] = p
	}
	return resp, nil
}

// Messages returns the conversation in render order: confirmed messages by
// sequence, then unconfirmed ones in the order they were queued.
func (e *Engine) Messages(conversationID string) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, *entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confirmed() != b.Confirmed() {
			return a.Confirmed()
		}
		if a.Confirmed() {
			return a.Message.Seq < b.Message.Seq
		}
		return a.QueuedAt.Before(b.QueuedAt)
	})
	return out
}

// Entry returns a pending or failed send by local ID.
func (e *Engine) Entry(localID string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.pending[localID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// TypingUsers returns who is typing in the conversation. Indicators not
// refreshed within the TTL are dropped.
func (e *Engine) TypingUsers(conversationID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[conversationID]
	if !ok {
		return nil
	}
	now := e.clock.Now()
	var out []string
	for user, expires := range c.typing {
		if !now.Before(expires) {
			delete(c.typing, user)
			continue
		}
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// Previews returns the directory, most recent conversation first.
func (e *Engine) Previews() []model.ConversationPreview {
	e.mu.Lock()
	out := make([]model.ConversationPreview, 0, len(e.previews))
	for _, p := range e.previews {
		out = append(out, p)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ConversationID > out[j].ConversationID
	})
	return out
}

// Search filters the cached directory by display name or handle.
func (e *Engine) Search(query string) []model.ConversationPreview {
	query = strings.ToLower(strings.TrimSpace(query))
	all := e.Previews()
	if query == "" {
		return all
	}
	out := all[:0]
	for _, p := range all {
		if strings.Contains(strings.ToLower(p.OtherParticipant.DisplayName), query) ||
			strings.Contains(strings.ToLower(p.OtherParticipant.Handle), query) {
			out = append(out, p)
		}
	}
	return out
}

// Typer returns the debounced typing producer for a conversation.
func (e *Engine) Typer(conversationID string) *Typer {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conv(conversationID)
	if c.typer == nil {
		c.typer = NewTyper(func(ctx context.Context, isTyping bool) error {
			return e.transport.SetTyping(ctx, conversationID, isTyping)
		}, e.clock)
	}
	return c.typer
}

// Run keeps a live session open through l until ctx is done, reconnecting
// with exponential backoff. Every new session is reconciled before its
// events are trusted. An authentication failure ends Run.
func (e *Engine) Run(ctx context.Context, l Listener) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	handle := func(ev *model.Event) {
		if ev.Type == model.EventTypeConnected {
			b.Reset()
			resume := e.resync()
			go func() {
				if err := e.reconcile(ctx, resume); err != nil && ctx.Err() == nil {
					e.log.Warn("reconcile failed", zap.Error(err))
				}
			}()
		}
		e.HandleEvent(ev)
	}

	err := backoff.RetryNotify(func() error {
		err := l.Listen(ctx, handle)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, model.ErrAuth):
			return backoff.Permanent(err)
		case err == nil:
			return errors.New("session ended")
		default:
			return err
		}
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		e.log.Info("session lost, reconnecting", zap.Duration("wait", wait), zap.Error(err))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
