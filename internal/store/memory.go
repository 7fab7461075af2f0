package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/direct-messaging/internal/model"
)

// MemoryStore is an in-process Store. It serializes every write behind one
// lock, which makes each operation trivially atomic.
type MemoryStore struct {
	mu sync.RWMutex

	conversations map[string]*model.Conversation
	pairs         map[string]string           // pair key -> conversation ID
	messages      map[string]*model.Message   // message ID -> message
	byConv        map[string][]*model.Message // conversation ID -> messages in seq order
	clientIDs     map[string]string           // conversation|sender|client ID -> message ID
	users         map[string]model.User
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*model.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string]*model.Message),
		byConv:        make(map[string][]*model.Message),
		clientIDs:     make(map[string]string),
		users:         make(map[string]model.User),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// FindOrCreateConversation returns the conversation for the unordered pair.
func (s *MemoryStore) FindOrCreateConversation(ctx context.Context, a, b, newID string, at time.Time) (*model.Conversation, bool, error) {
	if a == "" || b == "" || a == b {
		return nil, false, model.Validationf("a conversation needs two distinct participants")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, created := s.findOrCreateLocked(a, b, newID, at)
	return cloneConversation(conv), created, nil
}

func (s *MemoryStore) findOrCreateLocked(a, b, newID string, at time.Time) (*model.Conversation, bool) {
	key := model.PairKey(a, b)
	if id, ok := s.pairs[key]; ok {
		return s.conversations[id], false
	}
	pa, pb := model.SortPair(a, b)
	conv := &model.Conversation{
		ID:            newID,
		ParticipantA:  pa,
		ParticipantB:  pb,
		CreatedAt:     at,
		LastMessageAt: at,
	}
	s.conversations[conv.ID] = conv
	s.pairs[key] = conv.ID
	return conv, true
}

// GetConversation returns a conversation by ID.
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, id)
	}
	return cloneConversation(conv), nil
}

// AppendMessage persists a message and advances the conversation watermark.
func (s *MemoryStore) AppendMessage(ctx context.Context, p AppendParams) (*AppendResult, error) {
	if err := validateAppend(p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		conv    *model.Conversation
		created bool
	)
	if p.ConversationID != "" {
		conv = s.conversations[p.ConversationID]
		if conv == nil {
			return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, p.ConversationID)
		}
	} else {
		conv, created = s.findOrCreateLocked(p.SenderID, p.RecipientID, p.NewConversationID, p.CreatedAt)
	}
	if !conv.HasParticipant(p.SenderID) {
		return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, conv.ID)
	}

	if p.ClientID != "" {
		if id, ok := s.clientIDs[clientKey(conv.ID, p.SenderID, p.ClientID)]; ok {
			return &AppendResult{
				Conversation: cloneConversation(conv),
				Message:      cloneMessage(s.messages[id]),
				Duplicate:    true,
			}, nil
		}
	}

	createdAt := nextCreatedAt(conv, p.CreatedAt)
	msg := &model.Message{
		ID:             p.ID,
		ClientID:       p.ClientID,
		ConversationID: conv.ID,
		Seq:            conv.LastSeq + 1,
		SenderID:       p.SenderID,
		Body:           p.Body,
		Attachment:     cloneAttachment(p.Attachment),
		Status:         model.StatusSent,
		CreatedAt:      createdAt,
	}
	conv.LastSeq = msg.Seq
	conv.LastMessageAt = createdAt

	s.messages[msg.ID] = msg
	s.byConv[conv.ID] = append(s.byConv[conv.ID], msg)
	if p.ClientID != "" {
		s.clientIDs[clientKey(conv.ID, p.SenderID, p.ClientID)] = msg.ID
	}

	return &AppendResult{
		Conversation:        cloneConversation(conv),
		Message:             cloneMessage(msg),
		ConversationCreated: created,
	}, nil
}

// GetMessage returns a message by ID.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", model.ErrNotFound, id)
	}
	return cloneMessage(msg), nil
}

// AdvanceStatus moves a message forward; regressions are stale.
func (s *MemoryStore) AdvanceStatus(ctx context.Context, messageID string, status model.Status, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", model.ErrNotFound, messageID)
	}
	if !msg.Status.Advances(status) {
		return cloneMessage(msg), fmt.Errorf("%w: message %s already %s", model.ErrStaleState, messageID, msg.Status)
	}
	applyStatus(msg, status, at)
	return cloneMessage(msg), nil
}

// MarkRead marks eligible messages up to the boundary as READ.
func (s *MemoryStore) MarkRead(ctx context.Context, viewerID, conversationID, upToMessageID string, at time.Time) (*ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok || !conv.HasParticipant(viewerID) {
		return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
	}

	boundary := conv.LastSeq
	if upToMessageID != "" {
		msg, ok := s.messages[upToMessageID]
		if !ok || msg.ConversationID != conversationID {
			return nil, fmt.Errorf("%w: message %s", model.ErrNotFound, upToMessageID)
		}
		boundary = msg.Seq
	}

	updated := s.markReadLocked(conv, viewerID, boundary, at)
	return &ReadResult{
		Conversation: cloneConversation(conv),
		Updated:      updated,
		BoundarySeq:  boundary,
		UnreadCount:  s.unreadLocked(conv, viewerID),
	}, nil
}

func (s *MemoryStore) markReadLocked(conv *model.Conversation, viewerID string, boundary uint64, at time.Time) []model.Message {
	var updated []model.Message
	for _, msg := range s.byConv[conv.ID] {
		if msg.Seq > boundary {
			break
		}
		if msg.SenderID == viewerID || msg.Status == model.StatusRead {
			continue
		}
		applyStatus(msg, model.StatusRead, at)
		updated = append(updated, *cloneMessage(msg))
	}
	return updated
}

// ListMessages pages through a conversation.
func (s *MemoryStore) ListMessages(ctx context.Context, q MessageQuery) ([]model.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[q.ConversationID]
	if !ok || !conv.HasParticipant(q.ViewerID) {
		return nil, false, fmt.Errorf("%w: conversation %s", model.ErrNotFound, q.ConversationID)
	}
	limit := clampLimit(q.Limit, 50, 100)
	deleted := conv.DeletedAt(q.ViewerID)

	var visible []*model.Message
	for _, msg := range s.byConv[conv.ID] {
		if deleted != nil && !msg.CreatedAt.After(*deleted) {
			continue
		}
		if q.BeforeSeq > 0 {
			if msg.Seq < q.BeforeSeq {
				visible = append(visible, msg)
			}
		} else if msg.Seq > q.AfterSeq {
			visible = append(visible, msg)
		}
	}

	hasMore := len(visible) > limit
	if hasMore {
		if q.BeforeSeq > 0 {
			visible = visible[len(visible)-limit:]
		} else {
			visible = visible[:limit]
		}
	}

	out := make([]model.Message, 0, len(visible))
	for _, msg := range visible {
		out = append(out, *cloneMessage(msg))
	}
	return out, hasMore, nil
}

// UnreadCount counts the viewer's unread messages.
func (s *MemoryStore) UnreadCount(ctx context.Context, viewerID, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok || !conv.HasParticipant(viewerID) {
		return 0, fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
	}
	return s.unreadLocked(conv, viewerID), nil
}

func (s *MemoryStore) unreadLocked(conv *model.Conversation, viewerID string) int {
	deleted := conv.DeletedAt(viewerID)
	count := 0
	for _, msg := range s.byConv[conv.ID] {
		if msg.SenderID == viewerID || msg.Status == model.StatusRead {
			continue
		}
		if deleted != nil && !msg.CreatedAt.After(*deleted) {
			continue
		}
		count++
	}
	return count
}

// ListSummaries lists visible conversations newest first.
func (s *MemoryStore) ListSummaries(ctx context.Context, viewerID string, cursor *Cursor, limit int) ([]Summary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = clampLimit(limit, 20, 100)
	var convs []*model.Conversation
	for _, conv := range s.conversations {
		if conv.HasParticipant(viewerID) && conv.VisibleTo(viewerID) && cursor.after(conv) {
			convs = append(convs, conv)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return convs[i].ID > convs[j].ID
	})

	hasMore := len(convs) > limit
	if hasMore {
		convs = convs[:limit]
	}
	out := make([]Summary, 0, len(convs))
	for _, conv := range convs {
		out = append(out, s.summaryLocked(conv, viewerID))
	}
	return out, hasMore, nil
}

// GetSummary returns one conversation summary for the viewer.
func (s *MemoryStore) GetSummary(ctx context.Context, viewerID, conversationID string) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok || !conv.HasParticipant(viewerID) {
		return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
	}
	summary := s.summaryLocked(conv, viewerID)
	return &summary, nil
}

func (s *MemoryStore) summaryLocked(conv *model.Conversation, viewerID string) Summary {
	summary := Summary{
		Conversation: *cloneConversation(conv),
		UnreadCount:  s.unreadLocked(conv, viewerID),
		ReadSeq:      conv.LastSeq,
	}
	for _, msg := range s.byConv[conv.ID] {
		if msg.SenderID != viewerID && msg.Status != model.StatusRead {
			summary.ReadSeq = msg.Seq - 1
			break
		}
	}
	if msgs := s.byConv[conv.ID]; len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if deleted := conv.DeletedAt(viewerID); deleted == nil || last.CreatedAt.After(*deleted) {
			summary.LastMessage = cloneMessage(last)
		}
	}
	return summary
}

// DeleteConversation hides the conversation for viewerID and marks it read.
func (s *MemoryStore) DeleteConversation(ctx context.Context, viewerID, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok || !conv.HasParticipant(viewerID) {
		return fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
	}
	// Deletion must not hide a message that is already stored.
	if at.Before(conv.LastMessageAt) {
		at = conv.LastMessageAt
	}
	deleted := at
	if conv.ParticipantA == viewerID {
		conv.DeletedAtA = &deleted
	} else {
		conv.DeletedAtB = &deleted
	}
	s.markReadLocked(conv, viewerID, conv.LastSeq, at)
	return nil
}

// GetUsers returns display attributes for the given IDs.
func (s *MemoryStore) GetUsers(ctx context.Context, ids []string) (map[string]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.User, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		} else {
			out[id] = model.User{ID: id}
		}
	}
	return out, nil
}

// UpsertUser stores display attributes.
func (s *MemoryStore) UpsertUser(ctx context.Context, u model.User) error {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return nil
}

func applyStatus(msg *model.Message, status model.Status, at time.Time) {
	msg.Status = status
	if msg.DeliveredAt == nil {
		t := at
		msg.DeliveredAt = &t
	}
	if status == model.StatusRead && msg.ReadAt == nil {
		t := at
		msg.ReadAt = &t
	}
}

func clientKey(conversationID, senderID, clientID string) string {
	return conversationID + "|" + senderID + "|" + clientID
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.DeletedAtA != nil {
		t := *c.DeletedAtA
		out.DeletedAtA = &t
	}
	if c.DeletedAtB != nil {
		t := *c.DeletedAtB
		out.DeletedAtB = &t
	}
	return &out
}

func cloneMessage(m *model.Message) *model.Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Attachment = cloneAttachment(m.Attachment)
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		out.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		out.ReadAt = &t
	}
	return &out
}

func cloneAttachment(a *model.Attachment) *model.Attachment {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}
