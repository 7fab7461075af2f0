package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/internal/safety"
	"github.com/capitalize-ai/direct-messaging/internal/store"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
)

type pushed struct {
	userID string
	ev     *model.Event
}

type recorder struct {
	mu     sync.Mutex
	events []pushed
}

func (r *recorder) Notify(ctx context.Context, userID string, ev *model.Event) {
	r.mu.Lock()
	r.events = append(r.events, pushed{userID, ev})
	r.mu.Unlock()
}

// take returns and clears the events pushed to userID of the given type.
func (r *recorder) take(userID string, typ model.EventType) []*model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Event
	kept := r.events[:0]
	for _, p := range r.events {
		if p.userID == userID && p.ev.Type == typ {
			out = append(out, p.ev)
			continue
		}
		kept = append(kept, p)
	}
	r.events = kept
	return out
}

type typingSpy struct {
	mu      sync.Mutex
	cleared []string
}

func (t *typingSpy) Clear(ctx context.Context, conversationID, userID string) {
	t.mu.Lock()
	t.cleared = append(t.cleared, conversationID+"/"+userID)
	t.mu.Unlock()
}

type harness struct {
	*Services
	store  *store.MemoryStore
	blocks *safety.Blocklist
	rec    *recorder
	typing *typingSpy
	clock  *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemoryStore(),
		blocks: safety.NewBlocklist(),
		rec:    &recorder{},
		typing: &typingSpy{},
		clock:  clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	h.Services = New(Deps{
		Store:    h.store,
		Safety:   h.blocks,
		Notifier: h.rec,
		Typing:   h.typing,
		Clock:    h.clock,
		Logger:   logger.NewNop(),
	})
	ctx := context.Background()
	_ = h.store.UpsertUser(ctx, model.User{ID: "alice", DisplayName: "Alice Liddell", Handle: "alice"})
	_ = h.store.UpsertUser(ctx, model.User{ID: "bob", DisplayName: "Bob Builder", Handle: "bobb"})
	_ = h.store.UpsertUser(ctx, model.User{ID: "carol", DisplayName: "Carol Danvers", Handle: "captain"})
	return h
}

func (h *harness) send(t *testing.T, from, to, body string) *model.Message {
	t.Helper()
	h.clock.Advance(time.Second)
	msg, err := h.Delivery.Send(context.Background(), from, &model.SendMessageRequest{RecipientID: to, Body: body})
	if err != nil {
		t.Fatalf("Send(%s -> %s): %v", from, to, err)
	}
	return msg
}

func TestHiScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	msg := h.send(t, "alice", "bob", "hi")
	if msg.Seq != 1 || msg.Status != model.StatusSent || msg.Body != "hi" {
		t.Fatalf("sent message = %+v", msg)
	}

	for _, user := range []string{"alice", "bob"} {
		got := h.rec.take(user, model.EventTypeMessageNew)
		if len(got) != 1 || got[0].Message.ID != msg.ID {
			t.Fatalf("%s message.new events = %d", user, len(got))
		}
	}
	bobPreview := h.rec.take("bob", model.EventTypePreview)
	if len(bobPreview) != 1 || bobPreview[0].Preview.UnreadCount != 1 {
		t.Fatalf("bob preview = %+v", bobPreview)
	}
	if bobPreview[0].Preview.OtherParticipant.DisplayName != "Alice Liddell" {
		t.Fatalf("bob preview other = %+v", bobPreview[0].Preview.OtherParticipant)
	}
	if p := bobPreview[0].Preview; p.LastSeq != 1 || p.ReadSeq != 0 {
		t.Fatalf("bob preview version = (%d, %d), want (1, 0)", p.LastSeq, p.ReadSeq)
	}
	unreadPreview := *bobPreview[0].Preview
	alicePreview := h.rec.take("alice", model.EventTypePreview)
	if len(alicePreview) != 1 || alicePreview[0].Preview.UnreadCount != 0 {
		t.Fatalf("alice preview = %+v", alicePreview)
	}

	if err := h.Delivery.Acknowledge(ctx, "bob", msg.ID); err != nil {
		t.Fatal(err)
	}
	status := h.rec.take("alice", model.EventTypeMessageStatus)
	if len(status) != 1 || status[0].Status.Status != model.StatusDelivered {
		t.Fatalf("alice delivered events = %+v", status)
	}

	resp, err := h.Receipts.MarkRead(ctx, "bob", msg.ConversationID, "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.UpdatedCount != 1 || resp.UnreadCount != 0 || resp.BoundarySeq != msg.Seq {
		t.Fatalf("MarkRead() = %+v", resp)
	}
	status = h.rec.take("alice", model.EventTypeMessageStatus)
	if len(status) != 1 || status[0].Status.Status != model.StatusRead || status[0].Status.MessageIDs[0] != msg.ID {
		t.Fatalf("alice read events = %+v", status)
	}
	bobPreview = h.rec.take("bob", model.EventTypePreview)
	if len(bobPreview) != 1 || bobPreview[0].Preview.UnreadCount != 0 {
		t.Fatalf("bob preview after read = %+v", bobPreview)
	}
	readPreview := *bobPreview[0].Preview
	if readPreview.ReadSeq != 1 || !readPreview.Supersedes(unreadPreview) || unreadPreview.Supersedes(readPreview) {
		t.Fatalf("read preview (%d, %d) does not supersede (%d, %d)",
			readPreview.LastSeq, readPreview.ReadSeq, unreadPreview.LastSeq, unreadPreview.ReadSeq)
	}
	if got := h.typing.cleared; len(got) != 1 || got[0] != msg.ConversationID+"/alice" {
		t.Fatalf("typing cleared = %v", got)
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *model.SendMessageRequest
		want error
	}{
		{"nil request", nil, model.ErrValidation},
		{"no target", &model.SendMessageRequest{Body: "x"}, model.ErrValidation},
		{"self", &model.SendMessageRequest{RecipientID: "alice", Body: "x"}, model.ErrValidation},
		{"empty body", &model.SendMessageRequest{RecipientID: "bob", Body: "   "}, model.ErrValidation},
		{"bad attachment", &model.SendMessageRequest{RecipientID: "bob", Attachment: &model.Attachment{Kind: "gif", URL: "u"}}, model.ErrValidation},
		{"attachment without url", &model.SendMessageRequest{RecipientID: "bob", Attachment: &model.Attachment{Kind: model.AttachmentImage}}, model.ErrValidation},
		{"unknown conversation", &model.SendMessageRequest{ConversationID: "nope", Body: "x"}, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.Delivery.Send(ctx, "alice", tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("Send() error = %v, want %v", err, tt.want)
			}
		})
	}

	// An attachment alone is a valid message.
	msg, err := h.Delivery.Send(ctx, "alice", &model.SendMessageRequest{
		RecipientID: "bob",
		Attachment:  &model.Attachment{Kind: model.AttachmentImage, URL: "https://cdn.example/1.png"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Attachment == nil || msg.Attachment.Kind != model.AttachmentImage {
		t.Fatalf("attachment lost: %+v", msg)
	}
}

func TestSendBlocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.blocks.Block("bob", "alice")

	_, err := h.Delivery.Send(ctx, "alice", &model.SendMessageRequest{RecipientID: "bob", Body: "hi"})
	if !errors.Is(err, model.ErrBlocked) || !errors.Is(err, model.ErrValidation) {
		t.Fatalf("Send() error = %v, want ErrBlocked", err)
	}
	if list, _ := h.Directory.List(ctx, "alice", "", 10); len(list.Conversations) != 0 {
		t.Fatal("blocked send created a conversation")
	}
	if _, err := h.Directory.Start(ctx, "alice", "bob"); !errors.Is(err, model.ErrBlocked) {
		t.Fatalf("Start() error = %v, want ErrBlocked", err)
	}
}

func TestSendToForeignConversation(t *testing.T) {
	h := newHarness(t)
	msg := h.send(t, "alice", "bob", "hi")

	_, err := h.Delivery.Send(context.Background(), "carol", &model.SendMessageRequest{ConversationID: msg.ConversationID, Body: "x"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Send() by outsider error = %v, want ErrNotFound", err)
	}
}

func TestDuplicateClientIDDeliveredOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := &model.SendMessageRequest{RecipientID: "bob", ClientID: "local-7", Body: "once"}

	first, err := h.Delivery.Send(ctx, "alice", req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.Delivery.Send(ctx, "alice", req)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("retry produced a new message %s != %s", second.ID, first.ID)
	}
	if got := h.rec.take("bob", model.EventTypeMessageNew); len(got) != 1 {
		t.Fatalf("bob received %d message.new events, want 1", len(got))
	}
}

func TestConcurrentFirstSendsConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		convs = make(map[string]bool)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "alice", "bob"
			if i%2 == 0 {
				from, to = to, from
			}
			msg, err := h.Delivery.Send(ctx, from, &model.SendMessageRequest{RecipientID: to, Body: fmt.Sprint(i)})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			convs[msg.ConversationID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if len(convs) != 1 {
		t.Fatalf("concurrent first sends created %d conversations", len(convs))
	}

	// message.new reaches each participant in sequence order.
	events := h.rec.take("bob", model.EventTypeMessageNew)
	for i, ev := range events {
		if ev.Message.Seq != uint64(i+1) {
			t.Fatalf("event %d carries seq %d", i, ev.Message.Seq)
		}
	}
	if h.Delivery.locks.size() != 0 {
		t.Fatal("ordering locks leaked")
	}
}

func TestAcknowledgeRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := h.send(t, "alice", "bob", "hi")
	h.rec.take("alice", model.EventTypeMessageStatus)

	// The sender's own devices ack too; that is not a delivery.
	if err := h.Delivery.Acknowledge(ctx, "alice", msg.ID); err != nil {
		t.Fatal(err)
	}
	if got := h.rec.take("alice", model.EventTypeMessageStatus); len(got) != 0 {
		t.Fatal("sender ack produced a status event")
	}

	if err := h.Delivery.Acknowledge(ctx, "carol", msg.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("outsider ack error = %v", err)
	}
	if err := h.Delivery.Acknowledge(ctx, "bob", "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown message ack error = %v", err)
	}

	if _, err := h.Receipts.MarkRead(ctx, "bob", msg.ConversationID, ""); err != nil {
		t.Fatal(err)
	}
	h.rec.take("alice", model.EventTypeMessageStatus)

	// A late ack after READ is a silent no-op.
	if err := h.Delivery.Acknowledge(ctx, "bob", msg.ID); err != nil {
		t.Fatalf("late ack error = %v", err)
	}
	if got := h.rec.take("alice", model.EventTypeMessageStatus); len(got) != 0 {
		t.Fatal("late ack downgraded or re-announced status")
	}
	stored, _ := h.store.GetMessage(ctx, msg.ID)
	if stored.Status != model.StatusRead {
		t.Fatalf("status = %s, want READ", stored.Status)
	}
}

func TestMarkReadIdempotentAndQuiet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.send(t, "alice", "bob", "one")
	msg := h.send(t, "alice", "bob", "two")

	first, err := h.Receipts.MarkRead(ctx, "bob", msg.ConversationID, "")
	if err != nil {
		t.Fatal(err)
	}
	if first.UpdatedCount != 2 {
		t.Fatalf("first MarkRead updated %d", first.UpdatedCount)
	}
	h.rec.take("alice", model.EventTypeMessageStatus)
	h.rec.take("bob", model.EventTypePreview)

	second, err := h.Receipts.MarkRead(ctx, "bob", msg.ConversationID, "")
	if err != nil {
		t.Fatal(err)
	}
	if second.UpdatedCount != 0 || second.UnreadCount != 0 {
		t.Fatalf("second MarkRead = %+v", second)
	}
	if len(h.rec.take("alice", model.EventTypeMessageStatus)) != 0 || len(h.rec.take("bob", model.EventTypePreview)) != 0 {
		t.Fatal("idempotent MarkRead pushed events")
	}

	if _, err := h.Receipts.MarkRead(ctx, "carol", msg.ConversationID, ""); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("outsider MarkRead error = %v", err)
	}
}

func TestConcurrentMarkReadAndSend(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		first := h.send(t, "alice", "bob", "first")

		var (
			wg   sync.WaitGroup
			read *model.MarkReadResponse
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := h.Delivery.Send(ctx, "alice", &model.SendMessageRequest{ConversationID: first.ConversationID, Body: "second"}); err != nil {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			var err error
			if read, err = h.Receipts.MarkRead(ctx, "bob", first.ConversationID, ""); err != nil {
				t.Error(err)
			}
		}()
		wg.Wait()
		if read == nil {
			t.FailNow()
		}

		unread, err := h.store.UnreadCount(ctx, "bob", first.ConversationID)
		if err != nil {
			t.Fatal(err)
		}
		// Exactly two outcomes: both read, or the late message unread.
		switch read.UpdatedCount {
		case 2:
			if unread != 0 {
				t.Fatalf("both read but unread = %d", unread)
			}
		case 1:
			if unread != 1 {
				t.Fatalf("one read but unread = %d", unread)
			}
		default:
			t.Fatalf("MarkRead updated %d", read.UpdatedCount)
		}
	}
}

func TestMessagesPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var convID string
	for i := 0; i < 5; i++ {
		convID = h.send(t, "alice", "bob", fmt.Sprint(i)).ConversationID
	}

	page, err := h.Delivery.Messages(ctx, "bob", convID, 3, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 2 || page.LastSeq != 5 || page.HasMore {
		t.Fatalf("after 3: %+v", page)
	}

	empty, err := h.Delivery.Messages(ctx, "bob", convID, 5, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Messages == nil || len(empty.Messages) != 0 || empty.LastSeq != 5 {
		t.Fatalf("after 5: %+v", empty)
	}

	if _, err := h.Delivery.Messages(ctx, "carol", convID, 0, 0, 10); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("outsider Messages error = %v", err)
	}
}

func TestDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.send(t, "bob", "alice", "from bob")
	h.send(t, "carol", "alice", "from carol")

	list, err := h.Directory.List(ctx, "alice", "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Conversations) != 1 || !list.HasMore || list.NextCursor == "" {
		t.Fatalf("first page = %+v", list)
	}
	if list.Conversations[0].OtherParticipant.ID != "carol" {
		t.Fatalf("newest conversation is with %s", list.Conversations[0].OtherParticipant.ID)
	}
	next, err := h.Directory.List(ctx, "alice", list.NextCursor, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(next.Conversations) != 1 || next.HasMore || next.Conversations[0].OtherParticipant.ID != "bob" {
		t.Fatalf("second page = %+v", next)
	}
	if _, err := h.Directory.List(ctx, "alice", "garbage", 1); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("bad cursor error = %v", err)
	}

	found, err := h.Directory.Search(ctx, "alice", "CAPTAIN")
	if err != nil {
		t.Fatal(err)
	}
	if len(found.Conversations) != 1 || found.Conversations[0].OtherParticipant.ID != "carol" {
		t.Fatalf("search = %+v", found)
	}
	if _, err := h.Directory.Search(ctx, "alice", "  "); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("empty search error = %v", err)
	}
}

func TestStartAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.Directory.Start(ctx, "alice", "carol")
	if err != nil {
		t.Fatal(err)
	}
	if started.LastMessage != nil || started.OtherParticipant.ID != "carol" {
		t.Fatalf("started preview = %+v", started)
	}
	again, err := h.Directory.Start(ctx, "carol", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if again.ConversationID != started.ConversationID {
		t.Fatal("Start created a second conversation for the same pair")
	}
	if _, err := h.Directory.Start(ctx, "alice", "alice"); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("self Start error = %v", err)
	}

	msg := h.send(t, "carol", "alice", "hey")
	if err := h.Directory.Delete(ctx, "alice", msg.ConversationID); err != nil {
		t.Fatal(err)
	}
	if list, _ := h.Directory.List(ctx, "alice", "", 10); len(list.Conversations) != 0 {
		t.Fatal("deleted conversation still listed")
	}
	if list, _ := h.Directory.List(ctx, "carol", "", 10); len(list.Conversations) != 1 {
		t.Fatal("delete leaked to the other side")
	}

	h.send(t, "carol", "alice", "still there?")
	list, err := h.Directory.List(ctx, "alice", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].UnreadCount != 1 {
		t.Fatalf("conversation did not reappear: %+v", list)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("%d holders at once", maxSeen)
	}
	if k.size() != 0 {
		t.Fatalf("%d entries left", k.size())
	}
}
