package presence

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/capitalize-ai/direct-messaging/internal/model"
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

func (r *recorder) all() []pushed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pushed(nil), r.events...)
}

func setup(t *testing.T, typing Store) (*Broadcaster, *recorder, *clockwork.FakeClock, string) {
	t.Helper()
	ctx := context.Background()
	convs := store.NewMemoryStore()
	conv, _, err := convs.FindOrCreateConversation(ctx, "alice", "bob", "conv-1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	clock := clockwork.NewFakeClock()
	return NewBroadcaster(typing, convs, rec, clock, logger.NewNop()), rec, clock, conv.ID
}

func TestSetTypingRelaysToOtherParticipantOnly(t *testing.T) {
	b, rec, _, convID := setup(t, NewMemoryStore())
	ctx := context.Background()

	if err := b.SetTyping(ctx, convID, "alice", true); err != nil {
		t.Fatal(err)
	}
	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("pushed %d events, want 1", len(events))
	}
	got := events[0]
	if got.userID != "bob" {
		t.Fatalf("typing echoed to %s", got.userID)
	}
	if got.ev.Type != model.EventTypeTyping || !got.ev.Typing.IsTyping || got.ev.Typing.UserID != "alice" {
		t.Fatalf("event = %+v", got.ev.Typing)
	}
	if got.ev.Typing.ExpiresMs != model.TypingTTL.Milliseconds() {
		t.Fatalf("ExpiresMs = %d", got.ev.Typing.ExpiresMs)
	}
}

func TestTypingExpiresWithoutRefresh(t *testing.T) {
	b, _, clock, convID := setup(t, NewMemoryStore())
	ctx := context.Background()

	if err := b.SetTyping(ctx, convID, "alice", true); err != nil {
		t.Fatal(err)
	}
	assertTyping(t, b, convID, "bob", []string{"alice"})

	clock.Advance(2 * time.Second)
	if err := b.SetTyping(ctx, convID, "alice", true); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Second)
	// Refreshed at 2s, so still live at 4s.
	assertTyping(t, b, convID, "bob", []string{"alice"})

	clock.Advance(time.Second + time.Millisecond)
	assertTyping(t, b, convID, "bob", []string{})
}

func TestStopTypingClearsImmediately(t *testing.T) {
	b, rec, _, convID := setup(t, NewMemoryStore())
	ctx := context.Background()

	if err := b.SetTyping(ctx, convID, "alice", true); err != nil {
		t.Fatal(err)
	}
	if err := b.SetTyping(ctx, convID, "alice", false); err != nil {
		t.Fatal(err)
	}
	assertTyping(t, b, convID, "bob", []string{})

	events := rec.all()
	if len(events) != 2 || events[1].ev.Typing.IsTyping {
		t.Fatalf("stop was not relayed: %+v", events)
	}
}

func TestTypingExcludesViewer(t *testing.T) {
	b, _, _, convID := setup(t, NewMemoryStore())
	ctx := context.Background()
	if err := b.SetTyping(ctx, convID, "alice", true); err != nil {
		t.Fatal(err)
	}
	assertTyping(t, b, convID, "alice", []string{})
}

func TestSetTypingRequiresMembership(t *testing.T) {
	b, rec, _, convID := setup(t, NewMemoryStore())
	ctx := context.Background()

	if err := b.SetTyping(ctx, convID, "mallory", true); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("outsider SetTyping() = %v, want ErrNotFound", err)
	}
	if err := b.SetTyping(ctx, "missing", "alice", true); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown conversation SetTyping() = %v, want ErrNotFound", err)
	}
	if len(rec.all()) != 0 {
		t.Fatal("rejected signals were relayed")
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.Set(ctx, "c1", "alice", now.Add(time.Second))
	_ = s.Set(ctx, "c1", "bob", now.Add(-time.Second))
	_ = s.Set(ctx, "c2", "carol", now)

	if n := s.Sweep(now); n != 2 {
		t.Fatalf("Sweep() = %d, want 2", n)
	}
	active, _ := s.Active(ctx, "c1", now)
	if !reflect.DeepEqual(active, []string{"alice"}) {
		t.Fatalf("Active(c1) = %v", active)
	}
}

func TestMemoryStoreRunSweeper(t *testing.T) {
	s := NewMemoryStore()
	clock := clockwork.NewFakeClock()
	_ = s.Set(context.Background(), "c1", "alice", clock.Now().Add(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunSweeper(ctx, clock, time.Minute)
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		n := len(s.entries)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not drop the expired signal")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	rs, err := NewRedisStore(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()

	convID := "test-" + time.Now().Format("150405.000000000")
	now := time.Now()
	if err := rs.Set(ctx, convID, "alice", now.Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := rs.Set(ctx, convID, "bob", now.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	active, err := rs.Active(ctx, convID, now)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(active, []string{"alice"}) {
		t.Fatalf("Active() = %v", active)
	}
	if err := rs.Clear(ctx, convID, "alice"); err != nil {
		t.Fatal(err)
	}
	if active, _ := rs.Active(ctx, convID, now); len(active) != 0 {
		t.Fatalf("Active() after clear = %v", active)
	}
}

func assertTyping(t *testing.T, b *Broadcaster, convID, viewer string, want []string) {
	t.Helper()
	got, err := b.Typing(context.Background(), convID, viewer)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("Typing(%s) = %v, want %v", viewer, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Typing(%s) = %v, want %v", viewer, got, want)
		}
	}
}
