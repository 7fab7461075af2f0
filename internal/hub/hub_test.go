package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
)

type fakeConn struct {
	mu     sync.Mutex
	events []*model.Event
	fail   bool
	closed chan struct{}
	once   sync.Once
	reason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) Send(ev *model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send buffer full")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) received() []*model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Event(nil), c.events...)
}

func newRegistry(clock clockwork.Clock) *Registry {
	return New(Options{
		HeartbeatInterval: 10 * time.Second,
		MissThreshold:     3,
		Clock:             clock,
		Logger:            logger.NewNop(),
	})
}

func TestNotifyReachesEveryDevice(t *testing.T) {
	r := newRegistry(clockwork.NewFakeClock())
	phone, laptop, other := newFakeConn(), newFakeConn(), newFakeConn()
	r.Register("alice", "ws", phone)
	r.Register("alice", "sse", laptop)
	r.Register("bob", "ws", other)

	ev := &model.Event{Type: model.EventTypeMessageNew, ConversationID: "c1"}
	if n := r.Deliver("alice", ev); n != 2 {
		t.Fatalf("Deliver() = %d, want 2", n)
	}
	if len(phone.received()) != 1 || len(laptop.received()) != 1 {
		t.Fatal("not every alice device received the event")
	}
	if len(other.received()) != 0 {
		t.Fatal("bob received alice's event")
	}
	if r.Deliver("nobody", ev) != 0 {
		t.Fatal("delivered to a user with no sessions")
	}
}

func TestNotifySwallowsSessionFailures(t *testing.T) {
	r := newRegistry(clockwork.NewFakeClock())
	broken, healthy := newFakeConn(), newFakeConn()
	broken.fail = true
	r.Register("alice", "ws", broken)
	r.Register("alice", "ws", healthy)

	r.Notify(context.Background(), "alice", &model.Event{Type: model.EventTypeTyping})
	if len(healthy.received()) != 1 {
		t.Fatal("a failing device blocked delivery to a healthy one")
	}
}

func TestDeregister(t *testing.T) {
	r := newRegistry(clockwork.NewFakeClock())
	s := r.Register("alice", "ws", newFakeConn())

	if !r.Deregister(s.ID) {
		t.Fatal("first Deregister() = false")
	}
	if r.Deregister(s.ID) {
		t.Fatal("second Deregister() = true")
	}
	if r.Online("alice") || r.Count() != 0 {
		t.Fatal("session still tracked after deregister")
	}
}

func TestReapEvictsSilentSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newRegistry(clock)
	quiet, chatty := newFakeConn(), newFakeConn()
	r.Register("alice", "ws", quiet)
	live := r.Register("alice", "ws", chatty)

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		r.Touch(live.ID)
		if n := r.Reap(); n != 0 {
			t.Fatalf("tick %d: reaped %d sessions before the threshold", i, n)
		}
	}

	clock.Advance(time.Second)
	if n := r.Reap(); n != 1 {
		t.Fatalf("Reap() = %d, want 1", n)
	}
	select {
	case <-quiet.closed:
	default:
		t.Fatal("evicted connection was not closed")
	}
	if quiet.reason != "heartbeat timeout" {
		t.Fatalf("close reason = %q", quiet.reason)
	}
	if got := r.Sessions("alice"); len(got) != 1 || got[0].ID != live.ID {
		t.Fatalf("remaining sessions = %v", got)
	}
}

func TestRunReapsOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newRegistry(clock)
	conn := newFakeConn()
	r.Register("alice", "ws", conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for evicted := false; !evicted; {
		clock.Advance(10 * time.Second)
		select {
		case <-conn.closed:
			evicted = true
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("session was never reaped")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentRegisterNotifyDeregister(t *testing.T) {
	r := newRegistry(clockwork.NewFakeClock())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		user := fmt.Sprintf("user-%d", i%4)
		go func() {
			defer wg.Done()
			s := r.Register(user, "ws", newFakeConn())
			r.Touch(s.ID)
			r.Deregister(s.ID)
		}()
		go func() {
			defer wg.Done()
			r.Notify(context.Background(), user, &model.Event{Type: model.EventTypeHeartbeat})
		}()
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Fatalf("Count() = %d after all sessions left", r.Count())
	}
}

func TestClose(t *testing.T) {
	r := newRegistry(clockwork.NewFakeClock())
	a, b := newFakeConn(), newFakeConn()
	r.Register("alice", "ws", a)
	r.Register("bob", "sse", b)
	r.Close()

	for _, c := range []*fakeConn{a, b} {
		select {
		case <-c.closed:
		default:
			t.Fatal("connection left open on Close")
		}
	}
	if r.Count() != 0 {
		t.Fatal("sessions remain after Close")
	}
}
