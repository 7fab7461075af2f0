package client

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TypingRefresh is how often a Typer re-announces an ongoing typing burst.
// It is below the server TTL so a steady typist never flickers.
const TypingRefresh = 2 * time.Second

// Typer debounces keystrokes into typing signals.
type Typer struct {
	emit  func(ctx context.Context, isTyping bool) error
	clock clockwork.Clock

	mu       sync.Mutex
	active   bool
	lastSent time.Time
}

// NewTyper creates a Typer that reports through emit.
func NewTyper(emit func(ctx context.Context, isTyping bool) error, clock clockwork.Clock) *Typer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Typer{emit: emit, clock: clock}
}

// Keystroke signals typing at most once per refresh window.
func (t *Typer) Keystroke(ctx context.Context) error {
	t.mu.Lock()
	now := t.clock.Now()
	if t.active && now.Sub(t.lastSent) < TypingRefresh {
		t.mu.Unlock()
		return nil
	}
	t.active = true
	t.lastSent = now
	t.mu.Unlock()

	if err := t.emit(ctx, true); err != nil {
		t.mu.Lock()
		t.active = false
		t.mu.Unlock()
		return err
	}
	return nil
}

// Stop signals the end of typing, on send or when the input is cleared.
// It does nothing if no typing was announced.
func (t *Typer) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return nil
	}
	t.active = false
	t.mu.Unlock()

	return t.emit(ctx, false)
}
