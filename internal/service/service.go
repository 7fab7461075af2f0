// Package service provides the messaging business logic: delivery, read
// receipts and the conversation directory.
package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/internal/safety"
	"github.com/capitalize-ai/direct-messaging/internal/store"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
	"github.com/capitalize-ai/direct-messaging/pkg/tracing"
)

const tracerName = "github.com/capitalize-ai/direct-messaging/internal/service"

// Notifier pushes an event to every live session of a user, wherever it
// is connected. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, userID string, ev *model.Event)
}

// TypingClearer drops a user's typing signal once they send.
type TypingClearer interface {
	Clear(ctx context.Context, conversationID, userID string)
}

// Deps are the collaborators shared by the services.
type Deps struct {
	Store    store.Store
	Safety   safety.Checker
	Notifier Notifier
	Typing   TypingClearer
	Clock    clockwork.Clock
	Logger   *logger.Logger
}

// Services bundles the services built from one set of dependencies. They
// share the per-conversation ordering lock.
type Services struct {
	Delivery  *DeliveryService
	Receipts  *ReceiptService
	Directory *DirectoryService
}

// New wires every service.
func New(deps Deps) *Services {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Global()
	}
	if deps.Safety == nil {
		deps.Safety = safety.NewBlocklist()
	}

	locks := newKeyedMutex()
	tracer := tracing.Tracer(tracerName)
	dir := &DirectoryService{
		store:    deps.Store,
		safety:   deps.Safety,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		logger:   deps.Logger.Named("directory"),
	}
	return &Services{
		Directory: dir,
		Delivery: &DeliveryService{
			store:     deps.Store,
			safety:    deps.Safety,
			notifier:  deps.Notifier,
			typing:    deps.Typing,
			directory: dir,
			locks:     locks,
			clock:     deps.Clock,
			tracer:    tracer,
			logger:    deps.Logger.Named("delivery"),
		},
		Receipts: &ReceiptService{
			store:     deps.Store,
			notifier:  deps.Notifier,
			directory: dir,
			locks:     locks,
			clock:     deps.Clock,
			tracer:    tracer,
			logger:    deps.Logger.Named("receipts"),
		},
	}
}

// newID returns a time-ordered UUID.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// keyedMutex serializes work per key. Entries are reference counted and
// removed once nobody holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func spanEnd(span trace.Span, err error) {
	tracing.RecordError(span, err)
	span.End()
}
