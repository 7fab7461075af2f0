// Package hub tracks live sessions and fans events out to every device a
// user has connected. It holds no durable state; losing it loses nothing
// that cannot be rebuilt from the store.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
	"github.com/capitalize-ai/direct-messaging/pkg/metrics"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMissThreshold     = 3
)

// Conn is one transport-level connection. Send must not block for long;
// implementations buffer and drop slow consumers.
type Conn interface {
	Send(ev *model.Event) error
	Close(reason string)
}

// Session is a live, authenticated connection bound to one user.
type Session struct {
	ID          string
	UserID      string
	Transport   string
	ConnectedAt time.Time

	conn     Conn
	lastSeen atomic.Int64
}

// LastSeen returns the last time the session proved it was alive.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Send pushes an event to this session only.
func (s *Session) Send(ev *model.Event) error {
	return s.conn.Send(ev)
}

// Options configures a Registry.
type Options struct {
	HeartbeatInterval time.Duration
	MissThreshold     int
	Clock             clockwork.Clock
	Logger            *logger.Logger
}

// Registry maps users to their live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // session ID -> session
	byUser   map[string]map[string]*Session // user ID -> session ID -> session

	interval  time.Duration
	threshold int
	clock     clockwork.Clock
	log       *logger.Logger
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MissThreshold <= 0 {
		opts.MissThreshold = DefaultMissThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]map[string]*Session),
		interval:  opts.HeartbeatInterval,
		threshold: opts.MissThreshold,
		clock:     opts.Clock,
		log:       opts.Logger.Named("hub"),
	}
}

// HeartbeatInterval is how often transports should ping.
func (r *Registry) HeartbeatInterval() time.Duration {
	return r.interval
}

// Timeout is how long a session may stay silent before it is evicted.
func (r *Registry) Timeout() time.Duration {
	return r.interval * time.Duration(r.threshold)
}

// Register binds conn to userID and returns the new session.
func (r *Registry) Register(userID, transport string, conn Conn) *Session {
	now := r.clock.Now()
	s := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		Transport:   transport,
		ConnectedAt: now,
		conn:        conn,
	}
	s.lastSeen.Store(now.UnixNano())

	r.mu.Lock()
	r.sessions[s.ID] = s
	devices := r.byUser[userID]
	if devices == nil {
		devices = make(map[string]*Session)
		r.byUser[userID] = devices
	}
	devices[s.ID] = s
	r.mu.Unlock()

	metrics.SessionOpened(transport)
	r.log.Debug("session registered",
		zap.String("user_id", userID),
		zap.String("session_id", s.ID),
		zap.String("transport", transport),
	)
	return s
}

// Deregister forgets a session. It is safe to call more than once and
// reports whether the session was still registered.
func (r *Registry) Deregister(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		r.removeLocked(s)
	}
	r.mu.Unlock()

	if ok {
		metrics.SessionClosed(s.Transport)
		r.log.Debug("session deregistered",
			zap.String("user_id", s.UserID),
			zap.String("session_id", s.ID),
		)
	}
	return ok
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.sessions, s.ID)
	if devices := r.byUser[s.UserID]; devices != nil {
		delete(devices, s.ID)
		if len(devices) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
}

// Touch records a heartbeat for the session.
func (r *Registry) Touch(sessionID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		s.lastSeen.Store(r.clock.Now().UnixNano())
	}
}

// Sessions returns a snapshot of the user's live sessions.
func (r *Registry) Sessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// Online reports whether the user has at least one live session.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Notify pushes ev to every live session of userID. Per-session failures
// are counted and otherwise ignored; the client recovers by gap-fill.
func (r *Registry) Notify(ctx context.Context, userID string, ev *model.Event) {
	r.Deliver(userID, ev)
}

// Deliver is Notify returning how many sessions accepted the event.
func (r *Registry) Deliver(userID string, ev *model.Event) int {
	delivered := 0
	for _, s := range r.Sessions(userID) {
		err := s.conn.Send(ev)
		metrics.RecordPush(string(ev.Type), err)
		if err != nil {
			r.log.Debug("push failed",
				zap.String("user_id", userID),
				zap.String("session_id", s.ID),
				zap.String("event", string(ev.Type)),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Reap evicts sessions that missed too many heartbeats and returns how
// many were removed.
func (r *Registry) Reap() int {
	cutoff := r.clock.Now().Add(-r.Timeout())

	var stale []*Session
	r.mu.Lock()
	for _, s := range r.sessions {
		if s.LastSeen().Before(cutoff) {
			r.removeLocked(s)
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		metrics.SessionClosed(s.Transport)
		metrics.SessionsEvicted.Inc()
		r.log.Info("session evicted",
			zap.String("user_id", s.UserID),
			zap.String("session_id", s.ID),
			zap.Time("last_seen", s.LastSeen()),
		)
		s.conn.Close("heartbeat timeout")
	}
	return len(stale)
}

// Run reaps stale sessions every heartbeat interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Reap()
		}
	}
}

// Close drops every session and closes its connection.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.byUser = make(map[string]map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		metrics.SessionClosed(s.Transport)
		s.conn.Close("server shutdown")
	}
}
