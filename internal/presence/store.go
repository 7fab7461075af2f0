package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	redis "github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/direct-messaging/internal/model"
)

// Store holds typing signals until they expire.
type Store interface {
	Set(ctx context.Context, conversationID, userID string, expiresAt time.Time) error
	Clear(ctx context.Context, conversationID, userID string) error
	// Active returns users whose signal expires after now.
	Active(ctx context.Context, conversationID string, now time.Time) ([]string, error)
}

// MemoryStore keeps signals in process. Expired entries are dropped lazily
// on read and by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // conversation -> user -> expiry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]time.Time)}
}

// Set records or refreshes a signal.
func (m *MemoryStore) Set(ctx context.Context, conversationID, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.entries[conversationID]
	if users == nil {
		users = make(map[string]time.Time)
		m.entries[conversationID] = users
	}
	users[userID] = expiresAt
	return nil
}

// Clear removes a signal.
func (m *MemoryStore) Clear(ctx context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if users := m.entries[conversationID]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.entries, conversationID)
		}
	}
	return nil
}

// Active lists live typers in the conversation, sorted by user ID.
func (m *MemoryStore) Active(ctx context.Context, conversationID string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.entries[conversationID]
	var out []string
	for userID, expiresAt := range users {
		if expiresAt.After(now) {
			out = append(out, userID)
		} else {
			delete(users, userID)
		}
	}
	if len(users) == 0 {
		delete(m.entries, conversationID)
	}
	sort.Strings(out)
	return out, nil
}

// Sweep drops every expired signal and returns how many were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for convID, users := range m.entries {
		for userID, expiresAt := range users {
			if !expiresAt.After(now) {
				delete(users, userID)
				removed++
			}
		}
		if len(users) == 0 {
			delete(m.entries, convID)
		}
	}
	return removed
}

// RunSweeper sweeps every interval until ctx is done.
func (m *MemoryStore) RunSweeper(ctx context.Context, clock clockwork.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Sweep(clock.Now())
		}
	}
}

const redisKeyPrefix = "typing:"

// RedisStore keeps one sorted set per conversation, scored by expiry in
// unix milliseconds, so every instance sees the same typers.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to url and verifies it with a ping.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisStore{client: c}, nil
}

func redisKey(conversationID string) string {
	return redisKeyPrefix + conversationID
}

// Set adds or rescores the user and extends the key's lifetime.
func (r *RedisStore) Set(ctx context.Context, conversationID, userID string, expiresAt time.Time) error {
	key := redisKey(conversationID)
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: userID})
	pipe.PExpireAt(ctx, key, expiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: typing set: %v", model.ErrTransport, err)
	}
	return nil
}

// Clear removes the user from the set.
func (r *RedisStore) Clear(ctx context.Context, conversationID, userID string) error {
	if err := r.client.ZRem(ctx, redisKey(conversationID), userID).Err(); err != nil {
		return fmt.Errorf("%w: typing clear: %v", model.ErrTransport, err)
	}
	return nil
}

// Active trims expired members and returns the rest.
func (r *RedisStore) Active(ctx context.Context, conversationID string, now time.Time) ([]string, error) {
	key := redisKey(conversationID)
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", nowMs)
	members := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + nowMs, Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: typing list: %v", model.ErrTransport, err)
	}
	out := members.Val()
	sort.Strings(out)
	return out, nil
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
