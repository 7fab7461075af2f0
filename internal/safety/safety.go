// Package safety answers whether two users may message each other. Block
// decisions are made elsewhere; this package only reads them.
package safety

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/direct-messaging/internal/model"
)

// Checker reports whether either user has blocked the other.
type Checker interface {
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// Blocklist is an in-memory Checker.
type Blocklist struct {
	mu      sync.RWMutex
	blocked map[string]map[string]struct{} // blocker -> blocked
}

var _ Checker = (*Blocklist)(nil)

// NewBlocklist creates an empty blocklist.
func NewBlocklist() *Blocklist {
	return &Blocklist{blocked: make(map[string]map[string]struct{})}
}

// Block records that blocker no longer accepts messages from blocked.
func (b *Blocklist) Block(blocker, blocked string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.blocked[blocker]
	if !ok {
		set = make(map[string]struct{})
		b.blocked[blocker] = set
	}
	set[blocked] = struct{}{}
}

// Unblock removes a block.
func (b *Blocklist) Unblock(blocker, blocked string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocked[blocker], blocked)
}

// IsBlocked checks both directions.
func (b *Blocklist) IsBlocked(ctx context.Context, x, y string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.blocked[x][y]; ok {
		return true, nil
	}
	_, ok := b.blocked[y][x]
	return ok, nil
}

// PgBlocklist reads the user_blocks table.
type PgBlocklist struct {
	pool *pgxpool.Pool
}

var _ Checker = (*PgBlocklist)(nil)

// NewPgBlocklist creates a Checker backed by pool.
func NewPgBlocklist(pool *pgxpool.Pool) *PgBlocklist {
	return &PgBlocklist{pool: pool}
}

// IsBlocked checks both directions in one query.
func (p *PgBlocklist) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	var blocked bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_blocks
			WHERE (blocker_id = $1 AND blocked_id = $2) OR (blocker_id = $2 AND blocked_id = $1)
		)
	`, a, b).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("%w: block lookup: %v", model.ErrTransport, err)
	}
	return blocked, nil
}

// Block records a block.
func (p *PgBlocklist) Block(ctx context.Context, blocker, blocked string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO user_blocks (blocker_id, blocked_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, blocker, blocked)
	return err
}

// Unblock removes a block.
func (p *PgBlocklist) Unblock(ctx context.Context, blocker, blocked string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM user_blocks WHERE blocker_id = $1 AND blocked_id = $2`, blocker, blocked)
	return err
}
