package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/direct-messaging/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const (
	conversationColumns = `id, participant_a, participant_b, created_at, last_message_at, last_seq, deleted_a_at, deleted_b_at`
	messageColumns      = `id, conversation_id, seq, sender_id, COALESCE(client_id, ''), body,
		attachment_kind, attachment_url, attachment_filename, status, created_at, delivered_at, read_at`

	// viewerDeletedAt selects the viewer's ($1) deletion watermark from a conversations row.
	viewerDeletedAt = `(CASE WHEN c.participant_a = $1 THEN c.deleted_a_at ELSE c.deleted_b_at END)`

	maxTxAttempts = 3
)

// PostgresStore implements Store on PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// Connect creates a pgx pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool for collaborators sharing the database.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// Ping checks the pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// FindOrCreateConversation inserts the pair if absent and returns the stored row.
func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, a, b, newID string, at time.Time) (*model.Conversation, bool, error) {
	if a == "" || b == "" || a == b {
		return nil, false, model.Validationf("a conversation needs two distinct participants")
	}
	var (
		conv    *model.Conversation
		created bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		conv, created, err = findOrCreateTx(ctx, tx, a, b, newID, at, false)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

func findOrCreateTx(ctx context.Context, tx pgx.Tx, a, b, newID string, at time.Time, lock bool) (*model.Conversation, bool, error) {
	pa, pb := model.SortPair(a, b)
	at = at.UTC().Truncate(time.Microsecond)

	tag, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, created_at, last_message_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (participant_a, participant_b) DO NOTHING
	`, newID, pa, pb, at)
	if err != nil {
		return nil, false, err
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE participant_a = $1 AND participant_b = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	conv, err := scanConversation(tx.QueryRow(ctx, query, pa, pb))
	if err != nil {
		return nil, false, err
	}
	return conv, tag.RowsAffected() == 1, nil
}

// GetConversation returns a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "conversation", id)
	}
	return conv, nil
}

// AppendMessage locks the conversation row, assigns the next sequence and
// inserts the message in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, p AppendParams) (*AppendResult, error) {
	if err := validateAppend(p); err != nil {
		return nil, err
	}
	var result *AppendResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		result, err = appendTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func appendTx(ctx context.Context, tx pgx.Tx, p AppendParams) (*AppendResult, error) {
	var (
		conv    *model.Conversation
		created bool
		err     error
	)
	if p.ConversationID != "" {
		conv, err = lockConversation(ctx, tx, p.ConversationID)
	} else {
		conv, created, err = findOrCreateTx(ctx, tx, p.SenderID, p.RecipientID, p.NewConversationID, p.CreatedAt, true)
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(p.SenderID) {
		return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, conv.ID)
	}

	if p.ClientID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND sender_id = $2 AND client_id = $3
		`, conv.ID, p.SenderID, p.ClientID))
		if err == nil {
			return &AppendResult{Conversation: conv, Message: existing, Duplicate: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}

	msg := &model.Message{
		ID:             p.ID,
		ClientID:       p.ClientID,
		ConversationID: conv.ID,
		Seq:            conv.LastSeq + 1,
		SenderID:       p.SenderID,
		Body:           p.Body,
		Attachment:     cloneAttachment(p.Attachment),
		Status:         model.StatusSent,
		CreatedAt:      nextCreatedAt(conv, p.CreatedAt.UTC().Truncate(time.Microsecond)),
	}

	var kind, url, filename *string
	if a := msg.Attachment; a != nil {
		k := string(a.Kind)
		kind, url, filename = &k, &a.URL, &a.Filename
	}
	var clientID *string
	if msg.ClientID != "" {
		clientID = &msg.ClientID
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_id, client_id, body,
			attachment_kind, attachment_url, attachment_filename, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, msg.ID, msg.ConversationID, int64(msg.Seq), msg.SenderID, clientID, msg.Body,
		kind, url, filename, model.StatusSent.Rank(), msg.CreatedAt); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET last_seq = $2, last_message_at = $3 WHERE id = $1
	`, conv.ID, int64(msg.Seq), msg.CreatedAt); err != nil {
		return nil, err
	}
	conv.LastSeq = msg.Seq
	conv.LastMessageAt = msg.CreatedAt

	return &AppendResult{Conversation: conv, Message: msg, ConversationCreated: created}, nil
}

// GetMessage returns a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "message", id)
	}
	return msg, nil
}

// AdvanceStatus moves a message forward with a guarded update.
func (s *PostgresStore) AdvanceStatus(ctx context.Context, messageID string, status model.Status, at time.Time) (*model.Message, error) {
	at = at.UTC().Truncate(time.Microsecond)
	query := `
		UPDATE messages SET status = $2, delivered_at = COALESCE(delivered_at, $3)
		WHERE id = $1 AND status < $2
		RETURNING ` + messageColumns
	if status == model.StatusRead {
		query = `
			UPDATE messages SET status = $2, delivered_at = COALESCE(delivered_at, $3), read_at = COALESCE(read_at, $3)
			WHERE id = $1 AND status < $2
			RETURNING ` + messageColumns
	}

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, messageID, status.Rank(), at))
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: advance status: %v", model.ErrTransport, err)
	}

	current, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return current, fmt.Errorf("%w: message %s already %s", model.ErrStaleState, messageID, current.Status)
}

// MarkRead serializes with AppendMessage on the conversation row lock so a
// concurrent send lands either wholly before or wholly after the boundary.
func (s *PostgresStore) MarkRead(ctx context.Context, viewerID, conversationID, upToMessageID string, at time.Time) (*ReadResult, error) {
	at = at.UTC().Truncate(time.Microsecond)
	var result *ReadResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		conv, err := lockConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(viewerID) {
			return fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
		}

		boundary := conv.LastSeq
		if upToMessageID != "" {
			var seq int64
			err := tx.QueryRow(ctx, `SELECT seq FROM messages WHERE id = $1 AND conversation_id = $2`,
				upToMessageID, conversationID).Scan(&seq)
			if err != nil {
				return notFoundOr(err, "message", upToMessageID)
			}
			boundary = uint64(seq)
		}

		updated, err := markReadTx(ctx, tx, conversationID, viewerID, boundary, at)
		if err != nil {
			return err
		}
		unread, err := unreadTx(ctx, tx, conv, viewerID)
		if err != nil {
			return err
		}
		result = &ReadResult{Conversation: conv, Updated: updated, BoundarySeq: boundary, UnreadCount: unread}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func markReadTx(ctx context.Context, tx pgx.Tx, conversationID, viewerID string, boundary uint64, at time.Time) ([]model.Message, error) {
	rows, err := tx.Query(ctx, `
		UPDATE messages
		SET status = $4, read_at = $5, delivered_at = COALESCE(delivered_at, $5)
		WHERE conversation_id = $1 AND sender_id <> $2 AND status < $4 AND seq <= $3
		RETURNING `+messageColumns,
		conversationID, viewerID, int64(boundary), model.StatusRead.Rank(), at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updated []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		updated = append(updated, *msg)
	}
	return updated, rows.Err()
}

func unreadTx(ctx context.Context, q querier, conv *model.Conversation, viewerID string) (int, error) {
	var count int
	err := q.QueryRow(ctx, `
		SELECT count(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND status < $3
		  AND ($4::timestamptz IS NULL OR created_at > $4)
	`, conv.ID, viewerID, model.StatusRead.Rank(), conv.DeletedAt(viewerID)).Scan(&count)
	return count, err
}

// ListMessages pages through a conversation as seen by the viewer.
func (s *PostgresStore) ListMessages(ctx context.Context, q MessageQuery) ([]model.Message, bool, error) {
	conv, err := s.GetConversation(ctx, q.ConversationID)
	if err != nil {
		return nil, false, err
	}
	if !conv.HasParticipant(q.ViewerID) {
		return nil, false, fmt.Errorf("%w: conversation %s", model.ErrNotFound, q.ConversationID)
	}
	limit := clampLimit(q.Limit, 50, 100)

	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1 AND seq > $2 AND ($3::timestamptz IS NULL OR created_at > $3)
		ORDER BY seq ASC LIMIT $4`
	bound := q.AfterSeq
	if q.BeforeSeq > 0 {
		query = `SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = $1 AND seq < $2 AND ($3::timestamptz IS NULL OR created_at > $3)
			ORDER BY seq DESC LIMIT $4`
		bound = q.BeforeSeq
	}

	rows, err := s.pool.Query(ctx, query, conv.ID, int64(bound), conv.DeletedAt(q.ViewerID), limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("%w: list messages: %v", model.ErrTransport, err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if q.BeforeSeq > 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, hasMore, nil
}

// UnreadCount counts the viewer's unread messages.
func (s *PostgresStore) UnreadCount(ctx context.Context, viewerID, conversationID string) (int, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(viewerID) {
		return 0, fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
	}
	return unreadTx(ctx, s.pool, conv, viewerID)
}

// ListSummaries lists visible conversations newest first.
func (s *PostgresStore) ListSummaries(ctx context.Context, viewerID string, cursor *Cursor, limit int) ([]Summary, bool, error) {
	limit = clampLimit(limit, 20, 100)

	var (
		cursorAt *time.Time
		cursorID string
	)
	if cursor != nil {
		t := cursor.LastMessageAt
		cursorAt, cursorID = &t, cursor.ConversationID
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixed("c.", conversationColumns)+` FROM conversations c
		WHERE (c.participant_a = $1 OR c.participant_b = $1)
		  AND (`+viewerDeletedAt+` IS NULL OR c.last_message_at > `+viewerDeletedAt+`)
		  AND ($2::timestamptz IS NULL OR (c.last_message_at, c.id) < ($2, $3))
		ORDER BY c.last_message_at DESC, c.id DESC
		LIMIT $4
	`, viewerID, cursorAt, cursorID, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("%w: list conversations: %v", model.ErrTransport, err)
	}
	var convs []*model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, false, err
		}
		convs = append(convs, conv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(convs) > limit
	if hasMore {
		convs = convs[:limit]
	}
	out := make([]Summary, 0, len(convs))
	for _, conv := range convs {
		summary, err := s.summary(ctx, conv, viewerID)
		if err != nil {
			return nil, false, err
		}
		out = append(out, *summary)
	}
	return out, hasMore, nil
}

// GetSummary returns one conversation summary for the viewer.
func (s *PostgresStore) GetSummary(ctx context.Context, viewerID, conversationID string) (*Summary, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewerID) {
		return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
	}
	return s.summary(ctx, conv, viewerID)
}

func (s *PostgresStore) summary(ctx context.Context, conv *model.Conversation, viewerID string) (*Summary, error) {
	summary := &Summary{Conversation: *conv}

	last, err := scanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR created_at > $2)
		ORDER BY seq DESC LIMIT 1
	`, conv.ID, conv.DeletedAt(viewerID)))
	switch {
	case err == nil:
		summary.LastMessage = last
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}

	summary.UnreadCount, err = unreadTx(ctx, s.pool, conv, viewerID)
	if err != nil {
		return nil, err
	}

	var oldest *int64
	if err := s.pool.QueryRow(ctx, `
		SELECT min(seq) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND status < $3
	`, conv.ID, viewerID, model.StatusRead.Rank()).Scan(&oldest); err != nil {
		return nil, err
	}
	summary.ReadSeq = conv.LastSeq
	// A message appended after conv was loaded must not push ReadSeq past it.
	if oldest != nil && uint64(*oldest) <= conv.LastSeq {
		summary.ReadSeq = uint64(*oldest) - 1
	}
	return summary, nil
}

// DeleteConversation sets the viewer's deletion watermark and marks everything read.
func (s *PostgresStore) DeleteConversation(ctx context.Context, viewerID, conversationID string, at time.Time) error {
	at = at.UTC().Truncate(time.Microsecond)
	return s.inTx(ctx, func(tx pgx.Tx) error {
		conv, err := lockConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(viewerID) {
			return fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
		}
		if at.Before(conv.LastMessageAt) {
			at = conv.LastMessageAt
		}
		column := "deleted_b_at"
		if conv.ParticipantA == viewerID {
			column = "deleted_a_at"
		}
		if _, err := tx.Exec(ctx, `UPDATE conversations SET `+column+` = $2 WHERE id = $1`, conv.ID, at); err != nil {
			return err
		}
		_, err = markReadTx(ctx, tx, conv.ID, viewerID, conv.LastSeq, at)
		return err
	})
}

// GetUsers returns display attributes for the given IDs.
func (s *PostgresStore) GetUsers(ctx context.Context, ids []string) (map[string]model.User, error) {
	out := make(map[string]model.User, len(ids))
	for _, id := range ids {
		out[id] = model.User{ID: id}
	}
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, handle, avatar_url FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: get users: %v", model.ErrTransport, err)
	}
	defer rows.Close()
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Handle, &u.AvatarURL); err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// UpsertUser stores display attributes.
func (s *PostgresStore) UpsertUser(ctx context.Context, u model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, display_name, handle, avatar_url) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name,
			handle = EXCLUDED.handle, avatar_url = EXCLUDED.avatar_url
	`, u.ID, u.DisplayName, u.Handle, u.AvatarURL)
	return err
}

// inTx runs fn in a transaction, retrying unique-violation and
// serialization conflicts. Domain errors pass through unchanged; anything
// else is reported as a retryable transport error.
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, fn)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			break
		}
		err = fmt.Errorf("%w: %v", model.ErrConflict, err)
	}
	if isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrTransport, err)
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" || pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isDomainError(err error) bool {
	return errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrValidation) ||
		errors.Is(err, model.ErrStaleState)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func lockConversation(ctx context.Context, tx pgx.Tx, id string) (*model.Conversation, error) {
	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFoundOr(err, "conversation", id)
	}
	return conv, nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var (
		conv    model.Conversation
		lastSeq int64
	)
	if err := row.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &conv.CreatedAt,
		&conv.LastMessageAt, &lastSeq, &conv.DeletedAtA, &conv.DeletedAtB); err != nil {
		return nil, err
	}
	conv.LastSeq = uint64(lastSeq)
	return &conv, nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		msg                 model.Message
		seq                 int64
		status              int
		kind, url, filename *string
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &seq, &msg.SenderID, &msg.ClientID, &msg.Body,
		&kind, &url, &filename, &status, &msg.CreatedAt, &msg.DeliveredAt, &msg.ReadAt); err != nil {
		return nil, err
	}
	msg.Seq = uint64(seq)
	msg.Status = model.StatusFromRank(status)
	if kind != nil && url != nil {
		msg.Attachment = &model.Attachment{Kind: model.AttachmentKind(*kind), URL: *url}
		if filename != nil {
			msg.Attachment.Filename = *filename
		}
	}
	return &msg, nil
}

func notFoundOr(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", model.ErrNotFound, what, id)
	}
	return err
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
