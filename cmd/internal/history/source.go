// Package history hydrates the in-memory conversation stores from the
// server-side chat history in PostgreSQL. Hydration runs once at startup,
// before the live event stream is attached; after that the stores are fed
// exclusively by the transport dispatcher.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loom/cmd/internal/state"
)

const defaultPageSize = 200

// Source reads chat rosters and recent message pages.
//
// Ownership model:
// - Source does NOT own the pgx pool. The caller must close the pool.
type Source struct {
	log      *slog.Logger
	pool     *pgxpool.Pool
	schema   string
	pageSize int
}

// Option configures Source behavior.
type Option func(*Source) error

// WithSchema sets the DB schema used by this source (default: "loom").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) Option {
	return func(s *Source) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("history: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("history: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPageSize bounds how many recent messages are loaded per chat.
func WithPageSize(n int) Option {
	return func(s *Source) error {
		if n <= 0 {
			return errors.New("history: page size must be positive")
		}
		s.pageSize = n
		return nil
	}
}

// NewSource constructs a Postgres-backed history source.
func NewSource(log *slog.Logger, pool *pgxpool.Pool, opts ...Option) (*Source, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Source{
		log:      log,
		pool:     pool,
		schema:   "loom",
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("history: nil pool")
	}
	return s, nil
}

// Hydrate replaces the contents of both stores with the persisted roster
// and the most recent page of each chat's messages. It is safe to call on
// freshly-restored stores: replacement keys by chat, so a stale snapshot is
// simply overwritten.
func (s *Source) Hydrate(ctx context.Context, chats *state.ChatStore, msgs *state.MessageStore, viewerID string) error {
	if chats == nil || msgs == nil {
		return errors.New("history: nil store")
	}

	started := time.Now()

	roster, err := s.loadChats(ctx, viewerID)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	chats.ReplaceAll(roster)

	var loaded int
	for _, c := range roster {
		page, err := s.loadMessages(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("load messages for %s: %w", c.ID, err)
		}
		msgs.ReplaceChatMessages(c.ID, page)
		loaded += len(page)
	}

	s.log.Info("history.hydrate.done",
		"chats", len(roster),
		"messages", loaded,
		"elapsed", time.Since(started).String(),
	)
	return nil
}

func (s *Source) loadChats(ctx context.Context, viewerID string) ([]state.Chat, error) {
	chatsTable := pgIdent(s.schema, "chats")
	participantsTable := pgIdent(s.schema, "chat_participants")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.kind, c.updated_at
		   FROM `+chatsTable+` c
		   JOIN `+participantsTable+` p ON p.chat_id = c.id
		  WHERE p.user_id = $1
		  ORDER BY c.updated_at DESC`,
		viewerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		roster []state.Chat
		ids    []string
	)
	for rows.Next() {
		var c state.Chat
		var kind string
		if err := rows.Scan(&c.ID, &kind, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Kind = state.ChatKind(kind)
		roster = append(roster, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		return nil, nil
	}

	byChat, err := s.loadParticipants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range roster {
		roster[i].Participants = byChat[roster[i].ID]
	}
	return roster, nil
}

func (s *Source) loadParticipants(ctx context.Context, chatIDs []string) (map[string][]string, error) {
	participantsTable := pgIdent(s.schema, "chat_participants")

	rows, err := s.pool.Query(ctx,
		`SELECT chat_id, user_id
		   FROM `+participantsTable+`
		  WHERE chat_id = ANY($1)
		  ORDER BY chat_id, user_id`,
		chatIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string, len(chatIDs))
	for rows.Next() {
		var chatID, userID string
		if err := rows.Scan(&chatID, &userID); err != nil {
			return nil, err
		}
		out[chatID] = append(out[chatID], userID)
	}
	return out, rows.Err()
}

func (s *Source) loadMessages(ctx context.Context, chatID string) ([]state.Message, error) {
	messagesTable := pgIdent(s.schema, "messages")

	// Newest page first, then reversed into chronological order for the
	// store's replace path.
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_id, ts, kind, text, ref, name, status, edited,
		        COALESCE(reply_to, ''), COALESCE(forwarded_from, '')
		   FROM `+messagesTable+`
		  WHERE chat_id = $1
		  ORDER BY ts DESC, id DESC
		  LIMIT $2`,
		chatID, s.pageSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		page []state.Message
		ids  []string
	)
	for rows.Next() {
		var m state.Message
		var kind, status string
		if err := rows.Scan(
			&m.ID, &m.Sender, &m.Timestamp, &kind,
			&m.Content.Text, &m.Content.Ref, &m.Content.Name,
			&status, &m.Edited, &m.ReplyTo, &m.ForwardedFrom,
		); err != nil {
			return nil, err
		}
		m.ChatID = chatID
		m.Content.Kind = state.ContentKind(kind)
		m.Status = state.Status(status)
		page = append(page, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page) == 0 {
		return nil, nil
	}

	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}

	if err := s.attachReactions(ctx, page, ids); err != nil {
		return nil, err
	}
	if err := s.attachReceipts(ctx, page, ids); err != nil {
		return nil, err
	}
	return page, nil
}

func (s *Source) attachReactions(ctx context.Context, page []state.Message, ids []string) error {
	reactionsTable := pgIdent(s.schema, "message_reactions")

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, emoji, user_id
		   FROM `+reactionsTable+`
		  WHERE message_id = ANY($1)
		  ORDER BY message_id, emoji, reacted_at`,
		ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	byID := indexByID(page)
	for rows.Next() {
		var messageID, emoji, userID string
		if err := rows.Scan(&messageID, &emoji, &userID); err != nil {
			return err
		}
		m, ok := byID[messageID]
		if !ok {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	}
	return rows.Err()
}

func (s *Source) attachReceipts(ctx context.Context, page []state.Message, ids []string) error {
	receiptsTable := pgIdent(s.schema, "read_receipts")

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, user_id, read_at
		   FROM `+receiptsTable+`
		  WHERE message_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	byID := indexByID(page)
	for rows.Next() {
		var messageID, userID string
		var readAt time.Time
		if err := rows.Scan(&messageID, &userID, &readAt); err != nil {
			return err
		}
		m, ok := byID[messageID]
		if !ok {
			continue
		}
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]time.Time)
		}
		if prev, seen := m.ReadBy[userID]; !seen || readAt.After(prev) {
			m.ReadBy[userID] = readAt
		}
	}
	return rows.Err()
}

func indexByID(page []state.Message) map[string]*state.Message {
	byID := make(map[string]*state.Message, len(page))
	for i := range page {
		byID[page[i].ID] = &page[i]
	}
	return byID
}

// NewPool builds a pgxpool and validates connectivity.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := ping(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ping checks if we can acquire a connection within timeout.
func ping(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
