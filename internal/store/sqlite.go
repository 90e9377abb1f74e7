// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conversations, participants, messages and reactions with transactional appends

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite.
// All access goes through a single connection, so transactions are serialized
// and appends to the same conversation can never interleave.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			group_ref       TEXT,
			preview_content TEXT,
			preview_kind    TEXT,
			preview_sender  TEXT,
			preview_at      TEXT,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			sort_at         TEXT NOT NULL,

			CHECK (kind IN ('direct', 'group'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_sort ON conversations(sort_at DESC);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			participant_id  TEXT NOT NULL,
			position        INTEGER NOT NULL,

			PRIMARY KEY (conversation_id, participant_id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_participant
			ON conversation_participants(participant_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			kind            TEXT NOT NULL,
			attachment_url  TEXT,
			attachment_name TEXT,
			created_at      TEXT NOT NULL,

			CHECK (kind IN ('text', 'image', 'file'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS message_reactions (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id      TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			emoji           TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_reactions_conversation
			ON message_reactions(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema version.
// Each step checks pragma_table_info first, so reruns are no-ops.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "group_ref",
			apply:  `ALTER TABLE conversations ADD COLUMN group_ref TEXT`,
		},
		{
			table:  "messages",
			column: "attachment_name",
			apply:  `ALTER TABLE messages ADD COLUMN attachment_name TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("pinging database", err)
	}
	return nil
}

// unavailable tags a backend failure so callers can match ErrUnavailable
// while keeping the driver error (and any context error) in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// CreateConversation inserts a conversation and its participants.
// ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	defer tx.Rollback()

	created := formatTime(conv.CreatedAt)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, group_ref, unread_count, created_at, sort_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, conv.ID, string(conv.Kind), nullString(conv.GroupRef), created, created)
	if err != nil {
		return unavailable("inserting conversation", err)
	}

	if err := insertParticipants(ctx, tx, conv.ID, conv.Participants); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing conversation", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "kind", conv.Kind, "participants", len(conv.Participants))
	return nil
}

func insertParticipants(ctx context.Context, tx *sql.Tx, conversationID string, participants []string) error {
	for i, p := range participants {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, participant_id, position)
			VALUES (?, ?, ?)
		`, conversationID, p, i)
		if err != nil {
			return unavailable("inserting participant", err)
		}
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

const conversationColumns = `
	id, kind, group_ref, preview_content, preview_kind, preview_sender, preview_at, unread_count, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv                                    Conversation
		kind, createdAt                         string
		groupRef, pContent, pKind, pSender, pAt sql.NullString
	)
	if err := row.Scan(&conv.ID, &kind, &groupRef, &pContent, &pKind, &pSender, &pAt, &conv.UnreadCount, &createdAt); err != nil {
		return nil, err
	}

	conv.Kind = ConversationKind(kind)
	if groupRef.Valid {
		ref := groupRef.String
		conv.GroupRef = &ref
	}

	var err error
	conv.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if pAt.Valid {
		at, err := parseTime(pAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing preview_at: %w", err)
		}
		conv.LastMessage = &Preview{
			Content:   pContent.String,
			Kind:      MessageKind(pKind.String),
			SenderID:  pSender.String,
			Timestamp: at,
		}
	}
	return &conv, nil
}

// getSummary loads a conversation and its participants without messages.
func (s *SQLiteStore) getSummary(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying conversation", err)
	}

	parts, err := s.participants(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	conv.Participants = parts[id]
	if conv.Participants == nil {
		conv.Participants = []string{}
	}
	return conv, nil
}

// participants loads participant lists for the given conversations in insertion order.
func (s *SQLiteStore) participants(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, participant_id
		FROM conversation_participants
		WHERE conversation_id IN (`+placeholders+`)
		ORDER BY conversation_id, position
	`, args...)
	if err != nil {
		return nil, unavailable("querying participants", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID, participant string
		if err := rows.Scan(&convID, &participant); err != nil {
			return nil, unavailable("scanning participant", err)
		}
		out[convID] = append(out[convID], participant)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating participants", err)
	}
	return out, nil
}

// GetConversation retrieves a conversation with its full message sequence.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := s.getSummary(ctx, id)
	if err != nil {
		return nil, err
	}

	msgs, err := s.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return conv, nil
}

// messages loads the ordered message sequence of a conversation with reactions attached.
func (s *SQLiteStore) messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, content, kind, attachment_url, attachment_name, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, unavailable("querying messages", err)
	}

	msgs := []Message{}
	index := make(map[string]int)
	for rows.Next() {
		var (
			m               Message
			kind, createdAt string
			url, name       sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Content, &kind, &url, &name, &createdAt); err != nil {
			rows.Close()
			return nil, unavailable("scanning message", err)
		}
		m.Kind = MessageKind(kind)
		if url.Valid {
			m.Attachment = &Attachment{URL: url.String, Name: name.String}
		}
		m.Timestamp, err = parseTime(createdAt)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		m.Reactions = []Reaction{}
		index[m.ID] = len(msgs)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, unavailable("iterating messages", err)
	}
	rows.Close()

	// Reactions are read after the message cursor is closed: the store has a
	// single connection and nested cursors would wait on themselves.
	rrows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji
		FROM message_reactions
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, unavailable("querying reactions", err)
	}
	defer rrows.Close()

	for rrows.Next() {
		var messageID string
		var r Reaction
		if err := rrows.Scan(&messageID, &r.UserID, &r.Emoji); err != nil {
			return nil, unavailable("scanning reaction", err)
		}
		if i, ok := index[messageID]; ok {
			msgs[i].Reactions = append(msgs[i].Reactions, r)
		}
	}
	if err := rrows.Err(); err != nil {
		return nil, unavailable("iterating reactions", err)
	}
	return msgs, nil
}

// ListConversations returns conversation summaries, most recent activity first.
// Conversations without messages are ordered by creation time.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY sort_at DESC, id ASC`)
	if err != nil {
		return nil, unavailable("querying conversations", err)
	}

	convs := []*Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, unavailable("scanning conversation", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, unavailable("iterating conversations", err)
	}
	rows.Close()

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	parts, err := s.participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		c.Participants = parts[c.ID]
		if c.Participants == nil {
			c.Participants = []string{}
		}
	}
	return convs, nil
}

// FindDirectConversation returns the oldest direct conversation between a and b.
// Returns ErrNotFound if none exists.
func (s *SQLiteStore) FindDirectConversation(ctx context.Context, a, b string) (*Conversation, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id
		FROM conversations c
		WHERE c.kind = 'direct'
		  AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.participant_id = ?)
		  AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.participant_id = ?)
		ORDER BY c.created_at ASC
		LIMIT 1
	`, a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("finding direct conversation", err)
	}
	return s.getSummary(ctx, id)
}

// UpdateParticipants replaces the participant set of a conversation.
func (s *SQLiteStore) UpdateParticipants(ctx context.Context, id string, participants []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("querying conversation", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_participants WHERE conversation_id = ?`, id); err != nil {
		return unavailable("clearing participants", err)
	}
	if err := insertParticipants(ctx, tx, id, participants); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing participants", err)
	}
	return nil
}

// DeleteConversation removes a conversation with its messages and reactions.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return unavailable("deleting conversation", err)
	}
	return requireRow(res)
}

// requireRow maps "no rows affected" to ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("reading rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage persists msg at the end of the conversation in one transaction:
// insert the message, overwrite the preview, increment the unread counter.
// The timestamp is assigned here and is strictly increasing per conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg *Message) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("beginning append", err)
	}
	defer tx.Rollback()

	var lastAt sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT preview_at FROM conversations WHERE id = ?`, conversationID).Scan(&lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("locking conversation", err)
	}

	ts := s.now().UTC()
	if lastAt.Valid {
		prev, err := parseTime(lastAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing preview_at: %w", err)
		}
		if !ts.After(prev) {
			ts = prev.Add(time.Nanosecond)
		}
	}

	out := *msg
	out.ID = uuid.New().String()
	out.Timestamp = ts
	out.Reactions = []Reaction{}
	if msg.Attachment != nil {
		att := *msg.Attachment
		out.Attachment = &att
	}

	var url, name sql.NullString
	if out.Attachment != nil {
		url = sql.NullString{String: out.Attachment.URL, Valid: true}
		name = sql.NullString{String: out.Attachment.Name, Valid: out.Attachment.Name != ""}
	}

	at := formatTime(ts)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, kind, attachment_url, attachment_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, out.ID, conversationID, out.SenderID, out.Content, string(out.Kind), url, name, at)
	if err != nil {
		return nil, unavailable("inserting message", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET preview_content = ?, preview_kind = ?, preview_sender = ?, preview_at = ?,
		    sort_at = ?, unread_count = unread_count + 1
		WHERE id = ?
	`, out.Content, string(out.Kind), out.SenderID, at, at, conversationID)
	if err != nil {
		return nil, unavailable("updating preview", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("committing append", err)
	}

	s.logger.Debug("appended message",
		"conversation_id", conversationID,
		"message_id", out.ID,
		"sender", out.SenderID)
	return &out, nil
}

// AppendReaction adds a reaction to a message. Returns ErrNotFound when the
// conversation or the message does not exist.
func (s *SQLiteStore) AppendReaction(ctx context.Context, conversationID, messageID string, reaction Reaction) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO message_reactions (message_id, conversation_id, user_id, emoji, created_at)
		SELECT id, conversation_id, ?, ?, ?
		FROM messages
		WHERE id = ? AND conversation_id = ?
	`, reaction.UserID, reaction.Emoji, formatTime(s.now()), messageID, conversationID)
	if err != nil {
		return unavailable("inserting reaction", err)
	}
	return requireRow(res)
}

// MarkRead resets the unread counter of a conversation.
func (s *SQLiteStore) MarkRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET unread_count = 0 WHERE id = ?`, id)
	if err != nil {
		return unavailable("marking read", err)
	}
	return requireRow(res)
}
