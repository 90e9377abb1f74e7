// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers file creation, reopen durability, timestamp clamping and migrations

package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	conv := createDirect(t, s, "u1", "u2")
	msg, err := s.AppendMessage(ctx, conv.ID, textMessage("u1", "durable"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, msg.ID, got.Messages[0].ID)
	assert.True(t, msg.Timestamp.Equal(got.Messages[0].Timestamp))
	assert.Equal(t, 1, got.UnreadCount)
}

func TestSQLiteStore_TimestampsStrictlyIncrease(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	frozen := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	conv := createDirect(t, s, "u1", "u2")
	var prev time.Time
	for i := 0; i < 3; i++ {
		msg, err := s.AppendMessage(ctx, conv.ID, textMessage("u1", "tick"))
		require.NoError(t, err)
		if i > 0 {
			assert.True(t, msg.Timestamp.After(prev), "timestamp %d not after previous", i)
		}
		prev = msg.Timestamp
	}

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.LastMessage.Timestamp.Equal(prev))
}

func TestSQLiteStore_ClockGoingBackwardsKeepsOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	conv := createDirect(t, s, "u1", "u2")

	first, err := s.AppendMessage(ctx, conv.ID, textMessage("u1", "first"))
	require.NoError(t, err)

	clock = clock.Add(-time.Hour)
	second, err := s.AppendMessage(ctx, conv.ID, textMessage("u1", "second"))
	require.NoError(t, err)

	assert.True(t, second.Timestamp.After(first.Timestamp))
}

func TestSQLiteStore_DuplicateIDIsUnavailable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv := &Conversation{ID: "fixed", Kind: ConversationDirect, Participants: []string{"a", "b"}}
	require.NoError(t, s.CreateConversation(ctx, conv))

	dup := &Conversation{ID: "fixed", Kind: ConversationDirect, Participants: []string{"a", "b"}}
	err := s.CreateConversation(ctx, dup)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSQLiteStore_ClosedDatabaseIsUnavailable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.AppendMessage(context.Background(), "any", textMessage("u1", "hi"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrUnavailable)
}

func TestSQLiteStore_CancelledContextIsUnavailable(t *testing.T) {
	s := setupTestStore(t)
	conv := createDirect(t, s, "u1", "u2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.AppendMessage(ctx, conv.ID, textMessage("u1", "late"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, errors.Is(err, context.Canceled))

	got, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
	assert.Equal(t, 0, got.UnreadCount)
}

func TestSQLiteStore_MigrationsAddMissingColumns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// A database from before group_ref and attachment_name existed.
	legacy, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = legacy.Exec(`
		CREATE TABLE conversations (
			id TEXT PRIMARY KEY, kind TEXT NOT NULL,
			preview_content TEXT, preview_kind TEXT, preview_sender TEXT, preview_at TEXT,
			unread_count INTEGER NOT NULL DEFAULT 0, created_at TEXT NOT NULL, sort_at TEXT NOT NULL
		);
		CREATE TABLE messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT, id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL, content TEXT NOT NULL, kind TEXT NOT NULL,
			attachment_url TEXT, created_at TEXT NOT NULL
		);
	`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	ref := "g-1"
	conv := &Conversation{Kind: ConversationGroup, Participants: []string{"a"}, GroupRef: &ref}
	require.NoError(t, s.CreateConversation(ctx, conv))
	_, err = s.AppendMessage(ctx, conv.ID, &Message{
		SenderID:   "a",
		Kind:       MessageFile,
		Attachment: &Attachment{URL: "https://cdn.example/r.pdf", Name: "r.pdf"},
	})
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "g-1", *got.GroupRef)
	assert.Equal(t, "r.pdf", got.Messages[0].Attachment.Name)
}
