// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite or MongoDB

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AppendHook runs before every AppendMessage on a MockStore. A non-nil error is
// returned to the caller and nothing is written.
type AppendHook func(ctx context.Context, conversationID string) error

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	appendHook    AppendHook
	pingErr       error
	now           func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		now:           time.Now,
	}
}

// SetAppendHook installs a hook that runs before every append.
func (m *MockStore) SetAppendHook(hook AppendHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendHook = hook
}

// SetPingError makes Ping fail with err (nil restores health).
func (m *MockStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// copyConversation returns a deep copy so callers can't mutate stored state.
func copyConversation(c *Conversation, withMessages bool) *Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	if c.GroupRef != nil {
		ref := *c.GroupRef
		out.GroupRef = &ref
	}
	if c.LastMessage != nil {
		p := *c.LastMessage
		out.LastMessage = &p
	}
	out.Messages = nil
	if withMessages {
		out.Messages = make([]Message, len(c.Messages))
		for i, msg := range c.Messages {
			out.Messages[i] = copyMessage(msg)
		}
	}
	return &out
}

func copyMessage(msg Message) Message {
	out := msg
	out.Reactions = slices.Clone(msg.Reactions)
	if out.Reactions == nil {
		out.Reactions = []Reaction{}
	}
	if msg.Attachment != nil {
		att := *msg.Attachment
		out.Attachment = &att
	}
	return out
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = m.now().UTC()
	}

	c := copyConversation(conv, false)
	c.Messages = []Message{}
	c.LastMessage = nil
	c.UnreadCount = 0
	if c.Participants == nil {
		c.Participants = []string{}
	}
	m.conversations[c.ID] = c
	return nil
}

// GetConversation retrieves a conversation with its messages.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c, true), nil
}

// ListConversations returns summaries, most recent activity first.
func (m *MockStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		out = append(out, copyConversation(c, false))
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].SortTime(), out[j].SortTime()
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.After(tj)
	})
	return out, nil
}

// FindDirectConversation returns the oldest direct conversation between a and b.
func (m *MockStore) FindDirectConversation(ctx context.Context, a, b string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Conversation
	for _, c := range m.conversations {
		if c.Kind != ConversationDirect {
			continue
		}
		if !slices.Contains(c.Participants, a) || !slices.Contains(c.Participants, b) {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyConversation(found, false), nil
}

// UpdateParticipants replaces the participant set.
func (m *MockStore) UpdateParticipants(ctx context.Context, id string, participants []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Participants = slices.Clone(participants)
	if c.Participants == nil {
		c.Participants = []string{}
	}
	return nil
}

// DeleteConversation removes a conversation.
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	return nil
}

// AppendMessage appends under the write lock, so the message, preview and
// counter change together.
func (m *MockStore) AppendMessage(ctx context.Context, conversationID string, msg *Message) (*Message, error) {
	m.mu.RLock()
	hook := m.appendHook
	m.mu.RUnlock()

	if hook != nil {
		if err := hook(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable("appending message", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	ts := m.now().UTC()
	if c.LastMessage != nil && !ts.After(c.LastMessage.Timestamp) {
		ts = c.LastMessage.Timestamp.Add(time.Nanosecond)
	}

	out := copyMessage(*msg)
	out.ID = uuid.New().String()
	out.Timestamp = ts
	out.Reactions = []Reaction{}

	c.Messages = append(c.Messages, copyMessage(out))
	c.LastMessage = previewOf(&out)
	c.UnreadCount++

	return &out, nil
}

// AppendReaction adds a reaction to a message.
func (m *MockStore) AppendReaction(ctx context.Context, conversationID, messageID string, reaction Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			c.Messages[i].Reactions = append(c.Messages[i].Reactions, reaction)
			return nil
		}
	}
	return ErrNotFound
}

// MarkRead resets the unread counter.
func (m *MockStore) MarkRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.UnreadCount = 0
	return nil
}

// Ping reports the configured ping error.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks.
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MongoStore)(nil)
)
