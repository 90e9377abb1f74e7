// ABOUTME: Store interface and data types for conversation persistence
// ABOUTME: Defines Conversation, Message, Preview and the closed kind enumerations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested conversation or message does not exist
var ErrNotFound = errors.New("not found")

// ErrUnavailable wraps every failure of the backing store (connectivity,
// constraint violations, driver errors). Callers match it with errors.Is;
// the underlying cause stays in the chain.
var ErrUnavailable = errors.New("store unavailable")

// ConversationKind distinguishes one-to-one conversations from group conversations.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Valid reports whether k is one of the known conversation kinds.
func (k ConversationKind) Valid() bool {
	switch k {
	case ConversationDirect, ConversationGroup:
		return true
	}
	return false
}

// MessageKind is the closed set of message bodies the system understands.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
)

// Valid reports whether k is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// CarriesAttachment reports whether messages of this kind reference an uploaded object.
func (k MessageKind) CarriesAttachment() bool {
	return k == MessageImage || k == MessageFile
}

// Attachment points at an object uploaded elsewhere. The URL is opaque.
type Attachment struct {
	URL  string `json:"attachmentUrl"`
	Name string `json:"attachmentName,omitempty"`
}

// Reaction is a single (user, emoji) pair. Duplicates are allowed.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is owned by exactly one Conversation and never referenced outside it.
type Message struct {
	ID       string      `json:"id"`
	SenderID string      `json:"senderId"`
	Content  string      `json:"content"`
	Kind     MessageKind `json:"kind"`

	// Embedded so attachmentUrl and attachmentName sit flat on the message.
	// Absent for text messages.
	*Attachment

	Reactions []Reaction `json:"reactions"`
	Timestamp time.Time  `json:"timestamp"`
}

// Preview is the denormalized copy of the most recently appended message,
// kept on the conversation so list views never load the message sequence.
type Preview struct {
	Content   string      `json:"content"`
	Kind      MessageKind `json:"kind"`
	SenderID  string      `json:"senderId"`
	Timestamp time.Time   `json:"timestamp"`
}

// Conversation is a persistent thread of messages among a set of participants.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Participants []string         `json:"participants"`
	GroupRef     *string          `json:"groupRef,omitempty"`
	Messages     []Message        `json:"messages,omitempty"`
	LastMessage  *Preview         `json:"lastMessage,omitempty"`

	// UnreadCount is shared by all participants. It is incremented on every
	// append and reset only by MarkRead.
	UnreadCount int       `json:"unreadCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SortTime is the key used to order conversation lists: the last message
// time, or the creation time when nothing has been sent yet.
func (c *Conversation) SortTime() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.Timestamp
	}
	return c.CreatedAt
}

// previewOf builds the preview that an append of m produces.
func previewOf(m *Message) *Preview {
	return &Preview{
		Content:   m.Content,
		Kind:      m.Kind,
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp,
	}
}

// Store defines the persistence operations for conversations and their messages.
// Every mutation of a conversation is a single store operation; callers never
// read the message sequence in order to decide what to write.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	FindDirectConversation(ctx context.Context, a, b string) (*Conversation, error)
	UpdateParticipants(ctx context.Context, id string, participants []string) error
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage assigns the message ID and timestamp, appends it, overwrites
	// the preview and increments the unread counter, all or nothing.
	AppendMessage(ctx context.Context, conversationID string, msg *Message) (*Message, error)
	AppendReaction(ctx context.Context, conversationID, messageID string, reaction Reaction) error
	MarkRead(ctx context.Context, id string) error

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
