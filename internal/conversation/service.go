// ABOUTME: Service is the Message Dispatcher: validate, persist, return the canonical message
// ABOUTME: Both the socket gateway and the HTTP fallback write through here

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/2389/convo-gateway/internal/dedupe"
	"github.com/2389/convo-gateway/internal/store"
)

// ErrInvalidMessage is returned when a message or reaction fails validation.
// Nothing is written when it is returned.
var ErrInvalidMessage = errors.New("invalid message")

// ErrInvalidConversation is returned when a conversation create or membership
// update is malformed.
var ErrInvalidConversation = errors.New("invalid conversation")

// ErrDuplicateMessage is returned when a clientMessageId was already accepted
// for the same conversation within the dedupe window.
var ErrDuplicateMessage = errors.New("duplicate message")

// Service validates requests and forwards them to the store. It holds no
// per-conversation state; the store is the single source of truth.
type Service struct {
	store  store.Store
	dedupe *dedupe.Cache
	logger *slog.Logger

	// directMu serializes OpenDirect so concurrent first contacts between
	// the same pair create one conversation.
	directMu sync.Mutex
}

// New creates a Service. cache may be nil, which disables clientMessageId dedupe.
func New(s store.Store, cache *dedupe.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		dedupe: cache,
		logger: logger.With("component", "conversation"),
	}
}

// SubmitRequest is an inbound message on either write path.
type SubmitRequest struct {
	ConversationID string
	SenderID       string
	Content        string
	Kind           store.MessageKind
	AttachmentURL  string
	AttachmentName string

	// ClientMessageID is optional. When set, a resubmission with the same
	// value for the same conversation is rejected with ErrDuplicateMessage.
	ClientMessageID string
}

// Validate checks req and builds the message the store will append.
// An empty kind means text.
func Validate(req *SubmitRequest) (*store.Message, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversationId is required", ErrInvalidMessage)
	}
	if req.SenderID == "" {
		return nil, fmt.Errorf("%w: senderId is required", ErrInvalidMessage)
	}

	kind := req.Kind
	if kind == "" {
		kind = store.MessageText
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, kind)
	}

	hasAttachment := req.AttachmentURL != ""
	switch {
	case kind.CarriesAttachment() && !hasAttachment:
		return nil, fmt.Errorf("%w: %s message requires attachmentUrl", ErrInvalidMessage, kind)
	case !kind.CarriesAttachment() && hasAttachment:
		return nil, fmt.Errorf("%w: %s message cannot carry an attachment", ErrInvalidMessage, kind)
	case !hasAttachment && req.Content == "":
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}

	msg := &store.Message{
		SenderID: req.SenderID,
		Content:  req.Content,
		Kind:     kind,
	}
	if hasAttachment {
		msg.Attachment = &store.Attachment{URL: req.AttachmentURL, Name: req.AttachmentName}
	}
	return msg, nil
}

// Submit validates req, appends it in a single store operation and returns
// the canonical stored message. It never retries.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*store.Message, error) {
	msg, err := Validate(req)
	if err != nil {
		return nil, err
	}

	var key string
	if s.dedupe != nil && req.ClientMessageID != "" {
		key = dedupe.Key(req.ConversationID, req.ClientMessageID)
		if prior, ok := s.dedupe.Reserve(key); !ok {
			s.logger.Debug("rejected duplicate submit",
				"conversation_id", req.ConversationID,
				"client_message_id", req.ClientMessageID,
				"message_id", prior)
			return nil, fmt.Errorf("%w: clientMessageId %q", ErrDuplicateMessage, req.ClientMessageID)
		}
	}

	saved, err := s.store.AppendMessage(ctx, req.ConversationID, msg)
	if err != nil {
		if key != "" {
			s.dedupe.Release(key)
		}
		return nil, fmt.Errorf("appending message: %w", err)
	}
	if key != "" {
		s.dedupe.Complete(key, saved.ID)
	}

	s.logger.Debug("message persisted",
		"conversation_id", req.ConversationID,
		"message_id", saved.ID,
		"sender", saved.SenderID,
		"kind", saved.Kind)
	return saved, nil
}

// CreateRequest describes a new conversation.
// An empty Kind means direct for two participants and group otherwise.
type CreateRequest struct {
	Kind         store.ConversationKind
	Participants []string
	GroupRef     *string
}

// normalizeParticipants drops duplicates while keeping first-seen order.
func normalizeParticipants(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("%w: empty participant id", ErrInvalidConversation)
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func checkMembership(kind store.ConversationKind, participants []string) error {
	switch kind {
	case store.ConversationDirect:
		if len(participants) != 2 {
			return fmt.Errorf("%w: direct conversation needs exactly 2 distinct participants, got %d", ErrInvalidConversation, len(participants))
		}
	case store.ConversationGroup:
		if len(participants) < 1 {
			return fmt.Errorf("%w: group conversation needs at least 1 participant", ErrInvalidConversation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidConversation, kind)
	}
	return nil
}

// CreateConversation validates membership and creates an empty conversation.
func (s *Service) CreateConversation(ctx context.Context, req *CreateRequest) (*store.Conversation, error) {
	participants, err := normalizeParticipants(req.Participants)
	if err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = store.ConversationGroup
		if len(participants) == 2 && req.GroupRef == nil {
			kind = store.ConversationDirect
		}
	}
	if err := checkMembership(kind, participants); err != nil {
		return nil, err
	}

	conv := &store.Conversation{
		Kind:         kind,
		Participants: participants,
		GroupRef:     req.GroupRef,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created", "conversation_id", conv.ID, "kind", kind, "participants", len(participants))
	return conv, nil
}

// OpenDirect returns the direct conversation between a and b, creating it on
// first contact. created reports whether a new conversation was made.
func (s *Service) OpenDirect(ctx context.Context, a, b string) (conv *store.Conversation, created bool, err error) {
	participants, err := normalizeParticipants([]string{a, b})
	if err != nil {
		return nil, false, err
	}
	if err := checkMembership(store.ConversationDirect, participants); err != nil {
		return nil, false, err
	}

	s.directMu.Lock()
	defer s.directMu.Unlock()

	existing, err := s.store.FindDirectConversation(ctx, participants[0], participants[1])
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("finding direct conversation: %w", err)
	}

	conv, err = s.CreateConversation(ctx, &CreateRequest{
		Kind:         store.ConversationDirect,
		Participants: participants,
	})
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// GetConversation returns a conversation with its messages.
func (s *Service) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return conv, nil
}

// ListConversations returns summaries, most recent activity first.
func (s *Service) ListConversations(ctx context.Context) ([]*store.Conversation, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}

// ListMessages returns the ordered message sequence of a conversation.
func (s *Service) ListMessages(ctx context.Context, id string) ([]store.Message, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// AddReaction appends one (user, emoji) pair to a message.
func (s *Service) AddReaction(ctx context.Context, conversationID, messageID string, reaction store.Reaction) error {
	if reaction.UserID == "" {
		return fmt.Errorf("%w: reaction userId is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(reaction.Emoji) == "" {
		return fmt.Errorf("%w: reaction emoji is required", ErrInvalidMessage)
	}
	if err := s.store.AppendReaction(ctx, conversationID, messageID, reaction); err != nil {
		return fmt.Errorf("adding reaction: %w", err)
	}
	return nil
}

// MarkRead resets the shared unread counter.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	if err := s.store.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	return nil
}

// UpdateParticipants replaces the membership of a group conversation.
// Direct conversations have fixed membership.
func (s *Service) UpdateParticipants(ctx context.Context, id string, participants []string) error {
	normalized, err := normalizeParticipants(participants)
	if err != nil {
		return err
	}

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("getting conversation %s: %w", id, err)
	}
	if conv.Kind != store.ConversationGroup {
		return fmt.Errorf("%w: membership of a %s conversation is fixed", ErrInvalidConversation, conv.Kind)
	}
	if err := checkMembership(store.ConversationGroup, normalized); err != nil {
		return err
	}

	if err := s.store.UpdateParticipants(ctx, id, normalized); err != nil {
		return fmt.Errorf("updating participants: %w", err)
	}
	s.logger.Info("participants updated", "conversation_id", id, "participants", len(normalized))
	return nil
}

// DeleteConversation removes a conversation and all its messages.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	s.logger.Info("conversation deleted", "conversation_id", id)
	return nil
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
