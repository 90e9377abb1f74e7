// ABOUTME: Wire frames exchanged over the socket: {"type": ..., "data": ...}
// ABOUTME: Event names, payload shapes and failure codes shared with the HTTP API

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/2389/convo-gateway/internal/store"
)

// Inbound events
const (
	eventJoinRoom    = "joinRoom"
	eventLeaveRoom   = "leaveRoom"
	eventSendMessage = "sendMessage"
	eventTyping      = "typing"
	eventStopTyping  = "stopTyping"
	eventPing        = "ping"
)

// Outbound events
const (
	eventConnected         = "connected"
	eventMessageReceived   = "messageReceived"
	eventMessageFailed     = "messageFailed"
	eventUserTyping        = "userTyping"
	eventUserStoppedTyping = "userStoppedTyping"
	eventPong              = "pong"
	eventError             = "error"
)

// Failure codes carried in messageFailed, error frames and API error bodies.
const (
	codeInvalidMessage      = "invalid_message"
	codeInvalidConversation = "invalid_conversation"
	codeNotFound            = "not_found"
	codeStoreUnavailable    = "store_unavailable"
	codeDuplicate           = "duplicate"
	codeUnauthorized        = "unauthorized"
	codeRateLimited         = "rate_limited"
	codeTimeout             = "timeout"
	codeBadFrame            = "bad_frame"
	codeUnknownEvent        = "unknown_event"
	codeInternal            = "internal"
)

// inboundFrame is decoded in two steps: the envelope first, then Data by type.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outboundFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

type sendMessagePayload struct {
	ConversationID  string            `json:"conversationId"`
	SenderID        string            `json:"senderId"`
	Content         string            `json:"content"`
	Kind            store.MessageKind `json:"kind"`
	AttachmentURL   string            `json:"attachmentUrl,omitempty"`
	AttachmentName  string            `json:"attachmentName,omitempty"`
	ClientMessageID string            `json:"clientMessageId,omitempty"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type connectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
}

type messageReceivedPayload struct {
	ConversationID  string         `json:"conversationId"`
	Message         *store.Message `json:"message"`
	ClientMessageID string         `json:"clientMessageId,omitempty"`
}

type messageFailedPayload struct {
	Error           string `json:"error"`
	Code            string `json:"code"`
	ConversationID  string `json:"conversationId,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// encodeFrame marshals an outbound event once so a broadcast can hand the
// same bytes to every member.
func encodeFrame(eventType string, data any) ([]byte, error) {
	frame, err := json.Marshal(outboundFrame{Type: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", eventType, err)
	}
	return frame, nil
}

// decodePayload unmarshals the data of an inbound frame into v.
func decodePayload(f *inboundFrame, v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s: missing data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%s: invalid data: %w", f.Type, err)
	}
	return nil
}

// knownInbound bounds the label set of the inbound events metric.
var knownInbound = map[string]bool{
	eventJoinRoom:    true,
	eventLeaveRoom:   true,
	eventSendMessage: true,
	eventTyping:      true,
	eventStopTyping:  true,
	eventPing:        true,
}
