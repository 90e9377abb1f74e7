// ABOUTME: Fallback HTTP API: synchronous JSON request/response over the conversation service
// ABOUTME: Writes here are never broadcast; clients re-fetch state afterwards

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/2389/convo-gateway/internal/auth"
	"github.com/2389/convo-gateway/internal/conversation"
	"github.com/2389/convo-gateway/internal/store"
)

// maxBodyBytes caps API request bodies.
const maxBodyBytes = 1 << 20

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	Kind         store.ConversationKind `json:"kind,omitempty"`
	Participants []string               `json:"participants"`
	GroupRef     *string                `json:"groupRef,omitempty"`
}

// DirectConversationRequest is the JSON request body for POST /api/direct.
type DirectConversationRequest struct {
	Participants []string `json:"participants"`
}

// DirectConversationResponse is the JSON response for POST /api/direct.
type DirectConversationResponse struct {
	Conversation *store.Conversation `json:"conversation"`
	Created      bool                `json:"created"`
}

// UpdateParticipantsRequest is the JSON request body for PUT /api/conversations/{id}/participants.
type UpdateParticipantsRequest struct {
	Participants []string `json:"participants"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	SenderID        string            `json:"senderId"`
	Content         string            `json:"content"`
	Kind            store.MessageKind `json:"kind,omitempty"`
	AttachmentURL   string            `json:"attachmentUrl,omitempty"`
	AttachmentName  string            `json:"attachmentName,omitempty"`
	ClientMessageID string            `json:"clientMessageId,omitempty"`
}

// ReactionRequest is the JSON request body for POST .../messages/{messageId}/reactions.
type ReactionRequest struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []*store.Conversation `json:"conversations"`
}

// ListMessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type ListMessagesResponse struct {
	ConversationID string          `json:"conversationId"`
	Messages       []store.Message `json:"messages"`
}

// registerAPIRoutes mounts the fallback API on mux behind the auth middleware.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, requireAuth func(http.Handler) http.Handler) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"GET /api/conversations", g.handleListConversations},
		{"POST /api/conversations", g.handleCreateConversation},
		{"GET /api/conversations/{id}", g.handleGetConversation},
		{"DELETE /api/conversations/{id}", g.handleDeleteConversation},
		{"PUT /api/conversations/{id}/participants", g.handleUpdateParticipants},
		{"GET /api/conversations/{id}/messages", g.handleListMessages},
		{"POST /api/conversations/{id}/messages", g.handleSendMessageHTTP},
		{"POST /api/conversations/{id}/messages/{messageId}/reactions", g.handleAddReaction},
		{"POST /api/conversations/{id}/read", g.handleMarkRead},
		{"POST /api/direct", g.handleOpenDirect},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, requireAuth(rt.handler))
	}
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	g.sendJSON(w, status, errorPayload{Error: message, Code: code})
}

// sendServiceError maps a service error to its status and code.
func (g *Gateway) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := classify(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		g.logger.Debug("api request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	g.sendJSONError(w, status, code, publicMessage(code, err))
}

// decodeBody parses a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// requireParticipant rejects an authenticated caller that is not one of participants.
func requireParticipant(id *auth.Identity, participants []string) error {
	if id == nil || slices.Contains(participants, id.UserID) {
		return nil
	}
	return fmt.Errorf("%w: %q is not a participant", auth.ErrSenderMismatch, id.UserID)
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.conversation.ListConversations(r.Context())
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ListConversationsResponse{Conversations: convs})
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, codeInvalidConversation, err.Error())
		return
	}
	if err := requireParticipant(auth.FromContext(r.Context()), req.Participants); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	conv, err := g.conversation.CreateConversation(context.WithoutCancel(r.Context()), &conversation.CreateRequest{
		Kind:         req.Kind,
		Participants: req.Participants,
		GroupRef:     req.GroupRef,
	})
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, conv)
}

// handleOpenDirect handles POST /api/direct: find or create the direct
// conversation between two users.
func (g *Gateway) handleOpenDirect(w http.ResponseWriter, r *http.Request) {
	var req DirectConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, codeInvalidConversation, err.Error())
		return
	}
	if len(req.Participants) != 2 {
		g.sendJSONError(w, http.StatusBadRequest, codeInvalidConversation, "participants must name exactly two users")
		return
	}
	if err := requireParticipant(auth.FromContext(r.Context()), req.Participants); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	conv, created, err := g.conversation.OpenDirect(context.WithoutCancel(r.Context()), req.Participants[0], req.Participants[1])
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.sendJSON(w, status, DirectConversationResponse{Conversation: conv, Created: created})
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, conv)
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := g.conversation.DeleteConversation(context.WithoutCancel(r.Context()), r.PathValue("id")); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateParticipants handles PUT /api/conversations/{id}/participants.
func (g *Gateway) handleUpdateParticipants(w http.ResponseWriter, r *http.Request) {
	var req UpdateParticipantsRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, codeInvalidConversation, err.Error())
		return
	}
	if err := g.conversation.UpdateParticipants(context.WithoutCancel(r.Context()), r.PathValue("id"), req.Participants); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := g.conversation.ListMessages(r.Context(), id)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ListMessagesResponse{ConversationID: id, Messages: msgs})
}

// handleSendMessageHTTP handles POST /api/conversations/{id}/messages.
// It calls the same Submit as the socket path but never broadcasts.
func (g *Gateway) handleSendMessageHTTP(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, codeInvalidMessage, err.Error())
		return
	}
	if err := auth.CheckActor(auth.FromContext(r.Context()), req.SenderID); err != nil {
		g.metrics.failures.WithLabelValues(codeUnauthorized).Inc()
		g.sendServiceError(w, r, err)
		return
	}

	// A client that hangs up must not abort a persist that already started.
	msg, err := g.conversation.Submit(context.WithoutCancel(r.Context()), &conversation.SubmitRequest{
		ConversationID:  r.PathValue("id"),
		SenderID:        req.SenderID,
		Content:         req.Content,
		Kind:            req.Kind,
		AttachmentURL:   req.AttachmentURL,
		AttachmentName:  req.AttachmentName,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		code, _ := classify(err)
		g.metrics.failures.WithLabelValues(code).Inc()
		g.sendServiceError(w, r, err)
		return
	}
	g.metrics.persisted.WithLabelValues(pathHTTP).Inc()
	g.sendJSON(w, http.StatusCreated, msg)
}

// handleAddReaction handles POST /api/conversations/{id}/messages/{messageId}/reactions.
func (g *Gateway) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, codeInvalidMessage, err.Error())
		return
	}
	if err := auth.CheckActor(auth.FromContext(r.Context()), req.UserID); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	err := g.conversation.AddReaction(context.WithoutCancel(r.Context()), r.PathValue("id"), r.PathValue("messageId"), store.Reaction{
		UserID: req.UserID,
		Emoji:  req.Emoji,
	})
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := g.conversation.MarkRead(context.WithoutCancel(r.Context()), r.PathValue("id")); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
