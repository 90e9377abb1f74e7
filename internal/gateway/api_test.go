// ABOUTME: Tests for the fallback HTTP API handlers
// ABOUTME: Verifies request handling, status mapping, auth and that writes are not broadcast

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convo-gateway/internal/auth"
	"github.com/2389/convo-gateway/internal/config"
	"github.com/2389/convo-gateway/internal/store"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

func createDirect(t *testing.T, gw *Gateway, a, b string) *store.Conversation {
	t.Helper()
	conv, _, err := gw.conversation.OpenDirect(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func doJSON(t *testing.T, gw *Gateway, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func postJSON(t *testing.T, gw *Gateway, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, gw, http.MethodPost, path, body, nil)
}

func getJSON(t *testing.T, gw *Gateway, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := doJSON(t, gw, http.MethodGet, path, nil, nil)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var e errorPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), "body: %s", rec.Body.String())
	return e
}

func bearer(t *testing.T, userID string) http.Header {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := v.Generate(userID, time.Hour)
	require.NoError(t, err)
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func TestCreateConversation(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), nil)

	rec := postJSON(t, gw, "/api/conversations", CreateConversationRequest{Participants: []string{"u1", "u2"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var conv store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, store.ConversationDirect, conv.Kind)
	assert.Equal(t, []string{"u1", "u2"}, conv.Participants)
	assert.Equal(t, 0, conv.UnreadCount)

	ref := "team-7"
	rec = postJSON(t, gw, "/api/conversations", CreateConversationRequest{Participants: []string{"u1", "u2", "u3"}, GroupRef: &ref})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, store.ConversationGroup, conv.Kind)
	require.NotNil(t, conv.GroupRef)
	assert.Equal(t, "team-7", *conv.GroupRef)
}

func TestCreateConversation_Invalid(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), nil)

	tests := []struct {
		name string
		body any
	}{
		{"direct with one participant", CreateConversationRequest{Kind: store.ConversationDirect, Participants: []string{"u1"}}},
		{"empty participant", CreateConversationRequest{Participants: []string{"u1", ""}}},
		{"unknown kind", CreateConversationRequest{Kind: "channel", Participants: []string{"u1", "u2"}}},
		{"not json", "participants"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, gw, "/api/conversations", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, codeInvalidConversation, decodeAPIError(t, rec).Code)
		})
	}
}

func TestListConversations_MostRecentFirst(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), nil)
	older := createDirect(t, gw, "u1", "u2")
	newer := createDirect(t, gw, "u1", "u3")

	rec := postJSON(t, gw, "/api/conversations/"+older.ID+"/messages", SendMessageRequest{SenderID: "u1", Content: "bump"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp ListConversationsResponse
	rec = getJSON(t, gw, "/api/conversations", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp.Conversations, 2)
	assert.Equal(t, older.ID, resp.Conversations[0].ID)
	assert.Equal(t, newer.ID, resp.Conversations[1].ID)
	require.NotNil(t, resp.Conversations[0].LastMessage)
	assert.Equal(t, "bump", resp.Conversations[0].LastMessage.Content)
}

// Fallback send then markRead, checked against the store.
func TestSendMessage_HTTPScenario(t *testing.T) {
	ms := store.NewMockStore()
	gw := newTestGateway(t, ms, nil)
	conv := createDirect(t, gw, "u1", "u2")

	rec := postJSON(t, gw, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{
		SenderID: "u1",
		Content:  "hi",
		Kind:     store.MessageText,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var msg store.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())

	got, err := ms.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "u1", got.Messages[0].SenderID)
	assert.Equal(t, "hi", got.Messages[0].Content)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "hi", got.LastMessage.Content)
	assert.Equal(t, 1, got.UnreadCount)

	rec = postJSON(t, gw, "/api/conversations/"+conv.ID+"/read", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err = ms.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCount)
	assert.Len(t, got.Messages, 1)
}

func TestSendMessage_HTTPErrors(t *testing.T) {
	ms := store.NewMockStore()
	gw := newTestGateway(t, ms, nil)
	conv := createDirect(t, gw, "u1", "u2")
	path := "/api/conversations/" + conv.ID + "/messages"

	t.Run("empty content", func(t *testing.T) {
		rec := postJSON(t, gw, path, SendMessageRequest{SenderID: "u1", Content: "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, codeInvalidMessage, decodeAPIError(t, rec).Code)
	})

	t.Run("image without attachment", func(t *testing.T) {
		rec := postJSON(t, gw, path, SendMessageRequest{SenderID: "u1", Kind: store.MessageImage})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		rec := postJSON(t, gw, "/api/conversations/nope/messages", SendMessageRequest{SenderID: "u1", Content: "hi"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, codeNotFound, decodeAPIError(t, rec).Code)
	})

	t.Run("duplicate client message id", func(t *testing.T) {
		body := SendMessageRequest{SenderID: "u1", Content: "once", ClientMessageID: "c-1"}
		require.Equal(t, http.StatusCreated, postJSON(t, gw, path, body).Code)

		rec := postJSON(t, gw, path, body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, codeDuplicate, decodeAPIError(t, rec).Code)
	})

	t.Run("store unavailable", func(t *testing.T) {
		ms.SetAppendHook(func(ctx context.Context, id string) error {
			return fmt.Errorf("appending: %w: %w", store.ErrUnavailable, errors.New("disk full"))
		})
		defer ms.SetAppendHook(nil)

		rec := postJSON(t, gw, path, SendMessageRequest{SenderID: "u1", Content: "hi"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		e := decodeAPIError(t, rec)
		assert.Equal(t, codeStoreUnavailable, e.Code)
		assert.NotContains(t, e.Error, "disk full")
	})

	got, err := ms.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1, "only the first deduped send is stored")
}

func TestSendMessage_HTTPWithAttachment(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), nil)
	conv := createDirect(t, gw, "u1", "u2")

	rec := postJSON(t, gw, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{
		SenderID:       "u1",
		Kind:           store.MessageFile,
		AttachmentURL:  "https://files.example/report.pdf",
		AttachmentName: "report.pdf",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var msg store.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "report.pdf", msg.Attachment.Name)
	assert.Equal(t, store.MessageFile, msg.Kind)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, "https://files.example/report.pdf", raw["attachmentUrl"])
	assert.Equal(t, "report.pdf", raw["attachmentName"])
	assert.NotContains(t, raw, "attachment")
}

func TestListMessages(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), nil)
	conv := createDirect(t, gw, "u1", "u2")
	path := "/api/conversations/" + conv.ID + "/messages"

	for _, content := range []string{"one", "two", "three"} {
		require.Equal(t, http.StatusCreated, postJSON(t, gw, path, SendMessageRequest{SenderID: "u2", Content: content}).Code)
	}

	var resp ListMessagesResponse
	rec := getJSON(t, gw, path, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conv.ID, resp.ConversationID)
	require.Len(t, resp.Messages, 3)
	for i, content := range []string{"one", "two", "three"} {
		assert.Equal(t, content, resp.Messages[i].Content)
	}
	assert.True(t, resp.Messages[0].Timestamp.Before(resp.Messages[2].Timestamp))

	rec = getJSON(t, gw, "/api/conversations/missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddReaction_AppendsEvenDuplicates(t *testing.T) {
	ms := store.NewMockStore()
	gw := newTestGateway(t, ms, nil)
	conv := createDirect(t, gw, "u1", "u2")

	rec := postJSON(t, gw, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{SenderID: "u1", Content: "hi"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var msg store.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))

	path := "/api/conversations/" + conv.ID + "/messages/" + msg.ID + "/reactions"
	for i := 1; i <= 2; i++ {
		rec = postJSON(t, gw, path, ReactionRequest{UserID: "u2", Emoji: "👍"})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

		got, err := ms.GetConversation(context.Background(), conv.ID)
		require.NoError(t, err)
		assert.Len(t, got.Messages[0].Reactions, i)
	}

	rec = postJSON(t, gw, "/api/conversations/"+conv.ID+"/messages/missing/reactions", ReactionRequest{UserID: "u2", Emoji: "👍"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(t, gw, path, ReactionRequest{UserID: "u2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkRead_Unknown(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), nil)

	rec := postJSON(t, gw, "/api/conversations/missing/read", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, decodeAPIError(t, rec).Code)
}

func TestOpenDirect(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), nil)

	rec := postJSON(t, gw, "/api/direct", DirectConversationRequest{Participants: []string{"u1", "u2"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first DirectConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.True(t, first.Created)

	rec = postJSON(t, gw, "/api/direct", DirectConversationRequest{Participants: []string{"u2", "u1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var second DirectConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)

	rec = postJSON(t, gw, "/api/direct", DirectConversationRequest{Participants: []string{"u1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateParticipants(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), nil)

	rec := postJSON(t, gw, "/api/conversations", CreateConversationRequest{Kind: store.ConversationGroup, Participants: []string{"u1", "u2", "u3"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var group store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &group))

	rec = doJSON(t, gw, http.MethodPut, "/api/conversations/"+group.ID+"/participants",
		UpdateParticipantsRequest{Participants: []string{"u1", "u4"}}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	var got store.Conversation
	getJSON(t, gw, "/api/conversations/"+group.ID, &got)
	assert.Equal(t, []string{"u1", "u4"}, got.Participants)

	direct := createDirect(t, gw, "u1", "u2")
	rec = doJSON(t, gw, http.MethodPut, "/api/conversations/"+direct.ID+"/participants",
		UpdateParticipantsRequest{Participants: []string{"u1", "u3"}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidConversation, decodeAPIError(t, rec).Code)
}

func TestDeleteConversation(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), nil)
	conv := createDirect(t, gw, "u1", "u2")

	rec := doJSON(t, gw, http.MethodDelete, "/api/conversations/"+conv.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = getJSON(t, gw, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, gw, http.MethodDelete, "/api/conversations/"+conv.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), nil)

	rec := doJSON(t, gw, http.MethodPatch, "/api/conversations", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAPI_AuthEnabled(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), func(cfg *config.Config) {
		cfg.Auth.JWTSecret = testSecret
	})
	conv := createDirect(t, gw, "u1", "u2")
	path := "/api/conversations/" + conv.ID + "/messages"

	t.Run("missing token", func(t *testing.T) {
		rec := doJSON(t, gw, http.MethodGet, "/api/conversations", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, codeUnauthorized, decodeAPIError(t, rec).Code)
	})

	t.Run("health stays open", func(t *testing.T) {
		rec := doJSON(t, gw, http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("sender matches token", func(t *testing.T) {
		rec := doJSON(t, gw, http.MethodPost, path, SendMessageRequest{SenderID: "u1", Content: "hi"}, bearer(t, "u1"))
		assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})

	t.Run("sender spoofed", func(t *testing.T) {
		rec := doJSON(t, gw, http.MethodPost, path, SendMessageRequest{SenderID: "u2", Content: "hi"}, bearer(t, "u1"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, codeUnauthorized, decodeAPIError(t, rec).Code)
	})

	t.Run("create without self", func(t *testing.T) {
		rec := doJSON(t, gw, http.MethodPost, "/api/conversations",
			CreateConversationRequest{Participants: []string{"u2", "u3"}}, bearer(t, "u1"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

// A fallback write is persisted but never announced to the room.
func TestSendMessage_HTTPDoesNotBroadcast(t *testing.T) {
	ms := store.NewMockStore()
	gw := newTestGateway(t, ms, nil)
	srv := startTestServer(t, gw)
	conv := createDirect(t, gw, "u1", "u2")

	member := dial(t, srv, nil)
	member.join(conv.ID)

	rec := postJSON(t, gw, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{SenderID: "u1", Content: "offline"})
	require.Equal(t, http.StatusCreated, rec.Code)

	member.sync()

	got, err := ms.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)
}
