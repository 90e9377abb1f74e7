// ABOUTME: Socket event handlers: rooms, typing relay and the sendMessage dispatch flow
// ABOUTME: Persist then broadcast under the conversation sequencer; failures go to the sender only

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/2389/convo-gateway/internal/auth"
	"github.com/2389/convo-gateway/internal/conversation"
	"github.com/2389/convo-gateway/internal/store"
)

// handleFrame decodes one inbound frame and routes it by type.
func (g *Gateway) handleFrame(c *Connection, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		g.sendError(c, codeBadFrame, "malformed frame")
		return
	}

	label := f.Type
	if !knownInbound[label] {
		label = "unknown"
	}
	g.metrics.events.WithLabelValues(label).Inc()

	if !c.allow() {
		g.rejectRateLimited(c, &f)
		return
	}

	switch f.Type {
	case eventJoinRoom:
		g.handleJoinRoom(c, &f)
	case eventLeaveRoom:
		g.handleLeaveRoom(c, &f)
	case eventSendMessage:
		g.handleSendMessage(c, &f)
	case eventTyping:
		g.handleTyping(c, &f, eventUserTyping)
	case eventStopTyping:
		g.handleTyping(c, &f, eventUserStoppedTyping)
	case eventPing:
		_ = c.Send(eventPong, struct{}{})
	default:
		g.sendError(c, codeUnknownEvent, fmt.Sprintf("unknown event %q", f.Type))
	}
}

func (g *Gateway) sendError(c *Connection, code, msg string) {
	_ = c.Send(eventError, errorPayload{Error: msg, Code: code})
}

func (g *Gateway) rejectRateLimited(c *Connection, f *inboundFrame) {
	if f.Type != eventSendMessage {
		g.sendError(c, codeRateLimited, "too many events")
		return
	}
	var p sendMessagePayload
	_ = decodePayload(f, &p)
	g.metrics.failures.WithLabelValues(codeRateLimited).Inc()
	_ = c.Send(eventMessageFailed, messageFailedPayload{
		Error:           "too many events",
		Code:            codeRateLimited,
		ConversationID:  p.ConversationID,
		ClientMessageID: p.ClientMessageID,
	})
}

func (g *Gateway) decodeRoom(c *Connection, f *inboundFrame) (string, bool) {
	var p roomPayload
	if err := decodePayload(f, &p); err != nil {
		g.sendError(c, codeBadFrame, err.Error())
		return "", false
	}
	if p.ConversationID == "" {
		g.sendError(c, codeBadFrame, f.Type+": conversationId is required")
		return "", false
	}
	return p.ConversationID, true
}

func (g *Gateway) handleJoinRoom(c *Connection, f *inboundFrame) {
	roomID, ok := g.decodeRoom(c, f)
	if !ok {
		return
	}
	if g.rooms.Join(roomID, c) {
		c.logger.Debug("joined room", "conversation_id", roomID)
	}
}

func (g *Gateway) handleLeaveRoom(c *Connection, f *inboundFrame) {
	roomID, ok := g.decodeRoom(c, f)
	if !ok {
		return
	}
	if g.rooms.Leave(roomID, c.id) {
		c.logger.Debug("left room", "conversation_id", roomID)
	}
}

// handleTyping relays typing state to the rest of the room. Nothing is
// persisted and a dropped relay is not retried.
func (g *Gateway) handleTyping(c *Connection, f *inboundFrame, outType string) {
	var p typingPayload
	if err := decodePayload(f, &p); err != nil {
		g.sendError(c, codeBadFrame, err.Error())
		return
	}
	if p.ConversationID == "" || p.UserID == "" {
		g.sendError(c, codeBadFrame, f.Type+": conversationId and userId are required")
		return
	}
	if err := auth.CheckActor(c.identity, p.UserID); err != nil {
		g.sendError(c, codeUnauthorized, err.Error())
		return
	}

	frame, err := encodeFrame(outType, p)
	if err != nil {
		c.logger.Error("encoding typing frame", "error", err)
		return
	}
	n := g.rooms.Broadcast(p.ConversationID, frame, c.id)
	g.metrics.deliveries.Add(float64(n))
}

// dispatchResult is the outcome of one persist.
type dispatchResult struct {
	msg *store.Message
	err error
}

const (
	attemptPending int32 = iota
	attemptDelivering
	attemptAbandoned
)

// sendAttempt decides, exactly once, whether a persisted message is
// announced or whether the sender has already been told it failed.
type sendAttempt struct {
	state atomic.Int32
}

// claim reserves the attempt for broadcast. It fails once abandoned.
func (a *sendAttempt) claim() bool {
	return a.state.CompareAndSwap(attemptPending, attemptDelivering)
}

// abandon marks the attempt failed. It fails once a broadcast has been claimed.
func (a *sendAttempt) abandon() bool {
	return a.state.CompareAndSwap(attemptPending, attemptAbandoned)
}

// handleSendMessage persists a message and broadcasts it to the room.
// The connection waits at most dispatch_timeout. A send that times out is
// reported as failed and is never broadcast, even if the persist lands later.
func (g *Gateway) handleSendMessage(c *Connection, f *inboundFrame) {
	var p sendMessagePayload
	if err := decodePayload(f, &p); err != nil {
		g.failSend(c, &p, fmt.Errorf("%w: %w", conversation.ErrInvalidMessage, err))
		return
	}
	if err := auth.CheckActor(c.identity, p.SenderID); err != nil {
		g.failSend(c, &p, err)
		return
	}

	req := &conversation.SubmitRequest{
		ConversationID:  p.ConversationID,
		SenderID:        p.SenderID,
		Content:         p.Content,
		Kind:            p.Kind,
		AttachmentURL:   p.AttachmentURL,
		AttachmentName:  p.AttachmentName,
		ClientMessageID: p.ClientMessageID,
	}

	// Validation failures never reach the store or the sequencer.
	if _, err := conversation.Validate(req); err != nil {
		g.failSend(c, &p, err)
		return
	}

	attempt := &sendAttempt{}
	results := g.dispatch(c, req, attempt)

	timer := time.NewTimer(g.config.Gateway.DispatchTimeout)
	defer timer.Stop()

	var res dispatchResult
	select {
	case res = <-results:
	case <-timer.C:
		if attempt.abandon() {
			g.failSend(c, &p, fmt.Errorf("%w after %s", errDispatchTimeout, g.config.Gateway.DispatchTimeout))
			return
		}
		// The broadcast is already under way; its result follows at once.
		res = <-results
	}
	if res.err != nil {
		g.failSend(c, &p, res.err)
	}
}

var errDispatchTimeout = errors.New("message not confirmed in time")

// dispatch runs persist-then-broadcast on a gateway-scoped context so the
// persist is not abandoned when the sender stops waiting or disconnects.
// Once shutdown has begun no new dispatch starts.
func (g *Gateway) dispatch(origin *Connection, req *conversation.SubmitRequest, attempt *sendAttempt) <-chan dispatchResult {
	out := make(chan dispatchResult, 1)

	g.dispatchMu.Lock()
	if g.closing {
		g.dispatchMu.Unlock()
		out <- dispatchResult{err: fmt.Errorf("%w: gateway shutting down", store.ErrUnavailable)}
		return out
	}
	g.dispatchWG.Add(1)
	g.dispatchMu.Unlock()

	go func() {
		defer g.dispatchWG.Done()
		msg, err := g.persistAndBroadcast(g.baseCtx, origin, req, attempt)
		out <- dispatchResult{msg: msg, err: err}
	}()

	return out
}

func (g *Gateway) persistAndBroadcast(ctx context.Context, origin *Connection, req *conversation.SubmitRequest, attempt *sendAttempt) (*store.Message, error) {
	release, err := g.sequencer.acquire(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("waiting for conversation %s: %w", req.ConversationID, err)
	}
	defer release()

	start := time.Now()
	msg, err := g.conversation.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	g.metrics.dispatch.Observe(time.Since(start).Seconds())
	g.metrics.persisted.WithLabelValues(pathSocket).Inc()

	if !attempt.claim() {
		// The sender was already told this send failed. Readers find the
		// message on reload; a retry with the same clientMessageId is a duplicate.
		g.logger.Warn("persisted after sender timed out, not broadcast",
			"conversation_id", req.ConversationID,
			"message_id", msg.ID,
			"client_message_id", req.ClientMessageID)
		return msg, nil
	}

	frame, err := encodeFrame(eventMessageReceived, messageReceivedPayload{
		ConversationID:  req.ConversationID,
		Message:         msg,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		// Persisted but not announceable; members pick it up on reload.
		g.logger.Error("encoding broadcast", "error", err, "message_id", msg.ID)
		return msg, nil
	}

	// The sender always gets exactly one copy, joined to the room or not.
	n := g.rooms.Broadcast(req.ConversationID, frame, origin.id)
	if origin.Deliver(frame) {
		n++
	}
	g.metrics.deliveries.Add(float64(n))
	return msg, nil
}

// failSend reports a definite failure to the originating connection only.
func (g *Gateway) failSend(c *Connection, p *sendMessagePayload, err error) {
	code, _ := classify(err)
	g.metrics.failures.WithLabelValues(code).Inc()
	c.logger.Info("send failed", "conversation_id", p.ConversationID, "code", code, "error", err)

	_ = c.Send(eventMessageFailed, messageFailedPayload{
		Error:           publicMessage(code, err),
		Code:            code,
		ConversationID:  p.ConversationID,
		ClientMessageID: p.ClientMessageID,
	})
}

// classify maps an error to its wire code and HTTP status.
func classify(err error) (code string, status int) {
	switch {
	case errors.Is(err, conversation.ErrInvalidMessage):
		return codeInvalidMessage, http.StatusBadRequest
	case errors.Is(err, conversation.ErrInvalidConversation):
		return codeInvalidConversation, http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return codeNotFound, http.StatusNotFound
	case errors.Is(err, conversation.ErrDuplicateMessage):
		return codeDuplicate, http.StatusConflict
	case errors.Is(err, auth.ErrSenderMismatch):
		return codeUnauthorized, http.StatusUnauthorized
	case errors.Is(err, store.ErrUnavailable):
		return codeStoreUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, errDispatchTimeout):
		return codeTimeout, http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return codeStoreUnavailable, http.StatusServiceUnavailable
	default:
		return codeInternal, http.StatusInternalServerError
	}
}

// publicMessage hides internal error detail from clients.
func publicMessage(code string, err error) string {
	switch code {
	case codeStoreUnavailable:
		return "store unavailable"
	case codeInternal:
		return "internal server error"
	case codeNotFound:
		return "not found"
	case codeTimeout:
		return "message not confirmed in time; reload before retrying"
	default:
		return err.Error()
	}
}
