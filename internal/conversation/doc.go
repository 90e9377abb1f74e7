// Package conversation is the write side shared by every delivery path.
//
// # Service
//
// Service validates inbound messages and forwards them to the store:
//
//	svc := conversation.New(store, dedupeCache, logger)
//	msg, err := svc.Submit(ctx, &conversation.SubmitRequest{...})
//
// Submit performs exactly one Store.AppendMessage and returns the canonical
// stored message (server-assigned ID and timestamp). It never retries and
// never broadcasts; the caller decides what to do with the result. The socket
// gateway broadcasts it to the room, the HTTP fallback returns it to the client.
//
// # Validation
//
//   - conversationId and senderId are required
//   - an empty kind means text
//   - text needs non-blank content and no attachment
//   - image and file need an attachmentUrl; content is an optional caption
//
// Failures wrap ErrInvalidMessage and write nothing.
//
// # Idempotency
//
// When a dedupe cache is configured and the request carries a
// ClientMessageID, the pair (conversation, client ID) is reserved before the
// append. A second submit with the same pair returns ErrDuplicateMessage. A
// failed append releases the reservation so the client can retry.
//
// # Conversation Operations
//
//   - CreateConversation, OpenDirect (find-or-create a direct pair)
//   - GetConversation, ListConversations, ListMessages
//   - AddReaction, MarkRead, UpdateParticipants (groups only), DeleteConversation
package conversation
