// Package store persists conversations and their messages.
//
// # Architecture
//
// Store is the single persistence interface. Three implementations exist:
//
//   - SQLiteStore: default backend (modernc.org/sqlite, WAL, one serialized connection)
//   - MongoStore: one document per conversation with the messages embedded
//   - MockStore: in-memory, for unit tests
//
// # Data Model
//
//   - Conversation: participants, kind (direct or group), optional group
//     reference, the ordered message sequence, a denormalized preview of the
//     last message and a shared unread counter
//   - Message: sender, content, kind (text, image or file), optional
//     attachment URL, append-only reactions and a store-assigned timestamp
//
// # Append Semantics
//
// AppendMessage is the only operation that touches several fields at once.
// It inserts the message, overwrites the preview and increments the unread
// counter as one unit. SQLite does this in a single transaction and clamps the
// timestamp so it strictly increases within a conversation; MongoDB does it in
// a single FindOneAndUpdate.
//
// # Error Handling
//
//   - ErrNotFound: the conversation or message does not exist
//   - ErrUnavailable: wraps every backend failure; the driver error stays in
//     the chain for errors.Is and logging
//
// # Testing
//
// Use NewMockStore() for unit tests. store_test.go runs the same behavioral
// cases against every backend; the MongoDB run is skipped unless
// CONVO_TEST_MONGO_URI is set.
package store
