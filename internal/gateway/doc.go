// Package gateway serves the real-time conversation subsystem over HTTP.
//
// # Overview
//
// The gateway owns the HTTP server and everything hanging off it: the
// WebSocket endpoint, the fallback JSON API, health checks and metrics.
// It wires a store.Store, the conversation.Service dispatcher and the
// room.Multiplexer together and manages their lifecycle.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config       *config.Config
//	    store        store.Store
//	    conversation *conversation.Service
//	    rooms        *room.Multiplexer
//	    conns        *registry
//	    sequencer    *sequencer
//	    metrics      *metrics
//	    // ... and more
//	}
//
// # Socket Protocol
//
// Clients connect to GET /ws. Every frame is JSON:
//
//	{"type": "sendMessage", "data": {"conversationId": "...", "senderId": "u1", "content": "hi", "kind": "text"}}
//
// Inbound: joinRoom, leaveRoom, sendMessage, typing, stopTyping, ping.
// Outbound: connected, messageReceived, messageFailed, userTyping,
// userStoppedTyping, pong, error.
//
// Each connection has one read loop, which handles frames one at a time in
// arrival order, and one write loop fed by a bounded buffer. A connection
// whose buffer fills is closed rather than allowed to miss messages.
//
// # Send Flow
//
//  1. Validate; invalid messages fail without touching the store
//  2. Acquire the conversation's sequencer slot
//  3. conversation.Service.Submit persists the message
//  4. Unless the sender already gave up, broadcast messageReceived to the
//     room, then release the slot
//
// The connection waits at most gateway.dispatch_timeout. A send still
// running after that is reported with code "timeout" and is never
// broadcast; if the persist lands anyway the message shows up on reload
// and a retry with the same clientMessageId is a duplicate. All failures go
// to the sender only.
//
// # HTTP API
//
//   - GET    /api/conversations
//   - POST   /api/conversations
//   - GET    /api/conversations/{id}
//   - DELETE /api/conversations/{id}
//   - PUT    /api/conversations/{id}/participants
//   - GET    /api/conversations/{id}/messages
//   - POST   /api/conversations/{id}/messages (never broadcast)
//   - POST   /api/conversations/{id}/messages/{messageId}/reactions
//   - POST   /api/conversations/{id}/read
//   - POST   /api/direct
//   - GET    /health, /health/ready
//   - GET    /metrics (when enabled)
//
// Errors are {"error": "...", "code": "..."} with 400/401/404/409/503/500.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is canceled and shutdown completes
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - connection.go: socket pumps, connection registry
//   - handlers.go: socket event handling and the send flow
//   - api.go: fallback HTTP handlers
//   - metrics.go: Prometheus collectors
package gateway
