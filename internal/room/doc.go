// Package room fans frames out to the connections joined to a conversation.
//
// A room is named by a conversation ID and exists only while it has members.
// Membership is in-memory and scoped to one gateway process; it is lost on
// restart and clients rejoin after reconnecting.
//
// Broadcast never blocks on a slow member. Members enqueue into their own
// bounded buffer and close themselves when it is full, so a client that falls
// behind reconnects and reloads history instead of silently missing messages.
package room
