// ABOUTME: In-memory room multiplexer mapping conversations to joined connections
// ABOUTME: Fans encoded frames out to every member of a room without blocking

package room

import (
	"log/slog"
	"slices"
	"sync"
)

// Member is a joined connection as seen by the multiplexer.
//
// Deliver enqueues an already-encoded frame and reports whether it was
// accepted. It must not block and must not call back into the Multiplexer;
// it runs while the room table is read-locked. A member that cannot accept a
// frame is responsible for closing itself.
type Member interface {
	ID() string
	Deliver(frame []byte) bool
}

// Multiplexer tracks which members are joined to which rooms.
// Membership changes take the write lock; Broadcast holds the read lock for
// the whole fan-out, so a join or leave is either fully before or fully after
// any given broadcast.
type Multiplexer struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Member   // roomID -> memberID -> member
	members map[string]map[string]struct{} // memberID -> roomIDs
	logger  *slog.Logger
}

// New creates a multiplexer. Pass nil logger for default.
func New(logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		rooms:   make(map[string]map[string]Member),
		members: make(map[string]map[string]struct{}),
		logger:  logger.With("component", "room"),
	}
}

// Join adds m to roomID. Joining a room twice is a no-op.
// Returns true if the membership is new.
func (x *Multiplexer) Join(roomID string, m Member) bool {
	id := m.ID()

	x.mu.Lock()
	defer x.mu.Unlock()

	room, ok := x.rooms[roomID]
	if !ok {
		room = make(map[string]Member)
		x.rooms[roomID] = room
	}
	if _, already := room[id]; already {
		return false
	}
	room[id] = m

	joined, ok := x.members[id]
	if !ok {
		joined = make(map[string]struct{})
		x.members[id] = joined
	}
	joined[roomID] = struct{}{}

	x.logger.Debug("member joined", "room", roomID, "member", id, "size", len(room))
	return true
}

// Leave removes memberID from roomID. Leaving a room not joined is a no-op.
// Returns true if a membership was removed.
func (x *Multiplexer) Leave(roomID, memberID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.removeLocked(roomID, memberID) {
		return false
	}
	x.logger.Debug("member left", "room", roomID, "member", memberID)
	return true
}

// removeLocked drops one membership and any empty index entries.
// Must be called with mu held.
func (x *Multiplexer) removeLocked(roomID, memberID string) bool {
	room, ok := x.rooms[roomID]
	if !ok {
		return false
	}
	if _, exists := room[memberID]; !exists {
		return false
	}

	delete(room, memberID)
	if len(room) == 0 {
		delete(x.rooms, roomID)
	}

	if joined, ok := x.members[memberID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(x.members, memberID)
		}
	}
	return true
}

// Disconnect removes memberID from every room it joined and returns those rooms.
func (x *Multiplexer) Disconnect(memberID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	joined := x.members[memberID]
	left := make([]string, 0, len(joined))
	for roomID := range joined {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		x.removeLocked(roomID, memberID)
	}
	slices.Sort(left)

	if len(left) > 0 {
		x.logger.Debug("member disconnected", "member", memberID, "rooms", len(left))
	}
	return left
}

// Broadcast delivers frame to every member of roomID except excludeID (empty
// excludes nobody). Returns the number of members that accepted the frame.
func (x *Multiplexer) Broadcast(roomID string, frame []byte, excludeID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	room, ok := x.rooms[roomID]
	if !ok {
		return 0
	}

	delivered := 0
	for id, m := range room {
		if excludeID != "" && id == excludeID {
			continue
		}
		if m.Deliver(frame) {
			delivered++
			continue
		}
		x.logger.Warn("member could not accept frame", "room", roomID, "member", id)
	}
	return delivered
}

// Rooms returns the rooms memberID has joined, sorted.
func (x *Multiplexer) Rooms(memberID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	joined := x.members[memberID]
	out := make([]string, 0, len(joined))
	for roomID := range joined {
		out = append(out, roomID)
	}
	slices.Sort(out)
	return out
}

// Size returns the number of members joined to roomID.
func (x *Multiplexer) Size(roomID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms[roomID])
}

// RoomCount returns the number of rooms with at least one member.
func (x *Multiplexer) RoomCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms)
}

// Close drops every membership.
func (x *Multiplexer) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.rooms = make(map[string]map[string]Member)
	x.members = make(map[string]map[string]struct{})
	x.logger.Debug("multiplexer closed")
}
