// Package chat implements the real-time room broadcast core: live
// membership tracking per room and persisted, ordered fan-out of
// messages to room members.
package chat

import (
	"sync"

	"github.com/AashishAdhikari27/go-chat-app/internal/models"
)

// Handle is one live connection plus the identity authenticated on it.
// The registry holds handles only for fan-out; the connection session
// that created a handle owns its lifecycle.
type Handle interface {
	// Deliver writes one message to the peer. A non-nil error means the
	// connection is broken and the handle will not be used again.
	Deliver(msg models.WireMessage) error
	// Close tears down the underlying connection. Safe to call more
	// than once.
	Close()
}

// Registry tracks which handles are currently connected to which room.
// It holds no persistent state and is safe to discard on restart.
type Registry struct {
	mu    sync.Mutex
	rooms map[int64]map[Handle]struct{}
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[int64]map[Handle]struct{})}
}

// Join registers a handle as a member of the room. A handle joins at
// most one room; callers must Leave before joining again.
func (r *Registry) Join(roomID int64, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[Handle]struct{})
		r.rooms[roomID] = members
	}
	members[h] = struct{}{}
}

// Leave removes a handle from the room's member set. Removing a handle
// that is not a member is a no-op, so duplicate or late teardown is
// safe. The room entry is discarded once its set empties.
func (r *Registry) Leave(roomID int64, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, h)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// Members returns a point-in-time copy of the room's member set. The
// snapshot lets callers fan out without holding the registry lock
// across network writes.
func (r *Registry) Members(roomID int64) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[roomID]
	snapshot := make([]Handle, 0, len(members))
	for h := range members {
		snapshot = append(snapshot, h)
	}
	return snapshot
}

// Count reports the number of live members in a room.
func (r *Registry) Count(roomID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}
