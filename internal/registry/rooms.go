package registry

import (
	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/pkg/errors"
)

// RoomKey builds the room name for a conversation.
func RoomKey(conversationID string) string {
	return "conv:" + conversationID
}

// JoinRoom adds a connection to a room. Membership authorization happens
// before this call; the registry only does bookkeeping. Joining twice is a
// no-op.
func (r *Registry) JoinRoom(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return errors.Wrap(errors.ErrUnknownConnection, connID)
	}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*Conn)
	}
	r.rooms[room][connID] = c
	if r.connRooms[connID] == nil {
		r.connRooms[connID] = make(map[string]struct{})
	}
	r.connRooms[connID][room] = struct{}{}

	r.log.Debug("joined room", zap.String("conn_id", connID), zap.String("room", room))
	return nil
}

// LeaveRoom removes a connection from a room. Idempotent.
func (r *Registry) LeaveRoom(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members := r.rooms[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if set := r.connRooms[connID]; set != nil {
		delete(set, room)
		if len(set) == 0 {
			delete(r.connRooms, connID)
		}
	}
}

// RoomMembers returns a snapshot of the room's connections. Unknown rooms
// yield an empty slice.
func (r *Registry) RoomMembers(room string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[room])
}

// InRoom reports whether a connection currently occupies a room.
func (r *Registry) InRoom(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connRooms[connID][room]
	return ok
}

// Rooms returns the rooms a connection currently occupies.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.connRooms[connID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for room := range set {
		out = append(out, room)
	}
	return out
}
