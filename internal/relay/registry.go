package relay

import (
	"sync"
)

// Registry tracks live connections keyed by (room, member). It holds no
// business logic; admission and teardown policy live in the Handler.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]*Connection),
	}
}

// Put registers conn under its room and member, unconditionally replacing
// any prior connection for the same key. The displaced connection, if any,
// is returned so the caller can close it.
func (r *Registry) Put(conn *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[conn.RoomID()]
	if room == nil {
		room = make(map[string]*Connection)
		r.rooms[conn.RoomID()] = room
	}

	prev := room[conn.MemberID()]
	room[conn.MemberID()] = conn
	return prev
}

// Remove deletes the entry only if it still holds conn. A stale teardown
// from a replaced connection therefore cannot evict its successor.
func (r *Registry) Remove(roomID, memberID string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if room[memberID] != conn {
		return
	}

	delete(room, memberID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
}

// Get returns the live connection for a room member.
func (r *Registry) Get(roomID, memberID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.rooms[roomID][memberID]
	return conn, ok
}

// All returns a snapshot of every live connection in the room, in no
// particular order.
func (r *Registry) All(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[roomID]
	conns := make([]*Connection, 0, len(room))
	for _, conn := range room {
		conns = append(conns, conn)
	}
	return conns
}

// Drain returns a snapshot of every live connection across all rooms.
// Used at shutdown; websocket connections are hijacked and outlive the
// HTTP server's own shutdown.
func (r *Registry) Drain() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for _, room := range r.rooms {
		for _, conn := range room {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Stats returns registry counters for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, room := range r.rooms {
		total += len(room)
	}

	return map[string]int{
		"active_rooms":      len(r.rooms),
		"total_connections": total,
	}
}
