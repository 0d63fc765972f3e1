package presence

import (
	"sort"
	"sync"
	"time"
)

// Session describes one connection's participation in a room.
type Session struct {
	SessionID   string    `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Registry maps room identifiers to the sessions currently present in them.
// A room exists only while at least one session is registered in it.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Session
	clock func() time.Time
}

// NewRegistry constructs an empty registry. A nil clock defaults to time.Now.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		rooms: make(map[string]map[string]Session),
		clock: clock,
	}
}

// Register adds the session to the room, replacing any prior entry for the same session.
func (r *Registry) Register(roomID, sessionID, displayName string) Session {
	session := Session{
		SessionID:   sessionID,
		DisplayName: displayName,
		JoinedAt:    r.clock().UTC(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = make(map[string]Session)
	}
	r.rooms[roomID][sessionID] = session
	return session
}

// Unregister removes the session from the room and drops the room once it is empty.
// It reports whether the session was present.
func (r *Registry) Unregister(roomID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := sessions[sessionID]; !ok {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

// List returns the sessions in the room ordered by join time. Unknown rooms yield an empty slice.
func (r *Registry) List(roomID string) []Session {
	r.mu.RLock()
	sessions := r.rooms[roomID]
	result := make([]Session, 0, len(sessions))
	for _, session := range sessions {
		result = append(result, session)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].JoinedAt.Equal(result[j].JoinedAt) {
			return result[i].SessionID < result[j].SessionID
		}
		return result[i].JoinedAt.Before(result[j].JoinedAt)
	})
	return result
}

// Has reports whether the room currently exists.
func (r *Registry) Has(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SessionCount returns the total number of registered sessions across rooms.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, sessions := range r.rooms {
		total += len(sessions)
	}
	return total
}
