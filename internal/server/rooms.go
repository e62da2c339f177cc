package server

import (
	"encoding/json"
	"sync"
)

// Envelope is one protocol frame exchanged with clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// RoomMember is a live connection registered in a room. Deliver must never
// block; implementations report whether the frame was accepted.
type RoomMember interface {
	SessionID() string
	Deliver(envelope Envelope) bool
}

// RoomRegistry tracks which live sessions belong to which board and fans
// frames out to them. Membership is in-memory only and lost on restart;
// clients rejoin and are re-synced from the store.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]RoomMember
}

// NewRoomRegistry constructs an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]map[string]RoomMember),
	}
}

// Join adds the member to the board's room. Joining a room the member already
// belongs to is idempotent.
func (r *RoomRegistry) Join(boardID string, member RoomMember) {
	if boardID == "" || member == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[boardID]; !ok {
		r.rooms[boardID] = make(map[string]RoomMember)
	}
	r.rooms[boardID][member.SessionID()] = member
}

// Leave removes the session from the board's room and evicts the room entry
// once empty. Leaving twice is safe.
func (r *RoomRegistry) Leave(boardID string, sessionID string) {
	r.mu.Lock()
	members := r.rooms[boardID]
	if members != nil {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, boardID)
		}
	}
	r.mu.Unlock()
}

// Broadcast delivers the envelope to every member registered at call time,
// except the excluded session. Delivery is per-member and non-blocking; a
// slow or dead member never stalls the others.
func (r *RoomRegistry) Broadcast(boardID string, envelope Envelope, excludeSessionID string) {
	r.mu.RLock()
	members := r.rooms[boardID]
	if len(members) == 0 {
		r.mu.RUnlock()
		return
	}
	copies := make([]RoomMember, 0, len(members))
	for sessionID, member := range members {
		if sessionID == excludeSessionID {
			continue
		}
		copies = append(copies, member)
	}
	r.mu.RUnlock()

	for _, member := range copies {
		member.Deliver(envelope)
	}
}

// MemberCount reports the current room size for the board.
func (r *RoomRegistry) MemberCount(boardID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[boardID])
}
