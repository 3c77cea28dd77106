package gateway

import (
	"context"
	"sync"

	"PPGateway/tools/errs"
)

// RoomManager tracks which sessions are in which rooms. Rooms exist only
// while they have subscribers; first subscribe creates, last leave deletes.
type RoomManager struct {
	mu     sync.RWMutex
	byRoom map[string]map[string]*Session
	bySess map[string]map[string]struct{}

	authz Authorizer
}

func NewRoomManager(authz Authorizer) *RoomManager {
	return &RoomManager{
		byRoom: make(map[string]map[string]*Session),
		bySess: make(map[string]map[string]struct{}),
		authz:  authz,
	}
}

// Subscribe consults the authorizer synchronously, then adds the session to
// the room. Denied or failed checks leave the session unsubscribed; only the
// caller hears about it. Re-subscribing is a no-op.
func (r *RoomManager) Subscribe(ctx context.Context, s *Session, roomID string) error {
	ok, err := r.authz.CanAccess(ctx, s.UserID(), roomID)
	if err != nil {
		return errs.ErrRoomAccessDenied.WithDetail(err.Error())
	}
	if !ok {
		return errs.ErrRoomAccessDenied
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Closed sessions never enter a room: the teardown cascade flips the flag
	// before it calls DropSession, so either we see the flag here or the drop
	// runs after us and removes what we insert.
	if s.Closed() {
		return errs.ErrRoomAccessDenied.WithDetail("session closed")
	}
	room := r.byRoom[roomID]
	if room == nil {
		room = make(map[string]*Session)
		r.byRoom[roomID] = room
	}
	room[s.ID] = s
	set := r.bySess[s.ID]
	if set == nil {
		set = make(map[string]struct{})
		r.bySess[s.ID] = set
	}
	set[roomID] = struct{}{}
	return nil
}

// Unsubscribe is idempotent.
func (r *RoomManager) Unsubscribe(sessionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room := r.byRoom[roomID]; room != nil {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.byRoom, roomID)
		}
	}
	if set := r.bySess[sessionID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.bySess, sessionID)
		}
	}
}

// SubscribersOf returns a snapshot of the room's sessions. Broadcast works
// off this copy; a session removed mid-flight simply misses the event.
func (r *RoomManager) SubscribersOf(roomID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.byRoom[roomID]
	if len(room) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(room))
	for _, s := range room {
		out = append(out, s)
	}
	return out
}

func (r *RoomManager) IsSubscribed(sessionID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bySess[sessionID]
	if set == nil {
		return false
	}
	_, ok := set[roomID]
	return ok
}

// RoomsOf returns the rooms the session currently holds.
func (r *RoomManager) RoomsOf(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bySess[sessionID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for roomID := range set {
		out = append(out, roomID)
	}
	return out
}

func (r *RoomManager) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom)
}

// DropSession removes the session from every room it holds and returns those
// rooms. Teardown path.
func (r *RoomManager) DropSession(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.bySess[sessionID]
	if len(set) == 0 {
		delete(r.bySess, sessionID)
		return nil
	}
	out := make([]string, 0, len(set))
	for roomID := range set {
		out = append(out, roomID)
		if room := r.byRoom[roomID]; room != nil {
			delete(room, sessionID)
			if len(room) == 0 {
				delete(r.byRoom, roomID)
			}
		}
	}
	delete(r.bySess, sessionID)
	return out
}
