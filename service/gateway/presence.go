package gateway

import (
	"sync"
	"time"
)

const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDnd     = "dnd"
	StatusOffline = "offline"
)

// ValidPresenceStatus reports whether a client may request the status.
// offline is never client-settable; it only falls out of disconnects.
func ValidPresenceStatus(s string) bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDnd:
		return true
	}
	return false
}

type presenceState struct {
	status      string
	sessions    map[string]struct{}
	lastChanged time.Time

	// offlineAt is the parked deadline once the last session is gone; zero
	// while any session is up. lastRooms accumulates the rooms the closing
	// sessions held, since they are unrecoverable once the grace elapses.
	offlineAt time.Time
	lastRooms map[string]struct{}
}

// PresenceChange is a broadcastable transition. Rooms is nil for live users
// (the server resolves their current rooms); for offline transitions it is
// the teardown-captured set.
type PresenceChange struct {
	UserID string
	Status string
	Rooms  []string
}

// PresenceTracker owns per-user presence. Sessions are counted by id, not by
// a bare counter, so an open and a close racing across goroutines always
// cancel out pairwise and can never touch another session's count. Records
// persist at the offline baseline once a user has been seen; status is never
// recomputed by scanning connections.
type PresenceTracker struct {
	mu     sync.Mutex
	byUser map[string]*presenceState
	grace  time.Duration
	clock  func() time.Time
}

func NewPresenceTracker(grace time.Duration, clock func() time.Time) *PresenceTracker {
	if clock == nil {
		clock = time.Now
	}
	if grace < 0 {
		grace = 0
	}
	return &PresenceTracker{
		byUser: make(map[string]*presenceState),
		grace:  grace,
		clock:  clock,
	}
}

// SessionOpened counts the session in. Re-counting the same session id is a
// no-op. A reconnect inside the grace window cancels the parked offline
// without a broadcast; only the offline->online edge produces a change.
func (p *PresenceTracker) SessionOpened(userID, sessionID string) *PresenceChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.byUser[userID]
	if st == nil {
		st = &presenceState{status: StatusOffline, sessions: make(map[string]struct{})}
		p.byUser[userID] = st
	}
	st.sessions[sessionID] = struct{}{}
	st.offlineAt = time.Time{}
	st.lastRooms = nil
	if st.status == StatusOffline {
		st.status = StatusOnline
		st.lastChanged = p.clock()
		return &PresenceChange{UserID: userID, Status: StatusOnline}
	}
	return nil
}

// SessionClosed counts the session out, recording the rooms it held. A close
// whose session id was never counted (or was already counted out) changes no
// counts. Reaching zero parks the offline transition; Sweep finalizes it
// after the grace.
func (p *PresenceTracker) SessionClosed(userID, sessionID string, rooms []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.byUser[userID]
	if st == nil {
		return
	}
	if len(rooms) > 0 {
		if st.lastRooms == nil {
			st.lastRooms = make(map[string]struct{}, len(rooms))
		}
		for _, roomID := range rooms {
			st.lastRooms[roomID] = struct{}{}
		}
	}
	if _, ok := st.sessions[sessionID]; !ok {
		return
	}
	delete(st.sessions, sessionID)
	if len(st.sessions) == 0 {
		st.offlineAt = p.clock().Add(p.grace)
	}
}

// SetStatus applies an explicit override from a live session. No-op change
// returns nil.
func (p *PresenceTracker) SetStatus(userID, status string) *PresenceChange {
	if !ValidPresenceStatus(status) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.byUser[userID]
	if st == nil || len(st.sessions) == 0 {
		return nil
	}
	if st.status == status {
		return nil
	}
	st.status = status
	st.lastChanged = p.clock()
	return &PresenceChange{UserID: userID, Status: status}
}

// StatusOf reports the current status, offline for unknown users.
func (p *PresenceTracker) StatusOf(userID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.byUser[userID]; st != nil {
		return st.status
	}
	return StatusOffline
}

// Sweep finalizes every parked offline whose grace has elapsed, returning
// the transitions with their teardown-captured rooms. The record stays at
// the offline baseline, keeping lastChanged.
func (p *PresenceTracker) Sweep(now time.Time) []PresenceChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PresenceChange
	for userID, st := range p.byUser {
		if len(st.sessions) != 0 || st.offlineAt.IsZero() || now.Before(st.offlineAt) {
			continue
		}
		rooms := make([]string, 0, len(st.lastRooms))
		for roomID := range st.lastRooms {
			rooms = append(rooms, roomID)
		}
		st.status = StatusOffline
		st.lastChanged = now
		st.offlineAt = time.Time{}
		st.lastRooms = nil
		out = append(out, PresenceChange{UserID: userID, Status: StatusOffline, Rooms: rooms})
	}
	return out
}
