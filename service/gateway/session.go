package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// BackpressurePolicy decides what happens when a session's outbound queue is
// full at enqueue time. The sender is never blocked either way.
type BackpressurePolicy int

const (
	// DropOldest evicts the oldest queued frame to make room.
	DropOldest BackpressurePolicy = iota
	// CloseSlow tears the slow session down instead of dropping frames.
	CloseSlow
)

func ParseBackpressure(s string) BackpressurePolicy {
	if s == "close-slow" {
		return CloseSlow
	}
	return DropOldest
}

// Session is one websocket connection. The identity fields flip exactly once
// on a successful authenticate; the closed flag flips exactly once on
// teardown. The send queue is never closed, so a concurrent push against a
// dead session is a silent no-op.
type Session struct {
	ID string

	mu     sync.Mutex
	userID string
	authed bool
	closed bool

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	lastBeat  atomic.Int64 // unix nanos
	createdAt time.Time
}

func newSession(id string, conn *websocket.Conn, queue int, now time.Time) *Session {
	s := &Session{
		ID:        id,
		conn:      conn,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
		createdAt: now,
	}
	s.lastBeat.Store(now.UnixNano())
	return s
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// bindUser is the one-shot identity flip. Returns false when the session is
// already bound or already closed.
func (s *Session) bindUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authed || s.closed {
		return false
	}
	s.userID = userID
	s.authed = true
	return true
}

func (s *Session) beat(now time.Time) {
	s.lastBeat.Store(now.UnixNano())
}

func (s *Session) lastBeatTime() time.Time {
	return time.Unix(0, s.lastBeat.Load())
}

// Done is closed when the session is torn down. The writer pump selects on it.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// push enqueues an outbound frame. On a full queue the policy decides:
// DropOldest evicts the head, CloseSlow marks the session closed and lets the
// connection plumbing finish the teardown. Returns false when nothing was
// queued.
func (s *Session) push(payload []byte, policy BackpressurePolicy) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	select {
	case s.send <- payload:
		s.mu.Unlock()
		return true
	default:
	}
	if policy == CloseSlow {
		s.closed = true
		close(s.done)
		s.mu.Unlock()
		return false
	}
	// drop-oldest: evict the head, then retry once. Both channel ops happen
	// under s.mu so concurrent pushers cannot both evict.
	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- payload:
	default:
	}
	s.mu.Unlock()
	return true
}

// closeLocal flips the closed flag and signals done. Idempotent; returns
// whether this call did the flip.
func (s *Session) closeLocal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.done)
	return true
}
