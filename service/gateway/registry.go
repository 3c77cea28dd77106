package gateway

import (
	"context"
	"sync"
	"time"

	"PPGateway/tools/errs"
	"PPGateway/tools/ids"

	"github.com/gorilla/websocket"
)

type ManagerConf struct {
	SendQueue    int                // per-session outbound queue depth
	Backpressure BackpressurePolicy // policy on a full queue
	Clock        func() time.Time   // injectable clock; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
}

// ConnManager is the connection registry: every live session, authenticated
// or not, under a dual index. bySess is the primary index, byUser the
// fan-in index for multi-device delivery.
type ConnManager struct {
	mu     sync.RWMutex
	bySess map[string]*Session
	byUser map[string]map[string]*Session

	conf ManagerConf
	auth AuthValidator
}

func NewConnManager(conf ManagerConf, auth AuthValidator) *ConnManager {
	conf.norm()
	return &ConnManager{
		bySess: make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
		conf:   conf,
		auth:   auth,
	}
}

func (m *ConnManager) Clock() func() time.Time { return m.conf.Clock }

func (m *ConnManager) Policy() BackpressurePolicy { return m.conf.Backpressure }

// Register admits a fresh connection as an unauthenticated session.
func (m *ConnManager) Register(conn *websocket.Conn) *Session {
	s := newSession(ids.GenerateString(), conn, m.conf.SendQueue, m.conf.Clock())
	m.mu.Lock()
	m.bySess[s.ID] = s
	m.mu.Unlock()
	return s
}

// Authenticate validates the token and binds the session to the user it
// names. One shot: a second attempt on the same session fails without
// touching its state.
func (m *ConnManager) Authenticate(ctx context.Context, sessionID, token string) (string, error) {
	m.mu.RLock()
	s := m.bySess[sessionID]
	m.mu.RUnlock()
	if s == nil {
		return "", errs.ErrAuthenticationFailure.WithDetail("unknown session")
	}
	if s.Authenticated() {
		return "", errs.ErrAlreadyAuthenticated
	}
	userID, err := m.auth.Verify(ctx, token)
	if err != nil || userID == "" {
		return "", errs.ErrAuthenticationFailure
	}
	if !s.bindUser(userID) {
		return "", errs.ErrAlreadyAuthenticated
	}
	m.mu.Lock()
	if _, ok := m.bySess[sessionID]; ok {
		mm := m.byUser[userID]
		if mm == nil {
			mm = make(map[string]*Session)
			m.byUser[userID] = mm
		}
		mm[sessionID] = s
	}
	m.mu.Unlock()
	return userID, nil
}

func (m *ConnManager) Lookup(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySess[sessionID]
}

// SessionsOf returns a snapshot of the user's live sessions.
func (m *ConnManager) SessionsOf(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[userID]
	if len(mm) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(mm))
	for _, s := range mm {
		out = append(out, s)
	}
	return out
}

func (m *ConnManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySess)
}

// Snapshot returns every live session; the supervisor scans it per tick.
func (m *ConnManager) Snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.bySess))
	for _, s := range m.bySess {
		out = append(out, s)
	}
	return out
}

// Heartbeat refreshes the session's liveness timestamp.
func (m *ConnManager) Heartbeat(sessionID string) {
	m.mu.RLock()
	s := m.bySess[sessionID]
	m.mu.RUnlock()
	if s != nil {
		s.beat(m.conf.Clock())
	}
}

// Remove drops the session from both indexes and flips its closed flag.
// Idempotent: the second caller gets nil and does nothing further. The
// server cascades the rest of the teardown.
func (m *ConnManager) Remove(sessionID string) *Session {
	m.mu.Lock()
	s := m.bySess[sessionID]
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	delete(m.bySess, sessionID)
	if uid := s.UserID(); uid != "" {
		if mm := m.byUser[uid]; mm != nil {
			delete(mm, sessionID)
			if len(mm) == 0 {
				delete(m.byUser, uid)
			}
		}
	}
	m.mu.Unlock()
	s.closeLocal()
	return s
}

// Close tears down every session. Shutdown path only.
func (m *ConnManager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.bySess))
	for _, s := range m.bySess {
		all = append(all, s)
	}
	m.bySess = make(map[string]*Session)
	m.byUser = make(map[string]map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.closeLocal()
	}
}
