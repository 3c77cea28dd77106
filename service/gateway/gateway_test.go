package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"PPGateway/model"
)

// fakeClock is the injected time source; sweeps are driven by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeAuth struct {
	users    map[string]string // token -> userID
	onVerify func()            // runs inside Verify, for interleaving tests
}

func (a *fakeAuth) Verify(_ context.Context, token string) (string, error) {
	if a.onVerify != nil {
		a.onVerify()
	}
	if u, ok := a.users[token]; ok {
		return u, nil
	}
	return "", errors.New("bad token")
}

type fakeAuthz struct {
	mu   sync.Mutex
	deny map[string]bool // userID|roomID
	err  error
}

func (a *fakeAuthz) CanAccess(_ context.Context, userID, roomID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return false, a.err
	}
	return !a.deny[userID+"|"+roomID], nil
}

func (a *fakeAuthz) denyAccess(userID, roomID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deny == nil {
		a.deny = make(map[string]bool)
	}
	a.deny[userID+"|"+roomID] = true
}

type fakeStore struct {
	mu         sync.Mutex
	byID       map[string]*model.Message
	order      []string
	failWrites bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]*model.Message)}
}

func (s *fakeStore) WriteMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("store down")
	}
	cp := *msg
	s.byID[msg.ID] = &cp
	s.order = append(s.order, msg.ID)
	return nil
}

func (s *fakeStore) GetMessage(_ context.Context, messageID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) MessageExists(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	return ok && !m.Deleted, nil
}

func (s *fakeStore) WriteEdit(_ context.Context, messageID, content string, editTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("store down")
	}
	if m, ok := s.byID[messageID]; ok {
		m.Content = content
		m.EditTime = editTime
	}
	return nil
}

func (s *fakeStore) WriteDelete(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[messageID]; ok {
		m.Deleted = true
	}
	return nil
}

func (s *fakeStore) WritePin(_ context.Context, messageID string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[messageID]; ok {
		m.Pinned = pinned
	}
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

type testEnv struct {
	t     *testing.T
	srv   *Server
	clock *fakeClock
	auth  *fakeAuth
	authz *fakeAuthz
	store *fakeStore
}

func testTokens() map[string]string {
	return map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
		"tok-carol": "carol",
	}
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	clock := newFakeClock()
	conf := Config{
		GatewayID:             "gw-test",
		SendQueue:             64,
		TypingTimeout:         3 * time.Second,
		TypingSweepEvery:      time.Hour, // sweeps driven by hand
		RateWindow:            5 * time.Second,
		RateMax:               5,
		MaxMessageRunes:       2000,
		VoiceMax:              50,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatMissMultiple: 3,
		PresenceGrace:         10 * time.Second,
		FanoutWorkers:         2,
		FanoutQueue:           64,
		Clock:                 clock.Now,
	}
	for _, m := range mutate {
		m(&conf)
	}
	auth := &fakeAuth{users: testTokens()}
	authz := &fakeAuthz{}
	store := newFakeStore()
	srv := NewServer(conf, auth, authz, store)
	t.Cleanup(srv.Close)
	return &testEnv{t: t, srv: srv, clock: clock, auth: auth, authz: authz, store: store}
}

func (e *testEnv) dispatch(sess *Session, t EventType, data any) error {
	e.t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			e.t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	return e.srv.Dispatch(context.Background(), sess, &Frame{Type: t, Data: raw})
}

// connect registers and authenticates a session for the named user, draining
// the authenticated ack.
func (e *testEnv) connect(user string) *Session {
	e.t.Helper()
	sess := e.srv.registry.Register(nil)
	var token string
	for tok, u := range testTokens() {
		if u == user {
			token = tok
		}
	}
	if err := e.dispatch(sess, EventAuthenticate, map[string]any{"token": token}); err != nil {
		e.t.Fatalf("authenticate %s: %v", user, err)
	}
	f := recvFrame(e.t, sess)
	if f.Type != EventAuthenticated {
		e.t.Fatalf("expected authenticated ack, got %s", f.Type)
	}
	return sess
}

func (e *testEnv) subscribe(sess *Session, roomID string) {
	e.t.Helper()
	if err := e.dispatch(sess, EventChannelSubscribe, map[string]any{"channelId": roomID}); err != nil {
		e.t.Fatalf("subscribe %s: %v", roomID, err)
	}
}

func recvFrame(t *testing.T, sess *Session) *Frame {
	t.Helper()
	select {
	case b := <-sess.send:
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("bad outbound frame %q: %v", b, err)
		}
		return &f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func recvType(t *testing.T, sess *Session, want EventType) map[string]any {
	t.Helper()
	f := recvFrame(t, sess)
	if f.Type != want {
		t.Fatalf("expected %s frame, got %s", want, f.Type)
	}
	return payloadMap(t, f)
}

func payloadMap(t *testing.T, f *Frame) map[string]any {
	t.Helper()
	m := map[string]any{}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &m); err != nil {
			t.Fatalf("bad %s payload: %v", f.Type, err)
		}
	}
	return m
}

// collectFrames reads n frames, keyed by type. Order across fan-out keys is
// not guaranteed, so callers assert on the set.
func collectFrames(t *testing.T, sess *Session, n int) map[EventType][]map[string]any {
	t.Helper()
	out := make(map[EventType][]map[string]any)
	for i := 0; i < n; i++ {
		f := recvFrame(t, sess)
		out[f.Type] = append(out[f.Type], payloadMap(t, f))
	}
	return out
}

func expectNoFrame(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case b := <-sess.send:
		t.Fatalf("unexpected frame: %s", b)
	case <-time.After(100 * time.Millisecond):
	}
}

func expectCode(t *testing.T, err error, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
