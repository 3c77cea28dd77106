package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"PPGateway/tools/errs"
)

func TestDispatchGatesUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	sess := env.srv.registry.Register(nil)

	err := env.dispatch(sess, EventMessageSend, map[string]any{"channelId": "c1", "content": "hi"})
	expectCode(t, err, errs.ErrAuthenticationFailure)
}

func TestHandleFrameClosesOnAuthFailure(t *testing.T) {
	env := newTestEnv(t)
	sess := env.srv.registry.Register(nil)

	raw := []byte(`{"type":"authenticate","data":{"token":"tok-nobody"}}`)
	if env.srv.HandleFrame(context.Background(), sess, raw) {
		t.Fatal("failed auth must ask for the session to be closed")
	}
	got := recvType(t, sess, EventError)
	if got["code"] != float64(1401) {
		t.Fatalf("expected code 1401, got %v", got["code"])
	}
}

func TestHandleFrameMalformedStaysOpen(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	if !env.srv.HandleFrame(context.Background(), sa, []byte(`{"type":`)) {
		t.Fatal("malformed frame must not close the session")
	}
	got := recvType(t, sa, EventError)
	if got["code"] != float64(1400) {
		t.Fatalf("expected code 1400, got %v", got["code"])
	}
	// errors go to the originator only
	expectNoFrame(t, sb)
}

func TestUnknownEventType(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")

	err := env.dispatch(sa, EventType("bogus:event"), nil)
	expectCode(t, err, errs.ErrMalformedEvent)
}

func TestSecondAuthenticateRejected(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")

	err := env.dispatch(sa, EventAuthenticate, map[string]any{"token": "tok-bob"})
	expectCode(t, err, errs.ErrAlreadyAuthenticated)
	if got := sa.UserID(); got != "alice" {
		t.Fatalf("binding changed to %q", got)
	}
}

// A session evicted while its authenticate is in flight must not leave the
// user counted online with zero live sessions.
func TestEvictionDuringAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	sess := env.srv.registry.Register(nil)
	env.auth.onVerify = func() { env.srv.teardownSession(sess, "heartbeat timeout") }

	if err := env.dispatch(sess, EventAuthenticate, map[string]any{"token": "tok-alice"}); err == nil {
		t.Fatal("authenticate on an evicted session must fail")
	}
	if env.srv.registry.Lookup(sess.ID) != nil {
		t.Fatal("evicted session still registered")
	}
	env.clock.Advance(time.Hour)
	env.srv.sup.sweepOnce(env.clock.Now())
	if got := env.srv.presence.StatusOf("alice"); got != StatusOffline {
		t.Fatalf("alice pinned %q with zero live sessions", got)
	}
}

// ----- message pipeline -----

func TestSendFanoutInOrder(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	for _, content := range []string{"one", "two", "three"} {
		if err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": content}); err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		got := recvType(t, sb, EventMessageNew)
		if got["content"] != want || got["channelId"] != "c1" || got["userId"] != "alice" {
			t.Fatalf("want content %q, got %v", want, got)
		}
	}
	// the sender's other devices (and the sender) get the frame too
	if got := recvType(t, sa, EventMessageNew); got["content"] != "one" {
		t.Fatalf("sender echo out of order: %v", got)
	}
	if env.store.count() != 3 {
		t.Fatalf("expected 3 persisted messages, got %d", env.store.count())
	}
}

func TestSendRequiresSubscription(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")

	err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": "hi"})
	expectCode(t, err, errs.ErrRoomAccessDenied)
	if env.store.count() != 0 {
		t.Fatal("rejected send must not persist")
	}
}

func TestSendRateLimited(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	env.subscribe(sa, "c1")

	for i := 0; i < 5; i++ {
		if err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": "spam"}); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": "spam"})
	expectCode(t, err, errs.ErrRateLimitExceeded)
	if env.store.count() != 5 {
		t.Fatalf("rejected send persisted: %d", env.store.count())
	}

	env.clock.Advance(5 * time.Second)
	if err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": "fresh"}); err != nil {
		t.Fatalf("send in fresh window: %v", err)
	}
}

func TestSendContentTooLong(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	env.subscribe(sa, "c1")

	long := strings.Repeat("あ", 2001) // runes, not bytes
	err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": long})
	expectCode(t, err, errs.ErrMalformedEvent)

	if err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": strings.Repeat("あ", 2000)}); err != nil {
		t.Fatalf("2000 runes must pass: %v", err)
	}
}

func TestSendReplyToMustExist(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	err := env.dispatch(sa, EventMessageSend, map[string]any{
		"channelId": "c1", "content": "re", "replyTo": "missing",
	})
	expectCode(t, err, errs.ErrNotFound)

	if err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": "root"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	rootID := recvType(t, sb, EventMessageNew)["messageId"].(string)
	if err := env.dispatch(sa, EventMessageSend, map[string]any{
		"channelId": "c1", "content": "re", "replyTo": rootID,
	}); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if got := recvType(t, sb, EventMessageNew); got["replyTo"] != rootID {
		t.Fatalf("reply frame: %v", got)
	}
}

func TestSendPersistFailureNoBroadcast(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	env.store.failWrites = true
	err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": "lost"})
	expectCode(t, err, errs.ErrInternal)
	expectNoFrame(t, sb)
}

func TestEditPipeline(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	if err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": "draft"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgID := recvType(t, sb, EventMessageNew)["messageId"].(string)

	// only the author may edit
	err := env.dispatch(sb, EventMessageEdit, map[string]any{"messageId": msgID, "content": "hijack"})
	expectCode(t, err, errs.ErrRoomAccessDenied)

	if err := env.dispatch(sa, EventMessageEdit, map[string]any{"messageId": msgID, "content": "final"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	got := recvType(t, sb, EventMessageEdit)
	if got["messageId"] != msgID || got["content"] != "final" || got["userId"] != "alice" {
		t.Fatalf("unexpected edit frame: %v", got)
	}
}

func TestEditUnknownMessage(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	env.subscribe(sa, "c1")

	err := env.dispatch(sa, EventMessageEdit, map[string]any{"messageId": "missing", "content": "x"})
	expectCode(t, err, errs.ErrNotFound)
}

func TestDeleteTombstones(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	if err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": "oops"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgID := recvType(t, sb, EventMessageNew)["messageId"].(string)

	if err := env.dispatch(sa, EventMessageDelete, map[string]any{"messageId": msgID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := recvType(t, sb, EventMessageDelete); got["messageId"] != msgID {
		t.Fatalf("unexpected delete frame: %v", got)
	}

	// tombstoned messages behave like missing ones
	err := env.dispatch(sa, EventMessageEdit, map[string]any{"messageId": msgID, "content": "late"})
	expectCode(t, err, errs.ErrNotFound)
}

func TestPinByAnySubscriber(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	if err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": "keeper"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgID := recvType(t, sb, EventMessageNew)["messageId"].(string)

	// pinning is not author-gated
	if err := env.dispatch(sb, EventMessagePin, map[string]any{"messageId": msgID}); err != nil {
		t.Fatalf("pin: %v", err)
	}
	recvType(t, sa, EventMessageNew) // sender echo
	if got := recvType(t, sa, EventMessagePin); got["messageId"] != msgID {
		t.Fatalf("unexpected pin frame: %v", got)
	}
	if err := env.dispatch(sb, EventMessageUnpin, map[string]any{"messageId": msgID}); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if got := recvType(t, sa, EventMessageUnpin); got["messageId"] != msgID {
		t.Fatalf("unexpected unpin frame: %v", got)
	}
}

// ----- typing -----

func TestTypingPipeline(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	if err := env.dispatch(sa, EventTypingStart, map[string]any{"channelId": "c1"}); err != nil {
		t.Fatalf("typing start: %v", err)
	}
	got := recvType(t, sb, EventTypingStart)
	if got["userId"] != "alice" || got["channelId"] != "c1" {
		t.Fatalf("unexpected typing frame: %v", got)
	}
	// no echo to the originator, no rebroadcast while active
	expectNoFrame(t, sa)
	if err := env.dispatch(sa, EventTypingStart, map[string]any{"channelId": "c1"}); err != nil {
		t.Fatalf("typing refresh: %v", err)
	}
	expectNoFrame(t, sb)

	// sending clears the indicator, in room order after the message
	if err := env.dispatch(sa, EventMessageSend, map[string]any{"channelId": "c1", "content": "done"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	recvType(t, sb, EventMessageNew)
	got = recvType(t, sb, EventTypingStop)
	if got["userId"] != "alice" {
		t.Fatalf("unexpected typing stop: %v", got)
	}
}

func TestTypingExpiryBroadcasts(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.TypingSweepEvery = 10 * time.Millisecond
	})
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	if err := env.dispatch(sa, EventTypingStart, map[string]any{"channelId": "c1"}); err != nil {
		t.Fatalf("typing start: %v", err)
	}
	recvType(t, sb, EventTypingStart)

	env.clock.Advance(3 * time.Second)
	got := recvType(t, sb, EventTypingStop)
	if got["userId"] != "alice" || got["channelId"] != "c1" {
		t.Fatalf("unexpected expiry frame: %v", got)
	}
}

func TestTypingRequiresSubscription(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")

	err := env.dispatch(sa, EventTypingStart, map[string]any{"channelId": "c1"})
	expectCode(t, err, errs.ErrRoomAccessDenied)
}

// ----- presence -----

func TestPresenceUpdateBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	if err := env.dispatch(sb, EventPresenceUpdate, map[string]any{"status": StatusIdle}); err != nil {
		t.Fatalf("presence update: %v", err)
	}
	got := recvType(t, sa, EventPresenceUser)
	if got["userId"] != "bob" || got["status"] != StatusIdle {
		t.Fatalf("unexpected presence frame: %v", got)
	}
	recvType(t, sb, EventPresenceUser) // bob's own devices hear it too

	// same status again is a no-op
	if err := env.dispatch(sb, EventPresenceUpdate, map[string]any{"status": StatusIdle}); err != nil {
		t.Fatalf("repeat update: %v", err)
	}
	expectNoFrame(t, sa)
}

func TestPresenceRejectsInvalidStatus(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")

	for _, status := range []string{"ghost", StatusOffline, ""} {
		err := env.dispatch(sa, EventPresenceUpdate, map[string]any{"status": status})
		expectCode(t, err, errs.ErrMalformedEvent)
	}
}

func TestDisconnectGraceThenOfflineBroadcast(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	env.srv.teardownSession(sa, "client disconnect")
	env.srv.sup.sweepOnce(env.clock.Now())
	expectNoFrame(t, sb) // still inside the grace

	env.clock.Advance(10*time.Second + time.Millisecond)
	env.srv.sup.sweepOnce(env.clock.Now())
	got := recvType(t, sb, EventPresenceUser)
	if got["userId"] != "alice" || got["status"] != StatusOffline {
		t.Fatalf("unexpected offline frame: %v", got)
	}
}

// ----- voice -----

func TestVoicePipeline(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	// alice joins: roster push plus the join broadcast, order not fixed
	if err := env.dispatch(sa, EventVoiceJoin, map[string]any{"channelId": "c1"}); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	frames := collectFrames(t, sa, 2)
	if len(frames[EventVoiceJoin]) != 2 {
		t.Fatalf("expected 2 voice:join frames, got %v", frames)
	}

	// bob joins: alice hears the peer event, bob gets a 2-entry roster
	if err := env.dispatch(sb, EventVoiceJoin, map[string]any{"channelId": "c1"}); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	if got := recvType(t, sa, EventVoiceJoin); got["userId"] != "bob" {
		t.Fatalf("unexpected peer event: %v", got)
	}
	var sawRoster bool
	for _, f := range collectFrames(t, sb, 2)[EventVoiceJoin] {
		if parts, ok := f["participants"].([]any); ok {
			sawRoster = true
			if len(parts) != 2 {
				t.Fatalf("expected 2 roster entries, got %v", parts)
			}
		}
	}
	if !sawRoster {
		t.Fatal("joiner never received the roster")
	}

	// signaling relays verbatim to the recipient only
	if err := env.dispatch(sa, EventVoiceOffer, map[string]any{
		"channelId": "c1", "toUserId": "bob", "payload": map[string]any{"sdp": "v=0"},
	}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	got := recvType(t, sb, EventVoiceOffer)
	if got["fromUserId"] != "alice" {
		t.Fatalf("unexpected offer frame: %v", got)
	}
	if sdp, _ := got["payload"].(map[string]any); sdp["sdp"] != "v=0" {
		t.Fatalf("signal payload mangled: %v", got["payload"])
	}
	expectNoFrame(t, sa)

	// flag changes reach every participant
	if err := env.dispatch(sa, EventVoiceMute, map[string]any{"channelId": "c1", "muted": true}); err != nil {
		t.Fatalf("mute: %v", err)
	}
	got = recvType(t, sb, EventVoiceMute)
	if got["userId"] != "alice" || got["muted"] != true {
		t.Fatalf("unexpected mute frame: %v", got)
	}
	recvType(t, sa, EventVoiceMute)

	// disconnect leaves the room and the peers hear it
	env.srv.teardownSession(sa, "client disconnect")
	if got := recvType(t, sb, EventVoiceLeave); got["userId"] != "alice" {
		t.Fatalf("unexpected leave frame: %v", got)
	}
}

func TestVoiceRelayToOutsiderDenied(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	sc := env.connect("carol")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")
	env.subscribe(sc, "c1")

	if err := env.dispatch(sa, EventVoiceJoin, map[string]any{"channelId": "c1"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	collectFrames(t, sa, 2)

	// carol is subscribed but not in the voice room, both directions fail
	err := env.dispatch(sa, EventVoiceOffer, map[string]any{
		"channelId": "c1", "toUserId": "carol", "payload": "x",
	})
	expectCode(t, err, errs.ErrRelayDenied)
	expectNoFrame(t, sc)

	err = env.dispatch(sc, EventVoiceOffer, map[string]any{
		"channelId": "c1", "toUserId": "alice", "payload": "x",
	})
	expectCode(t, err, errs.ErrRelayDenied)
}

func TestVoiceJoinRequiresSubscription(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")

	err := env.dispatch(sa, EventVoiceJoin, map[string]any{"channelId": "c1"})
	expectCode(t, err, errs.ErrRoomAccessDenied)
}

func TestVoiceRoomFullSurfacesToClient(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.VoiceMax = 1 })
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	if err := env.dispatch(sa, EventVoiceJoin, map[string]any{"channelId": "c1"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	err := env.dispatch(sb, EventVoiceJoin, map[string]any{"channelId": "c1"})
	expectCode(t, err, errs.ErrVoiceRoomFull)
}

// ----- server event bridge -----

func TestBridgeRoomEvent(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")
	env.subscribe(sa, "c1")
	env.subscribe(sb, "c1")

	env.srv.HandleServerEvent([]byte(`{"type":"channel:update","roomId":"c1","data":{"name":"general"}}`))
	for _, sess := range []*Session{sa, sb} {
		got := recvType(t, sess, EventChannelUpdate)
		if got["name"] != "general" {
			t.Fatalf("unexpected bridged frame: %v", got)
		}
	}
}

func TestBridgeUserEvent(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	sb := env.connect("bob")

	ev, _ := json.Marshal(ServerEvent{
		Type:   EventNotificationNew,
		UserID: "bob",
		Data:   json.RawMessage(`{"kind":"mention"}`),
	})
	env.srv.HandleServerEvent(ev)

	if got := recvType(t, sb, EventNotificationNew); got["kind"] != "mention" {
		t.Fatalf("unexpected notification: %v", got)
	}
	expectNoFrame(t, sa)
}

func TestBridgeRefusesClientEvents(t *testing.T) {
	env := newTestEnv(t)
	sa := env.connect("alice")
	env.subscribe(sa, "c1")

	env.srv.HandleServerEvent([]byte(`{"type":"message:send","roomId":"c1","data":{}}`))
	env.srv.HandleServerEvent([]byte(`not json`))
	expectNoFrame(t, sa)
}
