package gateway

import (
	"context"
	"time"
	"unicode/utf8"

	"PPGateway/logger"
	"PPGateway/model"
	"PPGateway/tools/errs"
	"PPGateway/tools/ids"
	"PPGateway/tools/safe"
)

func registerHandlers(d *Dispatcher) {
	d.Register(authHandler{})
	d.Register(subscribeHandler{})
	d.Register(unsubscribeHandler{})
	d.Register(sendHandler{})
	d.Register(editHandler{})
	d.Register(deleteHandler{})
	d.Register(pinHandler{kind: EventMessagePin, pinned: true})
	d.Register(pinHandler{kind: EventMessageUnpin, pinned: false})
	d.Register(typingStartHandler{})
	d.Register(typingStopHandler{})
	d.Register(presenceHandler{})
	d.Register(voiceJoinHandler{})
	d.Register(voiceLeaveHandler{})
	d.Register(voiceSignalHandler{kind: EventVoiceOffer})
	d.Register(voiceSignalHandler{kind: EventVoiceAnswer})
	d.Register(voiceSignalHandler{kind: EventVoiceICECandidate})
	d.Register(voiceMuteHandler{})
	d.Register(voiceDeafenHandler{})
	d.Register(voiceSpeakingHandler{})
}

// ----- authenticate -----

type authHandler struct{}

func (authHandler) Type() EventType { return EventAuthenticate }

func (authHandler) Handle(ctx context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[AuthPayload](f)
	if err != nil {
		return errs.ErrAuthenticationFailure.WithDetail("bad payload")
	}
	if p.Token == "" {
		return errs.ErrAuthenticationFailure.WithDetail("missing token")
	}
	userID, err := s.registry.Authenticate(ctx, sess.ID, p.Token)
	if err != nil {
		return err
	}

	sess.push(BuildFrame(EventAuthenticated, AuthenticatedPayload{
		UserID:    userID,
		SessionID: sess.ID,
	}, s.now()), s.conf.Backpressure)

	if change := s.presence.SessionOpened(userID, sess.ID); change != nil {
		s.broadcastPresence(*change)
	}
	// The supervisor may have evicted the session while we were verifying the
	// token; its teardown saw nothing to count out, so count back out here.
	if s.registry.Lookup(sess.ID) == nil {
		s.presence.SessionClosed(userID, sess.ID, nil)
		return errs.ErrAuthenticationFailure.WithDetail("session closed")
	}
	if sink := s.presenceSink; sink != nil {
		safe.SafeGo(func() {
			mctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := sink.Online(mctx, userID); err != nil {
				logger.Warnf("[gateway] presence mirror online %s: %v", userID, err)
			}
		})
	}
	logger.Infof("[gateway] session %s authenticated as %s", sess.ID, userID)
	return nil
}

// ----- channel subscribe / unsubscribe -----

type subscribeHandler struct{}

func (subscribeHandler) Type() EventType { return EventChannelSubscribe }

func (subscribeHandler) Handle(ctx context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[ChannelPayload](f)
	if err != nil {
		return err
	}
	if p.ChannelID == "" {
		return errs.ErrMalformedEvent.WithDetail("missing channelId")
	}
	return s.rooms.Subscribe(ctx, sess, p.ChannelID)
}

type unsubscribeHandler struct{}

func (unsubscribeHandler) Type() EventType { return EventChannelUnsubscribe }

func (unsubscribeHandler) Handle(_ context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[ChannelPayload](f)
	if err != nil {
		return err
	}
	if p.ChannelID == "" {
		return errs.ErrMalformedEvent.WithDetail("missing channelId")
	}
	s.rooms.Unsubscribe(sess.ID, p.ChannelID)
	return nil
}

// ----- message send -----

type sendHandler struct{}

func (sendHandler) Type() EventType { return EventMessageSend }

func (sendHandler) Handle(ctx context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[SendPayload](f)
	if err != nil {
		return err
	}
	if p.ChannelID == "" || p.Content == "" {
		return errs.ErrMalformedEvent.WithDetail("missing channelId or content")
	}
	if utf8.RuneCountInString(p.Content) > s.conf.MaxMessageRunes {
		return errs.ErrMalformedEvent.WithDetail("content too long")
	}
	if !s.rooms.IsSubscribed(sess.ID, p.ChannelID) {
		return errs.ErrRoomAccessDenied
	}
	if p.ReplyTo != "" {
		ok, err := s.store.MessageExists(ctx, p.ReplyTo)
		if err != nil {
			logger.Errorf("[gateway] reply lookup %s: %v", p.ReplyTo, err)
			return errs.ErrInternal.WithDetail("reply lookup failed")
		}
		if !ok {
			return errs.ErrNotFound.WithDetail("replyTo message unknown")
		}
	}
	userID := sess.UserID()
	if !s.limiter.Allow(userID) {
		return errs.ErrRateLimitExceeded
	}

	// channel-ordered section: persist then enqueue under the channel lock
	unlock := s.sendMu.lock(p.ChannelID)
	defer unlock()

	msg := &model.Message{
		ID:         ids.GenerateString(),
		ChannelID:  p.ChannelID,
		UserID:     userID,
		Content:    p.Content,
		ReplyTo:    p.ReplyTo,
		CreateTime: s.now().UnixMilli(),
	}
	if err := s.store.WriteMessage(ctx, msg); err != nil {
		logger.Errorf("[gateway] persist message in %s: %v", p.ChannelID, err)
		return errs.ErrInternal.WithDetail("message not persisted")
	}

	payload := BuildFrame(EventMessageNew, msg, s.now())
	s.broadcastToRoom(p.ChannelID, payload, "")
	s.journalPublish(string(EventMessageNew), p.ChannelID, payload)

	// sending is an implicit typing stop
	if s.typing.Stop(userID, p.ChannelID) {
		s.broadcastTypingStop(TypingEntry{ChannelID: p.ChannelID, UserID: userID}, "")
	}
	return nil
}

// ----- message edit / delete / pin -----

// loadForMutation resolves the referenced message and checks the session may
// touch it. authorOnly additionally requires the caller to be its author.
func loadForMutation(ctx context.Context, s *Server, sess *Session, messageID string, authorOnly bool) (*model.Message, error) {
	if messageID == "" {
		return nil, errs.ErrMalformedEvent.WithDetail("missing messageId")
	}
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		logger.Errorf("[gateway] load message %s: %v", messageID, err)
		return nil, errs.ErrInternal.WithDetail("message lookup failed")
	}
	if m == nil || m.Deleted {
		return nil, errs.ErrNotFound
	}
	if !s.rooms.IsSubscribed(sess.ID, m.ChannelID) {
		return nil, errs.ErrRoomAccessDenied
	}
	if authorOnly && m.UserID != sess.UserID() {
		return nil, errs.ErrRoomAccessDenied.WithDetail("not the author")
	}
	return m, nil
}

type editHandler struct{}

func (editHandler) Type() EventType { return EventMessageEdit }

func (editHandler) Handle(ctx context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[EditPayload](f)
	if err != nil {
		return err
	}
	if p.Content == "" {
		return errs.ErrMalformedEvent.WithDetail("missing content")
	}
	if utf8.RuneCountInString(p.Content) > s.conf.MaxMessageRunes {
		return errs.ErrMalformedEvent.WithDetail("content too long")
	}
	m, err := loadForMutation(ctx, s, sess, p.MessageID, true)
	if err != nil {
		return err
	}

	unlock := s.sendMu.lock(m.ChannelID)
	defer unlock()

	editTime := s.now().UnixMilli()
	if err := s.store.WriteEdit(ctx, m.ID, p.Content, editTime); err != nil {
		logger.Errorf("[gateway] persist edit %s: %v", m.ID, err)
		return errs.ErrInternal.WithDetail("edit not persisted")
	}
	payload := BuildFrame(EventMessageEdit, MessageEditEventPayload{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		UserID:    m.UserID,
		Content:   p.Content,
	}, s.now())
	s.broadcastToRoom(m.ChannelID, payload, "")
	s.journalPublish(string(EventMessageEdit), m.ChannelID, payload)
	return nil
}

type deleteHandler struct{}

func (deleteHandler) Type() EventType { return EventMessageDelete }

func (deleteHandler) Handle(ctx context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[MessageRefPayload](f)
	if err != nil {
		return err
	}
	m, err := loadForMutation(ctx, s, sess, p.MessageID, true)
	if err != nil {
		return err
	}

	unlock := s.sendMu.lock(m.ChannelID)
	defer unlock()

	if err := s.store.WriteDelete(ctx, m.ID); err != nil {
		logger.Errorf("[gateway] persist delete %s: %v", m.ID, err)
		return errs.ErrInternal.WithDetail("delete not persisted")
	}
	payload := BuildFrame(EventMessageDelete, MessageRefEventPayload{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
	}, s.now())
	s.broadcastToRoom(m.ChannelID, payload, "")
	s.journalPublish(string(EventMessageDelete), m.ChannelID, payload)
	return nil
}

type pinHandler struct {
	kind   EventType
	pinned bool
}

func (h pinHandler) Type() EventType { return h.kind }

func (h pinHandler) Handle(ctx context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[MessageRefPayload](f)
	if err != nil {
		return err
	}
	m, err := loadForMutation(ctx, s, sess, p.MessageID, false)
	if err != nil {
		return err
	}

	unlock := s.sendMu.lock(m.ChannelID)
	defer unlock()

	if err := s.store.WritePin(ctx, m.ID, h.pinned); err != nil {
		logger.Errorf("[gateway] persist pin %s: %v", m.ID, err)
		return errs.ErrInternal.WithDetail("pin not persisted")
	}
	payload := BuildFrame(h.kind, MessageRefEventPayload{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
	}, s.now())
	s.broadcastToRoom(m.ChannelID, payload, "")
	s.journalPublish(string(h.kind), m.ChannelID, payload)
	return nil
}

// ----- typing -----

type typingStartHandler struct{}

func (typingStartHandler) Type() EventType { return EventTypingStart }

func (typingStartHandler) Handle(_ context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[ChannelPayload](f)
	if err != nil {
		return err
	}
	if p.ChannelID == "" {
		return errs.ErrMalformedEvent.WithDetail("missing channelId")
	}
	if !s.rooms.IsSubscribed(sess.ID, p.ChannelID) {
		return errs.ErrRoomAccessDenied
	}
	userID := sess.UserID()
	if s.typing.Start(userID, p.ChannelID) {
		payload := BuildFrame(EventTypingStart, TypingEventPayload{
			ChannelID: p.ChannelID,
			UserID:    userID,
		}, s.now())
		s.broadcastToRoom(p.ChannelID, payload, sess.ID)
	}
	return nil
}

type typingStopHandler struct{}

func (typingStopHandler) Type() EventType { return EventTypingStop }

func (typingStopHandler) Handle(_ context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[ChannelPayload](f)
	if err != nil {
		return err
	}
	if p.ChannelID == "" {
		return errs.ErrMalformedEvent.WithDetail("missing channelId")
	}
	userID := sess.UserID()
	if s.typing.Stop(userID, p.ChannelID) {
		s.broadcastTypingStop(TypingEntry{ChannelID: p.ChannelID, UserID: userID}, sess.ID)
	}
	return nil
}

// ----- presence -----

type presenceHandler struct{}

func (presenceHandler) Type() EventType { return EventPresenceUpdate }

func (presenceHandler) Handle(_ context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[PresencePayload](f)
	if err != nil {
		return err
	}
	if !ValidPresenceStatus(p.Status) {
		return errs.ErrMalformedEvent.WithDetail("invalid status")
	}
	if change := s.presence.SetStatus(sess.UserID(), p.Status); change != nil {
		s.broadcastPresence(*change)
	}
	return nil
}

// ----- voice -----

type voiceJoinHandler struct{}

func (voiceJoinHandler) Type() EventType { return EventVoiceJoin }

func (voiceJoinHandler) Handle(_ context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[ChannelPayload](f)
	if err != nil {
		return err
	}
	if p.ChannelID == "" {
		return errs.ErrMalformedEvent.WithDetail("missing channelId")
	}
	if !s.rooms.IsSubscribed(sess.ID, p.ChannelID) {
		return errs.ErrRoomAccessDenied
	}
	userID := sess.UserID()
	roster, already, err := s.voice.Join(userID, p.ChannelID)
	if err != nil {
		return err
	}
	if !already {
		s.broadcastVoicePeers(p.ChannelID, EventVoiceJoin, VoicePeerPayload{
			ChannelID: p.ChannelID,
			UserID:    userID,
		})
	}
	// joiner gets the full roster
	sess.push(BuildFrame(EventVoiceJoin, VoiceRosterPayload{
		ChannelID:    p.ChannelID,
		Participants: roster,
	}, s.now()), s.conf.Backpressure)
	return nil
}

type voiceLeaveHandler struct{}

func (voiceLeaveHandler) Type() EventType { return EventVoiceLeave }

func (voiceLeaveHandler) Handle(_ context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[ChannelPayload](f)
	if err != nil {
		return err
	}
	if p.ChannelID == "" {
		return errs.ErrMalformedEvent.WithDetail("missing channelId")
	}
	userID := sess.UserID()
	if s.voice.Leave(userID, p.ChannelID) {
		s.broadcastVoicePeers(p.ChannelID, EventVoiceLeave, VoicePeerPayload{
			ChannelID: p.ChannelID,
			UserID:    userID,
		})
	}
	return nil
}

type voiceSignalHandler struct {
	kind EventType
}

func (h voiceSignalHandler) Type() EventType { return h.kind }

func (h voiceSignalHandler) Handle(_ context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[VoiceSignalPayload](f)
	if err != nil {
		return err
	}
	if p.ChannelID == "" || p.ToUserID == "" {
		return errs.ErrMalformedEvent.WithDetail("missing channelId or toUserId")
	}
	userID := sess.UserID()
	if !s.voice.BothParticipants(p.ChannelID, userID, p.ToUserID) {
		return errs.ErrRelayDenied.WithDetail("not in the same voice room")
	}
	payload := BuildFrame(h.kind, VoiceSignalEventPayload{
		ChannelID:  p.ChannelID,
		FromUserID: userID,
		Payload:    p.Payload,
	}, s.now())
	s.deliverToUser(p.ToUserID, "voice:"+p.ChannelID, payload)
	return nil
}

type voiceMuteHandler struct{}

func (voiceMuteHandler) Type() EventType { return EventVoiceMute }

func (voiceMuteHandler) Handle(_ context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[VoiceMutePayload](f)
	if err != nil {
		return err
	}
	if p.ChannelID == "" {
		return errs.ErrMalformedEvent.WithDetail("missing channelId")
	}
	userID := sess.UserID()
	if !s.voice.SetMuted(userID, p.ChannelID, p.Muted) {
		return errs.ErrRelayDenied.WithDetail("not a voice participant")
	}
	muted := p.Muted
	s.broadcastVoicePeers(p.ChannelID, EventVoiceMute, VoiceFlagEventPayload{
		ChannelID: p.ChannelID,
		UserID:    userID,
		Muted:     &muted,
	})
	return nil
}

type voiceDeafenHandler struct{}

func (voiceDeafenHandler) Type() EventType { return EventVoiceDeafen }

func (voiceDeafenHandler) Handle(_ context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[VoiceDeafenPayload](f)
	if err != nil {
		return err
	}
	if p.ChannelID == "" {
		return errs.ErrMalformedEvent.WithDetail("missing channelId")
	}
	userID := sess.UserID()
	if !s.voice.SetDeafened(userID, p.ChannelID, p.Deafened) {
		return errs.ErrRelayDenied.WithDetail("not a voice participant")
	}
	deafened := p.Deafened
	s.broadcastVoicePeers(p.ChannelID, EventVoiceDeafen, VoiceFlagEventPayload{
		ChannelID: p.ChannelID,
		UserID:    userID,
		Deafened:  &deafened,
	})
	return nil
}

type voiceSpeakingHandler struct{}

func (voiceSpeakingHandler) Type() EventType { return EventVoiceSpeaking }

func (voiceSpeakingHandler) Handle(_ context.Context, s *Server, sess *Session, f *Frame) error {
	p, err := decodePayload[VoiceSpeakingPayload](f)
	if err != nil {
		return err
	}
	if p.ChannelID == "" {
		return errs.ErrMalformedEvent.WithDetail("missing channelId")
	}
	userID := sess.UserID()
	if !s.voice.SetSpeaking(userID, p.ChannelID, p.Speaking) {
		return errs.ErrRelayDenied.WithDetail("not a voice participant")
	}
	speaking := p.Speaking
	s.broadcastVoicePeers(p.ChannelID, EventVoiceSpeaking, VoiceFlagEventPayload{
		ChannelID: p.ChannelID,
		UserID:    userID,
		Speaking:  &speaking,
	})
	return nil
}
