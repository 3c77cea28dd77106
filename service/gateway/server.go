package gateway

import (
	"context"
	"errors"
	"time"

	"PPGateway/logger"
	"PPGateway/tools/errs"
	"PPGateway/tools/safe"
)

type Config struct {
	GatewayID string

	SendQueue    int
	Backpressure BackpressurePolicy

	TypingTimeout    time.Duration
	TypingSweepEvery time.Duration

	RateWindow time.Duration
	RateMax    int

	MaxMessageRunes int

	VoiceMax int

	HeartbeatInterval     time.Duration
	HeartbeatMissMultiple int
	PresenceGrace         time.Duration

	FanoutWorkers int
	FanoutQueue   int

	Clock func() time.Time
}

func (c *Config) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.GatewayID == "" {
		c.GatewayID = "gw-1"
	}
	if c.MaxMessageRunes <= 0 {
		c.MaxMessageRunes = 2000
	}
	if c.PresenceGrace < 0 {
		c.PresenceGrace = 0
	}
}

// Server wires the gateway components together and owns the cross-component
// flows: dispatch, the ordered send path, and the teardown cascade.
type Server struct {
	conf Config

	registry *ConnManager
	rooms    *RoomManager
	presence *PresenceTracker
	typing   *TypingCoordinator
	voice    *VoiceManager
	limiter  *RateLimiter
	fanout   *Fanout
	disp     *Dispatcher
	sup      *Supervisor

	store MessageStore

	// per-channel lock held across persist+enqueue so acceptance order is
	// delivery order within a channel
	sendMu *keyedMutex

	presenceSink PresenceSink
	journal      Journal
}

func NewServer(conf Config, auth AuthValidator, authz Authorizer, store MessageStore) *Server {
	conf.norm()
	s := &Server{
		conf:   conf,
		store:  store,
		sendMu: newKeyedMutex(),
	}
	s.registry = NewConnManager(ManagerConf{
		SendQueue:    conf.SendQueue,
		Backpressure: conf.Backpressure,
		Clock:        conf.Clock,
	}, auth)
	s.rooms = NewRoomManager(authz)
	s.presence = NewPresenceTracker(conf.PresenceGrace, conf.Clock)
	s.voice = NewVoiceManager(conf.VoiceMax, conf.Clock)
	s.limiter = NewRateLimiter(RateConf{Window: conf.RateWindow, Max: conf.RateMax, Clock: conf.Clock})
	s.fanout = NewFanout(conf.FanoutWorkers, conf.FanoutQueue, conf.Backpressure)
	s.typing = NewTypingCoordinator(TypingConf{
		Timeout:    conf.TypingTimeout,
		SweepEvery: conf.TypingSweepEvery,
		Clock:      conf.Clock,
	}, func(e TypingEntry) { s.broadcastTypingStop(e, "") })
	s.sup = NewSupervisor(SupervisorConf{
		Interval:     conf.HeartbeatInterval,
		MissMultiple: conf.HeartbeatMissMultiple,
		Clock:        conf.Clock,
	}, s)
	go s.sup.run()

	s.disp = NewDispatcher()
	registerHandlers(s.disp)
	return s
}

// SetPresenceSink attaches the optional external presence mirror.
func (s *Server) SetPresenceSink(sink PresenceSink) { s.presenceSink = sink }

// SetJournal attaches the optional accepted-event journal.
func (s *Server) SetJournal(j Journal) { s.journal = j }

func (s *Server) Registry() *ConnManager     { return s.registry }
func (s *Server) Rooms() *RoomManager        { return s.rooms }
func (s *Server) Voice() *VoiceManager       { return s.voice }
func (s *Server) Presence() *PresenceTracker { return s.presence }

func (s *Server) now() time.Time { return s.conf.Clock() }

// Dispatch routes one parsed inbound frame. Before authentication only the
// authenticate event is admitted.
func (s *Server) Dispatch(ctx context.Context, sess *Session, f *Frame) error {
	if !sess.Authenticated() && f.Type != EventAuthenticate {
		return errs.ErrAuthenticationFailure.WithDetail("not authenticated")
	}
	return s.disp.Dispatch(ctx, s, sess, f)
}

// HandleFrame parses, dispatches and reports errors to the originator.
// Returns false when the session must be closed (authentication failure).
func (s *Server) HandleFrame(ctx context.Context, sess *Session, raw []byte) bool {
	f, err := ParseFrame(raw)
	if err != nil {
		ce, _ := errs.AsCodeError(err)
		s.writeError(sess, ce)
		return true
	}
	if err := s.Dispatch(ctx, sess, f); err != nil {
		ce, ok := errs.AsCodeError(err)
		if !ok {
			logger.Errorf("[gateway] %s handler: %v", f.Type, err)
			ce = errs.ErrInternal
		}
		s.writeError(sess, ce)
		if errors.Is(ce, errs.ErrAuthenticationFailure) {
			return false
		}
	}
	return true
}

// teardownSession is the single exit path for a session, shared by explicit
// disconnects, heartbeat eviction, and socket errors. Idempotent.
func (s *Server) teardownSession(sess *Session, reason string) {
	removed := s.registry.Remove(sess.ID)
	if removed == nil {
		return
	}
	rooms := s.rooms.DropSession(sess.ID)
	userID := sess.UserID()
	logger.Infof("[gateway] session %s closed user=%q reason=%s", sess.ID, userID, reason)
	if userID == "" {
		return
	}

	if len(s.registry.SessionsOf(userID)) == 0 {
		// last device gone: clear the user-scoped state
		for _, e := range s.typing.DropUser(userID) {
			s.broadcastTypingStop(e, "")
		}
		for _, channelID := range s.voice.DropUser(userID) {
			s.broadcastVoicePeers(channelID, EventVoiceLeave, VoicePeerPayload{
				ChannelID: channelID,
				UserID:    userID,
			})
		}
		s.limiter.Forget(userID)
		if sink := s.presenceSink; sink != nil {
			safe.SafeGo(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := sink.Offline(ctx, userID); err != nil {
					logger.Warnf("[gateway] presence mirror offline %s: %v", userID, err)
				}
			})
		}
	}
	s.presence.SessionClosed(userID, sess.ID, rooms)
}

// ----- broadcast helpers -----

func (s *Server) broadcastToRoom(roomID string, payload []byte, skipID string) {
	subs := s.rooms.SubscribersOf(roomID)
	s.fanout.BroadcastExcept(roomID, subs, payload, skipID)
}

// broadcastPresence delivers a presence transition to every room the user is
// visible in. Offline transitions carry their teardown-captured rooms; live
// transitions resolve rooms from the user's current sessions.
func (s *Server) broadcastPresence(change PresenceChange) {
	payload := BuildFrame(EventPresenceUser, PresenceUserPayload{
		UserID: change.UserID,
		Status: change.Status,
	}, s.now())

	rooms := change.Rooms
	if rooms == nil {
		seen := make(map[string]struct{})
		for _, sess := range s.registry.SessionsOf(change.UserID) {
			for _, roomID := range s.rooms.RoomsOf(sess.ID) {
				seen[roomID] = struct{}{}
			}
		}
		rooms = make([]string, 0, len(seen))
		for roomID := range seen {
			rooms = append(rooms, roomID)
		}
	}

	// dedupe sessions subscribed to several of the rooms
	targets := make(map[string]*Session)
	for _, roomID := range rooms {
		for _, sub := range s.rooms.SubscribersOf(roomID) {
			targets[sub.ID] = sub
		}
	}
	if len(targets) == 0 {
		return
	}
	list := make([]*Session, 0, len(targets))
	for _, sub := range targets {
		list = append(list, sub)
	}
	s.fanout.Broadcast("presence:"+change.UserID, list, payload)
}

func (s *Server) broadcastTypingStop(e TypingEntry, skipID string) {
	payload := BuildFrame(EventTypingStop, TypingEventPayload{
		ChannelID: e.ChannelID,
		UserID:    e.UserID,
	}, s.now())
	s.broadcastToRoom(e.ChannelID, payload, skipID)
}

// broadcastVoicePeers delivers to every session of every current participant
// of the voice room.
func (s *Server) broadcastVoicePeers(channelID string, t EventType, data any) {
	payload := BuildFrame(t, data, s.now())
	targets := make(map[string]*Session)
	for _, userID := range s.voice.ParticipantUserIDs(channelID) {
		for _, sess := range s.registry.SessionsOf(userID) {
			targets[sess.ID] = sess
		}
	}
	if len(targets) == 0 {
		return
	}
	list := make([]*Session, 0, len(targets))
	for _, sess := range targets {
		list = append(list, sess)
	}
	s.fanout.Broadcast("voice:"+channelID, list, payload)
}

// deliverToUser sends to every session of one user.
func (s *Server) deliverToUser(userID, key string, payload []byte) {
	sessions := s.registry.SessionsOf(userID)
	s.fanout.Broadcast(key, sessions, payload)
}

// writeError pushes an error frame to the originator only.
func (s *Server) writeError(sess *Session, ce *errs.CodeError) {
	if ce == nil {
		ce = errs.ErrInternal
	}
	sess.push(BuildError(ce, s.now()), s.conf.Backpressure)
}

func (s *Server) journalPublish(eventType, key string, payload []byte) {
	if j := s.journal; j != nil {
		j.Publish(eventType, key, payload)
	}
}

// Close stops the background loops and drops every session. Shutdown only.
func (s *Server) Close() {
	s.sup.Close()
	s.typing.Close()
	s.registry.Close()
	s.fanout.Close()
}
