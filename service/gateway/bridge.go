package gateway

import (
	"encoding/json"

	"PPGateway/logger"
	"PPGateway/service/natsx"
)

// ServerEvent is the envelope the REST backend publishes on the bus when it
// needs something pushed to connected clients. Exactly one of RoomID and
// UserID is set.
type ServerEvent struct {
	Type   EventType       `json:"type"`
	RoomID string          `json:"roomId,omitempty"`
	UserID string          `json:"userId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

var bridgedEvents = map[EventType]struct{}{
	EventChannelCreate:      {},
	EventChannelUpdate:      {},
	EventChannelDelete:      {},
	EventServerMemberAdd:    {},
	EventServerMemberRemove: {},
	EventServerRoleUpdate:   {},
	EventNotificationNew:    {},
}

// HandleServerEvent fans one backend-originated event into the room or the
// user it targets. Anything outside the bridged set is dropped with a log
// line; the backend owns its own schema mistakes.
func (s *Server) HandleServerEvent(raw []byte) {
	var ev ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		logger.Warnf("[bridge] bad server event: %v", err)
		return
	}
	if _, ok := bridgedEvents[ev.Type]; !ok {
		logger.Warnf("[bridge] refusing to bridge event type %q", ev.Type)
		return
	}
	payload := BuildFrame(ev.Type, ev.Data, s.now())
	switch {
	case ev.UserID != "":
		s.deliverToUser(ev.UserID, "srv:"+ev.UserID, payload)
	case ev.RoomID != "":
		s.broadcastToRoom(ev.RoomID, payload, "")
	default:
		logger.Warnf("[bridge] server event %s without target", ev.Type)
	}
}

// BindServerEvents subscribes the gateway to the backend event subject with
// a queue group, so one gateway instance per group handles each event.
func BindServerEvents(nc *natsx.Client, s *Server, subject, queue string) error {
	return nc.QueueSubscribe(subject, queue, func(data []byte) {
		s.HandleServerEvent(data)
	})
}
