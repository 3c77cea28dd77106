package gateway

import (
	"encoding/json"
	"time"

	"PPGateway/logger"
	"PPGateway/tools/decode"
	"PPGateway/tools/errs"
)

// EventType is the closed set of frame kinds on the wire.
type EventType string

const (
	// inbound
	EventAuthenticate       EventType = "authenticate"
	EventChannelSubscribe   EventType = "channel:subscribe"
	EventChannelUnsubscribe EventType = "channel:unsubscribe"
	EventMessageSend        EventType = "message:send"
	EventMessageEdit        EventType = "message:edit"
	EventMessageDelete      EventType = "message:delete"
	EventMessagePin         EventType = "message:pin"
	EventMessageUnpin       EventType = "message:unpin"
	EventTypingStart        EventType = "typing:start"
	EventTypingStop         EventType = "typing:stop"
	EventPresenceUpdate     EventType = "presence:update"
	EventVoiceJoin          EventType = "voice:join"
	EventVoiceLeave         EventType = "voice:leave"
	EventVoiceOffer         EventType = "voice:offer"
	EventVoiceAnswer        EventType = "voice:answer"
	EventVoiceICECandidate  EventType = "voice:ice-candidate"
	EventVoiceMute          EventType = "voice:mute"
	EventVoiceDeafen        EventType = "voice:deafen"
	EventVoiceSpeaking      EventType = "voice:speaking"

	// outbound only
	EventAuthenticated EventType = "authenticated"
	EventError         EventType = "error"
	EventMessageNew    EventType = "message:new"
	EventPresenceUser  EventType = "presence:user"

	// server-originated, bridged from the backend
	EventChannelCreate      EventType = "channel:create"
	EventChannelUpdate      EventType = "channel:update"
	EventChannelDelete      EventType = "channel:delete"
	EventServerMemberAdd    EventType = "server:member:add"
	EventServerMemberRemove EventType = "server:member:remove"
	EventServerRoleUpdate   EventType = "server:role:update"
	EventNotificationNew    EventType = "notification:new"
)

// Frame is the JSON envelope for every event in both directions.
type Frame struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

// ParseFrame parses an inbound text frame. Anything without a type string is
// malformed.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrMalformedEvent.WithDetail(err.Error())
	}
	if f.Type == "" {
		return nil, errs.ErrMalformedEvent.WithDetail("missing type")
	}
	return &f, nil
}

// decodePayload decodes a frame's data object into a typed payload through
// the weakly typed map decoder.
func decodePayload[T any](f *Frame) (*T, error) {
	m := map[string]any{}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, errs.ErrMalformedEvent.WithDetail(err.Error())
		}
	}
	out, err := decode.DecodeMap[T](m)
	if err != nil {
		return nil, errs.ErrMalformedEvent.WithDetail(err.Error())
	}
	return out, nil
}

// BuildFrame marshals an outbound frame. Marshal failures are programmer
// errors on our own payload types; they are logged and yield nil.
func BuildFrame(t EventType, data any, ts time.Time) []byte {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			logger.Errorf("[gateway] marshal %s payload: %v", t, err)
			return nil
		}
		raw = b
	}
	b, err := json.Marshal(Frame{Type: t, Data: raw, Ts: ts.UnixMilli()})
	if err != nil {
		logger.Errorf("[gateway] marshal %s frame: %v", t, err)
		return nil
	}
	return b
}

// BuildError builds the error frame delivered only to the originator.
func BuildError(e *errs.CodeError, ts time.Time) []byte {
	return BuildFrame(EventError, e, ts)
}

// ----- inbound payloads -----

type AuthPayload struct {
	Token string `json:"token"`
}

type ChannelPayload struct {
	ChannelID string `json:"channelId"`
}

type SendPayload struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

type EditPayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type MessageRefPayload struct {
	MessageID string `json:"messageId"`
}

type PresencePayload struct {
	Status string `json:"status"`
}

// VoiceSignalPayload carries an opaque SDP or ICE blob. Payload is never
// inspected, only forwarded.
type VoiceSignalPayload struct {
	ChannelID string `json:"channelId"`
	ToUserID  string `json:"toUserId"`
	Payload   any    `json:"payload"`
}

type VoiceMutePayload struct {
	ChannelID string `json:"channelId"`
	Muted     bool   `json:"muted"`
}

type VoiceDeafenPayload struct {
	ChannelID string `json:"channelId"`
	Deafened  bool   `json:"deafened"`
}

type VoiceSpeakingPayload struct {
	ChannelID string `json:"channelId"`
	Speaking  bool   `json:"speaking"`
}

// ----- outbound payloads -----

type AuthenticatedPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

type TypingEventPayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

type PresenceUserPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type MessageRefEventPayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

type MessageEditEventPayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
}

type VoicePeerPayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

type VoiceRosterPayload struct {
	ChannelID    string             `json:"channelId"`
	Participants []VoiceParticipant `json:"participants"`
}

type VoiceSignalEventPayload struct {
	ChannelID  string `json:"channelId"`
	FromUserID string `json:"fromUserId"`
	Payload    any    `json:"payload"`
}

type VoiceFlagEventPayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Muted     *bool  `json:"muted,omitempty"`
	Deafened  *bool  `json:"deafened,omitempty"`
	Speaking  *bool  `json:"speaking,omitempty"`
}
