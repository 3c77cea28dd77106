package gateway

import (
	"context"

	"PPGateway/model"
)

// AuthValidator checks a bearer token and yields the user id it names.
type AuthValidator interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Authorizer answers whether a user may join a room. Consulted synchronously
// on subscribe; a lookup error counts as a denial.
type Authorizer interface {
	CanAccess(ctx context.Context, userID, roomID string) (bool, error)
}

// MessageStore is the durable write-side of the message pipeline. Writes
// happen before fan-out; a failed write means nothing is broadcast.
type MessageStore interface {
	WriteMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	MessageExists(ctx context.Context, messageID string) (bool, error)
	WriteEdit(ctx context.Context, messageID, content string, editTime int64) error
	WriteDelete(ctx context.Context, messageID string) error
	WritePin(ctx context.Context, messageID string, pinned bool) error
}

// PresenceSink mirrors online/offline into external storage, best effort.
type PresenceSink interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
}

// Journal receives accepted message events after fan-out, fire and forget.
type Journal interface {
	Publish(eventType, key string, payload []byte)
}
