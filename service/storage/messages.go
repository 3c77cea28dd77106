package storage

import (
	"context"

	"PPGateway/model"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoMessageStore is the durable side of the message pipeline, one
// document per message in the messages collection. Deletes are tombstones.
type MongoMessageStore struct {
	coll *mongo.Collection
}

func NewMongoMessageStore(db *mongo.Database) *MongoMessageStore {
	return &MongoMessageStore{coll: db.Collection("messages")}
}

func (s *MongoMessageStore) WriteMessage(ctx context.Context, msg *model.Message) error {
	if _, err := s.coll.InsertOne(ctx, msg); err != nil {
		return errors.Wrapf(err, "insert message %s", msg.ID)
	}
	return nil
}

// GetMessage returns nil without error when the message does not exist.
// Tombstoned messages are returned; callers decide how to treat them.
func (s *MongoMessageStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var m model.Message
	err := s.coll.FindOne(ctx, bson.M{"_id": messageID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find message %s", messageID)
	}
	return &m, nil
}

func (s *MongoMessageStore) MessageExists(ctx context.Context, messageID string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": messageID, "deleted": false})
	if err != nil {
		return false, errors.Wrapf(err, "count message %s", messageID)
	}
	return n > 0, nil
}

func (s *MongoMessageStore) WriteEdit(ctx context.Context, messageID, content string, editTime int64) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": messageID, "deleted": false},
		bson.M{"$set": bson.M{"content": content, "edit_time": editTime}})
	if err != nil {
		return errors.Wrapf(err, "edit message %s", messageID)
	}
	return nil
}

func (s *MongoMessageStore) WriteDelete(ctx context.Context, messageID string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$set": bson.M{"deleted": true}})
	if err != nil {
		return errors.Wrapf(err, "delete message %s", messageID)
	}
	return nil
}

func (s *MongoMessageStore) WritePin(ctx context.Context, messageID string, pinned bool) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": messageID, "deleted": false},
		bson.M{"$set": bson.M{"pinned": pinned}})
	if err != nil {
		return errors.Wrapf(err, "pin message %s", messageID)
	}
	return nil
}
