package mgo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sparkd-app/sparkd/service/kafka"
)

// MessageRecord is the durable form of a chat message. The message id is the
// document id, so redelivered events collapse into one record.
type MessageRecord struct {
	ID          string            `bson:"_id" json:"id"`
	RoomID      string            `bson:"room_id" json:"roomId"`
	UserID      int64             `bson:"user_id" json:"userId"`
	Content     string            `bson:"content" json:"content"`
	MessageType string            `bson:"message_type" json:"messageType"`
	Timestamp   int64             `bson:"timestamp" json:"timestamp"`
	Metadata    map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

type MessageRepo struct {
	coll *mongo.Collection
}

func NewMessageRepo(c *Client) *MessageRepo {
	return &MessageRepo{coll: c.db.Collection(collMessages)}
}

func recordFromEvent(ev kafka.ChatMessageEvent) MessageRecord {
	return MessageRecord{
		ID:          ev.ID,
		RoomID:      ev.RoomID,
		UserID:      ev.UserID,
		Content:     ev.Content,
		MessageType: string(ev.MessageType),
		Timestamp:   ev.Timestamp,
		Metadata:    ev.Metadata,
	}
}

// BulkUpsert writes a batch keyed on message id. Unordered: one bad document
// does not block the rest.
func (r *MessageRepo) BulkUpsert(ctx context.Context, events []kafka.ChatMessageEvent) error {
	if len(events) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(events))
	for _, ev := range events {
		rec := recordFromEvent(ev)
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": rec.ID}).
			SetReplacement(rec).
			SetUpsert(true))
	}
	_, err := r.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

// Upsert writes a single message; used by the synchronous fallback so the
// async and inline paths produce the same record.
func (r *MessageRepo) Upsert(ctx context.Context, ev kafka.ChatMessageEvent) error {
	rec := recordFromEvent(ev)
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	return err
}

func (r *MessageRepo) FindByID(ctx context.Context, id string) (*MessageRecord, error) {
	var rec MessageRecord
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteOlderThan removes messages past the retention window.
func (r *MessageRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff.UnixMilli()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
