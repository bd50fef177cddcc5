package mgo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// NotificationRecord is persisted for later retrieval regardless of whether
// any delivery channel succeeded.
type NotificationRecord struct {
	ID        string            `bson:"_id" json:"id"`
	UserID    int64             `bson:"user_id" json:"userId"`
	Type      string            `bson:"type" json:"type"`
	Title     string            `bson:"title" json:"title"`
	Body      string            `bson:"body" json:"body"`
	Data      map[string]string `bson:"data,omitempty" json:"data,omitempty"`
	Delivered bool              `bson:"delivered" json:"delivered"`
	Timestamp int64             `bson:"timestamp" json:"timestamp"`
}

type NotificationRepo struct {
	coll *mongo.Collection
}

func NewNotificationRepo(c *Client) *NotificationRepo {
	return &NotificationRepo{coll: c.db.Collection(collNotifications)}
}

func (r *NotificationRepo) Insert(ctx context.Context, rec *NotificationRecord) error {
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	return err
}

func (r *NotificationRepo) ListByUser(ctx context.Context, userID int64, limit int64) ([]NotificationRecord, error) {
	cur, err := r.coll.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.M{"timestamp": -1}).SetLimit(limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []NotificationRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *NotificationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff.UnixMilli()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
