package mgo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// RoomDoc models a 1:1 conversation between two matched users.
type RoomDoc struct {
	ID           string  `bson:"_id"`
	Participants []int64 `bson:"participants"`
}

type RoomRepo struct {
	coll *mongo.Collection
}

func NewRoomRepo(c *Client) *RoomRepo {
	return &RoomRepo{coll: c.db.Collection(collRooms)}
}

func (r *RoomRepo) Participants(ctx context.Context, roomID string) ([]int64, error) {
	var doc RoomDoc
	if err := r.coll.FindOne(ctx, bson.M{"_id": roomID}).Decode(&doc); err != nil {
		return nil, err
	}
	return doc.Participants, nil
}
