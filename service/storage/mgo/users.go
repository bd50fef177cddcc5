package mgo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sparkd-app/sparkd/service/kafka"
)

// ProfileSummary is the slice of a profile sent along with realtime
// deliveries.
type ProfileSummary struct {
	UserID      int64  `bson:"_id" json:"userId"`
	DisplayName string `bson:"display_name" json:"displayName"`
	AvatarURL   string `bson:"avatar_url" json:"avatarUrl"`
}

// NotificationPrefs drives the notification worker's policy checks.
// Disabled lists the notification types the user opted out of. PushAlways
// requests a push even while a live session is open.
type NotificationPrefs struct {
	Disabled   []string `bson:"disabled_types" json:"disabledTypes"`
	PushAlways bool     `bson:"push_always" json:"pushAlways"`
	EmailOptIn bool     `bson:"email_opt_in" json:"emailOptIn"`
	Email      string   `bson:"email" json:"email"`
}

func (p *NotificationPrefs) TypeEnabled(t string) bool {
	for _, d := range p.Disabled {
		if d == t {
			return false
		}
	}
	return true
}

type UserRepo struct {
	users  *mongo.Collection
	events *mongo.Collection
}

func NewUserRepo(c *Client) *UserRepo {
	return &UserRepo{
		users:  c.db.Collection(collUsers),
		events: c.db.Collection(collUserEvents),
	}
}

func (r *UserRepo) ProfileSummary(ctx context.Context, userID int64) (*ProfileSummary, error) {
	var p ProfileSummary
	err := r.users.FindOne(ctx, bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"display_name": 1, "avatar_url": 1})).Decode(&p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *UserRepo) NotificationPrefs(ctx context.Context, userID int64) (*NotificationPrefs, error) {
	var doc struct {
		Prefs NotificationPrefs `bson:"notification_prefs"`
	}
	err := r.users.FindOne(ctx, bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"notification_prefs": 1})).Decode(&doc)
	if err != nil {
		return nil, err
	}
	return &doc.Prefs, nil
}

// PushTargets returns the user's registered device tokens.
func (r *UserRepo) PushTargets(ctx context.Context, userID int64) ([]string, error) {
	var doc struct {
		Tokens []string `bson:"push_tokens"`
	}
	err := r.users.FindOne(ctx, bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"push_tokens": 1})).Decode(&doc)
	if err != nil {
		return nil, err
	}
	return doc.Tokens, nil
}

// InsertEvents appends a user-event batch. Inserts are unordered and
// duplicate keys are tolerated on redelivery.
func (r *UserRepo) InsertEvents(ctx context.Context, events []kafka.UserEvent) error {
	if len(events) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(events))
	for _, ev := range events {
		docs = append(docs, bson.M{
			"user_id":    ev.UserID,
			"event_type": string(ev.EventType),
			"room_id":    ev.RoomID,
			"timestamp":  ev.Timestamp,
			"metadata":   ev.Metadata,
		})
	}
	_, err := r.events.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return err
}

// TouchLastActivity bumps last_activity for each user, keeping the newest
// timestamp. The caller dedupes the batch; $max guards against reordering.
func (r *UserRepo) TouchLastActivity(ctx context.Context, byUser map[int64]int64) error {
	if len(byUser) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(byUser))
	for userID, ts := range byUser {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": userID}).
			SetUpdate(bson.M{"$max": bson.M{"last_activity": ts}}))
	}
	_, err := r.users.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

// DeleteEventsOlderThan trims the user-event log past retention.
func (r *UserRepo) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.events.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff.UnixMilli()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
