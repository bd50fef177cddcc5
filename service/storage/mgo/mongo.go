package mgo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sparkd-app/sparkd/config"
	"github.com/sparkd-app/sparkd/tools/errs"
)

// Collection names.
const (
	collMessages      = "messages"
	collUserEvents    = "user_events"
	collUsers         = "users"
	collRooms         = "rooms"
	collNotifications = "notifications"
)

// Client wraps the mongo database handle.
type Client struct {
	cli *mongo.Client
	db  *mongo.Database
}

// New connects and pings. Retries a few times before giving up; mongo may
// come up after us in compose environments.
func New(ctx context.Context, cfg config.MongoConfig) (*Client, error) {
	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(64)

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < 5; i++ {
		cli, err = mongo.Connect(ctx, opts)
		if err == nil {
			err = cli.Ping(ctx, nil)
		}
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	if err != nil {
		return nil, errs.Wrap(err, "connect mongo")
	}
	return &Client{cli: cli, db: cli.Database(cfg.Database)}, nil
}

func (c *Client) DB() *mongo.Database { return c.db }

func (c *Client) Close(ctx context.Context) error {
	return c.cli.Disconnect(ctx)
}

// Compact asks the server to compact the pipeline's collections. Best-effort:
// compaction is an optimization, a refusal is logged by the caller.
func (c *Client) Compact(ctx context.Context) error {
	for _, coll := range []string{collMessages, collUserEvents, collNotifications} {
		res := c.db.RunCommand(ctx, bson.D{{Key: "compact", Value: coll}})
		if err := res.Err(); err != nil {
			return err
		}
	}
	return nil
}
