package mgo

import (
	"context"
	"time"
)

// Maintenance bundles the retention surface the persistence worker's daily
// task needs.
type Maintenance struct {
	client        *Client
	messages      *MessageRepo
	users         *UserRepo
	notifications *NotificationRepo
}

func NewMaintenance(client *Client, messages *MessageRepo, users *UserRepo, notifications *NotificationRepo) *Maintenance {
	return &Maintenance{client: client, messages: messages, users: users, notifications: notifications}
}

func (m *Maintenance) DeleteMessagesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.messages.DeleteOlderThan(ctx, cutoff)
}

func (m *Maintenance) DeleteUserEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.users.DeleteEventsOlderThan(ctx, cutoff)
}

func (m *Maintenance) DeleteNotificationsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.notifications.DeleteOlderThan(ctx, cutoff)
}

func (m *Maintenance) Compact(ctx context.Context) error {
	return m.client.Compact(ctx)
}
