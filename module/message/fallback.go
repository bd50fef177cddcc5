// Package message exposes the REST surface that feeds the pipeline and the
// synchronous fallback used when the broker is unreachable.
package message

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sparkd-app/sparkd/module/message/persist"
	"github.com/sparkd-app/sparkd/service/chat"
	"github.com/sparkd-app/sparkd/service/kafka"
	"github.com/sparkd-app/sparkd/service/obs"
	"github.com/sparkd-app/sparkd/service/storage/cache"
	"github.com/sparkd-app/sparkd/tools/errs"
)

const (
	historyDepth = 200
	historyTTL   = 7 * 24 * time.Hour
)

// MessageStore is the single-document durable write the fallback needs.
type MessageStore interface {
	Upsert(ctx context.Context, ev kafka.ChatMessageEvent) error
}

// RoomDirectory resolves room participants.
type RoomDirectory interface {
	Participants(ctx context.Context, roomID string) ([]int64, error)
}

// BadgeCounter increments the recipient's unread counter.
type BadgeCounter interface {
	Increment(ctx context.Context, userID int64, roomID string) (int64, error)
}

// NotificationPipeline runs the notification dispatch inline; the
// notification worker's Process satisfies it.
type NotificationPipeline interface {
	Process(ctx context.Context, ev kafka.NotificationEvent) error
}

// Fallback performs the pipeline's effects inline when the producer gateway
// reports not connected. It reuses the message id the async path would have
// used, so the two paths can never produce diverging records.
//
// Each step is best-effort and logged; only the durable write decides
// success, because it is the one effect a user-visible request cannot lose.
type Fallback struct {
	log     *zap.Logger
	metrics *obs.Metrics

	messages      MessageStore
	rooms         RoomDirectory
	store         cache.Store
	badges        BadgeCounter
	notifications NotificationPipeline
	provider      *chat.Provider
}

func NewFallback(messages MessageStore, rooms RoomDirectory, store cache.Store,
	badges BadgeCounter, notifications NotificationPipeline, provider *chat.Provider,
	log *zap.Logger, metrics *obs.Metrics) *Fallback {
	return &Fallback{
		log:           log.With(zap.String("component", "fallback")),
		metrics:       metrics,
		messages:      messages,
		rooms:         rooms,
		store:         store,
		badges:        badges,
		notifications: notifications,
		provider:      provider,
	}
}

// DeliverChatMessage runs persistence, realtime relay, badge increment and
// notification dispatch synchronously. Ordering across rooms is not
// preserved here; each request is independent.
func (f *Fallback) DeliverChatMessage(ctx context.Context, ev kafka.ChatMessageEvent) error {
	f.metrics.FallbackInvocations.Inc()

	f.writeHistory(ctx, ev)

	durableErr := f.messages.Upsert(ctx, ev)
	if durableErr != nil {
		f.log.Error("fallback durable write failed",
			zap.String("messageId", ev.ID), zap.Error(durableErr))
	}

	participants, err := f.rooms.Participants(ctx, ev.RoomID)
	if err != nil {
		f.log.Warn("fallback participant lookup failed",
			zap.String("roomId", ev.RoomID), zap.Error(err))
	}

	f.relay(ev, participants)
	f.bumpBadges(ctx, ev, participants)
	f.notifyRecipients(ctx, ev, participants)

	if durableErr != nil {
		return errs.ErrBatchFlush.WrapMsg(durableErr)
	}
	return nil
}

func (f *Fallback) writeHistory(ctx context.Context, ev kafka.ChatMessageEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	key := persist.HistoryKey(ev.RoomID)
	if err := f.store.LPush(ctx, key, string(body)); err != nil {
		f.log.Warn("fallback history write failed", zap.String("roomId", ev.RoomID), zap.Error(err))
		return
	}
	_ = f.store.LTrim(ctx, key, 0, historyDepth-1)
	_ = f.store.Expire(ctx, key, historyTTL)
}

func (f *Fallback) relay(ev kafka.ChatMessageEvent, participants []int64) {
	bc, ok := f.provider.Get()
	if !ok || len(participants) == 0 {
		return
	}
	payload := map[string]any{
		"id":          ev.ID,
		"roomId":      ev.RoomID,
		"senderId":    ev.UserID,
		"content":     ev.Content,
		"messageType": ev.MessageType,
		"timestamp":   ev.Timestamp,
	}
	if err := bc.SendToRoom(ev.RoomID, participants, "chat_message", payload); err != nil {
		f.log.Debug("fallback relay incomplete", zap.String("roomId", ev.RoomID), zap.Error(err))
	}
}

func (f *Fallback) bumpBadges(ctx context.Context, ev kafka.ChatMessageEvent, participants []int64) {
	for _, uid := range participants {
		if uid == ev.UserID {
			continue
		}
		if _, err := f.badges.Increment(ctx, uid, ev.RoomID); err != nil {
			f.log.Warn("fallback badge increment failed",
				zap.Int64("userId", uid), zap.Error(err))
		}
	}
}

func (f *Fallback) notifyRecipients(ctx context.Context, ev kafka.ChatMessageEvent, participants []int64) {
	if f.notifications == nil {
		return
	}
	for _, uid := range participants {
		if uid == ev.UserID {
			continue
		}
		nev := kafka.NotificationEvent{
			UserID:    uid,
			Type:      kafka.NotifyMessage,
			Title:     "New message",
			Body:      ev.Content,
			Data:      map[string]string{"roomId": ev.RoomID, "messageId": ev.ID},
			Timestamp: ev.Timestamp,
		}
		if err := f.notifications.Process(ctx, nev); err != nil {
			f.log.Warn("fallback notification failed", zap.Int64("userId", uid), zap.Error(err))
		}
	}
}
