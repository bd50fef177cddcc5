// Package notifier consumes the notification topic, applies preference and
// rate-limit policy, and dispatches across the delivery channels.
package notifier

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/sparkd-app/sparkd/service/chat"
	"github.com/sparkd-app/sparkd/service/kafka"
	"github.com/sparkd-app/sparkd/service/notify"
	"github.com/sparkd-app/sparkd/service/obs"
	"github.com/sparkd-app/sparkd/service/storage/cache"
	"github.com/sparkd-app/sparkd/service/storage/mgo"
	"github.com/sparkd-app/sparkd/tools/errs"
	"github.com/sparkd-app/sparkd/tools/ids"
)

const (
	rateWindow    = time.Hour
	awaitAttempts = 5
	awaitDelay    = 200 * time.Millisecond
)

// hourlyCeiling returns the per-(user, type) rate ceiling.
func hourlyCeiling(t kafka.NotificationType) int64 {
	switch t {
	case kafka.NotifyMessage, kafka.NotifyMention:
		return 100
	case kafka.NotifySystem, kafka.NotifySecurity, kafka.NotifyAccount:
		return 20
	default:
		return 50
	}
}

// emailWorthy reports whether the type may go out by email at all.
func emailWorthy(t kafka.NotificationType, prefs *mgo.NotificationPrefs) bool {
	switch t {
	case kafka.NotifySystem, kafka.NotifySecurity, kafka.NotifyAccount:
		return true
	case kafka.NotifyMessage, kafka.NotifyMention:
		return prefs.EmailOptIn
	default:
		return false
	}
}

// ProfileStore supplies preferences and push targets.
type ProfileStore interface {
	NotificationPrefs(ctx context.Context, userID int64) (*mgo.NotificationPrefs, error)
	PushTargets(ctx context.Context, userID int64) ([]string, error)
}

// RecordStore persists the notification record.
type RecordStore interface {
	Insert(ctx context.Context, rec *mgo.NotificationRecord) error
}

// Analytics is the fire-and-forget metrics hook; the producer gateway
// satisfies it.
type Analytics interface {
	PublishAnalytics(event string, payload any)
}

// Worker implements kafka.Handler for the notification consumer group.
//
// Preference and rate-limit checks short-circuit the pipeline; after them
// every channel (realtime, push, record, email, analytics) is isolated, so
// one failing never stops the rest.
type Worker struct {
	log     *zap.Logger
	metrics *obs.Metrics

	profiles  ProfileStore
	records   RecordStore
	store     cache.Store
	provider  *chat.Provider
	push      notify.PushGateway
	email     notify.EmailSender
	analytics Analytics

	mu sync.Mutex
	bc chat.Broadcaster
}

func NewWorker(profiles ProfileStore, records RecordStore, store cache.Store,
	provider *chat.Provider, push notify.PushGateway, email notify.EmailSender,
	analytics Analytics, log *zap.Logger, metrics *obs.Metrics) *Worker {
	return &Worker{
		log:       log.With(zap.String("worker", "notification")),
		metrics:   metrics,
		profiles:  profiles,
		records:   records,
		store:     store,
		provider:  provider,
		push:      push,
		email:     email,
		analytics: analytics,
	}
}

func (w *Worker) broadcaster() chat.Broadcaster {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bc != nil {
		return w.bc
	}
	b, err := w.provider.Await(awaitAttempts, awaitDelay)
	if err != nil {
		w.log.Warn("broadcaster unavailable for notifications", zap.Error(err))
		return nil
	}
	w.bc = b
	return b
}

func (w *Worker) Handle(ctx context.Context, msg *sarama.ConsumerMessage, ack func()) error {
	defer ack()
	ev, err := kafka.DecodeNotification(msg.Value)
	if err != nil {
		return errs.Wrap(err, "decode notification")
	}
	return w.Process(ctx, ev)
}

// Process runs the full dispatch pipeline for one notification. Exported so
// the synchronous fallback can reuse it when the broker is down.
func (w *Worker) Process(ctx context.Context, ev kafka.NotificationEvent) error {
	prefs, err := w.profiles.NotificationPrefs(ctx, ev.UserID)
	if err != nil {
		return errs.Wrap(err, "load notification prefs")
	}
	if !prefs.TypeEnabled(string(ev.Type)) {
		w.metrics.NotificationsDropped.WithLabelValues("preference").Inc()
		w.log.Debug("notification disabled by preference",
			zap.Int64("userId", ev.UserID), zap.String("type", string(ev.Type)))
		return nil
	}

	count, err := w.rateCount(ctx, ev)
	if err != nil {
		w.log.Warn("rate-limit read failed, allowing", zap.Error(err))
	} else if count >= hourlyCeiling(ev.Type) {
		w.metrics.NotificationsDropped.WithLabelValues("rate_limit").Inc()
		w.log.Info("notification rate-limited",
			zap.Int64("userId", ev.UserID), zap.String("type", string(ev.Type)))
		return nil
	}

	delivered := w.deliverRealtime(ev)
	w.deliverPush(ctx, ev, prefs, delivered)
	w.persistRecord(ctx, ev, delivered)
	w.deliverEmail(ev, prefs)
	w.bumpRate(ctx, ev)
	if w.analytics != nil {
		w.analytics.PublishAnalytics("notification_dispatched", map[string]any{
			"userId": ev.UserID,
			"type":   ev.Type,
		})
	}
	return nil
}

func (w *Worker) deliverRealtime(ev kafka.NotificationEvent) bool {
	bc := w.broadcaster()
	if bc == nil || !bc.IsOnline(ev.UserID) {
		return false
	}
	err := bc.SendToUser(ev.UserID, "notification", map[string]any{
		"type":      ev.Type,
		"title":     ev.Title,
		"body":      ev.Body,
		"data":      ev.Data,
		"timestamp": ev.Timestamp,
	})
	if err != nil {
		w.log.Debug("realtime notification failed", zap.Int64("userId", ev.UserID), zap.Error(err))
		return false
	}
	return true
}

// deliverPush goes out when no live session took the event, or when the
// user asked for push regardless of presence.
func (w *Worker) deliverPush(ctx context.Context, ev kafka.NotificationEvent, prefs *mgo.NotificationPrefs, deliveredLive bool) {
	if deliveredLive && !prefs.PushAlways {
		return
	}
	targets, err := w.profiles.PushTargets(ctx, ev.UserID)
	if err != nil || len(targets) == 0 {
		return
	}
	results, err := w.push.Send(ctx, targets, ev.Title, ev.Body, ev.Data)
	if err != nil {
		w.log.Warn("push dispatch failed", zap.Int64("userId", ev.UserID), zap.Error(err))
		return
	}
	for _, r := range results {
		if !r.OK {
			w.log.Debug("push target failed",
				zap.String("target", r.Target), zap.String("error", r.Error))
		}
	}
}

func (w *Worker) persistRecord(ctx context.Context, ev kafka.NotificationEvent, delivered bool) {
	rec := &mgo.NotificationRecord{
		ID:        recordID(ev),
		UserID:    ev.UserID,
		Type:      string(ev.Type),
		Title:     ev.Title,
		Body:      ev.Body,
		Data:      ev.Data,
		Delivered: delivered,
		Timestamp: ev.Timestamp,
	}
	if err := w.records.Insert(ctx, rec); err != nil {
		w.log.Error("notification record not persisted",
			zap.Int64("userId", ev.UserID), zap.Error(err))
	}
}

func (w *Worker) deliverEmail(ev kafka.NotificationEvent, prefs *mgo.NotificationPrefs) {
	if w.email == nil || prefs.Email == "" || !emailWorthy(ev.Type, prefs) {
		return
	}
	if err := w.email.Send(prefs.Email, ev.Title, ev.Body); err != nil {
		w.log.Warn("email dispatch failed", zap.Int64("userId", ev.UserID), zap.Error(err))
	}
}

func (w *Worker) rateCount(ctx context.Context, ev kafka.NotificationEvent) (int64, error) {
	v, err := w.store.Get(ctx, rateKey(ev.UserID, ev.Type))
	if err == cache.ErrMiss {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (w *Worker) bumpRate(ctx context.Context, ev kafka.NotificationEvent) {
	key := rateKey(ev.UserID, ev.Type)
	n, err := w.store.Incr(ctx, key)
	if err != nil {
		w.log.Warn("rate-limit increment failed", zap.Error(err))
		return
	}
	if n == 1 {
		_ = w.store.Expire(ctx, key, rateWindow)
	}
}

// recordID derives a stable id so a redelivered event collapses into the
// same record. An explicit id in the event data wins.
func recordID(ev kafka.NotificationEvent) string {
	if id, ok := ev.Data["notificationId"]; ok && id != "" {
		return id
	}
	if ts := ev.Timestamp; ts > 0 {
		return fmt.Sprintf("%d:%s:%d", ev.UserID, ev.Type, ts)
	}
	return ids.NewMessageID()
}

func rateKey(userID int64, t kafka.NotificationType) string {
	return fmt.Sprintf("ratelimit:notify:%d:%s", userID, t)
}
