// Package realtime consumes the same topics as the persistence worker under
// its own group and fans events out to live sessions. Duplicate consumption
// is intentional: latency here is decoupled from durability there.
package realtime

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
	"github.com/sparkd-app/sparkd/service/obs"
	"github.com/sparkd-app/sparkd/service/storage/cache"
	"github.com/sparkd-app/sparkd/service/storage/mgo"
	"github.com/sparkd-app/sparkd/tools/errs"
)

const (
	typingTTL     = 10 * time.Second
	awaitAttempts = 5
	awaitDelay    = 200 * time.Millisecond
	presenceTTL   = 0 // presence keys live until an offline event
)

// RoomDirectory resolves a room to its two participants.
type RoomDirectory interface {
	Participants(ctx context.Context, roomID string) ([]int64, error)
}

// ProfileDirectory supplies the sender summary attached to deliveries.
type ProfileDirectory interface {
	ProfileSummary(ctx context.Context, userID int64) (*mgo.ProfileSummary, error)
}

// BadgeCounter is the slice of the badge service this worker mutates.
type BadgeCounter interface {
	Increment(ctx context.Context, userID int64, roomID string) (int64, error)
}

// Worker implements kafka.Handler for the realtime consumer group.
type Worker struct {
	log     *zap.Logger
	metrics *obs.Metrics

	rooms    RoomDirectory
	profiles ProfileDirectory
	badges   BadgeCounter
	store    cache.Store
	provider *chat.Provider

	mu sync.Mutex
	bc chat.Broadcaster
}

func NewWorker(rooms RoomDirectory, profiles ProfileDirectory, badges BadgeCounter,
	store cache.Store, provider *chat.Provider, log *zap.Logger, metrics *obs.Metrics) *Worker {
	return &Worker{
		log:      log.With(zap.String("worker", "realtime")),
		metrics:  metrics,
		rooms:    rooms,
		profiles: profiles,
		badges:   badges,
		store:    store,
		provider: provider,
	}
}

// broadcaster resolves the live-session hub, retrying a bounded number of
// times to cover the startup race with the HTTP layer.
func (w *Worker) broadcaster() (chat.Broadcaster, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bc != nil {
		return w.bc, nil
	}
	b, err := w.provider.Await(awaitAttempts, awaitDelay)
	if err != nil {
		return nil, err
	}
	w.bc = b
	return b, nil
}

// Handle dispatches by topic. The offset is acked as soon as the event has
// been processed; a realtime event that could not be delivered has no value
// on redelivery.
func (w *Worker) Handle(ctx context.Context, msg *sarama.ConsumerMessage, ack func()) error {
	defer ack()

	switch msg.Topic {
	case kafka.TopicChatMessages:
		ev, err := kafka.DecodeChatMessage(msg.Value)
		if err != nil {
			return errs.Wrap(err, "decode chat message")
		}
		return w.relayChatMessage(ctx, ev)
	case kafka.TopicUserEvents:
		ev, err := kafka.DecodeUserEvent(msg.Value)
		if err != nil {
			return errs.Wrap(err, "decode user event")
		}
		return w.handleUserEvent(ctx, ev)
	}
	return nil
}

func (w *Worker) relayChatMessage(ctx context.Context, ev kafka.ChatMessageEvent) error {
	bc, err := w.broadcaster()
	if err != nil {
		w.log.Error("broadcaster unavailable, realtime delivery skipped", zap.Error(err))
		return nil
	}

	participants, err := w.rooms.Participants(ctx, ev.RoomID)
	if err != nil {
		return errs.Wrap(err, "resolve room participants")
	}

	payload := map[string]any{
		"id":          ev.ID,
		"roomId":      ev.RoomID,
		"senderId":    ev.UserID,
		"content":     ev.Content,
		"messageType": ev.MessageType,
		"timestamp":   ev.Timestamp,
	}
	if sender, err := w.profiles.ProfileSummary(ctx, ev.UserID); err == nil {
		payload["sender"] = sender
	} else {
		w.log.Debug("sender summary unavailable", zap.Int64("userId", ev.UserID), zap.Error(err))
	}

	if err := bc.SendToRoom(ev.RoomID, participants, "chat_message", payload); err != nil {
		w.log.Debug("room delivery incomplete", zap.String("roomId", ev.RoomID), zap.Error(err))
	}

	// The chat-list view listens for summaries, independent of the full
	// message frame.
	summary := map[string]any{
		"roomId":      ev.RoomID,
		"lastMessage": preview(ev),
		"senderId":    ev.UserID,
		"timestamp":   ev.Timestamp,
	}
	for _, uid := range participants {
		if err := bc.SendToUser(uid, "room_summary", summary); err != nil {
			w.log.Debug("room summary not delivered", zap.Int64("userId", uid), zap.Error(err))
		}
	}

	for _, uid := range participants {
		if uid == ev.UserID {
			continue
		}
		if _, err := w.badges.Increment(ctx, uid, ev.RoomID); err != nil {
			w.log.Warn("badge increment failed",
				zap.Int64("userId", uid), zap.String("roomId", ev.RoomID), zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) handleUserEvent(ctx context.Context, ev kafka.UserEvent) error {
	switch ev.EventType {
	case kafka.UserOnline:
		return w.setPresence(ctx, ev, "online")
	case kafka.UserOffline:
		return w.setPresence(ctx, ev, "offline")
	case kafka.UserTyping:
		return w.relayTyping(ctx, ev)
	case kafka.UserJoinRoom, kafka.UserLeaveRoom:
		return w.trackRoomMembership(ctx, ev)
	default:
		w.log.Debug("unknown user event type", zap.String("type", string(ev.EventType)))
		return nil
	}
}

func (w *Worker) setPresence(ctx context.Context, ev kafka.UserEvent, status string) error {
	key := presenceKey(ev.UserID)
	if status == "online" {
		if err := w.store.Set(ctx, key, "1", presenceTTL); err != nil {
			w.log.Warn("presence write failed", zap.Error(err))
		}
	} else {
		if err := w.store.Del(ctx, key); err != nil {
			w.log.Warn("presence delete failed", zap.Error(err))
		}
	}

	bc, err := w.broadcaster()
	if err != nil {
		w.log.Error("broadcaster unavailable, status broadcast skipped", zap.Error(err))
		return nil
	}
	watchers, err := w.watchers(ctx, ev.UserID)
	if err != nil {
		return errs.Wrap(err, "load watchers")
	}
	bc.BroadcastStatus(ev.UserID, status, watchers)
	return nil
}

func (w *Worker) relayTyping(ctx context.Context, ev kafka.UserEvent) error {
	if ev.RoomID == "" {
		return nil
	}
	if err := w.store.Set(ctx, typingKey(ev.RoomID, ev.UserID), "1", typingTTL); err != nil {
		w.log.Debug("typing flag write failed", zap.Error(err))
	}

	bc, err := w.broadcaster()
	if err != nil {
		return nil
	}
	other, err := w.otherParticipant(ctx, ev.RoomID, ev.UserID)
	if err != nil {
		return err
	}
	if other != 0 {
		_ = bc.SendToUser(other, "typing", map[string]any{
			"roomId": ev.RoomID,
			"userId": ev.UserID,
		})
	}
	return nil
}

func (w *Worker) trackRoomMembership(ctx context.Context, ev kafka.UserEvent) error {
	key := currentRoomKey(ev.UserID)
	event := "room_joined"
	if ev.EventType == kafka.UserLeaveRoom {
		event = "room_left"
		if err := w.store.Del(ctx, key); err != nil {
			w.log.Debug("current-room delete failed", zap.Error(err))
		}
	} else {
		if err := w.store.Set(ctx, key, ev.RoomID, 0); err != nil {
			w.log.Debug("current-room write failed", zap.Error(err))
		}
	}

	bc, err := w.broadcaster()
	if err != nil {
		return nil
	}
	other, err := w.otherParticipant(ctx, ev.RoomID, ev.UserID)
	if err != nil {
		return err
	}
	if other != 0 {
		_ = bc.SendToUser(other, event, map[string]any{
			"roomId": ev.RoomID,
			"userId": ev.UserID,
		})
	}
	return nil
}

func (w *Worker) otherParticipant(ctx context.Context, roomID string, userID int64) (int64, error) {
	if roomID == "" {
		return 0, nil
	}
	participants, err := w.rooms.Participants(ctx, roomID)
	if err != nil {
		return 0, errs.Wrap(err, "resolve room participants")
	}
	for _, uid := range participants {
		if uid != userID {
			return uid, nil
		}
	}
	return 0, nil
}

func (w *Worker) watchers(ctx context.Context, userID int64) ([]int64, error) {
	members, err := w.store.SMembers(ctx, watchersKey(userID))
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func preview(ev kafka.ChatMessageEvent) string {
	if ev.MessageType == kafka.MessageImage {
		return "[image]"
	}
	// Truncate on rune boundaries; byte slicing could split a multi-byte
	// character.
	const max = 80
	runes := []rune(ev.Content)
	if len(runes) > max {
		return string(runes[:max])
	}
	return ev.Content
}

func presenceKey(userID int64) string { return fmt.Sprintf("presence:online:%d", userID) }

func watchersKey(userID int64) string { return fmt.Sprintf("presence:watchers:%d", userID) }

func typingKey(roomID string, userID int64) string {
	return fmt.Sprintf("typing:%s:%d", roomID, userID)
}

func currentRoomKey(userID int64) string { return fmt.Sprintf("room:current:%d", userID) }
