package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Shopify/sarama"

	"github.com/sparkd-app/sparkd/logger"
	"github.com/sparkd-app/sparkd/service/chat"
	"github.com/sparkd-app/sparkd/service/kafka"
	"github.com/sparkd-app/sparkd/service/obs"
	"github.com/sparkd-app/sparkd/service/storage/cache"
	"github.com/sparkd-app/sparkd/service/storage/mgo"
)

type fakeRooms struct {
	participants []int64
}

func (f *fakeRooms) Participants(context.Context, string) ([]int64, error) {
	return f.participants, nil
}

type fakeProfiles struct{}

func (fakeProfiles) ProfileSummary(_ context.Context, userID int64) (*mgo.ProfileSummary, error) {
	return &mgo.ProfileSummary{UserID: userID, DisplayName: "Sam"}, nil
}

type fakeBadges struct {
	bumped []int64
}

func (f *fakeBadges) Increment(_ context.Context, userID int64, _ string) (int64, error) {
	f.bumped = append(f.bumped, userID)
	return 1, nil
}

type sent struct {
	userID  int64
	event   string
	payload any
}

type captureBroadcaster struct {
	toUser   []sent
	toRoom   []string
	statuses []string
}

func (b *captureBroadcaster) SendToUser(userID int64, event string, payload any) error {
	b.toUser = append(b.toUser, sent{userID: userID, event: event, payload: payload})
	return nil
}

func (b *captureBroadcaster) SendToRoom(roomID string, _ []int64, _ string, _ any) error {
	b.toRoom = append(b.toRoom, roomID)
	return nil
}

func (b *captureBroadcaster) BroadcastStatus(_ int64, status string, watchers []int64) {
	for range watchers {
		b.statuses = append(b.statuses, status)
	}
}

func (b *captureBroadcaster) IsOnline(int64) bool { return true }

func (b *captureBroadcaster) eventsFor(userID int64) []string {
	var out []string
	for _, s := range b.toUser {
		if s.userID == userID {
			out = append(out, s.event)
		}
	}
	return out
}

type rtEnv struct {
	worker *Worker
	bc     *captureBroadcaster
	badges *fakeBadges
	store  cache.Store
}

func newRTEnv() *rtEnv {
	e := &rtEnv{
		bc:     &captureBroadcaster{},
		badges: &fakeBadges{},
		store:  cache.NewMemory(),
	}
	provider := chat.NewProvider()
	provider.Set(e.bc)
	e.worker = NewWorker(&fakeRooms{participants: []int64{1, 2}}, fakeProfiles{}, e.badges,
		e.store, provider, logger.Nop(), obs.NewTestMetrics())
	return e
}

func consume(t *testing.T, w *Worker, topic string, ev any) {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var acked bool
	msg := &sarama.ConsumerMessage{Topic: topic, Value: body}
	if err := w.Handle(context.Background(), msg, func() { acked = true }); err != nil {
		t.Fatal(err)
	}
	if !acked {
		t.Fatal("realtime handler must ack unconditionally")
	}
}

func TestChatMessageFansOut(t *testing.T) {
	e := newRTEnv()
	consume(t, e.worker, kafka.TopicChatMessages, kafka.ChatMessageEvent{
		ID: "m1", RoomID: "room-1", UserID: 1, Content: "hello", MessageType: kafka.MessageText,
	})

	if len(e.bc.toRoom) != 1 || e.bc.toRoom[0] != "room-1" {
		t.Fatalf("room deliveries = %v", e.bc.toRoom)
	}
	// Both participants see the chat-list summary.
	if ev := e.bc.eventsFor(1); len(ev) != 1 || ev[0] != "room_summary" {
		t.Fatalf("sender events = %v", ev)
	}
	if ev := e.bc.eventsFor(2); len(ev) != 1 || ev[0] != "room_summary" {
		t.Fatalf("recipient events = %v", ev)
	}
	// Only the recipient's badge moves.
	if len(e.badges.bumped) != 1 || e.badges.bumped[0] != 2 {
		t.Fatalf("badges bumped for %v, want [2]", e.badges.bumped)
	}
}

func TestPresenceOnlineSetsKeyAndBroadcasts(t *testing.T) {
	e := newRTEnv()
	ctx := context.Background()
	// Users 5 and 6 watch user 1's presence.
	_ = e.store.SAdd(ctx, "presence:watchers:1", "5", "6")

	consume(t, e.worker, kafka.TopicUserEvents, kafka.UserEvent{UserID: 1, EventType: kafka.UserOnline})

	if _, err := e.store.Get(ctx, "presence:online:1"); err != nil {
		t.Fatalf("presence key not set: %v", err)
	}
	if len(e.bc.statuses) != 2 || e.bc.statuses[0] != "online" {
		t.Fatalf("statuses = %v, want online to both watchers", e.bc.statuses)
	}

	consume(t, e.worker, kafka.TopicUserEvents, kafka.UserEvent{UserID: 1, EventType: kafka.UserOffline})
	if _, err := e.store.Get(ctx, "presence:online:1"); err != cache.ErrMiss {
		t.Fatalf("presence key should be gone, err = %v", err)
	}
}

func TestTypingNotifiesOtherParticipant(t *testing.T) {
	e := newRTEnv()
	consume(t, e.worker, kafka.TopicUserEvents, kafka.UserEvent{
		UserID: 1, EventType: kafka.UserTyping, RoomID: "room-1",
	})

	if _, err := e.store.Get(context.Background(), "typing:room-1:1"); err != nil {
		t.Fatalf("typing flag not set: %v", err)
	}
	if ev := e.bc.eventsFor(2); len(ev) != 1 || ev[0] != "typing" {
		t.Fatalf("other participant events = %v", ev)
	}
	if ev := e.bc.eventsFor(1); len(ev) != 0 {
		t.Fatalf("typist notified about their own typing: %v", ev)
	}
}

func TestRoomMembershipTracking(t *testing.T) {
	e := newRTEnv()
	ctx := context.Background()

	consume(t, e.worker, kafka.TopicUserEvents, kafka.UserEvent{
		UserID: 1, EventType: kafka.UserJoinRoom, RoomID: "room-1",
	})
	if v, err := e.store.Get(ctx, "room:current:1"); err != nil || v != "room-1" {
		t.Fatalf("current room = %q, %v", v, err)
	}
	if ev := e.bc.eventsFor(2); len(ev) != 1 || ev[0] != "room_joined" {
		t.Fatalf("join events = %v", ev)
	}

	consume(t, e.worker, kafka.TopicUserEvents, kafka.UserEvent{
		UserID: 1, EventType: kafka.UserLeaveRoom, RoomID: "room-1",
	})
	if _, err := e.store.Get(ctx, "room:current:1"); err != cache.ErrMiss {
		t.Fatalf("current room should be cleared, err = %v", err)
	}
}

func TestUnknownUserEventIsIgnored(t *testing.T) {
	e := newRTEnv()
	consume(t, e.worker, kafka.TopicUserEvents, kafka.UserEvent{
		UserID: 1, EventType: "mystery",
	})
	if len(e.bc.toUser) != 0 {
		t.Fatalf("unknown event produced deliveries: %v", e.bc.toUser)
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("x", 200)
	if got := preview(kafka.ChatMessageEvent{Content: long, MessageType: kafka.MessageText}); len(got) != 80 {
		t.Fatalf("preview length = %d, want 80", len(got))
	}
	wide := strings.Repeat("é", 100)
	got := preview(kafka.ChatMessageEvent{Content: wide, MessageType: kafka.MessageText})
	if !utf8.ValidString(got) {
		t.Fatalf("preview split a multi-byte character: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 80 {
		t.Fatalf("preview rune count = %d, want 80", n)
	}
	if got := preview(kafka.ChatMessageEvent{Content: "ignored", MessageType: kafka.MessageImage}); got != "[image]" {
		t.Fatalf("image preview = %q", got)
	}
	if got := preview(kafka.ChatMessageEvent{Content: "short", MessageType: kafka.MessageText}); got != "short" {
		t.Fatalf("short preview = %q", got)
	}
}
