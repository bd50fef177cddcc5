package notifier

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sparkd-app/sparkd/logger"
	"github.com/sparkd-app/sparkd/service/chat"
	"github.com/sparkd-app/sparkd/service/kafka"
	"github.com/sparkd-app/sparkd/service/notify"
	"github.com/sparkd-app/sparkd/service/obs"
	"github.com/sparkd-app/sparkd/service/storage/cache"
	"github.com/sparkd-app/sparkd/service/storage/mgo"
)

type fakeProfiles struct {
	prefs   mgo.NotificationPrefs
	targets []string
}

func (f *fakeProfiles) NotificationPrefs(context.Context, int64) (*mgo.NotificationPrefs, error) {
	p := f.prefs
	return &p, nil
}

func (f *fakeProfiles) PushTargets(context.Context, int64) ([]string, error) {
	return f.targets, nil
}

type fakeRecords struct {
	mu      sync.Mutex
	records []*mgo.NotificationRecord
	fail    bool
}

func (f *fakeRecords) Insert(_ context.Context, rec *mgo.NotificationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("storage down")
	}
	f.records = append(f.records, rec)
	return nil
}

type fakePush struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakePush) Send(_ context.Context, targets []string, _, _ string, _ map[string]string) ([]notify.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, targets)
	out := make([]notify.PushResult, len(targets))
	for i, tg := range targets {
		out[i] = notify.PushResult{Target: tg, OK: true}
	}
	return out, nil
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeEmail) Send(to, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	return nil
}

type fakeBroadcaster struct {
	online    bool
	delivered []string
	sendErr   error
}

func (f *fakeBroadcaster) SendToUser(_ int64, event string, _ any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.delivered = append(f.delivered, event)
	return nil
}

func (f *fakeBroadcaster) SendToRoom(string, []int64, string, any) error { return nil }
func (f *fakeBroadcaster) BroadcastStatus(int64, string, []int64)        {}
func (f *fakeBroadcaster) IsOnline(int64) bool                           { return f.online }

type env struct {
	worker   *Worker
	profiles *fakeProfiles
	records  *fakeRecords
	push     *fakePush
	email    *fakeEmail
	bc       *fakeBroadcaster
	store    cache.Store
}

func newEnv() *env {
	e := &env{
		profiles: &fakeProfiles{targets: []string{"device-1"}},
		records:  &fakeRecords{},
		push:     &fakePush{},
		email:    &fakeEmail{},
		bc:       &fakeBroadcaster{},
		store:    cache.NewMemory(),
	}
	provider := chat.NewProvider()
	provider.Set(e.bc)
	e.worker = NewWorker(e.profiles, e.records, e.store, provider, e.push, e.email,
		nil, logger.Nop(), obs.NewTestMetrics())
	return e
}

func notification(t kafka.NotificationType) kafka.NotificationEvent {
	return kafka.NotificationEvent{
		UserID:    1,
		Type:      t,
		Title:     "title",
		Body:      "body",
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestDisabledTypeShortCircuits(t *testing.T) {
	e := newEnv()
	e.profiles.prefs.Disabled = []string{"message"}

	if err := e.worker.Process(context.Background(), notification(kafka.NotifyMessage)); err != nil {
		t.Fatal(err)
	}
	if len(e.push.calls) != 0 || len(e.records.records) != 0 || len(e.bc.delivered) != 0 {
		t.Fatal("disabled notification must not reach any channel")
	}
}

func TestRateLimitShortCircuits(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	key := rateKey(1, kafka.NotifyMessage)
	if err := e.store.Set(ctx, key, strconv.FormatInt(hourlyCeiling(kafka.NotifyMessage), 10), 0); err != nil {
		t.Fatal(err)
	}

	if err := e.worker.Process(ctx, notification(kafka.NotifyMessage)); err != nil {
		t.Fatal(err)
	}
	if len(e.push.calls) != 0 || len(e.records.records) != 0 {
		t.Fatal("rate-limited notification must not reach any channel")
	}
	// The counter must not grow past the ceiling either.
	v, err := e.store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if v != strconv.FormatInt(hourlyCeiling(kafka.NotifyMessage), 10) {
		t.Fatalf("rate counter = %s after short-circuit", v)
	}
}

func TestOnlineDeliverySkipsPush(t *testing.T) {
	e := newEnv()
	e.bc.online = true

	if err := e.worker.Process(context.Background(), notification(kafka.NotifyMessage)); err != nil {
		t.Fatal(err)
	}
	if len(e.bc.delivered) != 1 || e.bc.delivered[0] != "notification" {
		t.Fatalf("realtime deliveries = %v", e.bc.delivered)
	}
	if len(e.push.calls) != 0 {
		t.Fatal("push sent although a live session took the notification")
	}
	if len(e.records.records) != 1 || !e.records.records[0].Delivered {
		t.Fatalf("record = %+v, want delivered=true", e.records.records)
	}
}

func TestOfflineDeliveryUsesPush(t *testing.T) {
	e := newEnv()
	e.bc.online = false

	if err := e.worker.Process(context.Background(), notification(kafka.NotifyMessage)); err != nil {
		t.Fatal(err)
	}
	if len(e.push.calls) != 1 || e.push.calls[0][0] != "device-1" {
		t.Fatalf("push calls = %v, want device-1", e.push.calls)
	}
	if len(e.records.records) != 1 || e.records.records[0].Delivered {
		t.Fatalf("record = %+v, want delivered=false", e.records.records)
	}
}

func TestPushAlwaysOverridesPresence(t *testing.T) {
	e := newEnv()
	e.bc.online = true
	e.profiles.prefs.PushAlways = true

	if err := e.worker.Process(context.Background(), notification(kafka.NotifyMessage)); err != nil {
		t.Fatal(err)
	}
	if len(e.push.calls) != 1 {
		t.Fatal("push_always user must get a push even while online")
	}
}

func TestEmailOnlyForWorthyTypes(t *testing.T) {
	e := newEnv()
	e.profiles.prefs.Email = "u@example.com"

	// message without opt-in: no email.
	if err := e.worker.Process(context.Background(), notification(kafka.NotifyMessage)); err != nil {
		t.Fatal(err)
	}
	if len(e.email.sent) != 0 {
		t.Fatal("message email sent without opt-in")
	}

	// security always goes out when an address exists.
	if err := e.worker.Process(context.Background(), notification(kafka.NotifySecurity)); err != nil {
		t.Fatal(err)
	}
	if len(e.email.sent) != 1 || e.email.sent[0] != "u@example.com" {
		t.Fatalf("email sent = %v", e.email.sent)
	}
}

func TestRateCounterBumpsAfterDispatch(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	if err := e.worker.Process(ctx, notification(kafka.NotifyMessage)); err != nil {
		t.Fatal(err)
	}
	v, err := e.store.Get(ctx, rateKey(1, kafka.NotifyMessage))
	if err != nil || v != "1" {
		t.Fatalf("rate counter = %q, %v, want 1", v, err)
	}
}

func TestChannelFailureDoesNotStopOthers(t *testing.T) {
	e := newEnv()
	e.records.fail = true
	e.profiles.prefs.Email = "u@example.com"

	if err := e.worker.Process(context.Background(), notification(kafka.NotifySecurity)); err != nil {
		t.Fatal(err)
	}
	if len(e.push.calls) != 1 {
		t.Fatal("push skipped because the record insert failed")
	}
	if len(e.email.sent) != 1 {
		t.Fatal("email skipped because the record insert failed")
	}
}

func TestStableRecordID(t *testing.T) {
	ev := notification(kafka.NotifyMessage)
	ev.Timestamp = 12345
	if recordID(ev) != recordID(ev) {
		t.Fatal("record id not stable across redelivery")
	}
	ev.Data = map[string]string{"notificationId": "explicit"}
	if recordID(ev) != "explicit" {
		t.Fatal("explicit id must win")
	}
}

func TestHourlyCeilings(t *testing.T) {
	if hourlyCeiling(kafka.NotifyMessage) != 100 {
		t.Error("message ceiling")
	}
	if hourlyCeiling(kafka.NotifySecurity) != 20 {
		t.Error("security ceiling")
	}
	if hourlyCeiling(kafka.NotifyMatch) != 50 {
		t.Error("default ceiling")
	}
}
