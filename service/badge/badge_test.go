package badge

import (
	"context"
	"testing"
	"time"

	"github.com/sparkd-app/sparkd/logger"
	"github.com/sparkd-app/sparkd/service/storage/cache"
)

type captureNotifier struct {
	events []map[string]any
}

func (n *captureNotifier) SendToUser(_ int64, _ string, payload any) error {
	n.events = append(n.events, payload.(map[string]any))
	return nil
}

func newTestService(clock func() time.Time) (*Service, *captureNotifier) {
	n := &captureNotifier{}
	return NewService(cache.NewMemoryWithClock(clock), n, logger.Nop()), n
}

func TestIncrementAccumulates(t *testing.T) {
	ctx := context.Background()
	s, notifier := newTestService(time.Now)

	if n, err := s.Increment(ctx, 1, "room-a"); err != nil || n != 1 {
		t.Fatalf("first increment = %d, %v", n, err)
	}
	if n, err := s.Increment(ctx, 1, "room-a"); err != nil || n != 2 {
		t.Fatalf("second increment = %d, %v", n, err)
	}
	if n, err := s.Get(ctx, 1, "room-a"); err != nil || n != 2 {
		t.Fatalf("get = %d, %v", n, err)
	}
	if len(notifier.events) != 2 {
		t.Fatalf("emitted %d badge events, want 2", len(notifier.events))
	}
	if got := notifier.events[1]["count"].(int64); got != 2 {
		t.Fatalf("badge event count = %d, want 2", got)
	}
}

func TestGetAbsentCounterReadsZero(t *testing.T) {
	s, _ := newTestService(time.Now)
	n, err := s.Get(context.Background(), 1, "never-touched")
	if err != nil || n != 0 {
		t.Fatalf("get = %d, %v, want 0", n, err)
	}
}

func TestResetClearsCounter(t *testing.T) {
	ctx := context.Background()
	s, notifier := newTestService(time.Now)

	_, _ = s.Increment(ctx, 1, "room-a")
	if err := s.Reset(ctx, 1, "room-a"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Get(ctx, 1, "room-a"); n != 0 {
		t.Fatalf("after reset = %d, want 0", n)
	}
	last := notifier.events[len(notifier.events)-1]
	if got := last["count"].(int64); got != 0 {
		t.Fatalf("reset event count = %d, want 0", got)
	}
}

func TestCounterExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s, _ := newTestService(func() time.Time { return now })

	_, _ = s.Increment(ctx, 1, "room-a")
	now = now.Add(TTL + time.Hour)
	if n, err := s.Get(ctx, 1, "room-a"); err != nil || n != 0 {
		t.Fatalf("expired counter = %d, %v, want 0", n, err)
	}
}

func TestListUnreadTracksRooms(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(time.Now)

	_, _ = s.Increment(ctx, 1, "room-a")
	_, _ = s.Increment(ctx, 1, "room-a")
	_, _ = s.Increment(ctx, 1, "room-b")
	_ = s.Reset(ctx, 1, "room-b")

	unread, err := s.ListUnread(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 || unread["room-a"] != 2 {
		t.Fatalf("unread = %v, want room-a:2 only", unread)
	}
}

func TestResetAllClearsEverything(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(time.Now)

	_, _ = s.Increment(ctx, 1, "room-a")
	_, _ = s.Increment(ctx, 1, "room-b")
	if err := s.ResetAll(ctx, 1); err != nil {
		t.Fatal(err)
	}
	unread, err := s.ListUnread(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 0 {
		t.Fatalf("unread after reset-all = %v, want empty", unread)
	}
}

func TestSetCountOverrides(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(time.Now)

	if err := s.SetCount(ctx, 1, "room-a", 9); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Get(ctx, 1, "room-a"); n != 9 {
		t.Fatalf("after set = %d, want 9", n)
	}
	if err := s.SetCount(ctx, 1, "room-a", 0); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Get(ctx, 1, "room-a"); n != 0 {
		t.Fatalf("set to zero = %d, want reset", n)
	}
}
