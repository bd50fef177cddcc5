package chat

import (
	"errors"
	"sync"
	"testing"

	"github.com/sparkd-app/sparkd/logger"
	"github.com/sparkd-app/sparkd/tools/errs"
)

func TestSendToUserWithoutSession(t *testing.T) {
	h := NewHub(logger.Nop())
	err := h.SendToUser(1, "notification", map[string]any{"k": "v"})
	if !errors.Is(err, errs.ErrChannelDelivery) {
		t.Fatalf("err = %v, want ErrChannelDelivery", err)
	}
}

func TestIsOnlineWithoutSession(t *testing.T) {
	h := NewHub(logger.Nop())
	if h.IsOnline(1) {
		t.Fatal("empty hub reported a user online")
	}
}

// A user disconnecting while a worker fans out to them must never crash the
// process: closing a session queue and sending on it have to be mutually
// exclusive.
func TestSendToUserDuringDisconnectChurn(t *testing.T) {
	h := NewHub(logger.Nop())

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = h.SendToUser(7, "notification", map[string]any{"seq": 1})
				}
			}
		}()
	}

	for i := 0; i < 512; i++ {
		s := &session{userID: 7, send: make(chan []byte, 1)}
		h.register(s)
		h.unregister(s)
	}
	close(done)
	wg.Wait()
}

func TestSendToRoomReportsLastFailure(t *testing.T) {
	h := NewHub(logger.Nop())
	err := h.SendToRoom("room-1", []int64{1, 2}, "chat_message", nil)
	if !errors.Is(err, errs.ErrChannelDelivery) {
		t.Fatalf("err = %v, want ErrChannelDelivery when no participant is live", err)
	}
}
