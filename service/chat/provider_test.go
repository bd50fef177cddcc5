package chat

import (
	"testing"
	"time"
)

type nopBroadcaster struct{}

func (nopBroadcaster) SendToUser(int64, string, any) error           { return nil }
func (nopBroadcaster) SendToRoom(string, []int64, string, any) error { return nil }
func (nopBroadcaster) BroadcastStatus(int64, string, []int64)        {}
func (nopBroadcaster) IsOnline(int64) bool                           { return false }

func TestProviderSetGet(t *testing.T) {
	p := NewProvider()
	if _, ok := p.Get(); ok {
		t.Fatal("empty provider reported a broadcaster")
	}
	p.Set(nopBroadcaster{})
	if _, ok := p.Get(); !ok {
		t.Fatal("provider lost the broadcaster")
	}
}

func TestAwaitGivesUp(t *testing.T) {
	p := NewProvider()
	start := time.Now()
	if _, err := p.Await(3, 10*time.Millisecond); err == nil {
		t.Fatal("await on empty provider should fail")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("await took %v, must be bounded", elapsed)
	}
}

func TestAwaitSeesLateSet(t *testing.T) {
	p := NewProvider()
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Set(nopBroadcaster{})
	}()
	if _, err := p.Await(20, 10*time.Millisecond); err != nil {
		t.Fatalf("await missed the late set: %v", err)
	}
}
