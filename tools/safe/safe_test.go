package safe

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Go(zap.NewNop(), "panics", func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
	// The panic must not escape the wrapper; reaching here proves it was
	// swallowed. A second goroutine still runs normally afterwards.
	ran := make(chan struct{})
	Go(zap.NewNop(), "ok", func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("follow-up goroutine did not run")
	}
}
