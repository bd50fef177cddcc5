package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	if !errors.Is(ErrNotConnected.WithDetail("topic x"), ErrNotConnected) {
		t.Fatal("detailed copy must still match its code")
	}
	if errors.Is(ErrNotConnected, ErrPublishFailure) {
		t.Fatal("different codes must not match")
	}
}

func TestWrapMsgKeepsCodeAndCause(t *testing.T) {
	cause := errors.New("broker gone")
	err := ErrPublishFailure.WrapMsg(cause)

	if !errors.Is(err, ErrPublishFailure) {
		t.Fatal("wrapped error lost its code")
	}
	if !strings.Contains(err.Error(), "broker gone") {
		t.Fatalf("wrapped error lost its cause: %v", err)
	}
}

func TestWrapMsgNilCause(t *testing.T) {
	if err := ErrBatchFlush.WrapMsg(nil); !errors.Is(err, ErrBatchFlush) {
		t.Fatal("nil cause should return the coded error itself")
	}
}

func TestWithDetailAccumulates(t *testing.T) {
	err := ErrChannelDelivery.WithDetail("push").WithDetail("timeout")
	if !strings.Contains(err.Error(), "push") || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("details lost: %v", err)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
}
