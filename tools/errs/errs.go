package errs

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Pipeline error taxonomy. Codes are stable; callers match with errors.Is.
var (
	ErrNotConnected    = New(1001, "broker not connected")
	ErrTransientBroker = New(1002, "transient broker error")
	ErrPublishFailure  = New(1003, "publish failed")
	ErrConsumerCrash   = New(1004, "consumer crashed")
	ErrChannelDelivery = New(1005, "delivery channel failed")
	ErrBatchFlush      = New(1006, "batch flush failed")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func New(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Is matches by code so wrapped and detailed copies still compare equal.
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	return ok && t.Code == e.Code
}

// WithDetail returns a copy carrying extra context.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// WrapMsg attaches a cause to a coded error.
func (e *CodeError) WrapMsg(cause error) error {
	if cause == nil {
		return e
	}
	return errors.Wrap(e.WithDetail(cause.Error()), e.Msg)
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
