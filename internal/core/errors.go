package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures that cross the relay boundary. Codes are
// stable wire values; human-readable text is attached separately.
type ErrorCode string

const (
	CodeAuth         ErrorCode = "auth_error"
	CodeRoom         ErrorCode = "room_error"
	CodeMedia        ErrorCode = "media_error"
	CodeNegotiation  ErrorCode = "negotiation_error"
	CodeDelivery     ErrorCode = "delivery_error"
	CodeNoActiveCall ErrorCode = "no_active_call"
)

// Error is a coded error. It wraps an optional cause so callers can keep
// using errors.Is/As against domain sentinels.
type Error struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Errf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// IsCode reports whether err carries the given wire code.
func IsCode(err error, code ErrorCode) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == code
}

// CodeOf extracts the wire code of err, defaulting to CodeDelivery for
// uncoded transport-level failures.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeDelivery
}
