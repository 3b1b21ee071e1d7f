// Package mapper implements the WebDriver BiDi command processor and its
// backing state: browsing contexts, script realms, preload scripts and the
// event manager, all kept in sync with a Chrome DevTools Protocol session.
package mapper

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chromectl/bidimapper/internal/cdp"
)

// ErrorCode is a BiDi error kind, sent verbatim in the "error" field of an
// error response.
type ErrorCode string

const (
	ErrInvalidArgument ErrorCode = "invalid argument"
	ErrNoSuchFrame     ErrorCode = "no such frame"
	ErrNoSuchScript    ErrorCode = "no such script"
	ErrUnsupportedOp   ErrorCode = "unsupported operation"
	ErrUnknown         ErrorCode = "unknown error"
	ErrUnknownCommand  ErrorCode = "unknown command"
)

// Error is a BiDi-shaped error: a code plus a human-readable message,
// optionally a stack trace string forwarded from the browser side.
type Error struct {
	Code       ErrorCode
	Message    string
	StackTrace string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a mapper.Error with the given code and formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into a BiDi *Error, classifying it per the
// CDP-error mapping table: a *cdp.Error whose message mentions a missing
// object is reclassified to invalid argument; anything else propagates as
// "unknown error". An error that is already a *mapper.Error passes through
// unchanged.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	var ce *cdp.Error
	if errors.As(err, &ce) {
		if isHandleNotFound(ce.Message) {
			return NewError(ErrInvalidArgument, "Handle was not found.")
		}
		return NewError(ErrUnknown, "%s", ce.Error())
	}
	return NewError(ErrUnknown, "%s", err.Error())
}

func isHandleNotFound(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "could not find object") ||
		strings.Contains(msg, "cannot find context") ||
		strings.Contains(msg, "object not found")
}
