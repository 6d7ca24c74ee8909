package dbclient

import (
	"errors"
	"fmt"
)

// Error codes. Use errors.Is to test for them. Configuration, acquire and
// client lifecycle errors carry one of them; statement errors from the
// driver and a Release of a connection the pool did not lease carry no
// exported code.
var (
	// ErrInvalidConfiguration is returned for bad input. It is never retried.
	ErrInvalidConfiguration = errors.New("dbclient: invalid configuration")
	// ErrConnectionUnavailable is returned when the database cannot be reached
	// or validation keeps failing after the retry budget is spent.
	ErrConnectionUnavailable = errors.New("dbclient: connection unavailable")
	// ErrTimeout is returned when the pool stays exhausted past the wait timeout.
	ErrTimeout = errors.New("dbclient: timeout waiting for connection")
	// ErrPoolClosed is returned for operations after drain or close.
	ErrPoolClosed = errors.New("dbclient: pool closed")
)

// Error carries the failing operation and its code.
type Error struct {
	Op   string
	Code error
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Code)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.Err != nil {
		return e.Err
	}
	return e.Code
}

func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	return target == e.Code
}

func newError(op string, code error, err error) error {
	return &Error{Op: op, Code: code, Err: err}
}

func configError(format string, args ...interface{}) error {
	return &Error{Op: "normalize", Code: ErrInvalidConfiguration, Err: fmt.Errorf(format, args...)}
}
