package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrBackpressure is returned by Append when the buffer holds
	// BufferSize unflushed events. Nothing is dropped; the caller decides
	// whether to slow down or keep the event elsewhere.
	ErrBackpressure = errors.New("capture buffer full")
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("capture log closed")
)

// ErrorKind classifies capture failures.
type ErrorKind string

const (
	KindBackpressure ErrorKind = "backpressure"
	KindWrite        ErrorKind = "write"
	KindClosed       ErrorKind = "closed"
	KindInvalid      ErrorKind = "invalid"
)

// Error is a capture-path failure for one session.
type Error struct {
	Kind      ErrorKind
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture %s (session %s): %v", e.Kind, e.SessionID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
