package session

import (
	"errors"
	"fmt"

	"github.com/chatroom-project/chatroom/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send and Request when no transport is
	// open or the session is closing.
	ErrNotConnected = errors.New("not connected")

	// ErrCancelled completes every pending request when the connection is lost.
	ErrCancelled = errors.New("request cancelled: connection lost")

	// ErrAlreadyStarted is returned by Connect on a session that has already
	// been used. A session carries exactly one connection.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrServerGoodbye is the disconnect cause when the server said Goodbye
	// before closing the stream.
	ErrServerGoodbye = errors.New("server closed the session")
)

// TransportError reports a failure to open, write or read the stream.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a received frame that could not be decoded. The
// stream is unusable afterwards.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned by Request when its context ends before the
// response arrives. Err is the context error.
type TimeoutError struct {
	Expect protocol.Kind
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s: %v", e.Expect, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is, or wraps, a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
