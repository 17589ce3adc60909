package client

import (
	"errors"
	"fmt"

	"github.com/chatroom-project/chatroom/internal/protocol"
)

var (
	ErrServerFull  = errors.New("server is full")
	ErrBadPassword = errors.New("password incorrect")
	ErrBanned      = errors.New("banned from server")
	ErrJoinRefused = errors.New("join refused")
	ErrRoomFull    = errors.New("room is full")

	// ErrNoChallenge is returned when a password must be hashed before any
	// FULL server info response has supplied a challenge.
	ErrNoChallenge = errors.New("no auth challenge: request full server info first")

	// ErrUnexpectedPacket is returned when a response of the awaited kind
	// does not carry the expected type.
	ErrUnexpectedPacket = errors.New("unexpected packet")
)

// AuthError is the typed refusal of a join operation. The connection stays
// open; the server decides whether to drop it.
type AuthError struct {
	Op     string
	Code   string
	Reason string
	err    error
}

func (e *AuthError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.err, e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.err)
}

func (e *AuthError) Unwrap() error {
	return e.err
}

func joinError(resp protocol.JoinResponse) *AuthError {
	e := &AuthError{Op: "join server", Code: resp.ResultCode.String(), Reason: resp.Msg}
	switch resp.ResultCode {
	case protocol.JoinServerFull:
		e.err = ErrServerFull
	case protocol.JoinBadPassword:
		e.err = ErrBadPassword
	case protocol.JoinBanned:
		e.err = ErrBanned
	default:
		e.err = ErrJoinRefused
	}
	return e
}

func joinRoomError(roomID int, resp protocol.JoinRoomResponse) *AuthError {
	e := &AuthError{Op: fmt.Sprintf("join room %d", roomID), Code: resp.ResultCode.String()}
	switch resp.ResultCode {
	case protocol.JoinRoomFull:
		e.err = ErrRoomFull
	case protocol.JoinRoomBadPassword:
		e.err = ErrBadPassword
	default:
		e.err = ErrJoinRefused
	}
	return e
}

// IsAuthError reports whether err is, or wraps, an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
