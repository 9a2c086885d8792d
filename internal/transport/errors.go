package transport

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when no channel is open.
var ErrNotConnected = errors.New("transport is not connected")

// ErrAlreadyConnected is returned by Connect while a session is connecting or connected.
var ErrAlreadyConnected = errors.New("transport is already connecting or connected")

// ErrSessionClosed is the cause recorded when a session is closed locally.
var ErrSessionClosed = errors.New("session closed")

// ErrNilMessage is returned by Send when given a nil message.
var ErrNilMessage = errors.New("cannot send a nil message")

// ConnectError reports a channel that failed to open or closed before the
// handshake completed.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// HandshakeError reports a failed InitializeConnection hook.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// DecodeError reports an inbound frame that could not be decoded.
// The session stays up.
type DecodeError struct {
	Frame string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
