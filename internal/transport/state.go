package transport

import (
	"github.com/coder/websocket"
)

// State is the lifecycle state of a Transport.
type State int

const (
	// StateDisconnected indicates no channel is open.
	StateDisconnected State = iota
	// StateConnecting indicates a dial or handshake is in progress.
	StateConnecting
	// StateConnected indicates the handshake completed and the session is usable.
	StateConnected
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// DisconnectReason describes why a session ended.
type DisconnectReason int

const (
	// ReasonUnknown is the default when reason cannot be determined.
	ReasonUnknown DisconnectReason = iota
	// ReasonLocal indicates Disconnect was called.
	ReasonLocal
	// ReasonGraceful indicates the remote end closed normally (codes 1000, 1001).
	ReasonGraceful
	// ReasonAbnormal indicates an unexpected close (code 1006, network error).
	ReasonAbnormal
)

// String returns a human-readable name for the disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonLocal:
		return "local"
	case ReasonGraceful:
		return "graceful"
	case ReasonAbnormal:
		return "abnormal"
	default:
		return "unknown"
	}
}

// ClassifyClose determines the disconnect reason from a read error.
func ClassifyClose(err error) DisconnectReason {
	if err == nil {
		return ReasonUnknown
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return ReasonGraceful
	default:
		// Includes -1: not a close frame (timeout, network error, EOF).
		return ReasonAbnormal
	}
}

// CloseEvent is emitted once when a connected session ends.
type CloseEvent struct {
	SessionID string
	Reason    DisconnectReason
	// Err is the read error for remote closes, nil for Disconnect.
	Err error
}
