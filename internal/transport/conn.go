// Package transport manages the WebSocket session underneath the protocol
// client: connect and handshake sequencing, frame encoding, inbound dispatch,
// and teardown.
package transport

import (
	"context"

	"github.com/coder/websocket"

	"github.com/grantcarthew/devlink/internal/message"
)

// DefaultReadLimit is the largest inbound frame accepted by the default dialer.
const DefaultReadLimit = 1 << 20

// Conn defines the interface for a WebSocket connection.
// This abstraction enables testing with mock connections.
type Conn interface {
	// Read reads a message from the connection.
	// Returns message type, payload, and any error.
	Read(ctx context.Context) (websocket.MessageType, []byte, error)

	// Write writes a message to the connection.
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error

	// Close closes the connection with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a connection to address. It returns once the channel is open
// or has failed to open.
type Dialer func(ctx context.Context, address string) (Conn, error)

// WebSocketDialer returns a Dialer backed by coder/websocket.
func WebSocketDialer(readLimit int64) Dialer {
	return func(ctx context.Context, address string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, address, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(readLimit)
		return conn, nil
	}
}

// Codec converts between frame text and messages.
type Codec interface {
	// Decode parses a frame holding a JSON array of envelopes.
	Decode(data []byte) ([]message.Message, error)
	// Encode renders one envelope.
	Encode(m message.Message) ([]byte, error)
}

// Handler is implemented by the protocol layer above the transport.
type Handler interface {
	// InitializeConnection performs the handshake. It is called once the
	// channel is open and inbound dispatch is running; Send is usable but
	// Connected reports false until it returns nil. ctx is cancelled if the
	// channel closes first.
	InitializeConnection(ctx context.Context) error

	// ShutdownConnection is called exactly once for every call to
	// InitializeConnection: when an established session disconnects, or when
	// Connect fails after the handshake hook has run. For a session that is
	// still open it runs before the channel is closed. It must not call
	// Disconnect.
	ShutdownConnection(ctx context.Context)

	// OnMessages is called once per inbound frame with its messages in order.
	// It runs on the read loop.
	OnMessages(msgs []message.Message)
}
