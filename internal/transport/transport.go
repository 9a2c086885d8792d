package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/grantcarthew/devlink/internal/event"
	"github.com/grantcarthew/devlink/internal/logsink"
	"github.com/grantcarthew/devlink/internal/message"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// Transport owns at most one live channel and its lifecycle.
type Transport struct {
	handler      Handler
	dial         Dialer
	codec        Codec
	log          *logsink.Sink
	writeTimeout time.Duration

	mu    sync.Mutex
	state State
	sess  *session

	writeMu sync.Mutex

	closeEvents event.Emitter[CloseEvent]
	errorEvents event.Emitter[error]
}

// session is one open channel.
type session struct {
	id   string
	conn Conn

	// ctx is cancelled, with a cause, when the session ends.
	ctx    context.Context
	cancel context.CancelCauseFunc

	// closing is set before a local close so the read loop does not treat
	// the resulting read error as a remote close.
	closing atomic.Bool

	// dispatching is true while the read loop is inside Handler.OnMessages.
	dispatching atomic.Bool

	// ending is set under Transport.mu by the first teardown; later calls
	// return without doing anything.
	ending bool

	// torn is closed once teardown has released the channel, before the close
	// event is emitted. closeErr is valid after that.
	torn     chan struct{}
	closeErr error

	// done is closed when the read loop exits.
	done chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the default coder/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dial = d }
}

// WithReadLimit sets the largest inbound frame accepted by the default dialer.
// It replaces any dialer set earlier.
func WithReadLimit(n int64) Option {
	return func(t *Transport) { t.dial = WebSocketDialer(n) }
}

// WithCodec replaces the default JSON codec.
func WithCodec(c Codec) Option {
	return func(t *Transport) { t.codec = c }
}

// WithLogger sets the log sink used for diagnostics.
func WithLogger(l *logsink.Sink) Option {
	return func(t *Transport) { t.log = l }
}

// WithWriteTimeout bounds each frame write. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) { t.writeTimeout = d }
}

// New creates a disconnected Transport that reports to handler.
func New(handler Handler, opts ...Option) *Transport {
	t := &Transport{
		handler:      handler,
		dial:         WebSocketDialer(DefaultReadLimit),
		codec:        message.JSONCodec{},
		log:          logsink.Discard(),
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnClose registers fn to be called once for each connected session that ends.
func (t *Transport) OnClose(fn func(CloseEvent)) (unsubscribe func()) {
	return t.closeEvents.Subscribe(fn)
}

// OnError registers fn for inbound frames that fail to decode.
func (t *Transport) OnError(fn func(error)) (unsubscribe func()) {
	return t.errorEvents.Subscribe(fn)
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the handshake has completed on a live session.
func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// SessionID returns the id of the live session, or "" when there is none.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return ""
	}
	return t.sess.id
}

// Connect opens a channel to address and runs the handshake.
// Only one Connect may be in flight; further calls fail with ErrAlreadyConnected
// until the transport is disconnected again.
func (t *Transport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.state = StateConnecting
	t.mu.Unlock()

	t.log.Debugf("Connecting to %s", address)

	conn, err := t.dial(ctx, address)
	if err != nil {
		t.setState(StateDisconnected)
		t.log.Errorf("Connection to %s failed: %v", address, err)
		return &ConnectError{Address: address, Err: err}
	}

	s := newSession(conn)
	t.mu.Lock()
	t.sess = s
	t.mu.Unlock()

	go t.readLoop(s)

	// The handshake is abandoned if the channel closes underneath it.
	hsCtx, hsCancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(s.ctx, func() { hsCancel(context.Cause(s.ctx)) })
	err = t.handler.InitializeConnection(hsCtx)
	stop()
	hsCancel(nil)

	if s.ctx.Err() != nil {
		cause := context.Cause(s.ctx)
		t.log.Errorf("Connection to %s closed during handshake: %v", address, cause)
		t.abort(s, cause)
		return &ConnectError{Address: address, Err: cause}
	}
	if err != nil {
		t.log.Errorf("Handshake with %s failed: %v", address, err)
		t.abort(s, ErrSessionClosed)
		return &HandshakeError{Err: err}
	}

	t.mu.Lock()
	if s.ending {
		t.mu.Unlock()
		t.log.Errorf("Connection to %s closed before the handshake completed", address)
		t.abort(s, ErrSessionClosed)
		return &ConnectError{Address: address, Err: ErrSessionClosed}
	}
	t.state = StateConnected
	t.mu.Unlock()

	t.log.Infof("Connected to %s (session %s)", address, s.id)
	return nil
}

func newSession(conn Conn) *session {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &session{
		id:     uuid.NewString(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		torn:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// abort ends a session whose handshake did not complete. The handshake hook
// has run, so the handler is told to drop whatever it set up before the
// channel is closed.
func (t *Transport) abort(s *session, cause error) {
	t.handler.ShutdownConnection(context.Background())
	t.teardown(context.Background(), s, ReasonLocal, cause)
	t.waitReadLoop(s)

	t.mu.Lock()
	if t.sess == s {
		t.sess = nil
		t.state = StateDisconnected
	}
	t.mu.Unlock()
}

// Disconnect ends the live session. It is a no-op when there is none and safe
// to call concurrently with a remote close, or from an OnClose subscriber;
// teardown runs exactly once.
//
// Disconnect waits for the read loop to exit, except while the loop is inside
// Handler.OnMessages: then it returns at once, whichever goroutine called it,
// and the loop exits as soon as OnMessages returns.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	s := t.sess
	t.mu.Unlock()

	if s == nil {
		return nil
	}

	t.teardown(ctx, s, ReasonLocal, nil)
	<-s.torn
	t.waitReadLoop(s)

	if s.closeErr != nil {
		return fmt.Errorf("failed to close connection: %w", s.closeErr)
	}
	return nil
}

// waitReadLoop blocks until the read loop of s has exited, unless the loop is
// dispatching. Dispatch may be the caller itself, so waiting could deadlock.
func (t *Transport) waitReadLoop(s *session) {
	if s.dispatching.Load() {
		return
	}
	<-s.done
}

// teardown runs the disconnect sequence for s. Only the first call for a
// session does anything. cause is nil for an explicit Disconnect.
//
// A connected session is unlinked from the transport before the close event
// is emitted, so subscribers may call Disconnect or Connect. A session still
// in its handshake stays linked; Connect unlinks it.
func (t *Transport) teardown(ctx context.Context, s *session, reason DisconnectReason, cause error) {
	t.mu.Lock()
	if s.ending {
		t.mu.Unlock()
		return
	}
	s.ending = true
	wasConnected := t.sess == s && t.state == StateConnected
	t.mu.Unlock()

	if wasConnected {
		t.handler.ShutdownConnection(ctx)
	}

	s.closing.Store(true)
	if reason == ReasonLocal {
		s.closeErr = s.conn.Close(websocket.StatusNormalClosure, "client disconnecting")
	} else {
		// Release resources; the peer is already gone.
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}

	if cause == nil {
		cause = ErrSessionClosed
	}
	s.cancel(cause)

	if wasConnected {
		t.mu.Lock()
		if t.sess == s {
			t.sess = nil
			t.state = StateDisconnected
		}
		t.mu.Unlock()
	}
	close(s.torn)

	if wasConnected {
		t.log.Infof("Disconnected (session %s, %s)", s.id, reason)
		var evtErr error
		if reason != ReasonLocal {
			evtErr = cause
		}
		t.closeEvents.Emit(CloseEvent{SessionID: s.id, Reason: reason, Err: evtErr})
	}
}

func (t *Transport) setState(state State) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// Send encodes msg and writes it as a single-element array frame.
// It fails with ErrNotConnected, without touching any channel, when no
// channel is open.
func (t *Transport) Send(ctx context.Context, msg message.Message) error {
	t.mu.Lock()
	s := t.sess
	t.mu.Unlock()

	if s == nil || s.closing.Load() {
		return ErrNotConnected
	}
	if msg == nil {
		return ErrNilMessage
	}

	text, err := t.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}

	frame := make([]byte, 0, len(text)+2)
	frame = append(frame, '[')
	frame = append(frame, text...)
	frame = append(frame, ']')

	if t.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.writeTimeout)
		defer cancel()
	}

	t.log.Tracef("Sending %s", frame)

	t.writeMu.Lock()
	err = s.conn.Write(ctx, websocket.MessageText, frame)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type(), err)
	}
	return nil
}

// readLoop reads frames until the channel fails or the session is closed.
func (t *Transport) readLoop(s *session) {
	defer close(s.done)

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.closing.Load() || s.ctx.Err() != nil {
				return
			}
			reason := ClassifyClose(err)
			t.log.Debugf("Read loop ended (session %s, %s): %v", s.id, reason, err)
			t.teardown(context.Background(), s, reason, err)
			return
		}

		t.handleFrame(s, typ, data)
	}
}

// handleFrame converges text and binary frames on the same decode path.
// Binary payloads are materialized inline, so dispatch order is always
// arrival order.
func (t *Transport) handleFrame(s *session, typ websocket.MessageType, data []byte) {
	if typ == websocket.MessageBinary {
		if !utf8.Valid(data) {
			t.reportDecodeError(data, errors.New("binary frame is not valid UTF-8 text"))
			return
		}
	}
	t.dispatch(s, data)
}

func (t *Transport) dispatch(s *session, data []byte) {
	t.log.Tracef("Received %s", data)

	msgs, err := t.codec.Decode(data)
	if err != nil {
		t.reportDecodeError(data, err)
		return
	}

	s.dispatching.Store(true)
	defer s.dispatching.Store(false)
	t.handler.OnMessages(msgs)
}

func (t *Transport) reportDecodeError(data []byte, err error) {
	decodeErr := &DecodeError{Frame: string(data), Err: err}
	t.log.Errorf("Dropping inbound frame: %v", err)
	t.errorEvents.Emit(decodeErr)
}
