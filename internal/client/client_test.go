package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/grantcarthew/devlink/internal/message"
	"github.com/grantcarthew/devlink/internal/transport"
)

// replyFunc produces the server's reply to one client message.
// Returning nil sends nothing.
type replyFunc func(msg message.Message) []message.Message

// fakeServer implements transport.Conn, answering each written request
// with the messages returned by reply.
type fakeServer struct {
	mu       sync.Mutex
	codec    message.JSONCodec
	reply    replyFunc
	received []message.Message
	frames   chan []byte
	remote   chan error
	closed   bool
	closeCh  chan struct{}
}

func newFakeServer(reply replyFunc) *fakeServer {
	return &fakeServer{
		reply:   reply,
		frames:  make(chan []byte, 64),
		remote:  make(chan error, 1),
		closeCh: make(chan struct{}),
	}
}

func (s *fakeServer) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-s.frames:
		return websocket.MessageText, data, nil
	case err := <-s.remote:
		return 0, nil, err
	case <-s.closeCh:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (s *fakeServer) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("connection closed")
	}

	msgs, err := s.codec.Decode(data)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		s.received = append(s.received, msg)
		if out := s.reply(msg); len(out) > 0 {
			s.push(out...)
		}
	}
	return nil
}

func (s *fakeServer) Close(code websocket.StatusCode, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

// push queues a frame holding msgs. Callers outside Write must not hold s.mu.
func (s *fakeServer) push(msgs ...message.Message) {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		data, _ := s.codec.Encode(m)
		parts = append(parts, string(data))
	}
	s.frames <- []byte("[" + strings.Join(parts, ",") + "]")
}

func (s *fakeServer) receivedTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.received))
	for i, m := range s.received {
		types[i] = m.Type()
	}
	return types
}

func (s *fakeServer) countReceived(typ string) int {
	n := 0
	for _, t := range s.receivedTypes() {
		if t == typ {
			n++
		}
	}
	return n
}

// standardReply behaves like a well-formed server with the given devices.
func standardReply(maxPing uint32, devices ...message.Device) replyFunc {
	return func(msg message.Message) []message.Message {
		switch msg.(type) {
		case *message.RequestServerInfo:
			return []message.Message{&message.ServerInfo{
				Header:         message.Header{MsgID: msg.ID()},
				ServerName:     "test server",
				MessageVersion: message.Version,
				MaxPingTime:    maxPing,
			}}
		case *message.RequestDeviceList:
			return []message.Message{&message.DeviceList{
				Header:  message.Header{MsgID: msg.ID()},
				Devices: devices,
			}}
		default:
			return []message.Message{&message.Ok{Header: message.Header{MsgID: msg.ID()}}}
		}
	}
}

// connectClient returns a client connected to server.
func connectClient(t *testing.T, server *fakeServer, opts ...Option) *Client {
	t.Helper()

	dialer := func(ctx context.Context, address string) (transport.Conn, error) {
		return server, nil
	}
	c := New("test client", append([]Option{WithDialer(dialer), WithRequestTimeout(time.Second)}, opts...)...)

	if err := c.Connect(context.Background(), "ws://test"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { c.Disconnect(context.Background()) })
	return c
}

func TestClient_HandshakeLoadsServerInfoAndDevices(t *testing.T) {
	t.Parallel()

	server := newFakeServer(standardReply(0,
		message.Device{DeviceName: "B", DeviceIndex: 2},
		message.Device{DeviceName: "A", DeviceIndex: 1},
	))
	c := connectClient(t, server)

	if !c.Connected() {
		t.Fatal("expected connected")
	}

	info, ok := c.ServerInfo()
	if !ok || info.ServerName != "test server" {
		t.Errorf("unexpected server info: %+v", info)
	}

	devices := c.Devices()
	if len(devices) != 2 || devices[0].DeviceName != "A" || devices[1].DeviceName != "B" {
		t.Errorf("expected devices sorted by index, got %+v", devices)
	}

	types := server.receivedTypes()
	if len(types) < 2 || types[0] != "RequestServerInfo" || types[1] != "RequestDeviceList" {
		t.Errorf("unexpected handshake sequence: %v", types)
	}

	server.mu.Lock()
	req := server.received[0].(*message.RequestServerInfo)
	server.mu.Unlock()
	if req.ClientName != "test client" || req.MessageVersion != message.Version {
		t.Errorf("unexpected handshake request: %+v", req)
	}
}

func TestClient_HandshakeRejectsOlderServer(t *testing.T) {
	t.Parallel()

	server := newFakeServer(func(msg message.Message) []message.Message {
		return []message.Message{&message.ServerInfo{
			Header:         message.Header{MsgID: msg.ID()},
			MessageVersion: message.Version - 1,
		}}
	})
	c := New("test", WithDialer(func(ctx context.Context, address string) (transport.Conn, error) {
		return server, nil
	}))

	err := c.Connect(context.Background(), "ws://test")

	var hsErr *transport.HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("expected HandshakeError, got %T: %v", err, err)
	}
	var msgErr *message.Error
	if !errors.As(err, &msgErr) || msgErr.ErrorCode != message.ErrorInit {
		t.Errorf("expected init-class error, got %v", err)
	}
	if c.Connected() {
		t.Error("expected client to stay disconnected")
	}
}

func TestClient_HandshakeServerError(t *testing.T) {
	t.Parallel()

	server := newFakeServer(func(msg message.Message) []message.Message {
		return []message.Message{message.NewError("client name taken", message.ErrorInit, msg.ID())}
	})
	c := New("test", WithDialer(func(ctx context.Context, address string) (transport.Conn, error) {
		return server, nil
	}))

	err := c.Connect(context.Background(), "ws://test")

	var msgErr *message.Error
	if !errors.As(err, &msgErr) || msgErr.ErrorMessage != "client name taken" {
		t.Fatalf("expected server error to propagate, got %v", err)
	}
}

func TestClient_FailedHandshakeDropsServerInfo(t *testing.T) {
	t.Parallel()

	server := newFakeServer(func(msg message.Message) []message.Message {
		if _, ok := msg.(*message.RequestDeviceList); ok {
			return []message.Message{message.NewError("device manager unavailable", message.ErrorUnknown, msg.ID())}
		}
		return standardReply(500)(msg)
	})
	c := New("test", WithDialer(func(ctx context.Context, address string) (transport.Conn, error) {
		return server, nil
	}))

	err := c.Connect(context.Background(), "ws://test")

	var hsErr *transport.HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("expected HandshakeError, got %T: %v", err, err)
	}
	if _, ok := c.ServerInfo(); ok {
		t.Error("expected server info to be dropped after a failed handshake")
	}
	if len(c.Devices()) != 0 {
		t.Errorf("expected no devices, got %+v", c.Devices())
	}

	c.mu.RLock()
	sessionDone, pingCancel := c.sessionDone, c.pingCancel
	c.mu.RUnlock()
	if sessionDone != nil || pingCancel != nil {
		t.Error("expected session state released")
	}
}

func TestClient_CloseDuringHandshakeDropsServerInfo(t *testing.T) {
	t.Parallel()

	var server *fakeServer
	server = newFakeServer(func(msg message.Message) []message.Message {
		if _, ok := msg.(*message.RequestDeviceList); ok {
			server.remote <- websocket.CloseError{Code: websocket.StatusGoingAway, Reason: "restarting"}
			return nil
		}
		return standardReply(500)(msg)
	})
	c := New("test", WithDialer(func(ctx context.Context, address string) (transport.Conn, error) {
		return server, nil
	}), WithRequestTimeout(time.Second))

	var errs atomic.Int32
	c.OnError(func(error) { errs.Add(1) })

	err := c.Connect(context.Background(), "ws://test")

	var connErr *transport.ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectError, got %T: %v", err, err)
	}
	if _, ok := c.ServerInfo(); ok {
		t.Error("expected server info to be dropped after a failed connect")
	}

	c.mu.RLock()
	sessionDone := c.sessionDone
	c.mu.RUnlock()
	if sessionDone != nil {
		t.Error("expected waiting requests to be released")
	}

	// A stray ping loop would report a failure within one interval.
	time.Sleep(300 * time.Millisecond)
	if errs.Load() != 0 {
		t.Errorf("expected no errors after a failed connect, got %d", errs.Load())
	}
}

func TestClient_CommandsExpectOk(t *testing.T) {
	t.Parallel()

	server := newFakeServer(standardReply(0, message.Device{DeviceName: "A", DeviceIndex: 1}))
	c := connectClient(t, server)
	ctx := context.Background()

	if err := c.StartScanning(ctx); err != nil {
		t.Errorf("StartScanning: %v", err)
	}
	if err := c.StopScanning(ctx); err != nil {
		t.Errorf("StopScanning: %v", err)
	}
	if err := c.StopDevice(ctx, 1); err != nil {
		t.Errorf("StopDevice: %v", err)
	}
	if err := c.StopAllDevices(ctx); err != nil {
		t.Errorf("StopAllDevices: %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	want := []string{"RequestServerInfo", "RequestDeviceList", "StartScanning", "StopScanning", "StopDeviceCmd", "StopAllDevices", "Ping"}
	got := server.receivedTypes()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestClient_StopUnknownDevice(t *testing.T) {
	t.Parallel()

	server := newFakeServer(standardReply(0))
	c := connectClient(t, server)

	err := c.StopDevice(context.Background(), 42)

	var msgErr *message.Error
	if !errors.As(err, &msgErr) || msgErr.ErrorCode != message.ErrorDevice {
		t.Errorf("expected device-class error, got %v", err)
	}
	if server.countReceived("StopDeviceCmd") != 0 {
		t.Error("expected no StopDeviceCmd to be sent")
	}
}

func TestClient_ServerErrorReply(t *testing.T) {
	t.Parallel()

	base := standardReply(0)
	server := newFakeServer(func(msg message.Message) []message.Message {
		if _, ok := msg.(*message.StartScanning); ok {
			return []message.Message{message.NewError("no device managers", message.ErrorDevice, msg.ID())}
		}
		return base(msg)
	})
	c := connectClient(t, server)

	err := c.StartScanning(context.Background())

	var msgErr *message.Error
	if !errors.As(err, &msgErr) || msgErr.ErrorMessage != "no device managers" {
		t.Errorf("expected server error, got %v", err)
	}
}

func TestClient_RequestTimeout(t *testing.T) {
	t.Parallel()

	base := standardReply(0)
	server := newFakeServer(func(msg message.Message) []message.Message {
		if _, ok := msg.(*message.StopAllDevices); ok {
			return nil
		}
		return base(msg)
	})
	c := connectClient(t, server, WithRequestTimeout(50*time.Millisecond))

	err := c.StopAllDevices(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if !c.Connected() {
		t.Error("a timed out request must not end the session")
	}
}

func TestClient_DisconnectReleasesPendingRequests(t *testing.T) {
	t.Parallel()

	base := standardReply(0)
	sent := make(chan struct{}, 1)
	server := newFakeServer(func(msg message.Message) []message.Message {
		if _, ok := msg.(*message.StopAllDevices); ok {
			sent <- struct{}{}
			return nil
		}
		return base(msg)
	})
	c := connectClient(t, server, WithRequestTimeout(5*time.Second))

	errCh := make(chan error, 1)
	go func() { errCh <- c.StopAllDevices(context.Background()) }()

	<-sent
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request was not released by disconnect")
	}
}

func TestClient_DeviceEvents(t *testing.T) {
	t.Parallel()

	server := newFakeServer(standardReply(0))
	c := connectClient(t, server)

	added := make(chan message.Device, 1)
	removed := make(chan message.Device, 1)
	finished := make(chan struct{}, 1)
	c.OnDeviceAdded(func(d message.Device) { added <- d })
	c.OnDeviceRemoved(func(d message.Device) { removed <- d })
	c.OnScanningFinished(func() { finished <- struct{}{} })

	server.push(&message.DeviceAdded{Device: message.Device{DeviceName: "Vibe", DeviceIndex: 3}})

	select {
	case d := <-added:
		if d.DeviceName != "Vibe" || d.DeviceIndex != 3 {
			t.Errorf("unexpected device: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for device added")
	}
	if len(c.Devices()) != 1 {
		t.Errorf("expected 1 device, got %d", len(c.Devices()))
	}

	server.push(&message.DeviceRemoved{DeviceIndex: 3}, &message.ScanningFinished{})

	select {
	case d := <-removed:
		if d.DeviceName != "Vibe" {
			t.Errorf("expected removed device to carry its name, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for device removed")
	}
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scanning finished")
	}
	if len(c.Devices()) != 0 {
		t.Errorf("expected no devices, got %d", len(c.Devices()))
	}
}

func TestClient_UnexpectedMessagesReported(t *testing.T) {
	t.Parallel()

	server := newFakeServer(standardReply(0))
	c := connectClient(t, server)

	errs := make(chan error, 4)
	c.OnError(func(err error) { errs <- err })

	server.push(&message.Ok{Header: message.Header{MsgID: 999}})
	server.frames <- []byte(`not json`)
	server.push(message.NewError("device manager crashed", message.ErrorDevice, message.SystemID))

	var got []error
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			got = append(got, err)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for error %d", i)
		}
	}

	var msgErr *message.Error
	if !errors.As(got[0], &msgErr) || msgErr.ErrorCode != message.ErrorMsg {
		t.Errorf("expected message-class error for unknown id, got %v", got[0])
	}
	var decodeErr *transport.DecodeError
	if !errors.As(got[1], &decodeErr) {
		t.Errorf("expected decode error, got %v", got[1])
	}
	if !errors.As(got[2], &msgErr) || msgErr.ErrorMessage != "device manager crashed" {
		t.Errorf("expected server error, got %v", got[2])
	}
	if !c.Connected() {
		t.Error("expected session to survive bad frames")
	}
}

func TestClient_PingKeepsSessionAlive(t *testing.T) {
	t.Parallel()

	server := newFakeServer(standardReply(40))
	c := connectClient(t, server)

	deadline := time.Now().Add(time.Second)
	for server.countReceived("Ping") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected pings, got %v", server.receivedTypes())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !c.Connected() {
		t.Error("expected session to stay connected while pings succeed")
	}
}

func TestClient_PingFailureDisconnects(t *testing.T) {
	t.Parallel()

	var dropPings atomic.Bool
	base := standardReply(0)
	server := newFakeServer(func(msg message.Message) []message.Message {
		if _, ok := msg.(*message.Ping); ok && dropPings.Load() {
			return nil
		}
		return base(msg)
	})
	c := connectClient(t, server, WithPingInterval(20*time.Millisecond), WithRequestTimeout(30*time.Millisecond))

	disconnected := make(chan transport.CloseEvent, 1)
	c.OnDisconnect(func(e transport.CloseEvent) { disconnected <- e })
	errs := make(chan error, 4)
	c.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	dropPings.Store(true)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect after ping failure")
	}

	select {
	case err := <-errs:
		var msgErr *message.Error
		if !errors.As(err, &msgErr) || msgErr.ErrorCode != message.ErrorPing {
			t.Errorf("expected ping-class error, got %v", err)
		}
	default:
		t.Error("expected a ping error to be reported")
	}

	// Let the background Disconnect finish before the leak check.
	deadline := time.Now().Add(time.Second)
	for c.transport.SessionID() != "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_RemoteCloseNotifies(t *testing.T) {
	t.Parallel()

	server := newFakeServer(standardReply(0, message.Device{DeviceName: "A", DeviceIndex: 1}))
	c := connectClient(t, server)

	disconnected := make(chan transport.CloseEvent, 2)
	c.OnDisconnect(func(e transport.CloseEvent) { disconnected <- e })

	server.remote <- websocket.CloseError{Code: websocket.StatusGoingAway}

	select {
	case e := <-disconnected:
		if e.Reason != transport.ReasonGraceful {
			t.Errorf("expected graceful close, got %s", e.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for disconnect")
	}

	if c.Connected() {
		t.Error("expected disconnected")
	}
	if len(c.Devices()) != 0 {
		t.Error("expected device list cleared on disconnect")
	}
	if _, ok := c.ServerInfo(); ok {
		t.Error("expected server info cleared on disconnect")
	}
}

func TestClient_ReconnectReusesClient(t *testing.T) {
	t.Parallel()

	var servers []*fakeServer
	c := New("test", WithDialer(func(ctx context.Context, address string) (transport.Conn, error) {
		s := newFakeServer(standardReply(0))
		servers = append(servers, s)
		return s, nil
	}))

	for i := 0; i < 2; i++ {
		if err := c.Connect(context.Background(), "ws://test"); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		if err := c.Ping(context.Background()); err != nil {
			t.Fatalf("ping %d: %v", i, err)
		}
		if err := c.Disconnect(context.Background()); err != nil {
			t.Fatalf("disconnect %d: %v", i, err)
		}
	}

	if len(servers) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(servers))
	}
}
