// Package client implements the device-control protocol on top of the
// transport: handshake, request/response correlation, device tracking and
// keepalive pings.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grantcarthew/devlink/internal/event"
	"github.com/grantcarthew/devlink/internal/logsink"
	"github.com/grantcarthew/devlink/internal/message"
	"github.com/grantcarthew/devlink/internal/transport"
)

// DefaultRequestTimeout is the default time to wait for a reply.
const DefaultRequestTimeout = 10 * time.Second

// ErrDisconnected is returned to requests still waiting when the session ends.
var ErrDisconnected = errors.New("client disconnected while waiting for reply")

// Client is a device-control protocol client.
type Client struct {
	name           string
	log            *logsink.Sink
	transport      *transport.Transport
	requestTimeout time.Duration
	pingInterval   time.Duration

	msgID atomic.Uint32
	// pending maps request IDs to reply channels
	pending sync.Map // map[uint32]chan message.Message

	mu         sync.RWMutex
	serverInfo *message.ServerInfo
	devices    map[uint32]message.Device
	// sessionDone is closed by ShutdownConnection to release waiting requests.
	sessionDone chan struct{}
	pingCancel  context.CancelFunc
	pingDone    chan struct{}

	deviceAdded      event.Emitter[message.Device]
	deviceRemoved    event.Emitter[message.Device]
	scanningFinished event.Emitter[struct{}]
	disconnected     event.Emitter[transport.CloseEvent]
	errorEvents      event.Emitter[error]
}

type options struct {
	log            *logsink.Sink
	requestTimeout time.Duration
	pingInterval   time.Duration
	transportOpts  []transport.Option
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the log sink shared by the client and its transport.
func WithLogger(l *logsink.Sink) Option {
	return func(o *options) {
		o.log = l
		o.transportOpts = append(o.transportOpts, transport.WithLogger(l))
	}
}

// WithDialer replaces the transport's dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) {
		o.transportOpts = append(o.transportOpts, transport.WithDialer(d))
	}
}

// WithReadLimit caps the size of inbound frames. It replaces any dialer set
// with WithDialer.
func WithReadLimit(n int64) Option {
	return func(o *options) {
		o.transportOpts = append(o.transportOpts, transport.WithReadLimit(n))
	}
}

// WithRequestTimeout sets how long a request waits for its reply.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithPingInterval overrides the ping interval derived from the server's
// MaxPingTime.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.pingInterval = d }
}

// New creates a disconnected client announcing itself as name.
func New(name string, opts ...Option) *Client {
	o := options{
		log:            logsink.Discard(),
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		name:           name,
		log:            o.log,
		requestTimeout: o.requestTimeout,
		pingInterval:   o.pingInterval,
		devices:        make(map[uint32]message.Device),
	}
	c.transport = transport.New(c, o.transportOpts...)
	c.transport.OnClose(c.disconnected.Emit)
	c.transport.OnError(c.errorEvents.Emit)
	return c
}

// Connect dials address and performs the handshake.
func (c *Client) Connect(ctx context.Context, address string) error {
	return c.transport.Connect(ctx, address)
}

// Disconnect ends the session. It is safe to call when not connected.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.transport.Disconnect(ctx)
}

// Connected reports whether the handshake has completed.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ServerInfo returns the handshake reply of the current session.
func (c *Client) ServerInfo() (message.ServerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverInfo == nil {
		return message.ServerInfo{}, false
	}
	return *c.serverInfo, true
}

// Devices returns the known devices ordered by index.
func (c *Client) Devices() []message.Device {
	c.mu.RLock()
	devices := make([]message.Device, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}
	c.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceIndex < devices[j].DeviceIndex })
	return devices
}

// OnDeviceAdded registers a handler for newly announced devices.
func (c *Client) OnDeviceAdded(fn func(message.Device)) (unsubscribe func()) {
	return c.deviceAdded.Subscribe(fn)
}

// OnDeviceRemoved registers a handler for devices that went away.
func (c *Client) OnDeviceRemoved(fn func(message.Device)) (unsubscribe func()) {
	return c.deviceRemoved.Subscribe(fn)
}

// OnScanningFinished registers a handler for the end of a scan.
func (c *Client) OnScanningFinished(fn func()) (unsubscribe func()) {
	return c.scanningFinished.Subscribe(func(struct{}) { fn() })
}

// OnDisconnect registers a handler called once per ended session.
func (c *Client) OnDisconnect(fn func(transport.CloseEvent)) (unsubscribe func()) {
	return c.disconnected.Subscribe(fn)
}

// OnError registers a handler for asynchronous failures: undecodable frames,
// server errors not tied to a request, unexpected messages and ping failures.
func (c *Client) OnError(fn func(error)) (unsubscribe func()) {
	return c.errorEvents.Subscribe(fn)
}

// nextID returns the next request id, skipping the id reserved for server events.
func (c *Client) nextID() uint32 {
	for {
		if id := c.msgID.Add(1); id != message.SystemID {
			return id
		}
	}
}

// request sends msg and waits for the reply carrying the same id.
// A server Error reply is returned as the error.
func (c *Client) request(ctx context.Context, msg message.Message) (message.Message, error) {
	id := c.nextID()
	msg.SetID(id)

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	// Create reply channel before sending
	replyCh := make(chan message.Message, 1)
	c.pending.Store(id, replyCh)
	defer c.pending.Delete(id)

	c.mu.RLock()
	sessionDone := c.sessionDone
	c.mu.RUnlock()

	if err := c.transport.Send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if errMsg, ok := reply.(*message.Error); ok {
			return nil, errMsg
		}
		return reply, nil
	case <-sessionDone:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, fmt.Errorf("%s request timed out: %w", msg.Type(), ctx.Err())
	}
}

// expectOk sends msg and requires an Ok reply.
func (c *Client) expectOk(ctx context.Context, msg message.Message) error {
	reply, err := c.request(ctx, msg)
	if err != nil {
		return err
	}
	if _, ok := reply.(*message.Ok); !ok {
		return c.log.LogAndFail(fmt.Sprintf("expected Ok reply to %s, got %s", msg.Type(), reply.Type()), message.ErrorMsg, reply.ID())
	}
	return nil
}

// StartScanning asks the server to look for devices.
func (c *Client) StartScanning(ctx context.Context) error {
	return c.expectOk(ctx, &message.StartScanning{})
}

// StopScanning asks the server to stop looking for devices.
func (c *Client) StopScanning(ctx context.Context) error {
	return c.expectOk(ctx, &message.StopScanning{})
}

// StopAllDevices stops output on every device.
func (c *Client) StopAllDevices(ctx context.Context) error {
	return c.expectOk(ctx, &message.StopAllDevices{})
}

// StopDevice stops output on the device with the given index.
func (c *Client) StopDevice(ctx context.Context, index uint32) error {
	c.mu.RLock()
	_, known := c.devices[index]
	c.mu.RUnlock()
	if !known {
		return c.log.LogAndFail(fmt.Sprintf("device %d is not known to this client", index), message.ErrorDevice, 0)
	}
	return c.expectOk(ctx, &message.StopDeviceCmd{DeviceIndex: index})
}

// Ping sends a keepalive and waits for the acknowledgement.
func (c *Client) Ping(ctx context.Context) error {
	return c.expectOk(ctx, &message.Ping{})
}

// RequestDeviceList refreshes the device list from the server. Devices not
// seen before are announced through OnDeviceAdded.
func (c *Client) RequestDeviceList(ctx context.Context) ([]message.Device, error) {
	reply, err := c.request(ctx, &message.RequestDeviceList{})
	if err != nil {
		return nil, err
	}
	list, ok := reply.(*message.DeviceList)
	if !ok {
		return nil, c.log.LogAndFail(fmt.Sprintf("expected DeviceList, got %s", reply.Type()), message.ErrorMsg, reply.ID())
	}

	for _, d := range list.Devices {
		c.addDevice(d)
	}
	return c.Devices(), nil
}

// addDevice records d and announces it if it was not already known.
func (c *Client) addDevice(d message.Device) {
	c.mu.Lock()
	_, known := c.devices[d.DeviceIndex]
	c.devices[d.DeviceIndex] = d
	c.mu.Unlock()

	if !known {
		c.log.Debugf("Device added: %s (%d)", d.DeviceName, d.DeviceIndex)
		c.deviceAdded.Emit(d)
	}
}

func (c *Client) removeDevice(index uint32) {
	c.mu.Lock()
	d, known := c.devices[index]
	delete(c.devices, index)
	c.mu.Unlock()

	if !known {
		c.errorEvents.Emit(c.log.LogAndFail(fmt.Sprintf("removal of unknown device %d", index), message.ErrorDevice, message.SystemID))
		return
	}
	c.log.Debugf("Device removed: %s (%d)", d.DeviceName, d.DeviceIndex)
	c.deviceRemoved.Emit(d)
}
