// Package testserver is a minimal device-control server for manual testing
// and integration tests. It speaks the same JSON-array envelopes as the client.
package testserver

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/grantcarthew/devlink/internal/message"
)

// Server simulates a device-control server. Devices listed in ScanDevices are
// announced one at a time after StartScanning.
type Server struct {
	Name        string
	MaxPingTime uint32
	ScanDevices []message.Device
	ScanDelay   time.Duration

	codec message.JSONCodec

	mu      sync.Mutex
	devices map[uint32]message.Device
	conns   map[*conn]struct{}
}

// New creates a server that already knows about devices.
func New(name string, devices ...message.Device) *Server {
	s := &Server{
		Name:      name,
		ScanDelay: 100 * time.Millisecond,
		devices:   make(map[uint32]message.Device),
		conns:     make(map[*conn]struct{}),
	}
	for _, d := range devices {
		s.devices[d.DeviceIndex] = d
	}
	return s
}

// conn is one client connection.
type conn struct {
	ws  *websocket.Conn
	srv *Server

	wg         sync.WaitGroup
	scanMu     sync.Mutex
	scanCancel context.CancelFunc
}

// ServeHTTP upgrades the request and serves the protocol until the client leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, srv: s}
	s.track(c, true)
	defer s.track(c, false)
	defer c.wg.Wait()
	defer cancel()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		msgs, err := s.codec.Decode(data)
		if err != nil {
			c.send(ctx, message.NewError(err.Error(), message.ErrorMsg, message.SystemID))
			continue
		}
		for _, m := range msgs {
			c.send(ctx, c.handle(ctx, m))
		}
	}
}

// send writes msgs as one frame.
func (c *conn) send(ctx context.Context, msgs ...message.Message) {
	frame := []byte{'['}
	for i, m := range msgs {
		data, err := c.srv.codec.Encode(m)
		if err != nil {
			return
		}
		if i > 0 {
			frame = append(frame, ',')
		}
		frame = append(frame, data...)
	}
	frame = append(frame, ']')
	_ = c.ws.Write(ctx, websocket.MessageText, frame)
}

func (c *conn) handle(ctx context.Context, m message.Message) message.Message {
	id := m.ID()
	ok := &message.Ok{Header: message.Header{MsgID: id}}

	switch req := m.(type) {
	case *message.RequestServerInfo:
		return &message.ServerInfo{
			Header:         message.Header{MsgID: id},
			ServerName:     c.srv.Name,
			MessageVersion: message.Version,
			MaxPingTime:    c.srv.MaxPingTime,
		}
	case *message.RequestDeviceList:
		return &message.DeviceList{Header: message.Header{MsgID: id}, Devices: c.srv.deviceList()}
	case *message.StartScanning:
		c.startScan(ctx)
		return ok
	case *message.StopScanning:
		c.stopScan()
		return ok
	case *message.StopDeviceCmd:
		if !c.srv.known(req.DeviceIndex) {
			return message.NewError(fmt.Sprintf("device %d not found", req.DeviceIndex), message.ErrorDevice, id)
		}
		return ok
	case *message.StopAllDevices, *message.Ping:
		return ok
	default:
		return message.NewError(fmt.Sprintf("unsupported message %s", m.Type()), message.ErrorMsg, id)
	}
}

func (c *conn) startScan(ctx context.Context) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	if c.scanCancel != nil {
		return
	}

	scanCtx, cancel := context.WithCancel(ctx)
	c.scanCancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for _, d := range c.srv.ScanDevices {
			select {
			case <-scanCtx.Done():
				return
			case <-time.After(c.srv.ScanDelay):
			}
			if c.srv.add(d) {
				c.send(scanCtx, &message.DeviceAdded{Device: d})
			}
		}
		c.send(scanCtx, &message.ScanningFinished{})

		c.scanMu.Lock()
		c.scanCancel = nil
		c.scanMu.Unlock()
		cancel()
	}()
}

func (c *conn) stopScan() {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
}

// Shutdown closes every live connection with a going-away status.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (s *Server) track(c *conn, live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if live {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) add(d message.Device) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.DeviceIndex]; ok {
		return false
	}
	s.devices[d.DeviceIndex] = d
	return true
}

func (s *Server) known(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[index]
	return ok
}

func (s *Server) deviceList() []message.Device {
	s.mu.Lock()
	list := make([]message.Device, 0, len(s.devices))
	for _, d := range s.devices {
		list = append(list, d)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].DeviceIndex < list[j].DeviceIndex })
	return list
}
