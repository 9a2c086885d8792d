package client

import (
	"context"
	"fmt"

	"github.com/grantcarthew/devlink/internal/message"
)

// InitializeConnection performs the handshake: server info exchange, version
// check, initial device list and, when the server asks for it, keepalive pings.
func (c *Client) InitializeConnection(ctx context.Context) error {
	c.mu.Lock()
	c.sessionDone = make(chan struct{})
	c.serverInfo = nil
	c.devices = make(map[uint32]message.Device)
	c.mu.Unlock()

	reply, err := c.request(ctx, &message.RequestServerInfo{
		ClientName:     c.name,
		MessageVersion: message.Version,
	})
	if err != nil {
		return fmt.Errorf("server info request failed: %w", err)
	}

	info, ok := reply.(*message.ServerInfo)
	if !ok {
		return c.log.LogAndFail(fmt.Sprintf("expected ServerInfo during handshake, got %s", reply.Type()), message.ErrorInit, reply.ID())
	}
	if info.MessageVersion < message.Version {
		return c.log.LogAndFail(
			fmt.Sprintf("server message version %d is older than client version %d", info.MessageVersion, message.Version),
			message.ErrorInit, info.ID())
	}

	c.mu.Lock()
	c.serverInfo = info
	c.mu.Unlock()
	c.log.Infof("Server %q speaks message version %d (max ping %dms)", info.ServerName, info.MessageVersion, info.MaxPingTime)

	if _, err := c.RequestDeviceList(ctx); err != nil {
		return fmt.Errorf("initial device list request failed: %w", err)
	}

	if interval := c.pingIntervalFor(info); interval > 0 {
		c.startPing(interval)
	}
	return nil
}

// ShutdownConnection stops the keepalive and releases waiting requests.
func (c *Client) ShutdownConnection(ctx context.Context) {
	c.stopPing()

	c.mu.Lock()
	if c.sessionDone != nil {
		close(c.sessionDone)
		c.sessionDone = nil
	}
	c.serverInfo = nil
	c.devices = make(map[uint32]message.Device)
	c.mu.Unlock()
}

// OnMessages routes replies to waiting requests and handles server events.
func (c *Client) OnMessages(msgs []message.Message) {
	for _, msg := range msgs {
		if msg.ID() != message.SystemID {
			c.dispatchReply(msg)
			continue
		}
		c.dispatchEvent(msg)
	}
}

// dispatchReply sends a reply to the waiting caller.
func (c *Client) dispatchReply(msg message.Message) {
	ch, ok := c.pending.Load(msg.ID())
	if !ok {
		c.errorEvents.Emit(c.log.LogAndFail(fmt.Sprintf("reply %s for unknown request id %d", msg.Type(), msg.ID()), message.ErrorMsg, msg.ID()))
		return
	}

	select {
	case ch.(chan message.Message) <- msg:
	default:
		// Duplicate reply for the same id
		c.log.Warnf("Dropping duplicate %s reply for request %d", msg.Type(), msg.ID())
	}
}

func (c *Client) dispatchEvent(msg message.Message) {
	switch m := msg.(type) {
	case *message.DeviceAdded:
		c.addDevice(m.Device)
	case *message.DeviceRemoved:
		c.removeDevice(m.DeviceIndex)
	case *message.ScanningFinished:
		c.log.Debug("Scanning finished")
		c.scanningFinished.Emit(struct{}{})
	case *message.Error:
		c.log.Errorf("Server error: %v", m)
		c.errorEvents.Emit(m)
	default:
		c.errorEvents.Emit(c.log.LogAndFail(fmt.Sprintf("unexpected server message %s", msg.Type()), message.ErrorMsg, msg.ID()))
	}
}
