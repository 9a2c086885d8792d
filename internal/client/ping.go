package client

import (
	"context"
	"fmt"
	"time"

	"github.com/grantcarthew/devlink/internal/message"
)

// pingIntervalFor returns the keepalive interval for a session, or zero when
// the server does not require pings and no override is set.
func (c *Client) pingIntervalFor(info *message.ServerInfo) time.Duration {
	if c.pingInterval > 0 {
		return c.pingInterval
	}
	if info.MaxPingTime == 0 {
		return 0
	}
	// Ping at half the deadline so one slow round trip does not trip it.
	return time.Duration(info.MaxPingTime) * time.Millisecond / 2
}

// startPing starts the keepalive goroutine. It runs until stopPing is called
// or a ping fails, in which case the client disconnects.
func (c *Client) startPing(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.pingCancel = cancel
	c.pingDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Ping(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					c.errorEvents.Emit(c.log.LogAndFail(fmt.Sprintf("ping failed, disconnecting: %v", err), message.ErrorPing, message.SystemID))
					// Disconnect waits for this goroutine, so it must not run here.
					go c.Disconnect(context.Background())
					return
				}
			}
		}
	}()
}

// stopPing cancels the keepalive goroutine and waits for it to exit.
func (c *Client) stopPing() {
	c.mu.Lock()
	cancel, done := c.pingCancel, c.pingDone
	c.pingCancel, c.pingDone = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
