package client

import (
	"context"
	"time"

	"github.com/flowmq/flowmq/network"
)

// startReconnectWatch launches the goroutine that waits for connection-loss
// signals and retries dial() with exponential backoff (spec.md §4.6:
// "reconnect attempts on configured transient I/O errors using
// exponential backoff (base 1s, cap 30s, ±20% jitter)").
func (c *Client) startReconnectWatch() {
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectCancel = cancel
	c.reconnectWG.Add(1)
	go c.reconnectLoop(ctx)
}

func (c *Client) stopReconnectWatch() {
	if c.reconnectCancel == nil {
		return
	}
	c.reconnectCancel()
	c.reconnectWG.Wait()
	c.reconnectCancel = nil
}

func (c *Client) triggerReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

func (c *Client) reconnectLoop(ctx context.Context) {
	defer c.reconnectWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reconnectCh:
			c.runReconnect(ctx)
		}
	}
}

func (c *Client) runReconnect(ctx context.Context) {
	backoff, err := network.NewBackoff(c.config.ReconnectBackoff)
	if err != nil {
		c.logError("client: invalid reconnect backoff config", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		present, err := c.dial(ctx)
		if err == nil {
			c.state.Store(int32(StateConnected))
			c.qosHandler.ReplayInflight()
			c.readerWG.Add(1)
			go c.readLoop()
			c.logInfo("client: reconnected", "client_id", c.config.ClientID, "session_present", present)
			return
		}

		c.logError("client: reconnect attempt failed", "error", err)

		interval, ok := backoff.Next()
		if !ok {
			c.reportError(err)
			c.state.Store(int32(StateDisconnected))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
