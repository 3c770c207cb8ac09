package client

import (
	"io"

	"github.com/flowmq/flowmq/encoding"
	"github.com/flowmq/flowmq/network"
)

// readLoop reads packets from the active connection until it closes, then
// returns. A connection loss either ends the client's life (AutoReconnect
// disabled) or is picked up by the reconnect watcher.
func (c *Client) readLoop() {
	defer c.readerWG.Done()

	conn, _ := c.currentConn()
	if conn == nil {
		return
	}

	for {
		packetType, pkt, err := encoding.ReadPacket(conn)
		if err != nil {
			if err != io.EOF {
				c.logError("client: read failed", "client_id", c.config.ClientID, "error", err)
			}
			c.onConnectionLost()
			return
		}

		switch packetType {
		case encoding.PUBLISH:
			c.handlePublish(pkt.(*encoding.PublishPacket))
		case encoding.PUBACK:
			p := pkt.(*encoding.PubackPacket)
			_ = c.qosHandler.HandlePuback(p.PacketID)
		case encoding.SUBACK:
			p := pkt.(*encoding.SubackPacket)
			c.ctrl.resolveSub(p.PacketID, p.ReasonCodes)
		case encoding.UNSUBACK:
			p := pkt.(*encoding.UnsubackPacket)
			c.ctrl.resolveUnsub(p.PacketID, p.ReasonCodes)
		case encoding.PINGRESP:
			c.keepAliveMu.Lock()
			ka := c.keepAlive
			c.keepAliveMu.Unlock()
			if ka != nil {
				ka.OnPong()
			}
		case encoding.DISCONNECT:
			d := pkt.(*encoding.DisconnectPacket)
			c.logInfo("client: broker sent DISCONNECT", "reason", d.ReasonCode)
			c.onConnectionLost()
			return
		default:
			c.onConnectionLost()
			return
		}
	}
}

// handlePublish delivers one inbound PUBLISH to the caller's Inbound
// channel, then (QoS 1) sends PUBACK once the channel accepted it -
// at-least-once delivery; the caller may see duplicates after a
// reconnect and is responsible for dedup (spec.md §4.3).
func (c *Client) handlePublish(p *encoding.PublishPacket) {
	msg := &InboundMessage{
		Topic:   p.TopicName,
		Payload: p.Payload,
		QoS:     byte(p.FixedHeader.QoS),
		Retain:  p.FixedHeader.Retain,
	}

	select {
	case c.inbound <- msg:
	case <-c.closeCh:
		return
	}

	if p.FixedHeader.QoS == encoding.QoS1 {
		ack := &encoding.PubackPacket{PacketID: p.PacketID, ReasonCode: encoding.ReasonSuccess}
		_, w := c.currentConn()
		if w != nil {
			_ = w.send(func(conn *network.Connection) error { return ack.Encode(conn) })
		}
	}
}

// onConnectionLost tears down the connection-scoped state. If
// AutoReconnect is configured, the reconnect watcher (already running)
// picks the retry up; otherwise the client settles in Disconnected.
func (c *Client) onConnectionLost() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	c.keepAliveMu.Lock()
	if c.keepAlive != nil {
		c.keepAlive.Stop()
		c.keepAlive = nil
	}
	c.keepAliveMu.Unlock()

	if c.State() == StateDisconnecting {
		return
	}

	if !c.config.AutoReconnect {
		c.state.Store(int32(StateDisconnected))
		return
	}

	c.state.CompareAndSwap(int32(StateConnected), int32(StateConnecting))
	c.triggerReconnect()
}
