package broker

import (
	"sync"

	"github.com/flowmq/flowmq/encoding"
	"github.com/flowmq/flowmq/network"
	"github.com/flowmq/flowmq/session"
)

// connWriter funnels every packet bound for one connection through a
// single mutex so the codec never interleaves the bytes of two packets on
// the wire, matching this runtime's per-connection write serialization
// point.
type connWriter struct {
	mu   sync.Mutex
	conn *network.Connection
}

func newConnWriter(conn *network.Connection) *connWriter {
	return &connWriter{conn: conn}
}

// send runs one packet's Encode against the connection under the writer
// lock. Each *Packet type in encoding/ exposes its own concrete
// Encode(io.Writer) method rather than a shared interface, so callers pass
// a closure that calls it.
func (w *connWriter) send(encode func(conn *network.Connection) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return encode(w.conn)
}

// pendingToPublish renders a queued/inflight message as the PUBLISH packet
// to put on the wire, marking DUP when this is a retransmit.
func pendingToPublish(msg *session.PendingMessage, packetID uint16) *encoding.PublishPacket {
	pkt := &encoding.PublishPacket{
		TopicName: msg.Topic,
		Payload:   msg.Payload,
	}
	pkt.FixedHeader.QoS = encoding.QoS(msg.QoS)
	pkt.FixedHeader.Retain = msg.Retain
	pkt.FixedHeader.DUP = msg.DUP
	if msg.QoS > 0 {
		pkt.PacketID = packetID
	}
	return pkt
}
