package client

import (
	"sync"

	"github.com/flowmq/flowmq/network"
)

// connWriter funnels every packet bound for the broker through a single
// mutex so the codec never interleaves two packets' bytes on the wire -
// the same serialization discipline the broker core applies per
// connection (broker.connWriter), needed here because the user API, the
// QoS 1 retry loop and the keep-alive pinger all write concurrently.
type connWriter struct {
	mu   sync.Mutex
	conn *network.Connection
}

func newConnWriter(conn *network.Connection) *connWriter {
	return &connWriter{conn: conn}
}

func (w *connWriter) send(encode func(conn *network.Connection) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return encode(w.conn)
}

func (w *connWriter) swap(conn *network.Connection) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}
