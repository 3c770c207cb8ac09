// Package client implements the MQTT v5 client runtime (C3): the
// connecting/connected state machine, outgoing packet ID allocation, the
// QoS 1 retransmit ledger, and dispatch of inbound PUBLISH to the caller.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cerrors "github.com/cockroachdb/errors"

	"github.com/flowmq/flowmq/encoding"
	"github.com/flowmq/flowmq/network"
	"github.com/flowmq/flowmq/pkg/logger"
	"github.com/flowmq/flowmq/qos"
)

// State is the client connection state (spec.md §4.3): Disconnected ->
// Connecting -> Connected -> Disconnecting -> Disconnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// InboundMessage is one PUBLISH delivered to the caller's Inbound channel.
type InboundMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Client is the client-side connection state machine and packet
// dispatcher (C3). One Client serves one logical MQTT session; Connect
// may be called again after a Disconnect or a connection loss.
type Client struct {
	config *Config
	log    logger.Logger

	state atomic.Int32

	mu     sync.RWMutex
	conn   *network.Connection
	writer *connWriter

	keepAliveMu sync.Mutex
	keepAlive   *network.KeepAlive

	// qosHandler is the outbound QoS 1 retransmit ledger (spec.md §3
	// "Client-side inflight record"): it allocates PUBLISH packet
	// identifiers, holds each unacked message, and resends it (dup=1)
	// past ack_timeout up to max_retries.
	qosHandler *qos.Handler

	// ctrl allocates packet identifiers for SUBSCRIBE/UNSUBSCRIBE and
	// tracks their pending acks. Kept as a separate smallest-free-first
	// counter from qosHandler's PUBLISH-id space - see DESIGN.md for why
	// that does not violate spec.md's per-sender disjointness invariant
	// in practice for this runtime.
	ctrl ctrlLedger

	negotiatedServerKeepAlive uint16
	negotiatedMaxPacketSize   uint32

	inbound chan *InboundMessage
	errCh   chan error

	closeOnce sync.Once
	closeCh   chan struct{}

	readerWG sync.WaitGroup

	reconnectCancel context.CancelFunc
	reconnectWG     sync.WaitGroup
	reconnectCh     chan struct{}
}

// New builds a Client around cfg. Connect must be called before any other
// operation.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, cerrors.New("client: nil config")
	}
	if cfg.IP == "" || cfg.Port == 0 {
		return nil, cerrors.New("client: IP and Port are required")
	}

	qosCfg := qos.DefaultConfig()
	qosCfg.MaxInflight = cfg.ReceiveMaximum
	qosCfg.RetryInterval = cfg.AckTimeout
	qosCfg.RetryBackoff = 1.0 // spec.md §4.3: fixed ack_timeout cadence, not exponential
	qosCfg.MaxRetryInterval = cfg.AckTimeout
	qosCfg.MaxRetries = cfg.MaxRetries
	qosCfg.EnableDedup = false // outbound ledger; inbound dedup is the application's job per spec.md §4.3

	c := &Client{
		config:      cfg,
		log:         cfg.Logger,
		qosHandler:  qos.NewHandler(qosCfg),
		inbound:     make(chan *InboundMessage, cfg.InboundQueueSize),
		errCh:       make(chan error, 16),
		closeCh:     make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
	c.ctrl.init()
	c.state.Store(int32(StateDisconnected))

	c.qosHandler.SetPublishCallback(c.sendQoS1Publish)
	c.qosHandler.SetMaxRetryCallback(c.onPublishRetriesExhausted)

	return c, nil
}

// State reports the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Inbound returns the channel PUBLISH messages (from the broker) are
// delivered on. The reader pauses socket reads once this channel is full
// (spec.md §5 flow control), so callers must keep draining it.
func (c *Client) Inbound() <-chan *InboundMessage {
	return c.inbound
}

// Errors returns asynchronous failures the caller should observe: publish
// timeouts after max_retries (spec.md §4.6 "Reported").
func (c *Client) Errors() <-chan error {
	return c.errCh
}

func (c *Client) reportError(err error) {
	select {
	case c.errCh <- err:
	default:
		c.logError("error channel full, dropping", "error", err)
	}
}

// Connect dials the broker, performs the CONNECT/CONNACK handshake, and
// starts the reader and keep-alive goroutines. It returns session_present
// as negotiated by the broker.
func (c *Client) Connect(ctx context.Context) (bool, error) {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return false, ErrAlreadyConnected
	}

	present, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return false, err
	}

	c.state.Store(int32(StateConnected))
	c.qosHandler.ReplayInflight()

	c.readerWG.Add(1)
	go c.readLoop()

	if c.config.AutoReconnect {
		c.startReconnectWatch()
	}

	return present, nil
}

// dial opens the TCP connection, sends CONNECT, and waits for CONNACK
// within connect_timeout. On success it installs the new connection/
// writer/keep-alive and returns session_present.
func (c *Client) dial(ctx context.Context) (bool, error) {
	addr := fmt.Sprintf("%s:%d", c.config.IP, c.config.Port)

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, err
	}

	conn := network.NewConnection(nc, c.config.ClientID, &network.ConnectionConfig{
		KeepAlive:     c.config.KeepAlive,
		WriteDeadline: c.config.AckTimeout,
	})
	conn.SetReadDeadline(c.config.ConnectTimeout)

	w := newConnWriter(conn)
	connectPkt := c.buildConnectPacket()

	if err := w.send(func(conn *network.Connection) error { return connectPkt.Encode(conn) }); err != nil {
		_ = conn.Close()
		return false, err
	}

	present, err := c.awaitConnack(conn)
	if err != nil {
		_ = conn.Close()
		return false, err
	}

	conn.SetReadDeadline(0)

	c.mu.Lock()
	c.conn = conn
	c.writer = w
	c.mu.Unlock()

	c.armKeepAlive(conn, w)

	return present, nil
}

// awaitConnack reads exactly one packet and requires it to be a
// successful CONNACK; any other outcome is a connect-time failure, never
// a "fatal" closed-mid-session error (spec.md §4.6).
func (c *Client) awaitConnack(conn *network.Connection) (bool, error) {
	packetType, pkt, err := encoding.ReadPacket(conn)
	if err != nil {
		return false, err
	}
	connack, ok := pkt.(*encoding.ConnackPacket)
	if packetType != encoding.CONNACK || !ok {
		return false, cerrors.New("client: expected CONNACK as first packet")
	}
	if connack.ReasonCode != encoding.ReasonSuccess {
		return false, &ConnectError{ReasonCode: connack.ReasonCode}
	}

	if prop := connack.Properties.GetProperty(encoding.PropServerKeepAlive); prop != nil {
		if v, ok := prop.Value.(uint16); ok {
			c.negotiatedServerKeepAlive = v
		}
	}
	if prop := connack.Properties.GetProperty(encoding.PropMaximumPacketSize); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			c.negotiatedMaxPacketSize = v
		}
	}

	return connack.SessionPresent, nil
}

func (c *Client) buildConnectPacket() *encoding.ConnectPacket {
	keepAliveSeconds := uint16(c.config.KeepAlive / time.Second)

	pkt := &encoding.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      c.config.CleanStart,
		KeepAlive:       keepAliveSeconds,
		ClientID:        c.config.ClientID,
	}

	var props encoding.Properties
	_ = props.AddProperty(encoding.PropReceiveMaximum, c.config.ReceiveMaximum)
	if c.config.MaxPacketSize > 0 {
		_ = props.AddProperty(encoding.PropMaximumPacketSize, c.config.MaxPacketSize)
	}
	pkt.Properties = props

	if c.config.HasUsername {
		pkt.UsernameFlag = true
		pkt.Username = c.config.Username
	}
	if c.config.HasPassword {
		pkt.PasswordFlag = true
		pkt.Password = c.config.Password
	}

	if will := c.config.Will; will != nil {
		pkt.WillFlag = true
		pkt.WillQoS = encoding.QoS(will.QoS)
		pkt.WillRetain = will.Retain
		pkt.WillTopic = will.Topic
		pkt.WillPayload = will.Payload
	}

	return pkt
}

// armKeepAlive (re)starts the ping/pong timer for conn. PINGREQ fires
// every keep_alive, whether or not other packets were sent. On each tick,
// if more than twice keep_alive has passed since the last PINGRESP, the
// connection is closed; no DISCONNECT with KeepAliveTimeout is sent.
func (c *Client) armKeepAlive(conn *network.Connection, w *connWriter) {
	c.keepAliveMu.Lock()
	defer c.keepAliveMu.Unlock()

	if c.keepAlive != nil {
		c.keepAlive.Stop()
	}
	if c.config.KeepAlive <= 0 {
		c.keepAlive = nil
		return
	}

	c.keepAlive = network.NewKeepAlive(conn, &network.KeepAliveConfig{
		Interval:   c.config.KeepAlive,
		Timeout:    c.config.KeepAlive,
		MaxRetries: 1,
		PingHandler: func(conn *network.Connection) error {
			return w.send(func(conn *network.Connection) error {
				return (&encoding.PingreqPacket{}).Encode(conn)
			})
		},
	})
	c.keepAlive.Start()
}

func (c *Client) currentConn() (*network.Connection, *connWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.writer
}

// Disconnect sends DISCONNECT(Success) and closes the stream. The client
// returns to Disconnected and may Connect again.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		if c.State() == StateDisconnected {
			return nil
		}
		return ErrNotConnected
	}

	conn, w := c.currentConn()
	if w != nil {
		pkt := &encoding.DisconnectPacket{ReasonCode: encoding.ReasonSuccess}
		_ = w.send(func(conn *network.Connection) error { return pkt.Encode(conn) })
	}

	c.stopReconnectWatch()
	c.keepAliveMu.Lock()
	if c.keepAlive != nil {
		c.keepAlive.Stop()
		c.keepAlive = nil
	}
	c.keepAliveMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.readerWG.Wait()

	c.state.Store(int32(StateDisconnected))
	return nil
}

// Close releases the client permanently: it disconnects (best-effort) and
// stops the QoS 1 retry/cleanup goroutines. The client cannot be used
// afterward.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.State() == StateConnected {
			err = c.Disconnect(context.Background())
		}
		close(c.closeCh)
		_ = c.qosHandler.Close()
	})
	return err
}

func (c *Client) logError(msg string, args ...interface{}) {
	if c.log != nil {
		c.log.Error(msg, args...)
	}
}

func (c *Client) logInfo(msg string, args ...interface{}) {
	if c.log != nil {
		c.log.Info(msg, args...)
	}
}
