package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flowmq/flowmq/encoding"
	"github.com/flowmq/flowmq/network"
	"github.com/flowmq/flowmq/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestServer boots a Server on an ephemeral loopback port and returns
// it once the listener is bound, along with a cancel func that shuts it down.
func startTestServer(t *testing.T, configure func(*Config)) (*Server, func()) {
	t.Helper()

	cfg := DefaultConfig("test-broker", "127.0.0.1", 0)
	cfg.SessionStore = session.NewMemoryStore()
	if configure != nil {
		configure(cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.Addr() != nil
	}, 2*time.Second, 5*time.Millisecond)

	return s, func() {
		cancel()
		<-runDone
	}
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	return conn
}

func handshake(t *testing.T, conn net.Conn, clientID string, cleanStart bool) *encoding.ConnackPacket {
	t.Helper()
	connect := &encoding.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      cleanStart,
		KeepAlive:       30,
		ClientID:        clientID,
	}
	require.NoError(t, connect.Encode(conn))

	pt, pkt, err := encoding.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, encoding.CONNACK, pt)
	return pkt.(*encoding.ConnackPacket)
}

func subscribe(t *testing.T, conn net.Conn, packetID uint16, filter string, qos encoding.QoS, retainHandling byte) *encoding.SubackPacket {
	t.Helper()
	sub := &encoding.SubscribePacket{
		PacketID: packetID,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: filter, QoS: qos, RetainHandling: retainHandling},
		},
	}
	require.NoError(t, sub.Encode(conn))

	pt, pkt, err := encoding.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, encoding.SUBACK, pt)
	return pkt.(*encoding.SubackPacket)
}

func publish(t *testing.T, conn net.Conn, topic string, payload []byte, qos encoding.QoS, retain bool, packetID uint16) {
	t.Helper()
	pub := &encoding.PublishPacket{TopicName: topic, Payload: payload, PacketID: packetID}
	pub.FixedHeader.QoS = qos
	pub.FixedHeader.Retain = retain
	require.NoError(t, pub.Encode(conn))
}

func readPublish(t *testing.T, conn net.Conn) *encoding.PublishPacket {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	pt, pkt, err := encoding.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, encoding.PUBLISH, pt)
	return pkt.(*encoding.PublishPacket)
}

// Scenario 1 (spec.md §8): A subscribes to bad/#, B publishes to
// bad/messages at QoS 1 — A receives it, B gets PUBACK(Success).
func TestEndToEndWildcardSubscribeAndPublish(t *testing.T) {
	s, stop := startTestServer(t, nil)
	defer stop()

	connA := dial(t, s)
	defer connA.Close()
	ack := handshake(t, connA, "client-a", true)
	require.Equal(t, encoding.ReasonSuccess, ack.ReasonCode)

	suback := subscribe(t, connA, 1, "bad/#", encoding.QoS0, 2)
	require.Equal(t, []encoding.ReasonCode{encoding.ReasonGrantedQoS0}, suback.ReasonCodes)

	connB := dial(t, s)
	defer connB.Close()
	handshake(t, connB, "client-b", true)

	publish(t, connB, "bad/messages", []byte("hi"), encoding.QoS1, false, 1)

	pt, pkt, err := encoding.ReadPacket(connB)
	require.NoError(t, err)
	require.Equal(t, encoding.PUBACK, pt)
	assert.Equal(t, encoding.ReasonSuccess, pkt.(*encoding.PubackPacket).ReasonCode)

	got := readPublish(t, connA)
	assert.Equal(t, "bad/messages", got.TopicName)
	assert.Equal(t, []byte("hi"), got.Payload)
}

// Scenario 2: a retained message is stored, delivered to a new subscriber
// with retain=1, then cleared by an empty-payload retained publish.
func TestRetainedMessageDeliveredOnSubscribeThenCleared(t *testing.T) {
	s, stop := startTestServer(t, nil)
	defer stop()

	connB := dial(t, s)
	defer connB.Close()
	handshake(t, connB, "client-b", true)
	publish(t, connB, "sensors/1", []byte("24C"), encoding.QoS0, true, 0)

	connC := dial(t, s)
	defer connC.Close()
	handshake(t, connC, "client-c", true)
	subscribe(t, connC, 1, "sensors/+", encoding.QoS0, 0)

	got := readPublish(t, connC)
	assert.Equal(t, "sensors/1", got.TopicName)
	assert.Equal(t, []byte("24C"), got.Payload)
	assert.True(t, got.FixedHeader.Retain)

	publish(t, connB, "sensors/1", nil, encoding.QoS0, true, 0)
	time.Sleep(50 * time.Millisecond)

	connD := dial(t, s)
	defer connD.Close()
	handshake(t, connD, "client-d", true)
	subscribe(t, connD, 1, "sensors/+", encoding.QoS0, 0)

	connD.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := encoding.ReadPacket(connD)
	assert.Error(t, err, "expected no retained PUBLISH after the retained slot was cleared")
}

// Scenario 4: PUBLISH with a wildcard topic name closes the connection with
// TopicNameInvalid (invariant I4).
func TestMalformedPublishTopicClosesConnection(t *testing.T) {
	s, stop := startTestServer(t, nil)
	defer stop()

	conn := dial(t, s)
	defer conn.Close()
	handshake(t, conn, "client-a", true)

	publish(t, conn, "a/+/b", []byte("x"), encoding.QoS0, false, 0)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pt, pkt, err := encoding.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, encoding.DISCONNECT, pt)
	assert.Equal(t, encoding.ReasonCode(network.DisconnectTopicNameInvalid), pkt.(*encoding.DisconnectPacket).ReasonCode)
}

// QoS 2 is a non-goal (spec.md §1): a PUBLISH requesting it closes the
// connection with ProtocolError rather than being queued or acked.
func TestPublishQoS2Rejected(t *testing.T) {
	s, stop := startTestServer(t, nil)
	defer stop()

	conn := dial(t, s)
	defer conn.Close()
	handshake(t, conn, "client-a", true)

	publish(t, conn, "t", []byte("x"), encoding.QoS2, false, 9)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pt, pkt, err := encoding.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, encoding.DISCONNECT, pt)
	assert.Equal(t, encoding.ReasonCode(network.DisconnectProtocolError), pkt.(*encoding.DisconnectPacket).ReasonCode)
}

// Scenario 5: two subscribers on the same topic with different max_qos each
// receive the delivered QoS capped at their own subscription's max_qos.
func TestSubscribersReceiveMinQoS(t *testing.T) {
	s, stop := startTestServer(t, nil)
	defer stop()

	connA := dial(t, s)
	defer connA.Close()
	handshake(t, connA, "client-a", true)
	subscribe(t, connA, 1, "t", encoding.QoS0, 2)

	connD := dial(t, s)
	defer connD.Close()
	handshake(t, connD, "client-d", true)
	subscribe(t, connD, 1, "t", encoding.QoS1, 2)

	connB := dial(t, s)
	defer connB.Close()
	handshake(t, connB, "client-b", true)
	publish(t, connB, "t", []byte("x"), encoding.QoS1, false, 5)

	pt, pkt, err := encoding.ReadPacket(connB)
	require.NoError(t, err)
	require.Equal(t, encoding.PUBACK, pt)
	assert.Equal(t, uint16(5), pkt.(*encoding.PubackPacket).PacketID)

	gotA := readPublish(t, connA)
	assert.Equal(t, encoding.QoS0, gotA.FixedHeader.QoS)

	gotD := readPublish(t, connD)
	assert.Equal(t, encoding.QoS1, gotD.FixedHeader.QoS)

	ack := &encoding.PubackPacket{PacketID: gotD.PacketID, ReasonCode: encoding.ReasonSuccess}
	require.NoError(t, ack.Encode(connD))
}

// Scenario 6 (session takeover, spec.md §8): a second CONNECT with the same
// client id closes the first connection with SessionTakenOver.
func TestSessionTakeover(t *testing.T) {
	s, stop := startTestServer(t, nil)
	defer stop()

	conn1 := dial(t, s)
	defer conn1.Close()
	handshake(t, conn1, "dup-client", true)

	conn2 := dial(t, s)
	defer conn2.Close()
	ack := handshake(t, conn2, "dup-client", false)
	assert.Equal(t, encoding.ReasonSuccess, ack.ReasonCode)

	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	pt, pkt, err := encoding.ReadPacket(conn1)
	require.NoError(t, err)
	require.Equal(t, encoding.DISCONNECT, pt)
	assert.Equal(t, encoding.ReasonCode(network.DisconnectSessionTakenOver), pkt.(*encoding.DisconnectPacket).ReasonCode)
}
