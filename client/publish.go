package client

import (
	"context"
	"sync"
	"time"

	"github.com/flowmq/flowmq/encoding"
	"github.com/flowmq/flowmq/network"
	"github.com/flowmq/flowmq/types/message"
)

// SubscribeFilter is one (topic_filter, options) pair passed to Subscribe.
type SubscribeFilter struct {
	TopicFilter       string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

// DefaultSubscribeFilter builds a SubscribeFilter from the client's
// configured default subscribe options (spec.md §6).
func (c *Client) DefaultSubscribeFilter(topicFilter string) SubscribeFilter {
	d := c.config.DefaultSubscribe
	return SubscribeFilter{
		TopicFilter:       topicFilter,
		QoS:               d.MaxQoS,
		NoLocal:           d.NoLocal,
		RetainAsPublished: d.RetainAsPublished,
		RetainHandling:    d.RetainHandling,
	}
}

// ctrlLedger allocates packet identifiers for SUBSCRIBE/UNSUBSCRIBE and
// holds the channel each call blocks on until the matching SUBACK/UNSUBACK
// arrives. Smallest-free-first, matching spec.md §3's packet identifier
// allocation policy - kept independent of qosHandler's PUBLISH-id space,
// see DESIGN.md.
type ctrlLedger struct {
	mu           sync.Mutex
	nextID       uint16
	pendingSub   map[uint16]chan []encoding.ReasonCode
	pendingUnsub map[uint16]chan []encoding.ReasonCode
}

func (l *ctrlLedger) init() {
	l.nextID = 1
	l.pendingSub = make(map[uint16]chan []encoding.ReasonCode)
	l.pendingUnsub = make(map[uint16]chan []encoding.ReasonCode)
}

func (l *ctrlLedger) next() uint16 {
	for id := uint16(1); id != 0; id++ {
		if _, ok := l.pendingSub[id]; ok {
			continue
		}
		if _, ok := l.pendingUnsub[id]; ok {
			continue
		}
		return id
	}
	return 0
}

func (l *ctrlLedger) allocSub() (uint16, chan []encoding.ReasonCode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next()
	ch := make(chan []encoding.ReasonCode, 1)
	l.pendingSub[id] = ch
	return id, ch
}

func (l *ctrlLedger) allocUnsub() (uint16, chan []encoding.ReasonCode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next()
	ch := make(chan []encoding.ReasonCode, 1)
	l.pendingUnsub[id] = ch
	return id, ch
}

func (l *ctrlLedger) abortSub(id uint16) {
	l.mu.Lock()
	delete(l.pendingSub, id)
	l.mu.Unlock()
}

func (l *ctrlLedger) abortUnsub(id uint16) {
	l.mu.Lock()
	delete(l.pendingUnsub, id)
	l.mu.Unlock()
}

func (l *ctrlLedger) resolveSub(id uint16, codes []encoding.ReasonCode) {
	l.mu.Lock()
	ch, ok := l.pendingSub[id]
	if ok {
		delete(l.pendingSub, id)
	}
	l.mu.Unlock()
	if ok {
		ch <- codes
	}
}

func (l *ctrlLedger) resolveUnsub(id uint16, codes []encoding.ReasonCode) {
	l.mu.Lock()
	ch, ok := l.pendingUnsub[id]
	if ok {
		delete(l.pendingUnsub, id)
	}
	l.mu.Unlock()
	if ok {
		ch <- codes
	}
}

// Subscribe sends one SUBSCRIBE for all of filters and waits (up to
// ack_timeout) for the SUBACK, returning the per-filter reason codes in
// the same order as filters (spec.md §4.3).
func (c *Client) Subscribe(ctx context.Context, filters []SubscribeFilter) ([]encoding.ReasonCode, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	_, w := c.currentConn()
	if w == nil {
		return nil, ErrNotConnected
	}

	id, ch := c.ctrl.allocSub()

	subs := make([]encoding.Subscription, 0, len(filters))
	for _, f := range filters {
		subs = append(subs, encoding.Subscription{
			TopicFilter:       f.TopicFilter,
			QoS:               encoding.QoS(f.QoS),
			NoLocal:           f.NoLocal,
			RetainAsPublished: f.RetainAsPublished,
			RetainHandling:    f.RetainHandling,
		})
	}
	pkt := &encoding.SubscribePacket{PacketID: id, Subscriptions: subs}

	if err := w.send(func(conn *network.Connection) error { return pkt.Encode(conn) }); err != nil {
		c.ctrl.abortSub(id)
		return nil, err
	}

	select {
	case codes := <-ch:
		return codes, nil
	case <-time.After(c.config.AckTimeout):
		c.ctrl.abortSub(id)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		c.ctrl.abortSub(id)
		return nil, ctx.Err()
	}
}

// Unsubscribe sends one UNSUBSCRIBE for filters and waits for UNSUBACK,
// returning the per-filter reason codes.
func (c *Client) Unsubscribe(ctx context.Context, filters []string) ([]encoding.ReasonCode, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	_, w := c.currentConn()
	if w == nil {
		return nil, ErrNotConnected
	}

	id, ch := c.ctrl.allocUnsub()
	pkt := &encoding.UnsubscribePacket{PacketID: id, TopicFilters: filters}

	if err := w.send(func(conn *network.Connection) error { return pkt.Encode(conn) }); err != nil {
		c.ctrl.abortUnsub(id)
		return nil, err
	}

	select {
	case codes := <-ch:
		return codes, nil
	case <-time.After(c.config.AckTimeout):
		c.ctrl.abortUnsub(id)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		c.ctrl.abortUnsub(id)
		return nil, ctx.Err()
	}
}

// Publish sends one PUBLISH. For QoS 0 it returns as soon as the write
// completes. For QoS 1 it allocates a packet identifier, hands the
// message to the retransmit ledger, and returns as soon as the first
// attempt is written - it does not wait for PUBACK (spec.md §4.3).
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	if c.State() != StateConnected {
		return 0, ErrNotConnected
	}

	switch qos {
	case 0:
		_, w := c.currentConn()
		if w == nil {
			return 0, ErrNotConnected
		}
		pkt := &encoding.PublishPacket{TopicName: topic, Payload: payload}
		pkt.FixedHeader.QoS = encoding.QoS0
		pkt.FixedHeader.Retain = retain
		return 0, w.send(func(conn *network.Connection) error { return pkt.Encode(conn) })
	case 1:
		return c.qosHandler.PublishQoS1(topic, payload, retain, nil)
	default:
		return 0, ErrUnsupportedQoS
	}
}

// PublishDefault publishes using the client's configured default QoS and
// retain flag (spec.md §6 "default publish flags").
func (c *Client) PublishDefault(topic string, payload []byte) (uint16, error) {
	return c.Publish(topic, payload, c.config.DefaultQoS, c.config.DefaultRetain)
}

// sendQoS1Publish is qosHandler's publish callback: it renders the wire
// PUBLISH (DUP set when this is a retransmit) and writes it through the
// current connection's serialized writer. Returning an error when
// disconnected leaves the message in the ledger for the next retry/replay
// rather than dropping it.
func (c *Client) sendQoS1Publish(msg *message.Message) error {
	_, w := c.currentConn()
	if w == nil {
		return ErrNotConnected
	}

	pkt := &encoding.PublishPacket{
		TopicName: msg.Topic,
		PacketID:  msg.PacketID,
		Payload:   msg.Payload,
	}
	pkt.FixedHeader.QoS = encoding.QoS1
	pkt.FixedHeader.Retain = msg.Retain
	pkt.FixedHeader.DUP = msg.DUP

	return w.send(func(conn *network.Connection) error { return pkt.Encode(conn) })
}

// onPublishRetriesExhausted surfaces a PublishError and closes the
// connection (spec.md §4.3: "after that, the connection is closed and
// reconnection (if enabled) resumes from inflight replay").
func (c *Client) onPublishRetriesExhausted(msg *message.Message) {
	c.reportError(&PublishError{PacketID: msg.PacketID, Err: ErrAckTimeout})

	conn, _ := c.currentConn()
	if conn != nil {
		_ = conn.Close()
	}
}
