package broker

import (
	"context"
	"io"
	"time"

	"github.com/flowmq/flowmq/encoding"
	"github.com/flowmq/flowmq/network"
	"github.com/flowmq/flowmq/session"
	"github.com/flowmq/flowmq/topic"
	"github.com/flowmq/flowmq/types/message"
)

// serveConnection runs the full lifecycle of one accepted connection: the
// CONNECT/CONNACK handshake, then the read-dispatch loop, then cleanup. It
// is submitted to the bounded worker pool by acceptConnection and never
// returns until the connection closes.
func (s *Server) serveConnection(conn *network.Connection) {
	defer func() {
		_ = conn.Close()
		s.pool.Remove(conn.ID())
	}()

	ctx := context.Background()

	b, clientID, err := s.handshake(ctx, conn)
	if err != nil {
		s.logError("handshake failed", "conn", conn.ID(), "error", err)
		return
	}
	if b == nil {
		return
	}
	sess := b.sess
	s.metrics.ConnectionsActive.Inc()
	defer s.metrics.ConnectionsActive.Dec()

	sendWill := true
	defer func() {
		// A takeover (handshake installs a fresh binding for clientID on the
		// same session, see I1) may have already superseded this connection's
		// binding by the time this defer runs. Only tear the session down if
		// the binding this connection installed is still the live one —
		// otherwise this runs after the new connection's own cleanup and
		// would orphan it (clear its writer, drop its session).
		s.mu.Lock()
		current, stillBound := s.bindings[clientID]
		stillOurs := stillBound && current == b
		if stillOurs {
			delete(s.bindings, clientID)
		}
		s.mu.Unlock()

		if !stillOurs {
			return
		}
		sess.UnbindWriter()
		_ = s.sessions.DisconnectSession(ctx, clientID, sendWill)
	}()

	s.dispatchLoop(ctx, conn, sess, clientID, &sendWill)
}

// handshake reads the first packet (which must be CONNECT), authenticates
// it, binds or takes over the session, and replies with CONNACK. It returns
// a nil binding (with no error) when the connection was already fully
// handled (e.g. rejected with CONNACK and closed).
func (s *Server) handshake(ctx context.Context, conn *network.Connection) (*binding, string, error) {
	writer := newConnWriter(conn)

	packetType, pkt, err := encoding.ReadPacket(conn)
	if err != nil {
		return nil, "", err
	}
	connect, ok := pkt.(*encoding.ConnectPacket)
	if packetType != encoding.CONNECT || !ok {
		_ = s.connack(writer, false, encoding.ReasonProtocolError, nil)
		return nil, "", network.ErrProtocolViolation
	}
	s.metrics.PacketsReceived.Inc()

	if connect.ProtocolName != "MQTT" || connect.ProtocolVersion != encoding.ProtocolVersion50 {
		_ = s.connack(writer, false, encoding.ReasonUnsupportedProtocolVersion, nil)
		return nil, "", network.ErrProtocolViolation
	}

	clientID := connect.ClientID
	assigned := ""
	if clientID == "" {
		clientID, err = s.sessions.GenerateClientID(ctx)
		if err != nil {
			_ = s.connack(writer, false, encoding.ReasonUnspecifiedError, nil)
			return nil, "", err
		}
		assigned = clientID
	}

	var username string
	var password []byte
	if connect.UsernameFlag {
		username = connect.Username
	}
	if connect.PasswordFlag {
		password = connect.Password
	}
	if s.config.Authenticator != nil && !s.config.Authenticator.Authenticate(clientID, username, password) {
		_ = s.connack(writer, false, encoding.ReasonBadUsernameOrPassword, nil)
		return nil, "", network.ErrAuthenticationFailed
	}

	expiryInterval := uint32(0)
	if prop := connect.Properties.GetProperty(encoding.PropSessionExpiryInterval); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			expiryInterval = v
		}
	}

	sess, sessionPresent, err := s.sessions.CreateSession(ctx, clientID, connect.CleanStart, expiryInterval, byte(connect.ProtocolVersion))
	if err != nil {
		_ = s.connack(writer, false, encoding.ReasonUnspecifiedError, nil)
		return nil, "", err
	}

	if connect.WillFlag {
		sess.SetWillMessage(&session.WillMessage{
			Topic:      connect.WillTopic,
			Payload:    connect.WillPayload,
			QoS:        byte(connect.WillQoS),
			Retain:     connect.WillRetain,
			Properties: nil,
		}, 0)
	}

	conn.SetMetadata("writer", writer)

	keepAlive := connect.KeepAlive
	if keepAlive == 0 {
		keepAlive = s.config.DefaultKeepAlive
	}
	conn.SetReadDeadline(time.Duration(float64(keepAlive)*1.5) * time.Second)

	b := &binding{sess: sess, conn: conn, writer: writer}
	s.mu.RLock()
	_, takenOver := s.bindings[clientID]
	s.mu.RUnlock()
	if takenOver {
		s.closeBinding(clientID, network.DisconnectSessionTakenOver)
		_ = s.sessions.TakeoverSession(ctx, clientID)
	}

	s.mu.Lock()
	s.bindings[clientID] = b
	s.mu.Unlock()

	sess.BindWriter(s.writerFor(b))

	var assignedProps *encoding.Properties
	if assigned != "" {
		assignedProps = &encoding.Properties{}
		_ = assignedProps.AddProperty(encoding.PropAssignedClientIdentifier, assigned)
	}
	if err := s.connack(writer, sessionPresent, encoding.ReasonSuccess, assignedProps); err != nil {
		return nil, "", err
	}

	for _, queued := range sess.DrainQueued() {
		if queued.QoS > 0 {
			queued.PacketID = sess.NextPacketID()
			sess.AddPendingPublish(queued)
		}
		_, _ = sess.Deliver(queued)
	}

	return b, clientID, nil
}

func (s *Server) connack(w *connWriter, present bool, reason encoding.ReasonCode, props *encoding.Properties) error {
	ack := &encoding.ConnackPacket{SessionPresent: present, ReasonCode: reason}
	if props != nil {
		ack.Properties = *props
	}
	return w.send(func(conn *network.Connection) error {
		return ack.Encode(conn)
	})
}

// dispatchLoop reads packets until the connection closes or sends
// DISCONNECT, handling each MQTT control packet this runtime supports.
func (s *Server) dispatchLoop(ctx context.Context, conn *network.Connection, sess *session.Session, clientID string, sendWill *bool) {
	s.mu.RLock()
	b := s.bindings[clientID]
	s.mu.RUnlock()

	for {
		packetType, pkt, err := encoding.ReadPacket(conn)
		if err != nil {
			if err != io.EOF {
				s.logError("read failed", "client_id", clientID, "error", err)
				s.closeBinding(clientID, network.DisconnectReason(encoding.GetReasonCode(err)))
				return
			}
			return
		}
		s.metrics.PacketsReceived.Inc()

		switch packetType {
		case encoding.PUBLISH:
			if reason, ok := s.handlePublish(ctx, b, sess, clientID, pkt.(*encoding.PublishPacket)); !ok {
				s.closeBinding(clientID, reason)
				return
			}
		case encoding.PUBACK:
			p := pkt.(*encoding.PubackPacket)
			sess.RemovePendingPublish(p.PacketID)
		case encoding.SUBSCRIBE:
			s.handleSubscribe(ctx, b, sess, clientID, pkt.(*encoding.SubscribePacket))
		case encoding.UNSUBSCRIBE:
			s.handleUnsubscribe(b, sess, clientID, pkt.(*encoding.UnsubscribePacket))
		case encoding.PINGREQ:
			_ = b.writer.send(func(conn *network.Connection) error {
				return (&encoding.PingrespPacket{}).Encode(conn)
			})
		case encoding.DISCONNECT:
			d := pkt.(*encoding.DisconnectPacket)
			*sendWill = d.ReasonCode != encoding.ReasonNormalDisconnection
			return
		default:
			return
		}
	}
}

// handlePublish applies invariant I4 (no wildcards in a published topic
// name) and rejects QoS 2 (a non-goal, recognized on the wire but never
// carried end to end) before routing. The returned bool is false when the
// packet must close the connection, in which case reason is the DISCONNECT
// code dispatchLoop should send.
func (s *Server) handlePublish(ctx context.Context, b *binding, sess *session.Session, clientID string, p *encoding.PublishPacket) (network.DisconnectReason, bool) {
	if p.FixedHeader.QoS > encoding.QoS1 {
		return network.DisconnectProtocolError, false
	}
	if err := topic.ValidateTopic(p.TopicName); err != nil {
		return network.DisconnectTopicNameInvalid, false
	}

	msg := &message.Message{
		Topic:      p.TopicName,
		Payload:    p.Payload,
		QoS:        p.FixedHeader.QoS,
		Retain:     p.FixedHeader.Retain,
		Properties: nil,
	}

	if msg.Retain {
		if len(msg.Payload) == 0 {
			_ = s.retained.Delete(ctx, msg.Topic)
		} else if err := s.retained.Set(ctx, msg.Topic, msg); err != nil {
			s.logError("retain publish failed", "topic", msg.Topic, "error", err)
		}
	}

	s.route(ctx, clientID, msg)

	if p.FixedHeader.QoS == encoding.QoS1 {
		ack := &encoding.PubackPacket{PacketID: p.PacketID, ReasonCode: encoding.ReasonSuccess}
		_ = b.writer.send(func(conn *network.Connection) error {
			return ack.Encode(conn)
		})
	}

	return network.DisconnectNormalDisconnection, true
}

func (s *Server) handleSubscribe(ctx context.Context, b *binding, sess *session.Session, clientID string, p *encoding.SubscribePacket) {
	reasonCodes := make([]encoding.ReasonCode, 0, len(p.Subscriptions))
	var replay []encoding.Subscription

	for _, sub := range p.Subscriptions {
		if sub.QoS > encoding.QoS1 {
			reasonCodes = append(reasonCodes, encoding.ReasonQoSNotSupported)
			continue
		}

		_, alreadySubscribed := sess.GetSubscription(sub.TopicFilter)

		if err := s.router.Subscribe(&topic.Subscription{
			ClientID:          clientID,
			TopicFilter:       sub.TopicFilter,
			QoS:               byte(sub.QoS),
			NoLocal:           sub.NoLocal,
			RetainAsPublished: sub.RetainAsPublished,
			RetainHandling:    sub.RetainHandling,
		}); err != nil {
			// Invalid filter (non-terminal '#', '$share/...'): the decoder
			// never validates filters, so this is the first point a
			// malformed SUBSCRIBE is caught. Report failure and leave no
			// trace of it in the session or trie (spec.md §3).
			reasonCodes = append(reasonCodes, encoding.ReasonTopicFilterInvalid)
			continue
		}

		sess.AddSubscription(&session.Subscription{
			TopicFilter:            sub.TopicFilter,
			QoS:                    byte(sub.QoS),
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         sub.RetainHandling,
			SubscriptionIdentifier: sub.SubscriptionIdentifier,
			SubscribedAt:           time.Now(),
		})
		reasonCodes = append(reasonCodes, encoding.ReasonCode(sub.QoS))

		// RetainHandling 0 always resends; 1 only on a genuinely new
		// subscription; 2 never (the condition below is false for it).
		if sub.RetainHandling == 0 || (sub.RetainHandling == 1 && !alreadySubscribed) {
			replay = append(replay, sub)
		}
	}
	s.metrics.SubscriptionsActive.Add(float64(len(p.Subscriptions)))

	ack := &encoding.SubackPacket{PacketID: p.PacketID, ReasonCodes: reasonCodes}
	_ = b.writer.send(func(conn *network.Connection) error {
		return ack.Encode(conn)
	})

	// Retained messages follow the SUBACK.
	for _, sub := range replay {
		s.replayRetained(ctx, b, sess, sub)
	}
}

func (s *Server) replayRetained(ctx context.Context, b *binding, sess *session.Session, sub encoding.Subscription) {
	matches, err := s.retained.Match(ctx, sub.TopicFilter, nil)
	if err != nil {
		return
	}
	for _, msg := range matches {
		deliveredQoS := msg.QoS
		if byte(deliveredQoS) > byte(sub.QoS) {
			deliveredQoS = sub.QoS
		}
		pending := &session.PendingMessage{
			Topic:     msg.Topic,
			Payload:   msg.Payload,
			QoS:       byte(deliveredQoS),
			Retain:    true,
			Timestamp: time.Now(),
		}
		if pending.QoS > 0 {
			pending.PacketID = sess.NextPacketID()
			sess.AddPendingPublish(pending)
		}
		_, _ = sess.Deliver(pending)
	}
}

func (s *Server) handleUnsubscribe(b *binding, sess *session.Session, clientID string, p *encoding.UnsubscribePacket) {
	reasonCodes := make([]encoding.ReasonCode, 0, len(p.TopicFilters))

	for _, filter := range p.TopicFilters {
		if s.router.Unsubscribe(clientID, filter) {
			reasonCodes = append(reasonCodes, encoding.ReasonSuccess)
		} else {
			reasonCodes = append(reasonCodes, encoding.ReasonNoSubscriptionExisted)
		}
		sess.RemoveSubscription(filter)
	}
	s.metrics.SubscriptionsActive.Add(-float64(len(p.TopicFilters)))

	ack := &encoding.UnsubackPacket{PacketID: p.PacketID, ReasonCodes: reasonCodes}
	_ = b.writer.send(func(conn *network.Connection) error {
		return ack.Encode(conn)
	})
}

// sendDisconnect is the DisconnectManager handler registered in New(): it
// renders the wire DISCONNECT for a network.DisconnectPacket and writes it
// through this connection's serialized writer, looking the binding up by
// connection id since the manager only carries a *network.Connection.
func (s *Server) sendDisconnect(conn *network.Connection, pkt *network.DisconnectPacket) error {
	d := &encoding.DisconnectPacket{ReasonCode: encoding.ReasonCode(pkt.ReasonCode)}

	if v, ok := conn.GetMetadata("writer"); ok {
		if w, ok := v.(*connWriter); ok {
			return w.send(func(conn *network.Connection) error {
				return d.Encode(conn)
			})
		}
	}
	return d.Encode(conn)
}

func qosFromByte(q byte) encoding.QoS {
	return encoding.QoS(q)
}
