package broker

import (
	"context"

	"github.com/flowmq/flowmq/session"
	"github.com/flowmq/flowmq/types/message"
)

// willPublisher adapts Server to session.WillPublisher. It is declared as a
// distinct named type (rather than a method directly on Server) so the
// session package's dependency on the broker stays at the single-method
// interface it already declares.
type willPublisher Server

// PublishWill routes a session's will message through the same route() path
// as a normal PUBLISH, then retains it if the will carried the retain flag.
func (w *willPublisher) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	s := (*Server)(w)

	msg := &message.Message{
		Topic:      will.Topic,
		Payload:    will.Payload,
		QoS:        qosFromByte(will.QoS),
		Retain:     will.Retain,
		Properties: will.Properties,
	}

	if will.Retain {
		if len(msg.Payload) == 0 {
			_ = s.retained.Delete(ctx, will.Topic)
		} else if err := s.retained.Set(ctx, will.Topic, msg); err != nil {
			s.logError("retain will message failed", "topic", will.Topic, "error", err)
		}
	}

	s.route(ctx, clientID, msg)
	return nil
}
