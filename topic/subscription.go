package topic

import (
	"github.com/flowmq/flowmq/types/message"
)

// Subscription represents an active subscription with the MQTT 5 options
// this runtime negotiates.
type Subscription struct {
	ClientID          string
	TopicFilter       string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

// RetainedMessage represents a retained message
type RetainedMessage struct {
	Message *message.Message
}

// SubscriberInfo contains subscriber metadata for routing
type SubscriberInfo struct {
	ClientID          string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}
