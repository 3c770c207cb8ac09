package client

import (
	"time"

	"github.com/flowmq/flowmq/network"
	"github.com/flowmq/flowmq/pkg/logger"
)

// WillConfig carries the optional CONNECT will message: topic, payload and
// delivery parameters the broker publishes if this client disconnects
// without a prior DISCONNECT.
type WillConfig struct {
	Topic         string
	Payload       []byte
	QoS           byte
	Retain        bool
	DelayInterval uint32
}

// SubscribeOptions are the default per-filter options applied to Subscribe
// calls that do not override them explicitly (spec.md §6 "Configuration",
// client "default subscribe options").
type SubscribeOptions struct {
	MaxQoS            byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

// Config configures one client runtime instance (C3). Mirrors the shape of
// broker.Config: plain struct, Default*Config constructor, pluggable
// policy/logger fields, no file-based configuration (out of scope per
// spec.md §1).
type Config struct {
	ClientID string
	IP       string
	Port     int

	KeepAlive      time.Duration
	CleanStart     bool
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	MaxRetries     int

	Username      string
	Password      []byte
	HasUsername   bool
	HasPassword   bool
	Will          *WillConfig
	DefaultQoS    byte
	DefaultRetain bool

	DefaultSubscribe SubscribeOptions

	// MaxPacketSize is advertised to the broker via CONNECT property 0x27.
	// The client records the broker's CONNACK value but checks neither it
	// nor this one against the packets it sends or receives.
	MaxPacketSize uint32

	// ReceiveMaximum bounds inbound QoS-1 flow control: the reader never
	// holds more than this many unacked PUBLISHes pending on the Inbound
	// channel (spec.md §5).
	ReceiveMaximum uint16

	// InboundQueueSize sizes the buffered Inbound() channel. The reader
	// back-pressures (pauses reading) once it is full.
	InboundQueueSize int

	// AutoReconnect enables the background reconnect loop on transient
	// I/O failures (spec.md §4.6 "Retried"); ReconnectBackoff configures
	// its exponential-backoff schedule (base 1s, cap 30s, ±20% jitter by
	// default, matching spec.md §5).
	AutoReconnect    bool
	ReconnectBackoff *network.BackoffConfig

	Logger logger.Logger
}

// DefaultConfig returns a Config with the spec's default timeouts and flow
// control values; callers override fields (credentials, will, QoS
// defaults) as needed.
func DefaultConfig(clientID, ip string, port int) *Config {
	return &Config{
		ClientID:         clientID,
		IP:               ip,
		Port:             port,
		KeepAlive:        60 * time.Second,
		CleanStart:       true,
		ConnectTimeout:   10 * time.Second,
		AckTimeout:       10 * time.Second,
		MaxRetries:       5,
		DefaultQoS:       0,
		DefaultSubscribe: SubscribeOptions{MaxQoS: 1, RetainHandling: 0},
		MaxPacketSize:    268435455,
		ReceiveMaximum:   65535,
		InboundQueueSize: 256,
		AutoReconnect:    false,
		ReconnectBackoff: &network.BackoffConfig{
			InitialInterval: 1 * time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			JitterFactor:    0.2,
		},
	}
}
