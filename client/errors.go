package client

import (
	"errors"
	"fmt"

	"github.com/flowmq/flowmq/encoding"
)

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected or connecting")
	ErrConnectTimeout   = errors.New("client: CONNACK not received within connect_timeout")
	ErrAckTimeout       = errors.New("client: acknowledgement not received within ack_timeout")
	ErrClosed           = errors.New("client: closed")
	ErrUnsupportedQoS   = errors.New("client: only QoS 0 and QoS 1 are supported")
)

// ConnectError wraps a non-Success CONNACK reason code. spec.md §4.6
// classifies CONNACK failure reasons as "Reported" (surfaced to the
// caller), not fatal in the sense of a panic or a silently dropped
// connection - Connect returns this error and the client stays
// Disconnected.
type ConnectError struct {
	ReasonCode encoding.ReasonCode
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("client: connect refused, reason=0x%02x", byte(e.ReasonCode))
}

// PublishError surfaces a QoS 1 publish that exhausted max_retries without
// a PUBACK (spec.md §4.6 "publish timeouts after max_retries").
type PublishError struct {
	PacketID uint16
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("client: publish packet_id=%d failed: %v", e.PacketID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
