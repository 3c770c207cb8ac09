package encoding

import "io"

// ReadPacket reads one complete control packet from r: the fixed header,
// then the type-specific variable header/payload. It returns the decoded
// packet as one of the *Packet types declared in packets_mqtt5.go, along
// with the packet type so callers can type-switch without an extra assert.
func ReadPacket(r io.Reader) (PacketType, interface{}, error) {
	fh, err := ParseFixedHeader(r)
	if err != nil {
		return Reserved, nil, err
	}

	if !fh.Type.Supported() {
		return fh.Type, nil, NewProtocolError(ErrInvalidType, "unsupported packet type")
	}

	switch fh.Type {
	case CONNECT:
		pkt, err := ParseConnectPacket(r, fh)
		return fh.Type, pkt, err
	case CONNACK:
		pkt, err := ParseConnackPacket(r, fh)
		return fh.Type, pkt, err
	case PUBLISH:
		pkt, err := ParsePublishPacket(r, fh)
		return fh.Type, pkt, err
	case PUBACK:
		pkt, err := ParsePubackPacket(r, fh)
		return fh.Type, pkt, err
	case SUBSCRIBE:
		pkt, err := ParseSubscribePacket(r, fh)
		return fh.Type, pkt, err
	case SUBACK:
		pkt, err := ParseSubackPacket(r, fh)
		return fh.Type, pkt, err
	case UNSUBSCRIBE:
		pkt, err := ParseUnsubscribePacket(r, fh)
		return fh.Type, pkt, err
	case UNSUBACK:
		pkt, err := ParseUnsubackPacket(r, fh)
		return fh.Type, pkt, err
	case PINGREQ:
		pkt, err := ParsePingreqPacket(fh)
		return fh.Type, pkt, err
	case PINGRESP:
		pkt, err := ParsePingrespPacket(fh)
		return fh.Type, pkt, err
	case DISCONNECT:
		pkt, err := ParseDisconnectPacket(r, fh)
		return fh.Type, pkt, err
	default:
		return fh.Type, nil, NewProtocolError(ErrInvalidType, "unsupported packet type")
	}
}
