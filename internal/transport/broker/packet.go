package broker

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Control packet types of the broker protocol, a subset of MQTT 3.1.1.
const (
	packetConnect    = 1
	packetConnack    = 2
	packetPublish    = 3
	packetPuback     = 4
	packetSubscribe  = 8
	packetSuback     = 9
	packetPingreq    = 12
	packetPingresp   = 13
	packetDisconnect = 14
)

// CONNACK return codes.
const (
	connackAccepted = 0
	connackRefused  = 1
)

const maxPacketSize = 1 << 20

var errMalformed = errors.New("broker: malformed packet")

// packet is one decoded control packet.
type packet struct {
	kind  byte
	flags byte
	body  []byte
}

// readPacket reads one packet: fixed header, varint remaining length, body.
func readPacket(r *bufio.Reader) (packet, error) {
	first, err := r.ReadByte()
	if err != nil {
		return packet{}, err
	}

	length, err := readRemainingLength(r)
	if err != nil {
		return packet{}, err
	}
	if length > maxPacketSize {
		return packet{}, fmt.Errorf("broker: packet length %d exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, err
	}
	return packet{kind: first >> 4, flags: first & 0x0f, body: body}, nil
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	var value, shift int
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
	}
	return 0, errMalformed
}

func writeRemainingLength(buf []byte, length int) []byte {
	for {
		b := byte(length % 128)
		length /= 128
		if length > 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if length == 0 {
			return buf
		}
	}
}

// encodePacket frames a packet for the wire.
func encodePacket(kind, flags byte, body []byte) []byte {
	out := make([]byte, 0, 2+len(body))
	out = append(out, kind<<4|flags)
	out = writeRemainingLength(out, len(body))
	return append(out, body...)
}

func readString(body []byte) (string, []byte, error) {
	if len(body) < 2 {
		return "", nil, errMalformed
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) < 2+n {
		return "", nil, errMalformed
	}
	return string(body[2 : 2+n]), body[2+n:], nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// connectPacket is the parsed CONNECT variable header and payload.
type connectPacket struct {
	clientID  string
	username  string
	password  string
	keepAlive uint16
}

func parseConnect(body []byte) (connectPacket, error) {
	// Protocol name, level, connect flags, keep-alive.
	proto, rest, err := readString(body)
	if err != nil {
		return connectPacket{}, err
	}
	if proto != "MQTT" && proto != "MQIsdp" {
		return connectPacket{}, fmt.Errorf("broker: unexpected protocol name %q", proto)
	}
	if len(rest) < 4 {
		return connectPacket{}, errMalformed
	}
	flags := rest[1]
	keepAlive := binary.BigEndian.Uint16(rest[2:4])
	rest = rest[4:]

	var p connectPacket
	p.keepAlive = keepAlive
	if p.clientID, rest, err = readString(rest); err != nil {
		return connectPacket{}, err
	}

	// Skip the will topic and message when present.
	if flags&0x04 != 0 {
		if _, rest, err = readString(rest); err != nil {
			return connectPacket{}, err
		}
		if _, rest, err = readString(rest); err != nil {
			return connectPacket{}, err
		}
	}
	if flags&0x80 != 0 {
		if p.username, rest, err = readString(rest); err != nil {
			return connectPacket{}, err
		}
	}
	if flags&0x40 != 0 {
		if p.password, _, err = readString(rest); err != nil {
			return connectPacket{}, err
		}
	}
	return p, nil
}

func encodeConnack(code byte) []byte {
	return encodePacket(packetConnack, 0, []byte{0, code})
}

// publishPacket is a parsed PUBLISH.
type publishPacket struct {
	topic    string
	packetID uint16 // zero for QoS 0
	qos      byte
	payload  []byte
}

func parsePublish(p packet) (publishPacket, error) {
	topic, rest, err := readString(p.body)
	if err != nil {
		return publishPacket{}, err
	}
	out := publishPacket{topic: topic, qos: (p.flags >> 1) & 0x03}
	if out.qos > 0 {
		if len(rest) < 2 {
			return publishPacket{}, errMalformed
		}
		out.packetID = binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
	}
	out.payload = rest
	return out, nil
}

func encodePublish(topic string, payload []byte) []byte {
	body := appendString(nil, topic)
	body = append(body, payload...)
	return encodePacket(packetPublish, 0, body)
}

func encodePuback(packetID uint16) []byte {
	return encodePacket(packetPuback, 0, binary.BigEndian.AppendUint16(nil, packetID))
}

// parseSubscribe returns the packet id and requested topic filters.
func parseSubscribe(body []byte) (uint16, []string, error) {
	if len(body) < 2 {
		return 0, nil, errMalformed
	}
	packetID := binary.BigEndian.Uint16(body[:2])
	rest := body[2:]

	var topics []string
	for len(rest) > 0 {
		topic, next, err := readString(rest)
		if err != nil {
			return 0, nil, err
		}
		if len(next) < 1 {
			return 0, nil, errMalformed
		}
		topics = append(topics, topic)
		rest = next[1:] // requested QoS
	}
	if len(topics) == 0 {
		return 0, nil, errMalformed
	}
	return packetID, topics, nil
}

func encodeSuback(packetID uint16, count int) []byte {
	body := binary.BigEndian.AppendUint16(nil, packetID)
	for i := 0; i < count; i++ {
		body = append(body, 0) // granted QoS 0
	}
	return encodePacket(packetSuback, 0, body)
}

func encodePingresp() []byte {
	return encodePacket(packetPingresp, 0, nil)
}
