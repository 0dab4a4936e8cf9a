package transport

import (
	"encoding/binary"
	"fmt"
)

// AudioHeaderSize is the fixed prefix length of datagram audio payloads and
// of gateway-framed binary frames.
const AudioHeaderSize = 16

// Audio payload types.
const (
	AudioTypeOpus byte = 0x01
	AudioTypePCM  byte = 0x02
)

// AudioHeader is the 16-byte prefix carried by every datagram audio packet:
// [type:1][reserved:1][len:2][conn_id:4][ts:4][seq:4]. ConnID identifies the
// connection on both directions; Seq increases by one per packet per sender.
type AudioHeader struct {
	Type      byte
	ConnID    uint32
	Timestamp uint32
	Seq       uint32
}

// EncodeAudioHeader writes h followed by payload into a fresh buffer.
func EncodeAudioHeader(h AudioHeader, payload []byte) []byte {
	out := make([]byte, AudioHeaderSize+len(payload))
	out[0] = h.Type
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	binary.BigEndian.PutUint32(out[4:8], h.ConnID)
	binary.BigEndian.PutUint32(out[8:12], h.Timestamp)
	binary.BigEndian.PutUint32(out[12:16], h.Seq)
	copy(out[AudioHeaderSize:], payload)
	return out
}

// DecodeAudioHeader splits packet into its header and payload.
func DecodeAudioHeader(packet []byte) (AudioHeader, []byte, error) {
	if len(packet) < AudioHeaderSize {
		return AudioHeader{}, nil, fmt.Errorf("transport: audio packet too short: %d bytes", len(packet))
	}
	h := AudioHeader{
		Type:      packet[0],
		ConnID:    binary.BigEndian.Uint32(packet[4:8]),
		Timestamp: binary.BigEndian.Uint32(packet[8:12]),
		Seq:       binary.BigEndian.Uint32(packet[12:16]),
	}
	payload := packet[AudioHeaderSize:]
	if got := binary.BigEndian.Uint16(packet[2:4]); got != uint16(len(payload)) {
		return AudioHeader{}, nil, fmt.Errorf("transport: audio header length mismatch: header %d, payload %d", got, len(payload))
	}
	return h, payload, nil
}
