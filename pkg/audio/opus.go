package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Device audio is 16 kHz mono Opus at 60 ms frame size.
const (
	opusChannels = 1
)

// OpusDecoder wraps a gopus decoder for a single device stream. Each session
// gets its own decoder so state carries correctly across consecutive frames.
// Not safe for concurrent use.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	frameSize  int
}

// NewOpusDecoder creates a decoder for mono Opus at the given sample rate and
// frame duration.
func NewOpusDecoder(sampleRate, frameDurationMs int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		frameSize:  sampleRate * frameDurationMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into 16-bit little-endian PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// OpusEncoder wraps a gopus encoder for downstream TTS audio.
// Not safe for concurrent use.
type OpusEncoder struct {
	enc        *gopus.Encoder
	sampleRate int
	frameSize  int
}

// NewOpusEncoder creates a mono voice-tuned encoder at the given sample rate
// and frame duration.
func NewOpusEncoder(sampleRate, frameDurationMs int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		frameSize:  sampleRate * frameDurationMs / 1000,
	}, nil
}

// Encode encodes exactly one frame of 16-bit little-endian PCM into an Opus
// packet. Input shorter than a frame is zero-padded; longer input is an error.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	samples := BytesToInt16s(pcm)
	if len(samples) > e.frameSize {
		return nil, fmt.Errorf("audio: opus encode: %d samples exceed frame size %d", len(samples), e.frameSize)
	}
	if len(samples) < e.frameSize {
		padded := make([]int16, e.frameSize)
		copy(padded, samples)
		samples = padded
	}
	packet, err := e.enc.Encode(samples, e.frameSize, e.frameSize*2)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// EncodeFrames splits arbitrary-length PCM into frame-sized Opus packets.
// The tail frame is zero-padded.
func (e *OpusEncoder) EncodeFrames(pcm []byte) ([][]byte, error) {
	frameBytes := e.frameSize * 2
	var frames [][]byte
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		packet, err := e.Encode(pcm[off:end])
		if err != nil {
			return nil, err
		}
		frames = append(frames, packet)
	}
	return frames, nil
}
