package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// WAV encode/decode for the greeting cache and pre-recorded clips.
// Only 16-bit PCM RIFF files are supported.

// EncodeWAV wraps mono 16-bit PCM bytes in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const headerLen = 44
	out := make([]byte, headerLen+len(pcm))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)                    // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)                     // PCM
	binary.LittleEndian.PutUint16(out[22:24], 1)                     // mono
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*2))  // byte rate
	binary.LittleEndian.PutUint16(out[32:34], 2)                     // block align
	binary.LittleEndian.PutUint16(out[34:36], 16)                    // bits per sample
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerLen:], pcm)
	return out
}

// DecodeWAV extracts 16-bit PCM data and the sample rate from a RIFF/WAVE
// byte slice. Stereo input is downmixed to mono.
func DecodeWAV(data []byte) (pcm []byte, sampleRate int, err error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("audio: not a RIFF/WAVE file")
	}

	var fmtFound bool
	var channels, bits int
	// Walk the chunk list; fmt and data may be separated by other chunks.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, errors.New("audio: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, 0, fmt.Errorf("audio: unsupported wav format %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			fmtFound = true
		case "data":
			if !fmtFound {
				return nil, 0, errors.New("audio: data chunk before fmt chunk")
			}
			if bits != 16 {
				return nil, 0, fmt.Errorf("audio: unsupported bit depth %d (want 16)", bits)
			}
			pcm = data[body : body+size]
			if channels == 2 {
				pcm = StereoToMono(pcm)
			}
			return pcm, sampleRate, nil
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}
	return nil, 0, errors.New("audio: no data chunk found")
}

// ReadWAVFile reads a WAV file and returns mono 16-bit PCM resampled to the
// requested rate.
func ReadWAVFile(path string, targetRate int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audio: read %q: %w", path, err)
	}
	pcm, rate, err := DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode %q: %w", path, err)
	}
	if rate != targetRate {
		pcm = ResampleMono16(pcm, rate, targetRate)
	}
	return pcm, nil
}

// WriteWAVFile writes mono 16-bit PCM to path as a WAV file.
func WriteWAVFile(path string, pcm []byte, sampleRate int) error {
	if err := os.WriteFile(path, EncodeWAV(pcm, sampleRate), 0o644); err != nil {
		return fmt.Errorf("audio: write %q: %w", path, err)
	}
	return nil
}
