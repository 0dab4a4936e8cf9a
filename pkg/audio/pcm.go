// Package audio provides the PCM, Opus, and WAV primitives shared by the
// listen pipeline, the TTS providers, and the greeting cache.
//
// All PCM is 16-bit signed little-endian. The pipeline's working format is
// 16 kHz mono; conversion helpers bring device audio into that shape.
package audio

import "math"

// Standard pipeline audio parameters.
const (
	// SampleRate is the working sample rate of the VAD/ASR pipeline.
	SampleRate = 16000

	// FrameDurationMs is the default duration of one device audio frame.
	FrameDurationMs = 60

	// SamplesPerFrame is the sample count of one 60 ms mono frame at 16 kHz.
	SamplesPerFrame = SampleRate * FrameDurationMs / 1000 // 960

	// VADChunkSamples is the fixed classification window of the VAD.
	VADChunkSamples = 512
)

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is dropped.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// ResampleMono16 linearly resamples mono 16-bit PCM between sample rates.
// Linear interpolation is adequate for speech heading into VAD/ASR.
func ResampleMono16(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	in := BytesToInt16s(pcm)
	if len(in) == 0 {
		return nil
	}
	outLen := len(in) * toRate / fromRate
	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * float64(fromRate) / float64(toRate)
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		a, b := float64(in[idx]), float64(in[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return Int16sToBytes(out)
}

// StereoToMono downmixes interleaved stereo 16-bit PCM by averaging channels.
func StereoToMono(pcm []byte) []byte {
	in := BytesToInt16s(pcm)
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16((int32(in[i*2]) + int32(in[i*2+1])) / 2)
	}
	return Int16sToBytes(out)
}

// RMS returns the root-mean-square energy of 16-bit PCM samples, normalised
// to [0, 1]. Used by the energy VAD engine.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	mean := sum / float64(len(pcm))
	return math.Sqrt(mean) / 32768.0
}
