// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-session handle. Each session maintains its own state
// (smoothing history, previous classification) so concurrent device streams
// are processed independently.
//
// VAD is synchronous by design: Classify returns immediately, making it
// suitable for the low-latency gate in front of the ASR buffer.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the PCM sample rate in Hz. The pipeline uses 16000.
	SampleRate int

	// ChunkSamples is the fixed classification window size in samples.
	// The pipeline uses 512.
	ChunkSamples int

	// SpeechThreshold is the score at or above which a chunk is classified as
	// voice (T_high). Range [0, 1].
	SpeechThreshold float64

	// SilenceThreshold is the score at or below which a chunk is classified
	// as non-voice (T_low). Must be <= SpeechThreshold. Scores between the
	// two thresholds carry the previous classification.
	SilenceThreshold float64
}

// Label is the classification of one chunk.
type Label int

const (
	// Silence means the chunk scored at or below the silence threshold.
	Silence Label = iota

	// Voice means the chunk scored at or above the speech threshold.
	Voice
)

// Result is the classification outcome for a single chunk.
type Result struct {
	// Label is the hysteresis-resolved classification.
	Label Label

	// Score is the raw speech probability or energy score in [0, 1].
	Score float64
}

// SessionHandle is an active VAD session for one audio stream.
type SessionHandle interface {
	// Classify scores one chunk of 16-bit little-endian PCM and returns the
	// dual-threshold classification. Chunks between the thresholds inherit
	// the previous chunk's label. Must not block.
	Classify(pcm []int16) (Result, error)

	// Reset clears accumulated state without closing the session. Used after
	// an utterance is submitted for recognition.
	Reset()

	// Close releases session resources. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
