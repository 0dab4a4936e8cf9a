// Package asr defines the speech recognition provider interface.
//
// The primary contract is batch: the listen pipeline accumulates one
// utterance of PCM and submits it whole. Providers that can also deliver
// partial hypotheses over a live stream additionally implement Streamer;
// callers type-assert for it.
package asr

import "context"

// Result is the recognition outcome for one utterance.
type Result struct {
	// Text is the transcript. Empty means nothing was recognised.
	Text string

	// Confidence is the provider's confidence in [0, 1], or 0 when the
	// backend does not report one.
	Confidence float64
}

// Provider transcribes complete utterances of 16 kHz mono 16-bit PCM.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Transcribe runs recognition over one utterance and blocks until the
	// transcript is ready or ctx is done.
	Transcribe(ctx context.Context, pcm []byte) (Result, error)
}

// Transcript is a single hypothesis emitted by a streaming session.
type Transcript struct {
	Text       string
	Final      bool
	Confidence float64
}

// StreamConfig configures a streaming recognition session.
type StreamConfig struct {
	// SampleRate of the PCM that will be sent. Defaults to 16000.
	SampleRate int

	// Language is a BCP-47 code. Empty uses the provider default.
	Language string
}

// SessionHandle is a live streaming recognition session.
type SessionHandle interface {
	// SendAudio queues raw 16-bit little-endian PCM for recognition.
	SendAudio(chunk []byte) error

	// Partials emits interim hypotheses. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits authoritative hypotheses. Closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio and ends the session. Safe to call twice.
	Close() error
}

// Streamer is the optional capability for providers that support live
// streaming recognition with partial hypotheses.
type Streamer interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
