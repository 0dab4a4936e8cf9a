// Package tts defines the Provider interface for speech synthesis backends.
//
// Synthesis is sentence-granular: the playback orchestrator submits one
// sentence at a time and receives the complete utterance as a slice of
// fixed-duration Opus frames ready for the paced sender. Providers must be
// safe for concurrent use; sentences from different sessions may synthesise
// in parallel.
package tts

import "context"

// Frame is one encoded audio frame ready to send downstream.
type Frame struct {
	// Opus is the encoded packet.
	Opus []byte

	// DurationMs is the frame duration, normally 60.
	DurationMs int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts one sentence of text into Opus frames at the
	// pipeline's output rate. voice selects the voice profile; empty uses
	// the provider default. Blocks until the full utterance is encoded or
	// ctx is done.
	Synthesize(ctx context.Context, text, voice string) ([]Frame, error)
}
