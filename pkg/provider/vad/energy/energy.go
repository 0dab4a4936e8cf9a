// Package energy implements a VAD engine based on normalised RMS energy with
// dual-threshold hysteresis and exponential smoothing.
//
// It needs no model files and no cgo, which makes it the default engine and
// the fallback when a neural VAD is not configured. The score it produces is
// the smoothed RMS of each 512-sample chunk, mapped to [0, 1].
package energy

import (
	"fmt"
	"sync"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/vad"
)

// smoothing is the weight of the current chunk in the running score. A light
// filter suppresses single-chunk spikes from clicks and pops.
const smoothing = 0.7

// Engine creates energy-based VAD sessions.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns an energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.ChunkSamples <= 0 {
		return nil, fmt.Errorf("energy: chunk samples must be positive, got %d", cfg.ChunkSamples)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.2f exceeds speech threshold %.2f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{cfg: cfg}, nil
}

type session struct {
	cfg vad.Config

	mu      sync.Mutex
	score   float64
	prev    vad.Label
	started bool
	closed  bool
}

var _ vad.SessionHandle = (*session)(nil)

// Classify implements vad.SessionHandle.
func (s *session) Classify(pcm []int16) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Result{}, fmt.Errorf("energy: session closed")
	}
	if len(pcm) != s.cfg.ChunkSamples {
		return vad.Result{}, fmt.Errorf("energy: chunk has %d samples, want %d", len(pcm), s.cfg.ChunkSamples)
	}

	raw := audio.RMS(pcm)
	if !s.started {
		s.score = raw
		s.started = true
	} else {
		s.score = smoothing*raw + (1-smoothing)*s.score
	}

	label := s.prev
	switch {
	case s.score >= s.cfg.SpeechThreshold:
		label = vad.Voice
	case s.score <= s.cfg.SilenceThreshold:
		label = vad.Silence
	}
	s.prev = label

	return vad.Result{Label: label, Score: s.score}, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.score = 0
	s.prev = vad.Silence
	s.started = false
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
