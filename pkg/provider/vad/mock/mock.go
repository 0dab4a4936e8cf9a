// Package mock provides a scriptable VAD engine for tests.
package mock

import (
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/vad"
)

// Engine is a mock vad.Engine. Sessions replay the scripted labels in order
// and repeat the last one when the script runs out. An empty script labels
// everything Silence.
type Engine struct {
	// Script is the sequence of labels to return from Classify.
	Script []vad.Label

	// Err, when set, is returned by every Classify call.
	Err error
}

var _ vad.Engine = (*Engine)(nil)

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return &Session{engine: e}, nil
}

// Session is a mock vad.SessionHandle.
type Session struct {
	engine *Engine

	mu        sync.Mutex
	pos       int
	Resets    int
	Closed    bool
	Classifed int
}

var _ vad.SessionHandle = (*Session)(nil)

// Classify implements vad.SessionHandle.
func (s *Session) Classify(pcm []int16) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Classifed++
	if s.engine.Err != nil {
		return vad.Result{}, s.engine.Err
	}
	label := vad.Silence
	if len(s.engine.Script) > 0 {
		i := min(s.pos, len(s.engine.Script)-1)
		label = s.engine.Script[i]
		s.pos++
	}
	score := 0.0
	if label == vad.Voice {
		score = 1.0
	}
	return vad.Result{Label: label, Score: score}, nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
	s.Resets++
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}
