// Package mock provides a scriptable TTS provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// Provider is a mock tts.Provider. Each Synthesize call returns FramesPerCall
// frames whose payload is the input text, so tests can assert ordering.
type Provider struct {
	// FramesPerCall is how many frames each call yields. Zero means 1.
	FramesPerCall int

	// Err, when set, is returned by every call.
	Err error

	mu    sync.Mutex
	Texts []string
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) ([]tts.Frame, error) {
	p.mu.Lock()
	p.Texts = append(p.Texts, text)
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := p.FramesPerCall
	if n <= 0 {
		n = 1
	}
	frames := make([]tts.Frame, n)
	for i := range frames {
		frames[i] = tts.Frame{Opus: []byte(text), DurationMs: 60}
	}
	return frames, nil
}

// Synthesized returns a copy of all texts synthesised so far.
func (p *Provider) Synthesized() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}
