// Package mock provides a scriptable ASR provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/asr"
)

// Provider is a mock asr.Provider. Transcribe replays Results in order and
// repeats the last one when the script runs out. Block, when set, delays each
// call until released or ctx is done.
type Provider struct {
	// Results is the sequence of transcripts to return.
	Results []asr.Result

	// Err, when set, is returned by every call.
	Err error

	// Block, when non-nil, makes Transcribe wait until the channel is closed.
	Block chan struct{}

	mu    sync.Mutex
	pos   int
	Calls int
}

var _ asr.Provider = (*Provider)(nil)

// Transcribe implements asr.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	p.mu.Lock()
	p.Calls++
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return asr.Result{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return asr.Result{}, p.Err
	}
	if len(p.Results) == 0 {
		return asr.Result{}, nil
	}
	i := min(p.pos, len(p.Results)-1)
	p.pos++
	return p.Results[i], nil
}
