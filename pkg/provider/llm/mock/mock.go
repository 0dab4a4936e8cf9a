// Package mock provides a scriptable LLM provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// Turn is one scripted model response. Chunks are streamed one at a time by
// StreamCompletion; Complete concatenates their text and collects their tool
// calls.
type Turn struct {
	Chunks []llm.Chunk
	Err    error
}

// Provider is a mock llm.Provider replaying scripted turns in order. When the
// script runs out the last turn repeats. Safe for concurrent use.
type Provider struct {
	// Turns is the scripted response sequence.
	Turns []Turn

	// Caps overrides the reported capabilities. Zero value reports streaming
	// and tool calling supported.
	Caps llm.ModelCapabilities

	mu       sync.Mutex
	pos      int
	Requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) nextTurn(req llm.CompletionRequest) Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if len(p.Turns) == 0 {
		return Turn{Chunks: []llm.Chunk{{FinishReason: llm.FinishStop}}}
	}
	i := min(p.pos, len(p.Turns)-1)
	p.pos++
	return p.Turns[i]
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	turn := p.nextTurn(req)
	if turn.Err != nil {
		return nil, turn.Err
	}
	ch := make(chan llm.Chunk, len(turn.Chunks))
	go func() {
		defer close(ch)
		for _, c := range turn.Chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	turn := p.nextTurn(req)
	if turn.Err != nil {
		return nil, turn.Err
	}
	var resp llm.CompletionResponse
	for _, c := range turn.Chunks {
		resp.Content += c.Text
		resp.ToolCalls = append(resp.ToolCalls, c.ToolCalls...)
	}
	return &resp, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	if p.Caps != (llm.ModelCapabilities{}) {
		return p.Caps
	}
	return llm.ModelCapabilities{
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
}
