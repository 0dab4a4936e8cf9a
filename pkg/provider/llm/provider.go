// Package llm defines the Provider interface for language model backends.
//
// The dialogue service drives models through streaming completions with tool
// calling; the intent classifier uses the blocking Complete path. Providers
// wrap a remote or local model API behind a uniform interface so neither
// service couples to a specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// CompletionRequest carries everything the model needs to produce a response.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []Message

	// Tools is the set of function definitions offered to the model. Callers
	// should check Capabilities().SupportsToolCalling first.
	Tools []ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0]. Zero uses the
	// provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is injected before the conversation history, using the
	// provider's native system mechanism where one exists.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// or "error" when the backend failed mid-stream.
	FinishReason string

	// ToolCalls holds fully accumulated tool invocations, delivered on the
	// final chunk.
	ToolCalls []ToolCall
}

// FinishReason values surfaced to stream consumers.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
)

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full assistant reply. Empty when the model responds
	// exclusively with tool calls.
	Content string

	// ToolCalls lists tool invocations requested by the model.
	ToolCalls []ToolCall
}

// Provider is the abstraction over any model backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel emitting Chunks as
	// they arrive. The channel is closed when generation finishes or ctx is
	// cancelled; callers must drain it. Errors after the stream opens are
	// surfaced as a Chunk with FinishReason "error". The returned channel is
	// never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the underlying model,
	// constant for the provider's lifetime.
	Capabilities() ModelCapabilities
}
