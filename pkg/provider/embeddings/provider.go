// Package embeddings defines the Provider interface for text embedding
// backends used by the long-term memory store.
package embeddings

import "context"

// Provider converts texts into dense vectors for semantic search.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns one vector per input text, in order. All vectors from a
	// given provider have the same dimension.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the vector dimension this provider produces.
	Dimensions() int
}
