// Package openai implements embeddings.Provider on the OpenAI embeddings API.
package openai

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxgate/voxgate/pkg/provider/embeddings"
)

const (
	defaultModel      = "text-embedding-3-small"
	defaultDimensions = 1536
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider embeds text through the OpenAI API.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
}

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	model      string
	dimensions int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the embedding model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithDimensions requests reduced-dimension vectors from models that
// support it.
func WithDimensions(d int) Option {
	return func(c *config) { c.dimensions = d }
}

// WithBaseURL overrides the default API base URL, for OpenAI-compatible
// endpoints.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// New constructs an OpenAI embeddings Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel, dimensions: defaultDimensions}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      cfg.model,
		dimensions: cfg.dimensions,
	}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	params := oai.EmbeddingNewParams{
		Model: oai.EmbeddingModel(p.model),
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	}
	if p.dimensions > 0 && p.dimensions != defaultDimensions {
		params.Dimensions = oai.Int(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: embeddings request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dimensions }
