// Package whisper implements asr.Provider on the whisper.cpp CGO bindings.
// The whisper.cpp static library (libwhisper.a) and headers must be available
// at link time via LIBRARY_PATH and C_INCLUDE_PATH.
//
// The model is loaded once at construction and shared by every inference; a
// fresh whisper context is created per call because contexts are not
// thread-safe. Callers are expected to serialise inference through the pool
// package, but the provider itself is safe for concurrent use.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/asr"
)

const defaultLanguage = "auto"

var _ asr.Provider = (*Provider)(nil)

// Provider runs local whisper.cpp inference.
type Provider struct {
	model    whisperlib.Model
	language string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the recognition language code ("en", "zh", "auto").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New loads the whisper model from modelPath. The caller must Close the
// provider when done to release the model.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &Provider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements asr.Provider. pcm is 16 kHz mono 16-bit PCM bytes.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: %w", err)
	}
	if len(pcm) == 0 {
		return asr.Result{}, nil
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if p.language != "" {
		if err := wctx.SetLanguage(p.language); err != nil {
			return asr.Result{}, fmt.Errorf("whisper: set language %q: %w", p.language, err)
		}
	}

	if err := wctx.Process(pcmToFloat32(pcm), nil, nil, nil); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return asr.Result{Text: strings.Join(parts, " ")}, nil
}

// pcmToFloat32 converts 16-bit little-endian PCM bytes to the float32 samples
// whisper.cpp expects.
func pcmToFloat32(pcm []byte) []float32 {
	in := audio.BytesToInt16s(pcm)
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}
