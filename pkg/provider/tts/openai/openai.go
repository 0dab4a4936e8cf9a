// Package openai implements tts.Provider on the OpenAI speech API.
//
// The API returns 24 kHz mono 16-bit PCM; the provider resamples to the
// pipeline rate and encodes fixed-duration Opus frames.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// The speech endpoint always renders PCM at this rate.
const apiSampleRate = 24000

const (
	defaultModel = "tts-1"
	defaultVoice = "alloy"
)

var _ tts.Provider = (*Provider)(nil)

// Provider synthesises speech through the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	voice  string
	speed  float64
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	voice   string
	speed   float64
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default API base URL, for OpenAI-compatible
// endpoints.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the speech model ("tts-1", "tts-1-hd").
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice sets the default voice profile.
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithSpeed sets the playback speed multiplier in [0.25, 4.0].
func WithSpeed(speed float64) Option {
	return func(c *config) { c.speed = speed }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel, voice: defaultVoice}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		voice:  cfg.voice,
		speed:  cfg.speed,
	}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) ([]tts.Frame, error) {
	if text == "" {
		return nil, nil
	}
	if voice == "" {
		voice = p.voice
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.speed > 0 {
		params.Speed = oai.Float(p.speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: speech request: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech response: %w", err)
	}

	pcm = audio.ResampleMono16(pcm, apiSampleRate, audio.SampleRate)

	enc, err := audio.NewOpusEncoder(audio.SampleRate, audio.FrameDurationMs)
	if err != nil {
		return nil, err
	}
	packets, err := enc.EncodeFrames(pcm)
	if err != nil {
		return nil, err
	}

	frames := make([]tts.Frame, len(packets))
	for i, pkt := range packets {
		frames[i] = tts.Frame{Opus: pkt, DurationMs: audio.FrameDurationMs}
	}
	return frames, nil
}
